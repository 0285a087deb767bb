package server

import (
	"context"
	"errors"
	"sync"

	"github.com/artus9033/bhl-heartware-empire-2023/repository"
	"github.com/artus9033/bhl-heartware-empire-2023/repository/models"
	"github.com/artus9033/bhl-heartware-empire-2023/wire"
)

// Station channel events.
const (
	EventStationAuth = "auth"
	EventRFIDCheck   = "checkUserAuthorizationForStation"
	EventInitUnits   = "initUnits"
)

type stationAuthRequest struct {
	Host   string `cbor:"host" json:"host"`
	Secret string `cbor:"secret" json:"secret"`
}

type rfidCheckRequest struct {
	RFID string `cbor:"rfid" json:"rfid"`
}

// stationSession is the per-connection state of one station channel.
// host is set exactly once, on successful auth.
type stationSession struct {
	broker *Broker
	conn   *wire.Conn

	mu    sync.Mutex
	host  string
	bound bool
}

func (b *Broker) handleStationConn(ctx context.Context, conn *wire.Conn) {
	s := &stationSession{broker: b, conn: conn}
	conn.Handle(EventStationAuth, s.handleAuth)
	conn.Handle(EventRFIDCheck, s.handleRFIDCheck)
	conn.OnClose(s.handleClose)

	b.log.Infow("station channel opened", "conn", conn.ID(), "remote", conn.RemoteAddr())
	if err := conn.Serve(ctx); err != nil {
		b.log.Debugw("station channel ended", "conn", conn.ID(), "err", err)
	}
}

// handleAuth authenticates the hardware gateway by host and shared
// secret. On success the connection is bound (newest wins), the
// station is marked connected, operators are refreshed, and the
// container configuration is pushed down with initUnits.
func (s *stationSession) handleAuth(ctx context.Context, payload []byte) (any, error) {
	b := s.broker

	var req stationAuthRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		authFailuresTotal.WithLabelValues("station").Inc()
		return false, nil
	}

	station, err := b.store.AuthenticateStation(req.Host, req.Secret)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			b.log.Errorw("station auth lookup failed", "host", req.Host, "err", err)
		}
		authFailuresTotal.WithLabelValues("station").Inc()
		b.log.Warnw("station auth rejected", "host", req.Host, "conn", s.conn.ID())
		return false, nil
	}

	s.mu.Lock()
	s.host = station.Host
	s.bound = true
	s.mu.Unlock()

	b.reg.BindStation(station.Host, s.conn)
	stationsConnected.Set(float64(b.reg.StationCount()))

	if err := b.store.SetStationConnected(station.Host, true); err != nil {
		b.log.Errorw("marking station connected failed", "host", station.Host, "err", err)
	}
	b.notifier.NotifyAll()
	b.log.Infow("station authenticated", "host", station.Host, "conn", s.conn.ID())

	s.pushInitUnits(ctx, station)
	return true, nil
}

// pushInitUnits downloads the container configuration to the station.
// The ack carries no decision; it is logged and dropped.
func (s *stationSession) pushInitUnits(ctx context.Context, station *models.Station) {
	b := s.broker
	reqCtx, cancel := context.WithTimeout(ctx, b.cfg.CalibrationTimeout)
	defer cancel()

	var ack any
	if err := s.conn.Request(reqCtx, EventInitUnits, containerUnits(station), &ack); err != nil {
		b.log.Warnw("initUnits push failed", "host", station.Host, "err", err)
		return
	}
	b.log.Infow("initUnits acknowledged", "host", station.Host, "units", len(station.Containers), "ack", ack)
}

// handleRFIDCheck answers the station's physical badge scan: true or
// false for a resolved decision, CBOR null when this connection never
// authenticated.
func (s *stationSession) handleRFIDCheck(_ context.Context, payload []byte) (any, error) {
	b := s.broker

	s.mu.Lock()
	host, bound := s.host, s.bound
	s.mu.Unlock()
	if !bound {
		b.log.Warnw("rfid check on unauthenticated station channel", "conn", s.conn.ID())
		return nil, nil
	}

	var req rfidCheckRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		return false, nil
	}

	user, err := b.store.UserByRFID(req.RFID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			b.log.Errorw("rfid lookup failed", "host", host, "err", err)
		}
		return false, nil
	}
	for i := range user.Stations {
		if user.Stations[i].Host == host {
			b.log.Infow("rfid badge authorized", "host", host, "operator", user.ID)
			return true, nil
		}
	}
	b.log.Warnw("rfid badge rejected", "host", host, "operator", user.ID)
	return false, nil
}

// handleClose unbinds the station. Only the connection still bound in
// the registry clears the connected flag; a close racing a reconnect
// must not mark the fresh connection's station offline.
func (s *stationSession) handleClose(err error) {
	b := s.broker

	s.mu.Lock()
	host, bound := s.host, s.bound
	s.mu.Unlock()
	if !bound {
		return
	}

	if !b.reg.UnbindStation(host, s.conn) {
		b.log.Debugw("stale station close ignored", "host", host, "conn", s.conn.ID())
		return
	}
	stationsConnected.Set(float64(b.reg.StationCount()))

	if dbErr := b.store.SetStationConnected(host, false); dbErr != nil {
		b.log.Errorw("marking station disconnected failed", "host", host, "err", dbErr)
	}
	b.notifier.NotifyAll()
	b.log.Infow("station disconnected", "host", host, "conn", s.conn.ID(), "cause", err)
}
