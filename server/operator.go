package server

import (
	"context"
	"errors"
	"sync"

	"github.com/artus9033/bhl-heartware-empire-2023/repository"
	"github.com/artus9033/bhl-heartware-empire-2023/transaction"
	"github.com/artus9033/bhl-heartware-empire-2023/wire"
)

// Operator channel events.
const (
	EventOperatorAuth   = "auth"
	EventLogout         = "logout"
	EventListStations   = "listStations"
	EventListContainers = "listContainersInStation"
	EventCalibrate      = "calibrateContainer"
)

type operatorAuthRequest struct {
	Username string `cbor:"username" json:"username"`
	Password string `cbor:"password" json:"password"`
}

type listContainersRequest struct {
	Host string `cbor:"host" json:"host"`
}

type transactionRequest struct {
	Host string `cbor:"host" json:"host"`
	// Targets maps container id to the absolute count it should
	// reach. The client converts the operator's relative input before
	// sending.
	Targets map[int64]int64 `cbor:"targets" json:"targets"`
}

// operatorSession is the per-connection state of one operator channel.
type operatorSession struct {
	broker *Broker
	conn   *wire.Conn

	mu     sync.Mutex
	userID int64
	authed bool
}

func (b *Broker) handleOperatorConn(ctx context.Context, conn *wire.Conn) {
	s := &operatorSession{broker: b, conn: conn}
	conn.Handle(EventOperatorAuth, s.handleAuth)
	conn.Handle(EventLogout, s.handleLogout)
	conn.Handle(EventListStations, s.handleListStations)
	conn.Handle(EventListContainers, s.handleListContainers)
	conn.Handle(EventCalibrate, s.handleCalibrate)
	conn.Handle(transaction.ModeStore.Command(), s.transactionHandler(transaction.ModeStore))
	conn.Handle(transaction.ModePick.Command(), s.transactionHandler(transaction.ModePick))
	conn.OnClose(s.handleClose)

	b.log.Infow("operator channel opened", "conn", conn.ID(), "remote", conn.RemoteAddr())
	if err := conn.Serve(ctx); err != nil {
		b.log.Debugw("operator channel ended", "conn", conn.ID(), "err", err)
	}
}

// operatorID returns the authenticated operator behind this session.
func (s *operatorSession) operatorID() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.authed
}

func (s *operatorSession) handleAuth(_ context.Context, payload []byte) (any, error) {
	b := s.broker

	var req operatorAuthRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		authFailuresTotal.WithLabelValues("operator").Inc()
		return AuthReply{}, nil
	}

	user, err := b.store.AuthenticateUser(req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			b.log.Errorw("operator auth lookup failed", "username", req.Username, "err", err)
		}
		authFailuresTotal.WithLabelValues("operator").Inc()
		b.log.Warnw("operator auth rejected", "username", req.Username, "conn", s.conn.ID())
		return AuthReply{}, nil
	}

	s.mu.Lock()
	s.userID = user.ID
	s.authed = true
	s.mu.Unlock()

	b.reg.BindOperator(user.ID, s.conn)
	operatorsConnected.Set(float64(b.reg.OperatorCount()))
	b.log.Infow("operator authenticated", "operator", user.ID, "conn", s.conn.ID())
	return AuthReply{Success: true, ID: user.ID, Name: user.Name}, nil
}

// handleLogout drops the registry binding but keeps the channel open;
// the client may authenticate again on the same connection.
func (s *operatorSession) handleLogout(_ context.Context, _ []byte) (any, error) {
	b := s.broker

	s.mu.Lock()
	id, authed := s.userID, s.authed
	s.authed = false
	s.mu.Unlock()
	if !authed {
		return false, nil
	}

	b.reg.UnbindOperator(id, s.conn)
	operatorsConnected.Set(float64(b.reg.OperatorCount()))
	b.log.Infow("operator logged out", "operator", id, "conn", s.conn.ID())
	return true, nil
}

// handleListStations lists the stations the operator may act on.
// Unauthenticated sessions and unknown operators get CBOR null.
func (s *operatorSession) handleListStations(_ context.Context, _ []byte) (any, error) {
	b := s.broker

	id, authed := s.operatorID()
	if !authed {
		return nil, nil
	}
	user, err := b.store.UserWithStations(id)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			b.log.Errorw("station list lookup failed", "operator", id, "err", err)
		}
		return nil, nil
	}

	summaries := make([]StationSummary, 0, len(user.Stations))
	for i := range user.Stations {
		summaries = append(summaries, summarizeStation(&user.Stations[i]))
	}
	return summaries, nil
}

// handleListContainers returns the full station view, or CBOR null on
// any denial. The reply never distinguishes "no such station" from
// "not yours".
func (s *operatorSession) handleListContainers(_ context.Context, payload []byte) (any, error) {
	b := s.broker

	id, authed := s.operatorID()
	if !authed {
		return nil, nil
	}
	var req listContainersRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		return nil, nil
	}

	station, ok := b.auth.StationAccess(id, req.Host)
	if !ok {
		return nil, nil
	}
	return stationDetails(station), nil
}

// transactionHandler builds the put_in / take_out request handler for
// one mode. The handler blocks for the whole physical procedure; the
// wire layer runs it off the read loop, so the operator channel stays
// responsive meanwhile.
func (s *operatorSession) transactionHandler(mode transaction.Mode) wire.HandlerFunc {
	return func(ctx context.Context, payload []byte) (any, error) {
		b := s.broker

		id, authed := s.operatorID()
		if !authed {
			return nil, nil
		}
		var req transactionRequest
		if err := wire.Unmarshal(payload, &req); err != nil {
			return nil, nil
		}

		station, ok := b.auth.StationAccess(id, req.Host)
		if !ok {
			return nil, nil
		}
		stationConn, online := b.reg.LookupStation(station.Host)
		if !online {
			b.log.Warnw("transaction requested against offline station",
				"operator", id, "station", station.Host, "mode", mode.String())
			return false, nil
		}

		progressEvent := mode.ProgressEvent()
		result, err := b.orch.Run(ctx, stationConn, station, mode, req.Targets, func(p transaction.Progress) {
			if emitErr := s.conn.Emit(progressEvent, p); emitErr != nil {
				b.log.Debugw("progress forward failed", "operator", id, "err", emitErr)
			}
		})
		if err != nil {
			b.log.Warnw("transaction did not complete",
				"operator", id,
				"station", station.Host,
				"mode", mode.String(),
				"result", result.String(),
				"err", err,
			)
		}
		return result == transaction.ResultSuccess, nil
	}
}

func (s *operatorSession) handleClose(err error) {
	b := s.broker

	s.mu.Lock()
	id, authed := s.userID, s.authed
	s.mu.Unlock()
	if !authed {
		return
	}

	if !b.reg.UnbindOperator(id, s.conn) {
		b.log.Debugw("stale operator close ignored", "operator", id, "conn", s.conn.ID())
		return
	}
	operatorsConnected.Set(float64(b.reg.OperatorCount()))
	b.log.Infow("operator disconnected", "operator", id, "conn", s.conn.ID(), "cause", err)
}
