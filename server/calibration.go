package server

import (
	"context"
	"time"

	"github.com/artus9033/bhl-heartware-empire-2023/wire"
)

type calibrateRequest struct {
	ContainerID int64 `cbor:"container_id" json:"containerId"`
}

type calibrateCommand struct {
	ContainerID int64 `cbor:"container_id" json:"containerId"`
}

// handleCalibrate runs the tare procedure for one container. The ack
// is a tagged status: denied before any station contact, offline when
// the owning station has no live connection, failed when the hardware
// says no, ok only after the timestamp is persisted. A station that
// never answers within the bound counts as failed; its connection
// stays up.
func (s *operatorSession) handleCalibrate(ctx context.Context, payload []byte) (any, error) {
	b := s.broker

	id, authed := s.operatorID()
	if !authed {
		return CalibrationReply{Status: CalibrationDenied}, nil
	}
	var req calibrateRequest
	if err := wire.Unmarshal(payload, &req); err != nil {
		return CalibrationReply{Status: CalibrationDenied}, nil
	}

	station, container, ok := b.auth.ContainerAccess(id, req.ContainerID)
	if !ok {
		return CalibrationReply{Status: CalibrationDenied}, nil
	}

	stationConn, online := b.reg.LookupStation(station.Host)
	if !online {
		b.log.Warnw("calibration requested against offline station",
			"operator", id, "station", station.Host, "container", container.ID)
		return CalibrationReply{Status: CalibrationOffline}, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, b.cfg.CalibrationTimeout)
	defer cancel()

	var done bool
	err := stationConn.Request(reqCtx, EventCalibrate, calibrateCommand{ContainerID: container.ID}, &done)
	if err != nil || !done {
		b.log.Warnw("calibration failed",
			"operator", id,
			"station", station.Host,
			"container", container.ID,
			"err", err,
		)
		return CalibrationReply{Status: CalibrationFailed}, nil
	}

	now := time.Now().UTC()
	if err := b.store.SaveCalibration(container.ID, now); err != nil {
		b.log.Errorw("persisting calibration failed", "container", container.ID, "err", err)
		return CalibrationReply{Status: CalibrationFailed}, nil
	}
	b.notifier.NotifyAll()
	b.log.Infow("container calibrated",
		"operator", id, "station", station.Host, "container", container.ID, "at", now)
	return CalibrationReply{Status: CalibrationOK}, nil
}
