package transaction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/artus9033/bhl-heartware-empire-2023/repository/models"
	"github.com/artus9033/bhl-heartware-empire-2023/wire"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfbroker_transactions_total",
		Help: "Completed transaction runs by mode and result.",
	}, []string{"mode", "result"})
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shelfbroker_progress_ticks_total",
		Help: "Sensor progress ticks processed.",
	})
	anomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfbroker_wrong_direction_ticks_total",
		Help: "Progress ticks moving away from the target.",
	}, []string{"mode"})
)

// ContainerStore persists authoritative sensor readings.
type ContainerStore interface {
	SaveContainerCount(containerID, count int64) error
}

// Notifier signals connected operator clients that data changed.
type Notifier interface {
	NotifyAll()
}

// Orchestrator runs pick/store transactions. One orchestrator serves
// the whole broker; per-station mutexes keep two transactions from
// driving the same station at once.
type Orchestrator struct {
	store    ContainerStore
	notifier Notifier
	log      *zap.SugaredLogger

	// ackTimeout bounds the wait for the station's terminal
	// acknowledgement. The operator is physically placing items, so
	// this is minutes, not seconds.
	ackTimeout time.Duration

	locks sync.Map // station host -> *sync.Mutex
}

// NewOrchestrator wires an orchestrator. ackTimeout <= 0 selects the
// 15 minute default.
func NewOrchestrator(store ContainerStore, notifier Notifier, log *zap.SugaredLogger, ackTimeout time.Duration) *Orchestrator {
	if ackTimeout <= 0 {
		ackTimeout = 15 * time.Minute
	}
	return &Orchestrator{store: store, notifier: notifier, log: log, ackTimeout: ackTimeout}
}

// Run drives one transaction against the station behind conn. The
// station snapshot supplies the last known container counts; targets
// maps container id to the absolute count it should reach. Every
// classified progress event is delivered to sink in arrival order; on
// each tick the reading is persisted and broadcast before sink sees
// it. Run blocks until the station's terminal acknowledgement,
// connection loss, or timeout.
func (o *Orchestrator) Run(
	ctx context.Context,
	conn *wire.Conn,
	station *models.Station,
	mode Mode,
	targets map[int64]int64,
	sink func(Progress),
) (Result, error) {
	known := make(map[int64]int64, len(station.Containers))
	for i := range station.Containers {
		known[station.Containers[i].ID] = station.Containers[i].ItemsCount
	}
	for containerID := range targets {
		if _, ok := known[containerID]; !ok {
			runsTotal.WithLabelValues(mode.String(), ResultFailure.String()).Inc()
			return ResultFailure, ErrUnknownContainer
		}
	}

	lock := o.lockFor(station.Host)
	if !lock.TryLock() {
		runsTotal.WithLabelValues(mode.String(), ResultFailure.String()).Inc()
		return ResultFailure, ErrStationBusy
	}
	defer lock.Unlock()

	cur := newCursor(mode, targets, known)

	// Registering replaces any stale listener for this event, and the
	// deferred Cancel releases it on every exit path. A leaked
	// listener on the long-lived station connection would corrupt the
	// next transaction's classification.
	sub := conn.On(mode.ProgressEvent(), func(payload []byte) {
		var f Frame
		if err := wire.Unmarshal(payload, &f); err != nil {
			o.log.Warnw("malformed progress frame", "station", station.Host, "err", err)
			return
		}
		o.handleProgress(cur, station, mode, f, sink)
	})
	defer sub.Cancel()

	o.log.Infow("starting transaction",
		"station", station.Host,
		"mode", mode.String(),
		"targets", targets,
	)

	reqCtx, cancel := context.WithTimeout(ctx, o.ackTimeout)
	defer cancel()

	var ok bool
	err := conn.Request(reqCtx, mode.Command(), targets, &ok)
	switch {
	case err == nil:
		result := ResultFailure
		if ok {
			result = ResultSuccess
		}
		o.log.Infow("transaction completed",
			"station", station.Host,
			"mode", mode.String(),
			"result", result.String(),
		)
		runsTotal.WithLabelValues(mode.String(), result.String()).Inc()
		return result, nil
	case errors.Is(err, wire.ErrClosed):
		o.log.Warnw("station connection lost mid-transaction",
			"station", station.Host, "mode", mode.String())
		runsTotal.WithLabelValues(mode.String(), ResultAborted.String()).Inc()
		return ResultAborted, ErrConnectionLost
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		o.log.Warnw("station acknowledgement timed out",
			"station", station.Host, "mode", mode.String(), "timeout", o.ackTimeout)
		runsTotal.WithLabelValues(mode.String(), ResultAborted.String()).Inc()
		return ResultAborted, ErrAckTimeout
	default:
		runsTotal.WithLabelValues(mode.String(), ResultAborted.String()).Inc()
		return ResultAborted, err
	}
}

// handleProgress runs synchronously in the station connection's read
// loop, so processing order matches emission order. Ordering within a
// tick: persist, then broadcast, then forward downstream.
func (o *Orchestrator) handleProgress(cur *cursor, station *models.Station, mode Mode, f Frame, sink func(Progress)) {
	switch f.Kind {
	case KindUnlocked:
		o.log.Infow("station unlocked", "station", station.Host, "mode", mode.String())
		sink(Progress{Kind: KindUnlocked})
	case KindDone:
		o.log.Infow("station reports procedure finished", "station", station.Host, "mode", mode.String())
		sink(Progress{Kind: KindDone, Count: f.Count})
	case KindTick:
		ticksTotal.Inc()
		p := cur.tick(f.ContainerID, f.Count)
		if p.WrongDirection {
			anomaliesTotal.WithLabelValues(mode.String()).Inc()
		}
		// The sensor reading is authoritative truth; it is persisted
		// regardless of anomaly status and never rolled back.
		if err := o.store.SaveContainerCount(f.ContainerID, f.Count); err != nil {
			o.log.Errorw("persisting container count failed",
				"station", station.Host,
				"container", f.ContainerID,
				"count", f.Count,
				"err", err,
			)
		}
		o.notifier.NotifyAll()
		sink(p)
	default:
		o.log.Warnw("unknown progress kind", "station", station.Host, "kind", f.Kind)
	}
}

func (o *Orchestrator) lockFor(host string) *sync.Mutex {
	v, _ := o.locks.LoadOrStore(host, &sync.Mutex{})
	return v.(*sync.Mutex)
}
