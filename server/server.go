// Package server is the broker's connection layer: it accepts the two
// channel populations (stations on one port, operator clients on the
// other), runs the auth handshake for each, and routes every named
// event to the component implementing it. All domain decisions live in
// auth, transaction and repository; this package only glues wire
// frames to them.
package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/artus9033/bhl-heartware-empire-2023/auth"
	"github.com/artus9033/bhl-heartware-empire-2023/broadcast"
	"github.com/artus9033/bhl-heartware-empire-2023/registry"
	"github.com/artus9033/bhl-heartware-empire-2023/repository"
	"github.com/artus9033/bhl-heartware-empire-2023/transaction"
	"github.com/artus9033/bhl-heartware-empire-2023/wire"
)

// Config carries the broker's listen addresses and timeouts.
type Config struct {
	// StationAddr is the station-channel listen address.
	StationAddr string
	// OperatorAddr is the operator-channel listen address.
	OperatorAddr string
	// AckTimeout bounds a transaction's wait for the station's
	// terminal acknowledgement.
	AckTimeout time.Duration
	// CalibrationTimeout bounds the calibrateContainer round trip.
	CalibrationTimeout time.Duration
}

// Broker wires the connection endpoints to the domain components.
type Broker struct {
	cfg      Config
	store    repository.Store
	reg      *registry.Registry
	auth     *auth.Authorizer
	notifier *broadcast.Notifier
	orch     *transaction.Orchestrator
	log      *zap.SugaredLogger

	stationLn  *wire.Listener
	operatorLn *wire.Listener
	cancel     context.CancelFunc
	serving    sync.WaitGroup
}

// New assembles a broker. The orchestrator is built here so its
// persist-then-broadcast pipeline always runs against the same store
// and notifier the handlers use.
func New(cfg Config, store repository.Store, reg *registry.Registry, authorizer *auth.Authorizer, notifier *broadcast.Notifier, log *zap.SugaredLogger) *Broker {
	if cfg.CalibrationTimeout <= 0 {
		cfg.CalibrationTimeout = 30 * time.Second
	}
	return &Broker{
		cfg:      cfg,
		store:    store,
		reg:      reg,
		auth:     authorizer,
		notifier: notifier,
		orch:     transaction.NewOrchestrator(store, notifier, log, cfg.AckTimeout),
		log:      log,
	}
}

// Start opens both listeners and begins accepting. It returns once the
// ports are bound; accept loops run until Shutdown.
func (b *Broker) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)

	stationLn, err := wire.Listen(b.cfg.StationAddr)
	if err != nil {
		return err
	}
	operatorLn, err := wire.Listen(b.cfg.OperatorAddr)
	if err != nil {
		stationLn.Close()
		return err
	}
	b.stationLn = stationLn
	b.operatorLn = operatorLn

	b.log.Infow("broker listening",
		"station_addr", stationLn.Address(),
		"operator_addr", operatorLn.Address(),
	)

	b.serving.Add(2)
	go func() {
		defer b.serving.Done()
		if err := stationLn.Serve(ctx, b.handleStationConn); err != nil {
			b.log.Errorw("station listener failed", "err", err)
		}
	}()
	go func() {
		defer b.serving.Done()
		if err := operatorLn.Serve(ctx, b.handleOperatorConn); err != nil {
			b.log.Errorw("operator listener failed", "err", err)
		}
	}()
	return nil
}

// StationAddress reports the bound station-channel address. Valid
// after Start.
func (b *Broker) StationAddress() string { return b.stationLn.Address() }

// OperatorAddress reports the bound operator-channel address. Valid
// after Start.
func (b *Broker) OperatorAddress() string { return b.operatorLn.Address() }

// Shutdown stops accepting, tears down the accept loops, and waits for
// them up to ctx's deadline. Live connections are severed by the
// cancelled serve context.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.log.Infow("broker shutting down")
	if b.cancel != nil {
		b.cancel()
	}
	if b.stationLn != nil {
		b.stationLn.Close()
	}
	if b.operatorLn != nil {
		b.operatorLn.Close()
	}

	done := make(chan struct{})
	go func() {
		b.serving.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
