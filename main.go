package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/artus9033/bhl-heartware-empire-2023/audit"
	"github.com/artus9033/bhl-heartware-empire-2023/auth"
	"github.com/artus9033/bhl-heartware-empire-2023/broadcast"
	"github.com/artus9033/bhl-heartware-empire-2023/registry"
	"github.com/artus9033/bhl-heartware-empire-2023/repository"
	"github.com/artus9033/bhl-heartware-empire-2023/server"
)

var (
	configFile   string
	stationAddr  string
	operatorAddr string
	metricsAddr  string
	postgresHost string
	auditPath    string
	devMode      bool
	seedData     bool
)

func init() {
	flag.StringVar(&configFile, "config", "", "Path to an optional TOML/YAML config file")
	flag.StringVar(&stationAddr, "station-addr", ":3000", "Station channel listen address")
	flag.StringVar(&operatorAddr, "operator-addr", ":3001", "Operator channel listen address")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus metrics listen address")
	flag.StringVar(&postgresHost, "postgres-host", "localhost:5432", "DB host address")
	flag.StringVar(&auditPath, "audit-path", "./data/audit", "Badger audit log directory")
	flag.BoolVar(&devMode, "dev", false, "Run against the in-memory store with demo fixtures")
	flag.BoolVar(&seedData, "seed", false, "Seed demo fixtures into the database")
}

func main() {
	flag.Parse()

	viper.SetDefault("station_addr", stationAddr)
	viper.SetDefault("operator_addr", operatorAddr)
	viper.SetDefault("metrics_addr", metricsAddr)
	viper.SetDefault("postgres_host", postgresHost)
	viper.SetDefault("audit_path", auditPath)
	viper.SetDefault("ack_timeout", "15m")
	viper.SetDefault("calibration_timeout", "30s")
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			log.Fatalf("Reading config: %v", err)
		}
	}

	zl, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Initializing logger: %v", err)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	var store repository.Store
	if devMode {
		mem := repository.NewMemory()
		mem.SeedDemo()
		store = mem
		logger.Infow("running with in-memory store")
	} else {
		repo := repository.NewRepository(logger)
		dsn := fmt.Sprintf("postgresql://postgres:postgrespassword@%s/postgres", viper.GetString("postgres_host"))
		logger.Infow("connecting to database", "host", viper.GetString("postgres_host"))
		if err := repo.ConnectDB(dsn); err != nil {
			logger.Fatalw("database connection failed", "err", err)
		}
		if err := repo.Migrate(); err != nil {
			logger.Fatalw("database migration failed", "err", err)
		}
		if seedData {
			if err := repo.Seed(); err != nil {
				logger.Fatalw("database seeding failed", "err", err)
			}
		}
		store = repo
	}

	auditLog, err := audit.Open(viper.GetString("audit_path"))
	if err != nil {
		logger.Fatalw("opening audit log failed", "err", err)
	}
	defer func() {
		if err := auditLog.Close(); err != nil {
			logger.Errorw("closing audit log failed", "err", err)
		}
	}()

	reg := registry.New()
	notifier := broadcast.New(reg, logger)
	authorizer := auth.New(store, auditLog, logger)

	broker := server.New(server.Config{
		StationAddr:        viper.GetString("station_addr"),
		OperatorAddr:       viper.GetString("operator_addr"),
		AckTimeout:         viper.GetDuration("ack_timeout"),
		CalibrationTimeout: viper.GetDuration("calibration_timeout"),
	}, store, reg, authorizer, notifier, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := broker.Start(ctx); err != nil {
		logger.Fatalw("broker start failed", "err", err)
	}

	metricsServer := &http.Server{
		Addr:    viper.GetString("metrics_addr"),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Infow("metrics listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("metrics server failed", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Infow("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := broker.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("broker shutdown incomplete", "err", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("metrics shutdown incomplete", "err", err)
	}
	logger.Infow("broker stopped")
}
