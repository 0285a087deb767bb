package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stationsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfbroker_stations_connected",
		Help: "Stations currently bound on the station channel.",
	})
	operatorsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfbroker_operators_connected",
		Help: "Operators currently bound on the operator channel.",
	})
	authFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfbroker_auth_failures_total",
		Help: "Failed channel authentications by channel.",
	}, []string{"channel"})
)
