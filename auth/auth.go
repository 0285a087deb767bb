// Package auth answers "may operator X touch station or container Y".
// It is the single enforcement point in the broker: no other component
// re-checks authorization. Authorization is resolved fresh on every
// request (station access lists can change between requests), and
// every denial is logged at warn level and appended to the audit
// sink. A denial never reveals whether the target exists.
package auth

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/artus9033/bhl-heartware-empire-2023/audit"
	"github.com/artus9033/bhl-heartware-empire-2023/repository"
	"github.com/artus9033/bhl-heartware-empire-2023/repository/models"
)

var denialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shelfbroker_auth_denials_total",
	Help: "Authorization denials by action.",
}, []string{"action"})

// Sink receives denial records. audit.Log implements it; tests supply
// fakes.
type Sink interface {
	Append(entry audit.Entry) error
}

// Authorizer resolves operator access against the persisted
// user-station relation.
type Authorizer struct {
	store repository.Store
	sink  Sink
	log   *zap.SugaredLogger
}

// New creates an Authorizer. sink may be nil to disable the audit
// trail (tests).
func New(store repository.Store, sink Sink, log *zap.SugaredLogger) *Authorizer {
	return &Authorizer{store: store, sink: sink, log: log}
}

// StationAccess returns the station snapshot (containers and product
// types loaded) if the operator may act on host, or ok=false on any
// denial: unknown operator, unknown host, or host outside the
// operator's station list.
func (a *Authorizer) StationAccess(operatorID int64, host string) (*models.Station, bool) {
	user, err := a.store.UserWithStations(operatorID)
	if err != nil {
		a.deny(operatorID, "station", host)
		return nil, false
	}
	for i := range user.Stations {
		if user.Stations[i].Host == host {
			return &user.Stations[i], true
		}
	}
	a.deny(operatorID, "station", host)
	return nil, false
}

// ContainerAccess returns the container and its owning station if the
// container belongs to any station the operator may act on.
func (a *Authorizer) ContainerAccess(operatorID int64, containerID int64) (*models.Station, *models.Container, bool) {
	user, err := a.store.UserWithStations(operatorID)
	if err != nil {
		a.denyContainer(operatorID, containerID)
		return nil, nil, false
	}
	for i := range user.Stations {
		station := &user.Stations[i]
		for j := range station.Containers {
			if station.Containers[j].ID == containerID {
				return station, &station.Containers[j], true
			}
		}
	}
	a.denyContainer(operatorID, containerID)
	return nil, nil, false
}

func (a *Authorizer) deny(operatorID int64, action, target string) {
	a.log.Warnw("authorization denied",
		"operator", operatorID,
		"action", action,
		"target", target,
	)
	denialsTotal.WithLabelValues(action).Inc()
	if a.sink != nil {
		if err := a.sink.Append(audit.Entry{
			At:         time.Now().UTC(),
			OperatorID: operatorID,
			Action:     action,
			Target:     target,
		}); err != nil {
			a.log.Errorw("audit append failed", "err", err)
		}
	}
}

func (a *Authorizer) denyContainer(operatorID, containerID int64) {
	a.deny(operatorID, "container", "container/"+strconv.FormatInt(containerID, 10))
}
