// Package repository is the persistence layer behind the broker: the
// relational store of stations, containers, product types and
// operators. The broker core only depends on the Store interface;
// Repository implements it on PostgreSQL through gorm, Memory
// implements it in-process for tests and -dev runs.
package repository

import (
	"errors"
	"fmt"
	"time"

	"github.com/artus9033/bhl-heartware-empire-2023/repository/models"
)

// ErrNotFound reports that the requested entity does not exist. It
// deliberately carries no detail about which lookup failed; callers
// translate it into their own Denied/NotFound outcome.
var ErrNotFound = errors.New("repository: entity not found")

// Store is what the broker core needs from persistence: find-by-key,
// find-with-relations, save. All results are point-in-time snapshots;
// callers must not assume they stay valid across long hardware waits.
type Store interface {
	// AuthenticateStation matches host and shared secret, returning
	// the station with containers and product types eager-loaded, or
	// ErrNotFound on any mismatch.
	AuthenticateStation(host, secret string) (*models.Station, error)

	// AuthenticateUser matches login credentials.
	AuthenticateUser(username, password string) (*models.User, error)

	// UserWithStations loads an operator with the full authorization
	// tree: stations, their containers, and product types.
	UserWithStations(id int64) (*models.User, error)

	// UserByRFID resolves a physical badge to an operator, with the
	// operator's stations loaded.
	UserByRFID(uid string) (*models.User, error)

	// SetStationConnected flips the station connectivity flag.
	SetStationConnected(host string, connected bool) error

	// SaveContainerCount overwrites a container's item count with the
	// latest sensor reading.
	SaveContainerCount(containerID, count int64) error

	// SaveCalibration stamps a container's calibration timestamp.
	SaveCalibration(containerID int64, at time.Time) error
}

// RepositoryError carries a database-layer failure with the
// PostgreSQL error code when one is available.
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
}
