// Package registry tracks the broker's two populations of live
// connections: stations keyed by host and operators keyed by user id.
// State lives only in memory; after a broker restart both populations
// are empty and every peer re-authenticates.
package registry

import (
	"sync"

	"github.com/artus9033/bhl-heartware-empire-2023/wire"
)

// Registry maps station hosts and operator ids to their live
// connections. Safe for concurrent use from every connection task.
type Registry struct {
	mu        sync.RWMutex
	stations  map[string]*wire.Conn
	operators map[int64]*wire.Conn
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		stations:  make(map[string]*wire.Conn),
		operators: make(map[int64]*wire.Conn),
	}
}

// BindStation registers a station connection, overwriting any prior
// entry for the host: a reconnecting station's newest connection wins.
func (r *Registry) BindStation(host string, conn *wire.Conn) {
	r.mu.Lock()
	r.stations[host] = conn
	r.mu.Unlock()
}

// UnbindStation removes the host's entry only if it still refers to
// conn, and reports whether it did. A stale close racing a fresh
// reconnect therefore cannot evict the new connection.
func (r *Registry) UnbindStation(host string, conn *wire.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stations[host] == conn {
		delete(r.stations, host)
		return true
	}
	return false
}

// LookupStation returns the live connection for host, if any.
func (r *Registry) LookupStation(host string) (*wire.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.stations[host]
	return conn, ok
}

// BindOperator registers an operator connection, newest wins.
func (r *Registry) BindOperator(id int64, conn *wire.Conn) {
	r.mu.Lock()
	r.operators[id] = conn
	r.mu.Unlock()
}

// UnbindOperator removes the operator's entry only if it still refers
// to conn, and reports whether it did.
func (r *Registry) UnbindOperator(id int64, conn *wire.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.operators[id] == conn {
		delete(r.operators, id)
		return true
	}
	return false
}

// LookupOperator returns the live connection for the operator, if
// any.
func (r *Registry) LookupOperator(id int64) (*wire.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.operators[id]
	return conn, ok
}

// OperatorConns returns a snapshot of all operator connections, for
// fan-out.
func (r *Registry) OperatorConns() []*wire.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*wire.Conn, 0, len(r.operators))
	for _, conn := range r.operators {
		conns = append(conns, conn)
	}
	return conns
}

// StationCount reports the number of bound stations.
func (r *Registry) StationCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stations)
}

// OperatorCount reports the number of bound operators.
func (r *Registry) OperatorCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.operators)
}
