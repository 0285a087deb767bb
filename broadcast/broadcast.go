// Package broadcast fans the content-free "refreshData" signal out to
// every connected operator client. The signal is a cache-invalidation
// hint with no delivery guarantee; clients pull fresh state when they
// receive it.
package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/artus9033/bhl-heartware-empire-2023/registry"
)

// EventRefreshData is the operator-channel event name.
const EventRefreshData = "refreshData"

var broadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "shelfbroker_broadcasts_total",
	Help: "refreshData fan-outs sent to operator clients.",
})

// Notifier sends refreshData to all bound operator connections.
type Notifier struct {
	reg *registry.Registry
	log *zap.SugaredLogger
}

// New creates a Notifier over the given registry.
func New(reg *registry.Registry, log *zap.SugaredLogger) *Notifier {
	return &Notifier{reg: reg, log: log}
}

// NotifyAll emits refreshData to every operator connection. Send
// errors are logged and otherwise ignored.
func (n *Notifier) NotifyAll() {
	broadcastsTotal.Inc()
	for _, conn := range n.reg.OperatorConns() {
		if err := conn.Emit(EventRefreshData, nil); err != nil {
			n.log.Debugw("refreshData emit failed", "conn", conn.ID(), "err", err)
		}
	}
}
