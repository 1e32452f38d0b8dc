package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PipelineMetrics counts fulfillment outcomes and store write conflicts.
type PipelineMetrics struct {
	Orders         *prometheus.CounterVec
	StockConflicts prometheus.Counter
}

// NewPipelineMetrics registers the pipeline collectors on reg. Tests pass a
// throwaway registry so repeated construction does not collide.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "order_messages_total",
			Help:      "Order queue messages processed, by terminal outcome.",
		}, []string{"outcome"}),
		StockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "stock_write_conflicts_total",
			Help:      "Token-guarded stock writes rejected due to concurrent modification.",
		}),
	}
	reg.MustRegister(m.Orders, m.StockConflicts)
	return m
}

// MetricsHandler exposes the default Prometheus registry over HTTP.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
