// Package metrics exposes the bridge counters in Prometheus format:
//
//   - sigbridge_signals_total{path,result}      signals received by path (watch|compound)
//   - sigbridge_crosses_total{direction}        watched orders that crossed their entry
//   - sigbridge_watches                         active watches
//   - sigbridge_queue_total{op,result}          matching queue operations
//   - sigbridge_evaluations_total{result}       provider outcomes (won|lost|error)
//   - sigbridge_executions_total{path,result}   binary executions (ok|error)
//   - sigbridge_settlements_total{result}       counter trade results (won|lost)
//   - sigbridge_ladder_step{provider}           current ladder step
//   - sigbridge_profit{provider}                accumulated counter trade profit
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigbridge_signals_total",
			Help: "Signals received",
		},
		[]string{"path", "result"},
	)

	Crosses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigbridge_crosses_total",
			Help: "Watched orders crossed by the live price",
		},
		[]string{"direction"},
	)

	Watches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sigbridge_watches",
			Help: "Active order watches",
		},
	)

	Queue = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigbridge_queue_total",
			Help: "Matching queue operations",
		},
		[]string{"op", "result"},
	)

	Evaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigbridge_evaluations_total",
			Help: "Provider signal outcomes",
		},
		[]string{"result"},
	)

	Executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigbridge_executions_total",
			Help: "Binary contracts placed",
		},
		[]string{"path", "result"},
	)

	Settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sigbridge_settlements_total",
			Help: "Settled counter trades",
		},
		[]string{"result"},
	)

	LadderStep = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sigbridge_ladder_step",
			Help: "Current ladder step per provider",
		},
		[]string{"provider"},
	)

	Profit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sigbridge_profit",
			Help: "Accumulated counter trade profit per provider",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(Signals, Crosses, Watches, Queue, Evaluations, Executions, Settlements, LadderStep, Profit)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
