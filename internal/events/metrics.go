package events

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsObserver exports swarm counters and gauges to Prometheus. It is a
// plain bus subscriber; registering it is optional.
type MetricsObserver struct {
	tasksTotal      *prometheus.CounterVec
	wavesTotal      prometheus.Counter
	qualityRejects  *prometheus.CounterVec
	circuitOpens    prometheus.Counter
	tokensUsed      prometheus.Gauge
	tokensRemaining prometheus.Gauge
	costUsed        prometheus.Gauge
	activeModels    *prometheus.GaugeVec
}

// NewMetricsObserver creates the observer and registers its collectors.
func NewMetricsObserver(reg prometheus.Registerer) *MetricsObserver {
	m := &MetricsObserver{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarm",
			Name:      "tasks_total",
			Help:      "Subtask outcomes by terminal event.",
		}, []string{"outcome"}),
		wavesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swarm",
			Name:      "waves_total",
			Help:      "Completed waves.",
		}),
		qualityRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swarm",
			Name:      "quality_rejections_total",
			Help:      "Quality gate rejections by model.",
		}, []string{"model"}),
		circuitOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swarm",
			Name:      "circuit_opens_total",
			Help:      "Rate-limit circuit breaker activations.",
		}),
		tokensUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarm",
			Name:      "tokens_used",
			Help:      "Tokens consumed so far.",
		}),
		tokensRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarm",
			Name:      "tokens_remaining",
			Help:      "Tokens left in the budget pool.",
		}),
		costUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "swarm",
			Name:      "cost_used_usd",
			Help:      "Cost consumed so far in USD.",
		}),
		activeModels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "swarm",
			Name:      "model_healthy",
			Help:      "1 when the model passes the health predicate.",
		}, []string{"model"}),
	}
	reg.MustRegister(m.tasksTotal, m.wavesTotal, m.qualityRejects,
		m.circuitOpens, m.tokensUsed, m.tokensRemaining, m.costUsed, m.activeModels)
	return m
}

// HandleEvent implements Observer.
func (m *MetricsObserver) HandleEvent(e Event) {
	switch e.Type {
	case TaskCompleted:
		m.tasksTotal.WithLabelValues("completed").Inc()
	case TaskFailed:
		m.tasksTotal.WithLabelValues("failed").Inc()
	case TaskSkipped:
		m.tasksTotal.WithLabelValues("skipped").Inc()
	case WaveComplete:
		m.wavesTotal.Inc()
	case QualityRejected:
		if p, ok := e.Payload.(ModelPayload); ok {
			m.qualityRejects.WithLabelValues(p.Model).Inc()
		}
	case CircuitOpen:
		m.circuitOpens.Inc()
	case BudgetUpdate:
		if p, ok := e.Payload.(BudgetPayload); ok {
			m.tokensUsed.Set(float64(p.UsedTokens))
			m.tokensRemaining.Set(float64(p.RemainingTokens))
			m.costUsed.Set(p.UsedCost)
		}
	case ModelHealth:
		if p, ok := e.Payload.(ModelPayload); ok {
			v := 0.0
			if p.Healthy {
				v = 1.0
			}
			m.activeModels.WithLabelValues(p.Model).Set(v)
		}
	}
}
