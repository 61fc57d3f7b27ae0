package settler

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the coordinator's operational feed: admission and transition
// counters plus gauges for the states that need a human (stuck, ambiguous).
type Metrics struct {
	registry *prometheus.Registry

	admits         prometheus.Counter
	settlements    *prometheus.CounterVec
	legTransitions *prometheus.CounterVec
	outOfOrder     *prometheus.CounterVec
	sweeps         prometheus.Counter
	alertsFired    prometheus.Counter

	stuckLegs prometheus.Gauge
	ambiguous prometheus.Gauge
	inFlight  prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settler_admitted_total",
			Help: "Settlement requests admitted.",
		}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settler_settlements_total",
			Help: "Settlements reaching a joined status.",
		}, []string{"status"}),
		legTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settler_leg_transitions_total",
			Help: "Leg status transitions.",
		}, []string{"entity", "status"}),
		outOfOrder: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settler_out_of_order_deliveries_total",
			Help: "Delivery receipts observed below the channel high-water mark.",
		}, []string{"channel"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settler_sweeps_total",
			Help: "Reconciliation sweeper passes.",
		}),
		alertsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settler_alerts_total",
			Help: "Escalations surfaced to the alert feed.",
		}),
		stuckLegs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "settler_stuck_legs",
			Help: "Legs currently parked STUCK.",
		}),
		ambiguous: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "settler_ambiguous_settlements",
			Help: "Settlements requiring operator resolution.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "settler_in_flight_settlements",
			Help: "Settlements with at least one leg still progressing.",
		}),
	}

	m.registry.MustRegister(
		m.admits, m.settlements, m.legTransitions, m.outOfOrder,
		m.sweeps, m.alertsFired, m.stuckLegs, m.ambiguous, m.inFlight,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Admitted()                         { m.admits.Inc() }
func (m *Metrics) OutOfOrderDelivery(channel string) { m.outOfOrder.WithLabelValues(channel).Inc() }
func (m *Metrics) SweepDone()                        { m.sweeps.Inc() }
func (m *Metrics) AlertFired()                       { m.alertsFired.Inc() }

func (m *Metrics) SettlementJoined(status SettlementStatus) {
	m.settlements.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) LegTransition(entity, status string) {
	m.legTransitions.WithLabelValues(entity, status).Inc()
}

func (m *Metrics) SetGauges(stuckLegs, ambiguous, inFlight int64) {
	m.stuckLegs.Set(float64(stuckLegs))
	m.ambiguous.Set(float64(ambiguous))
	m.inFlight.Set(float64(inFlight))
}
