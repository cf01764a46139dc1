// Package metrics exposes the Prometheus collectors of one scribe.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons used as the label of MessagesDropped.
const (
	ReasonSignature   = "signature"
	ReasonIneligible  = "ineligible"
	ReasonParents     = "parents"
	ReasonRound       = "round"
	ReasonCertificate = "certificate"
	ReasonDecode      = "decode"

	// ReasonEquivocation marks a second, different draft of one proposer and
	// round.
	ReasonEquivocation = "equivocation"
)

// Metrics groups the engine collectors. A nil *Metrics is valid and records
// nothing, so tests and embedders can leave it out.
type Metrics struct {
	CurrentRound      prometheus.Gauge
	RoundsAdvanced    prometheus.Counter
	RoundsSkipped     prometheus.Counter
	VerticesCertified prometheus.Counter
	AcksReceived      prometheus.Counter
	LateAcksReceived  prometheus.Counter
	MessagesDropped   *prometheus.CounterVec
	LivenessErrors    prometheus.Counter
	SectionsCommitted prometheus.Counter
}

// New creates the collectors with scribe as a constant label and registers
// them with reg.
func New(reg prometheus.Registerer, scribe string) (*Metrics, error) {
	labels := prometheus.Labels{"scribe": scribe}
	m := &Metrics{
		CurrentRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "scribe_current_round",
			Help:        "Round the scribe is currently driving.",
			ConstLabels: labels,
		}),
		RoundsAdvanced: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "scribe_rounds_advanced_total",
			Help:        "Rounds completed by proposing and collecting a quorum.",
			ConstLabels: labels,
		}),
		RoundsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "scribe_rounds_skipped_total",
			Help:        "Rounds passed without proposing during catch-up.",
			ConstLabels: labels,
		}),
		VerticesCertified: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "scribe_vertices_certified_total",
			Help:        "Own vertices that gathered a quorum certificate.",
			ConstLabels: labels,
		}),
		AcksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "scribe_acks_received_total",
			Help:        "Valid acks added to the pending vertex.",
			ConstLabels: labels,
		}),
		LateAcksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "scribe_late_acks_received_total",
			Help:        "Late acks received.",
			ConstLabels: labels,
		}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "scribe_messages_dropped_total",
			Help:        "Inbound messages rejected, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		LivenessErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "scribe_liveness_errors_total",
			Help:        "Round attempts failed for lack of a previous-round quorum.",
			ConstLabels: labels,
		}),
		SectionsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "scribe_sections_committed_total",
			Help:        "Ordered sections delivered.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.CurrentRound, m.RoundsAdvanced, m.RoundsSkipped, m.VerticesCertified, m.AcksReceived,
			m.LateAcksReceived, m.MessagesDropped, m.LivenessErrors, m.SectionsCommitted,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) SetRound(round int64) {
	if m != nil {
		m.CurrentRound.Set(float64(round))
	}
}

func (m *Metrics) Advanced() {
	if m != nil {
		m.RoundsAdvanced.Inc()
	}
}

func (m *Metrics) Skipped() {
	if m != nil {
		m.RoundsSkipped.Inc()
	}
}

func (m *Metrics) Certified() {
	if m != nil {
		m.VerticesCertified.Inc()
	}
}

func (m *Metrics) Ack() {
	if m != nil {
		m.AcksReceived.Inc()
	}
}

func (m *Metrics) LateAck() {
	if m != nil {
		m.LateAcksReceived.Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.MessagesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Liveness() {
	if m != nil {
		m.LivenessErrors.Inc()
	}
}

func (m *Metrics) Sections(n int) {
	if m != nil {
		m.SectionsCommitted.Add(float64(n))
	}
}
