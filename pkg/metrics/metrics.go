// Package metrics holds the prometheus collectors of the server. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vks"

// Result labels.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultCreated  = "created"
	ResultUpdated  = "updated"
	ResultRejected = "rejected"
)

type Metrics struct {
	uploads      *prometheus.CounterVec
	publications *prometheus.CounterVec
	tokens       *prometheus.CounterVec
	rateLimits   *prometheus.CounterVec
	mails        *prometheus.CounterVec
	lookups      *prometheus.CounterVec
}

// New creates the collectors and registers them into reg when not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "total number of certificate uploads",
		}, []string{"result"}),
		publications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publications_total",
			Help:      "total number of identity publication changes",
		}, []string{"op", "result"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "total number of tokens issued and redeemed",
		}, []string{"op", "purpose", "result"}),
		rateLimits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "total number of rate limiter decisions",
		}, []string{"gate", "decision"}),
		mails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mails_total",
			Help:      "total number of mails sent",
		}, []string{"template", "result"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "total number of certificate lookups",
		}, []string{"by", "result"}),
	}

	if reg != nil {
		reg.MustRegister(m.uploads, m.publications, m.tokens, m.rateLimits, m.mails, m.lookups)
	}

	return m
}

func (m *Metrics) Upload(result string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
}

func (m *Metrics) Publication(op, result string) {
	if m == nil {
		return
	}
	m.publications.WithLabelValues(op, result).Inc()
}

func (m *Metrics) Token(op, purpose, result string) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(op, purpose, result).Inc()
}

func (m *Metrics) RateLimit(gate, decision string) {
	if m == nil {
		return
	}
	m.rateLimits.WithLabelValues(gate, decision).Inc()
}

func (m *Metrics) Mail(template, result string) {
	if m == nil {
		return
	}
	m.mails.WithLabelValues(template, result).Inc()
}

func (m *Metrics) Lookup(by, result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(by, result).Inc()
}
