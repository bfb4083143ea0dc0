// Package metrics exposes Prometheus counters for the enhancement pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline aggregates the pipeline's counters behind one injectable value.
type Pipeline struct {
	registry *prometheus.Registry

	submissionsTotal  *prometheus.CounterVec
	dispatchesTotal   *prometheus.CounterVec
	callbacksTotal    *prometheus.CounterVec
	refundsTotal      prometheus.Counter
	streamSubscribers prometheus.Gauge
}

// Submission outcomes.
const (
	SubmissionAccepted = "accepted"
	SubmissionCached   = "cached"
	SubmissionRejected = "rejected"
)

// Dispatch outcomes.
const (
	DispatchOK    = "ok"
	DispatchRetry = "retry"
	DispatchFatal = "fatal"
)

// Callback outcomes.
const (
	CallbackOK           = "ok"
	CallbackReplay       = "replay"
	CallbackTerminalNoop = "terminal_noop"
	CallbackAuthFailed   = "auth_failed"
	CallbackInvalid      = "invalid"
)

func NewPipeline() *Pipeline {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	p := &Pipeline{
		registry: registry,
		submissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enhance_submissions_total",
			Help: "Enhancement submissions by outcome.",
		}, []string{"outcome"}),
		dispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enhance_outbox_dispatches_total",
			Help: "Outbox dispatch attempts by outcome.",
		}, []string{"outcome"}),
		callbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enhance_callbacks_total",
			Help: "Inbound provider callbacks by outcome.",
		}, []string{"outcome"}),
		refundsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "enhance_credit_refunds_total",
			Help: "Credit refunds applied.",
		}),
		streamSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "enhance_stream_subscribers",
			Help: "Currently connected progress-stream subscribers.",
		}),
	}

	registry.MustRegister(
		p.submissionsTotal,
		p.dispatchesTotal,
		p.callbacksTotal,
		p.refundsTotal,
		p.streamSubscribers,
	)
	return p
}

// All record methods tolerate a nil receiver so tests can omit the registry.

func (p *Pipeline) Submission(outcome string) {
	if p == nil {
		return
	}
	p.submissionsTotal.WithLabelValues(outcome).Inc()
}

func (p *Pipeline) Dispatch(outcome string) {
	if p == nil {
		return
	}
	p.dispatchesTotal.WithLabelValues(outcome).Inc()
}

func (p *Pipeline) Callback(outcome string) {
	if p == nil {
		return
	}
	p.callbacksTotal.WithLabelValues(outcome).Inc()
}

func (p *Pipeline) Refund() {
	if p == nil {
		return
	}
	p.refundsTotal.Inc()
}

func (p *Pipeline) StreamConnected() {
	if p == nil {
		return
	}
	p.streamSubscribers.Inc()
}

func (p *Pipeline) StreamDisconnected() {
	if p == nil {
		return
	}
	p.streamSubscribers.Dec()
}

// Handler serves the registry for scraping.
func (p *Pipeline) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
