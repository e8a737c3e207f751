// Package metrics is a gatekeeper plugin that exports Prometheus
// collectors for decisions and committed mutations.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/gatekeeper"
	"github.com/xraph/gatekeeper/audit"
	"github.com/xraph/gatekeeper/plugin"
	"github.com/xraph/gatekeeper/template"
)

// Compile-time hook checks.
var (
	_ plugin.Plugin          = (*Plugin)(nil)
	_ plugin.AfterEvaluate   = (*Plugin)(nil)
	_ plugin.AuditRecorded   = (*Plugin)(nil)
	_ plugin.TemplateApplied = (*Plugin)(nil)
)

// Plugin records Prometheus metrics from engine hooks.
type Plugin struct {
	decisions *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	mutations *prometheus.CounterVec
	applied   *prometheus.CounterVec
}

// New registers the gatekeeper collectors against registerer, or the
// default Prometheus registerer when nil.
func New(registerer prometheus.Registerer) *Plugin {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_decisions_total",
		Help: "Permission decisions partitioned by resource type, action, outcome and reason.",
	}, []string{"resource_type", "action", "allowed", "reason"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gatekeeper_evaluation_duration_seconds",
		Help:    "Time spent evaluating a permission request.",
		Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
	}, []string{"resource_type"})
	mutations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_mutations_total",
		Help: "Committed mutations partitioned by entity type and action.",
	}, []string{"entity_type", "action"})
	applied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_templates_applied_total",
		Help: "Template applications partitioned by target type.",
	}, []string{"target"})
	registerer.MustRegister(decisions, duration, mutations, applied)
	return &Plugin{decisions: decisions, duration: duration, mutations: mutations, applied: applied}
}

// Name implements plugin.Plugin.
func (p *Plugin) Name() string { return "metrics" }

// OnAfterEvaluate counts the decision and observes its evaluation time.
func (p *Plugin) OnAfterEvaluate(_ context.Context, req, decision any) error {
	r, ok := req.(*gatekeeper.Request)
	if !ok {
		return nil
	}
	d, ok := decision.(*gatekeeper.Decision)
	if !ok {
		return nil
	}
	p.decisions.WithLabelValues(r.ResourceType, r.Action, strconv.FormatBool(d.Allowed), d.Reason).Inc()
	p.duration.WithLabelValues(r.ResourceType).Observe(time.Duration(d.EvalTimeNs).Seconds())
	return nil
}

// OnAuditRecorded counts a committed mutation.
func (p *Plugin) OnAuditRecorded(_ context.Context, e *audit.Entry) error {
	p.mutations.WithLabelValues(e.EntityType, e.Action).Inc()
	return nil
}

// OnTemplateApplied counts a template application.
func (p *Plugin) OnTemplateApplied(_ context.Context, _ *template.Template, target template.TargetType, _ string) error {
	p.applied.WithLabelValues(string(target)).Inc()
	return nil
}
