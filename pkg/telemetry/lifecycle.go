package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/reactivegraph/plugind/pkg/plugins"
)

// PluginObserver feeds committed state changes into metrics, traces and
// events.
type PluginObserver struct {
	metrics *Metrics
	tracer  *Tracer
	events  *EventPublisher
	logger  *Logger
}

// NewPluginObserver returns an observer backed by this telemetry instance.
func (t *Telemetry) NewPluginObserver() *PluginObserver {
	return &PluginObserver{
		metrics: t.Metrics,
		tracer:  t.Tracer,
		events:  t.Events,
		logger:  t.Logger.WithField("component", "observer"),
	}
}

// OnTransition records one span per state change. Failed hooks mark the
// span as errored.
func (o *PluginObserver) OnTransition(ev plugins.TransitionEvent) {
	if ev.Created {
		return
	}
	from, to := ev.From.String(), ev.To.String()
	o.metrics.RecordTransition(from, to)

	_, span := o.tracer.StartPluginSpan(context.Background(), "transition", ev.PluginID, ev.Stem)
	if ev.Name != "" {
		span.SetAttributes(AttrPluginName.String(ev.Name), AttrPluginVersion.String(ev.Version))
	}
	AddTransitionEvent(span, ev.Stem, from, to)
	if ev.Error != "" {
		RecordError(span, errors.New(ev.Error))
		o.metrics.RecordError("transition", ev.To.Phase.String())
	}
	span.End()

	log := o.logger.WithPluginID(ev.PluginID).WithStem(ev.Stem).WithPlugin(ev.Name, ev.Version)
	if err := o.events.PublishStateChanged(ev.PluginID, ev.Stem, from, to, ev.Error); err != nil {
		log.WithError(err).Debug("state change event dropped")
	}
	if ev.To.Phase == plugins.PhaseDisabled {
		if err := o.events.PublishDisabled(ev.PluginID, ev.Stem); err != nil {
			log.WithError(err).Debug("disabled event dropped")
		}
	}
}

// PluginInstrumentation adapts resolver measurements to Prometheus and the event bus.
type PluginInstrumentation struct {
	metrics *Metrics
	events  *EventPublisher
}

func (t *Telemetry) NewPluginInstrumentation() *PluginInstrumentation {
	return &PluginInstrumentation{metrics: t.Metrics, events: t.Events}
}

func (i *PluginInstrumentation) ObserveResolve(loop string, iterations int, capHit bool, elapsed time.Duration) {
	i.metrics.RecordResolve(loop, iterations, capHit, elapsed)
}

func (i *PluginInstrumentation) ObserveWiring(kind plugins.ProviderKind, op string, err error) {
	i.metrics.RecordWiring(string(kind), op, err)
}

func (i *PluginInstrumentation) ObservePhases(counts map[plugins.State]int) {
	out := make([]PhaseCount, 0, len(counts))
	for s, n := range counts {
		out = append(out, PhaseCount{Phase: s.Phase.String(), Refreshing: s.Refreshing, Count: n})
	}
	i.metrics.SetPluginCounts(out)
}

func (i *PluginInstrumentation) ObserveDiagnostics(d plugins.Diagnostics) {
	for _, r := range d.Unsatisfied {
		_ = i.events.PublishDependencyUnsatisfied(r.Stem, r.State, r.Dependency.String(), r.DependencyState)
	}
}

// EventSink forwards plugin-emitted events to the publisher.
type EventSink struct {
	events *EventPublisher
	logger *Logger
}

func (t *Telemetry) NewEventSink() *EventSink {
	return &EventSink{events: t.Events, logger: t.Logger}
}

func (s *EventSink) Emit(_ context.Context, source, eventType string, data map[string]any) {
	if err := s.events.PublishPluginEvent(source, eventType, data); err != nil {
		s.logger.WithError(err).WithStem(source).Warnf("plugin event %s dropped", eventType)
	}
}

// DeployReporter records hot-deploy actions taken by the repository watcher.
type DeployReporter struct {
	metrics *Metrics
	tracer  *Tracer
	events  *EventPublisher
}

func (t *Telemetry) NewDeployReporter() *DeployReporter {
	return &DeployReporter{metrics: t.Metrics, tracer: t.Tracer, events: t.Events}
}

// Deployed is called once per artifact with action "install" or "redeploy".
func (r *DeployReporter) Deployed(ctx context.Context, stem, path, action string) {
	r.metrics.RecordHotDeploy(action)

	_, span := r.tracer.StartDeploySpan(ctx, stem, path)
	span.SetAttributes(AttrOperation.String(action))
	span.End()

	_ = r.events.PublishDeployed(stem, path, action)
}

var (
	_ plugins.Observer        = (*PluginObserver)(nil)
	_ plugins.Instrumentation = (*PluginInstrumentation)(nil)
	_ plugins.EventSink       = (*EventSink)(nil)
)
