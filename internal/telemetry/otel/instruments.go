package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Instruments records launch and in-container events. A nil *Instruments
// is valid and discards everything.
type Instruments struct {
	mountDecisions  metric.Int64Counter
	launchFailures  metric.Int64Counter
	unresolved      metric.Int64Counter
	firewallResults metric.Int64Counter
	homeBootstrap   metric.Int64Counter

	tracer trace.Tracer
}

func newInstruments(meter metric.Meter, tracer trace.Tracer) (*Instruments, error) {
	inst := &Instruments{tracer: tracer}
	if meter == nil {
		return inst, nil
	}
	var err error
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	inst.mountDecisions = counter("berth.mount.decisions", "Credential and state mount decisions by rule and mode")
	inst.launchFailures = counter("berth.launch.failures", "Launches that failed, by stage")
	inst.unresolved = counter("berth.allowlist.unresolved", "Allowlisted domains that did not resolve")
	inst.firewallResults = counter("berth.firewall.results", "Firewall applications by outcome")
	inst.homeBootstrap = counter("berth.home.bootstrap", "Home bootstrap runs by final state")
	if err != nil {
		return nil, fmt.Errorf("create instruments: %w", err)
	}
	return inst, nil
}

// MountDecision counts one mount decision.
func (i *Instruments) MountDecision(ctx context.Context, rule, mode string) {
	if i == nil || i.mountDecisions == nil {
		return
	}
	i.mountDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rule", rule),
		attribute.String("mode", mode),
	))
}

// LaunchFailure counts a failed launch at the given stage.
func (i *Instruments) LaunchFailure(ctx context.Context, stage string) {
	if i == nil || i.launchFailures == nil {
		return
	}
	i.launchFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// Unresolved counts domains that failed to resolve.
func (i *Instruments) Unresolved(ctx context.Context, n int) {
	if i == nil || i.unresolved == nil || n <= 0 {
		return
	}
	i.unresolved.Add(ctx, int64(n))
}

// FirewallResult counts a firewall application.
func (i *Instruments) FirewallResult(ctx context.Context, outcome string) {
	if i == nil || i.firewallResults == nil {
		return
	}
	i.firewallResults.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// HomeBootstrap counts a bootstrap run.
func (i *Instruments) HomeBootstrap(ctx context.Context, state string, copied bool) {
	if i == nil || i.homeBootstrap == nil {
		return
	}
	i.homeBootstrap.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", state),
		attribute.Bool("copied", copied),
	))
}

// Span starts a span when tracing is on. The returned function ends it and
// records err when non-nil.
func (i *Instruments) Span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if i == nil || i.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := i.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
