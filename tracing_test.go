package gatekeeper

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xraph/gatekeeper/scope"
)

func spanNamed(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, s := range spans {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func attr(s sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSpansCoverEvaluationAndMutations(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	eng, _ := newTestEngine(t, WithTracerProvider(tp))
	p := mustPermission(t, eng, "doc", "read", scope.Team)
	r := mustRole(t, eng, "reader", 50, nil)
	mustGrant(t, eng, r, p, nil)
	mustAssign(t, eng, "u1", r, nil)
	evaluate(t, eng, "u1", "doc", "read", scope.Own)

	spans := sr.Ended()
	create := spanNamed(spans, "gatekeeper.CreatePermission")
	if create == nil {
		t.Fatal("missing CreatePermission span")
	}
	if v, ok := attr(create, "gatekeeper.entity_type"); !ok || v.AsString() != "permission" {
		t.Fatalf("unexpected entity_type %v", v)
	}

	ev := spanNamed(spans, "gatekeeper.Evaluate")
	if ev == nil {
		t.Fatal("missing Evaluate span")
	}
	if v, ok := attr(ev, "gatekeeper.allowed"); !ok || !v.AsBool() {
		t.Fatal("Evaluate span should record the allowed decision")
	}
	if v, _ := attr(ev, "gatekeeper.reason"); v.AsString() != reasonAllowed {
		t.Fatalf("unexpected reason %q", v.AsString())
	}
}

func TestFailedEvaluationMarksSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	eng, _ := newTestEngine(t, WithTracerProvider(tp))
	_, err := eng.Evaluate(context.Background(), &Request{UserID: "u1", ResourceType: "ghost", Action: "haunt", Scope: scope.Own})
	if err == nil {
		t.Fatal("expected unknown resource error")
	}

	ev := spanNamed(sr.Ended(), "gatekeeper.Evaluate")
	if ev == nil || ev.Status().Code != codes.Error {
		t.Fatal("failed evaluation should set an error status")
	}
}
