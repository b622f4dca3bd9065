package otel

import (
	"context"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil meter (noop)")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:     true,
		Exporter:    "none",
		ServiceName: "gw-test",
		SampleRate:  0.5,
	})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil || p.Tracer == nil || p.Meter == nil {
		t.Fatalf("incomplete provider: %+v", p)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "carrier-pigeon",
	})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInit_MetricsDisabled(t *testing.T) {
	off := false
	p, err := Init(context.Background(), Config{
		Enabled:        true,
		Exporter:       "none",
		MetricsEnabled: &off,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.Meter == nil {
		t.Fatal("expected noop meter")
	}
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "gateway.broadcast",
		AttrEvent.String("agent"),
	)
	span.End()

	ctx, span2 := StartServerSpan(context.Background(), p.Tracer, "gateway.request",
		AttrConnID.String("conn-1"),
		AttrMethod.String("health"),
	)
	if !span2.SpanContext().IsValid() {
		t.Fatal("expected a recording span context")
	}
	span2.End()

	_, span3 := StartClientSpan(ctx, p.Tracer, "bridge.invoke",
		AttrNodeID.String("node-1"),
	)
	span3.End()
}
