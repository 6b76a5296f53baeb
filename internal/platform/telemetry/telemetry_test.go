package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{SampleRatio: 3}
	cfg.applyDefaults()
	if cfg.ServiceName != "scheduler-server" {
		t.Errorf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.ServiceVersion != "0.0.0" || cfg.Environment != "development" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.SampleRatio != 1 {
		t.Errorf("expected out-of-range ratio reset to 1, got %v", cfg.SampleRatio)
	}
}

func TestSetup_Disabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestSetup_EnabledRequiresEndpoint(t *testing.T) {
	if _, err := Setup(context.Background(), Config{Enabled: true}); err == nil {
		t.Fatal("expected error without OTLP endpoint")
	}
}

func TestNewResource(t *testing.T) {
	res := newResource(Config{ServiceName: "svc", ServiceVersion: "1.2.3", Environment: "staging"})
	got := map[attribute.Key]string{}
	for _, kv := range res.Attributes() {
		got[kv.Key] = kv.Value.AsString()
	}
	if got["service.name"] != "svc" || got["service.version"] != "1.2.3" {
		t.Errorf("unexpected resource attributes %v", got)
	}
}

func TestRouteSpan_RenamesSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "HTTP PUT")
	e := echo.New()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/appointments/abc", nil).WithContext(ctx)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/api/v1/appointments/:id")
	c.Set("request_id", "req-1")

	err := RouteSpan()(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})(c)
	span.End()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	if ended[0].Name() != "PUT /api/v1/appointments/:id" {
		t.Errorf("unexpected span name %q", ended[0].Name())
	}
	var route, rid string
	for _, kv := range ended[0].Attributes() {
		switch kv.Key {
		case "http.route":
			route = kv.Value.AsString()
		case "request.id":
			rid = kv.Value.AsString()
		}
	}
	if route != "/api/v1/appointments/:id" || rid != "req-1" {
		t.Errorf("unexpected attributes route=%q request.id=%q", route, rid)
	}
}
