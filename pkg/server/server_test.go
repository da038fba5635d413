package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"inkwell/bursar/pkg/logging"
	"inkwell/bursar/pkg/monitoring"
)

func TestSetupServiceRouterWiresHealthAndMetrics(t *testing.T) {
	logger := logging.NewLogger()
	logger.SetOutput(&bytes.Buffer{})

	hc := monitoring.NewHealthChecker("bursar-test", "v1")
	hc.AddCheck("ledger", func() monitoring.CheckResult {
		return monitoring.CheckResult{Status: monitoring.StatusHealthy}
	})
	mc := monitoring.NewMetricsCollector("bursar-test", "v1", "abc1234")

	r := SetupServiceRouter(logger, "bursar-test", hc, mc)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from routed handler, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected common middleware to assign a request ID")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected healthy service to answer 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ledger"`) {
		t.Fatalf("expected health body to list registered checks, got %q", w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics endpoint, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "bursar_test_http_requests_total") {
		t.Fatalf("expected request counter in metrics exposition, got %q", w.Body.String()[:min(len(w.Body.String()), 512)])
	}
}

func TestSetupServiceRouterToleratesNilCollectors(t *testing.T) {
	logger := logging.NewLogger()
	logger.SetOutput(&bytes.Buffer{})

	r := SetupServiceRouter(logger, "bursar-test", nil, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected no health route without a checker, got %d", w.Code)
	}
}

func TestDefaultConfigHonorsPortOverride(t *testing.T) {
	t.Setenv("PORT", "19999")
	cfg := DefaultConfig("bursar", "18010")
	if cfg.Port != "19999" {
		t.Fatalf("expected PORT override, got %q", cfg.Port)
	}

	t.Setenv("PORT", "")
	cfg = DefaultConfig("bursar", "18010")
	if cfg.Port != "18010" {
		t.Fatalf("expected default port, got %q", cfg.Port)
	}
}
