package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestMetrics_Exposition(t *testing.T) {
	m := New()
	m.CommandsDispatched.WithLabelValues("QueueOrchestration").Inc()
	m.StepsExecuted.WithLabelValues("ocr", "COMPLETED").Inc()
	m.ReconcileMerges.WithLabelValues("folded").Add(2)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := m.Handler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"recordflow_commands_dispatched_total",
		"recordflow_steps_executed_total",
		"recordflow_reconcile_merges_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %s", want)
		}
	}
}

func TestMetrics_DuplicateRegistrationIsolated(t *testing.T) {
	// Two instances must not collide: each owns its registry.
	_ = New()
	_ = New()
}
