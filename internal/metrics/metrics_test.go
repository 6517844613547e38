package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveRelay(t *testing.T) {
	t.Parallel()

	m := NewEdge()
	m.ObserveRelay(OutcomeOK, 10*time.Millisecond)
	m.ObserveRelay(OutcomeOK, 0)
	m.ObserveRelay(OutcomeQuota, 0)

	if got := m.RelayCount(OutcomeOK); got != 2 {
		t.Fatalf("ok count = %v, want 2", got)
	}
	if got := m.RelayCount(OutcomeQuota); got != 1 {
		t.Fatalf("quota count = %v, want 1", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	t.Parallel()

	m := NewEdge()
	m.AgentConnections.Set(3)
	m.ObserveFrame("in")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{"a2rok_agent_connections 3", `a2rok_ws_frames_total{direction="in"} 1`} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
