package status

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/b24link/b24link/internal/call"
	"github.com/b24link/b24link/internal/metrics"
)

type fakeLister struct{ calls []call.CallSummary }

func (f fakeLister) Snapshot() []call.CallSummary { return f.calls }

type fakeLink struct{ up bool }

func (f fakeLink) Connected() bool { return f.up }

type fakeStats struct{}

func (fakeStats) LiveCalls() int         { return 2 }
func (fakeStats) CreatedTotal() uint64   { return 5 }
func (fakeStats) FinalizedTotal() uint64 { return 3 }

func newTestServer(lister CallLister, link LinkChecker) *Server {
	collector := metrics.NewCollector(fakeStats{}, nil, nil, time.Now())
	return NewServer(lister, link, collector, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name string
		up   bool
		want string
	}{
		{"connected", true, "ok"},
		{"link down", false, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(fakeLister{}, fakeLink{up: tt.up})
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body["status"] != tt.want {
				t.Errorf("status field = %v, want %s", body["status"], tt.want)
			}
		})
	}
}

func TestCalls(t *testing.T) {
	srv := newTestServer(fakeLister{calls: []call.CallSummary{
		{CorrelationID: "A", Caller: "+79991110000", Status: "ringing"},
	}}, fakeLink{up: true})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calls", nil))

	var body struct {
		Count int                `json:"count"`
		Calls []call.CallSummary `json:"calls"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || body.Calls[0].CorrelationID != "A" {
		t.Errorf("body = %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(fakeLister{}, fakeLink{up: true})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := rec.Body.String()
	for _, metric := range []string{"b24link_live_calls 2", "b24link_calls_finalized_total 3", "b24link_uptime_seconds"} {
		if !strings.Contains(out, metric) {
			t.Errorf("metrics output missing %q", metric)
		}
	}
}
