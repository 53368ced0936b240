package metrics

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestRegistry_CounterIsShared(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("test_total", "help")
	b := r.Counter("test_total", "other help")
	if a != b {
		t.Fatal("expected the same counter for the same name")
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Inc()
		}()
	}
	wg.Wait()
	if b.Value() != 50 {
		t.Fatalf("expected 50, got %d", b.Value())
	}
}

func TestGauge_IncDec(t *testing.T) {
	g := NewRegistry().Gauge("in_flight", "help")
	g.Inc()
	g.Inc()
	g.Dec()
	if g.Value() != 1 {
		t.Fatalf("expected 1, got %d", g.Value())
	}
}

func TestHistogram_Buckets(t *testing.T) {
	r := NewRegistry()
	h := r.Histogram("latency_seconds", "help", []float64{5, 1, math.Inf(1)})
	h.Observe(0.5)
	h.Observe(2)
	h.Observe(10)

	var sb strings.Builder
	r.WriteText(&sb)
	out := sb.String()

	for _, want := range []string{
		`latency_seconds_bucket{le="1"} 1`,
		`latency_seconds_bucket{le="5"} 2`,
		`latency_seconds_bucket{le="+Inf"} 3`,
		"latency_seconds_count 3",
		"latency_seconds_sum 12.500000",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in output:\n%s", want, out)
		}
	}
	if n := strings.Count(out, `le="+Inf"`); n != 1 {
		t.Fatalf("expected one +Inf bucket, got %d", n)
	}
}

func TestWriteText_SortedAndTyped(t *testing.T) {
	r := NewRegistry()
	r.Counter("b_total", "second").Inc()
	r.Counter("a_total", "first")

	var sb strings.Builder
	r.WriteText(&sb)
	out := sb.String()

	if !strings.Contains(out, "# TYPE difybot_uptime_seconds gauge") {
		t.Fatal("expected uptime gauge")
	}
	if !strings.Contains(out, "# HELP a_total first\n# TYPE a_total counter\na_total 0\n") {
		t.Fatalf("unexpected counter rendering:\n%s", out)
	}
	if strings.Index(out, "a_total") > strings.Index(out, "b_total") {
		t.Fatal("expected counters sorted by name")
	}
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.Counter("served_total", "help").Inc()

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "served_total 1") {
		t.Fatalf("unexpected body:\n%s", rec.Body.String())
	}
}
