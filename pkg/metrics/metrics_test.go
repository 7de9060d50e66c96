package metrics

import (
	"bytes"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()

	reg := prometheus.NewRegistry()
	scroll := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scalr_test_pages_total",
		Help: "test counter",
	})
	other := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "unrelated_total",
		Help: "not ours",
	})
	reg.MustRegister(scroll, other)
	scroll.Add(3)
	other.Inc()
	return reg
}

func TestRegistry(t *testing.T) {
	if Registry != prometheus.DefaultRegisterer {
		t.Error("Registry should be the default Prometheus registerer")
	}
	if Gatherer != prometheus.DefaultGatherer {
		t.Error("Gatherer should be the default Prometheus gatherer")
	}
}

func TestGather_FiltersPrefix(t *testing.T) {
	families, err := Gather(newTestRegistry(t))
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	if len(families) != 1 {
		t.Fatalf("families = %d, want 1", len(families))
	}
	if got := families[0].GetName(); got != "scalr_test_pages_total" {
		t.Errorf("family = %q", got)
	}
	if got := families[0].GetMetric()[0].GetCounter().GetValue(); got != 3 {
		t.Errorf("value = %v, want 3", got)
	}
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteText(&buf, newTestRegistry(t)); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "scalr_test_pages_total 3") {
		t.Errorf("output missing counter: %q", output)
	}
	if strings.Contains(output, "unrelated_total") {
		t.Errorf("output should only carry scalr_ metrics: %q", output)
	}
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if len(body) == 0 {
		t.Error("metrics handler returned an empty body")
	}
}
