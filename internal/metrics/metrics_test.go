package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitReplacesGlobal(t *testing.T) {
	first := Init("test_a")
	second := Init("test_a")
	if Get() != second || first == second {
		t.Fatal("Init should install a fresh global instance")
	}
}

func TestRoundMetrics(t *testing.T) {
	m := Init("test_round")

	m.ObserveRoundStart(1234)
	m.SetBestDeadline("42", 77)
	m.ObserveRoundFinished(2.5, 100)
	m.IncSubmissions(OutcomeAccepted)
	m.IncSubmissions(OutcomeAccepted)

	if got := testutil.ToFloat64(m.CurrentHeight); got != 1234 {
		t.Errorf("current height = %v", got)
	}
	if got := testutil.ToFloat64(m.BestDeadline.WithLabelValues("42")); got != 77 {
		t.Errorf("best deadline = %v", got)
	}
	if got := testutil.ToFloat64(m.Submissions.WithLabelValues(OutcomeAccepted)); got != 2 {
		t.Errorf("accepted submissions = %v", got)
	}

	// a new round clears per-account bests
	m.ObserveRoundStart(1235)
	if got := testutil.CollectAndCount(m.BestDeadline); got != 0 {
		t.Errorf("best deadline series after new round = %d", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := Init("test_http")
	m.AddBytesRead("sda", 4096)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if !strings.Contains(string(body), `test_http_bytes_read_total{drive="sda"} 4096`) {
		t.Errorf("metrics output missing bytes_read_total:\n%s", body)
	}
}
