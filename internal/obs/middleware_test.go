package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatusRecorderCapturesStatusAndBytes(t *testing.T) {
	rr := httptest.NewRecorder()
	rec := NewStatusRecorder(rr)
	rec.WriteHeader(http.StatusTeapot)
	if _, err := rec.Write([]byte("short and stout")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec.Status() != http.StatusTeapot {
		t.Fatalf("expected 418 got %d", rec.Status())
	}
	if rec.BytesWritten() != int64(len("short and stout")) {
		t.Fatalf("unexpected bytes written: %d", rec.BytesWritten())
	}
}

func TestHTTPObsCountsRequestsByRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewHTTPMetrics("test_api", nil, reg)

	r := chi.NewRouter()
	r.Use(HTTPObs{Metrics: metrics}.Middleware)
	r.Get("/orders/{number}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders/ABC123", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200 got %d", rr.Code)
		}
	}

	count := testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodGet, "/orders/{number}", "200"))
	if count != 3 {
		t.Fatalf("expected 3 requests counted, got %v", count)
	}
}

func TestParseBucketsCSVSkipsInvalidEntries(t *testing.T) {
	got := ParseBucketsCSV("5, 10, nope, -1, 250")
	want := []float64{5, 10, 250}
	if len(got) != len(want) {
		t.Fatalf("expected %v got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v got %v", want, got)
		}
	}
}
