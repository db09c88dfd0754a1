package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dyluth/fedloop/internal/flow"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector("fedloop", zap.NewNop())

	assert.NotNil(t, collector.Registry())
	assert.NotNil(t, collector.roundsTotal)
	assert.NotNil(t, collector.workerResults)

	// Two collectors never clash because each has its own registry.
	assert.NotPanics(t, func() { NewCollector("fedloop", nil) })
}

func TestCollector_ObserveRound(t *testing.T) {
	collector := NewCollector("fedloop", nil)

	collector.ObserveRound(flow.RoundSummary{
		Job:          "fedavg",
		Round:        2,
		Contributors: 3,
		Metrics:      map[string]float64{"loss": 0.4},
		Best:         true,
	}, 1500*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.roundsTotal.WithLabelValues("fedavg")))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.contributors.WithLabelValues("fedavg")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.currentRound.WithLabelValues("fedavg")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.bestRound.WithLabelValues("fedavg")))
	assert.Equal(t, 0.4, testutil.ToFloat64(collector.roundMetric.WithLabelValues("fedavg", "loss")))

	collector.ObserveRound(flow.RoundSummary{Job: "fedavg", Round: 3, Contributors: 2}, time.Second)
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.roundsTotal.WithLabelValues("fedavg")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.bestRound.WithLabelValues("fedavg")), "best round unchanged")
}

func TestCollector_ObserveResults(t *testing.T) {
	collector := NewCollector("fedloop", nil)

	collector.ObserveResult("train", flow.StatusOK)
	collector.ObserveResult("train", flow.StatusOK)
	collector.ObserveResult("train", flow.StatusRetryableError)
	collector.ObserveDispatchError("train")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.workerResults.WithLabelValues("train", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.workerResults.WithLabelValues("train", "RETRYABLE_ERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.dispatchErrors.WithLabelValues("train")))
}

func TestCollector_Handler(t *testing.T) {
	collector := NewCollector("fedloop", nil)
	collector.ObserveResult("train", flow.StatusOK)

	w := httptest.NewRecorder()
	collector.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "fedloop_worker_results_total"))
}
