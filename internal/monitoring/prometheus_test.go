package monitoring

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()
	m.RecordStep("propose", 20*time.Millisecond)
	m.RecordStep("propose", 10*time.Millisecond)
	m.RecordTask("Verified")
	m.RecordAttempt("failed", time.Millisecond)
	m.RecordAccepted(2, 5)
	m.RecordCheckpoint()
	m.RecordRejection("NOVELTY_REJECTED")
	m.RecordNovelty(0.4)
	m.RecordIteration("accepted")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("propose")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksTotal.WithLabelValues("Verified")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.factorsAccepted))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.knowledgeEntries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkpointsTotal))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "alphamine_loop_steps_total")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordStep("propose", time.Second)
		m.RecordIteration("skipped")
		m.RecordTask("Exhausted")
		m.RecordAttempt("verified", time.Second)
		m.RecordNovelty(1)
		m.RecordRejection("SYNTAX_ERROR")
		m.RecordAccepted(1, 1)
		m.RecordCheckpoint()
	})
}

func TestMetricsAreIndependent(t *testing.T) {
	// a private registry per instance allows more than one
	assert.NotPanics(t, func() {
		NewMetrics()
		NewMetrics()
	})
}
