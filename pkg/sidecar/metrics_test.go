package sidecar

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/inbox"
)

type fakeBackend struct {
	results []inbox.Result
	late    *inbox.Result
	swept   int64
}

func (f *fakeBackend) EnqueueJob(ctx context.Context, sessionID, messageType string, payload map[string]any) (int64, error) {
	return 1, nil
}

func (f *fakeBackend) EnqueueResult(ctx context.Context, sessionID, promptHash, contextType, contextText string, relevance float64, ttl time.Duration) (int64, error) {
	return 1, nil
}

func (f *fakeBackend) ConsumeResults(ctx context.Context, sessionID, promptHash string) ([]inbox.Result, error) {
	return f.results, nil
}

func (f *fakeBackend) LatePendingResult(ctx context.Context, sessionID string) (*inbox.Result, error) {
	return f.late, nil
}

func (f *fakeBackend) CleanupExpiredRetrieval(ctx context.Context) (int64, error) {
	return f.swept, nil
}

func newTestMeter(backend busBackend) (*MeteredBus, *Metrics) {
	metrics := NewMetrics(prometheus.NewRegistry())
	return &MeteredBus{bus: backend, metrics: metrics}, metrics
}

func TestMeteredBusCountsJobs(t *testing.T) {
	meter, metrics := newTestMeter(&fakeBackend{})

	for i := 0; i < 3; i++ {
		_, err := meter.EnqueueJob(context.Background(), "s1", "prompt_context", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.JobsEnqueued))
}

func TestMeteredBusCountsDeliveredResults(t *testing.T) {
	backend := &fakeBackend{results: []inbox.Result{
		{ID: 1, Type: "keyword", Text: "ctx"},
		{ID: 2, Type: "none"},
	}}
	meter, metrics := newTestMeter(backend)

	results, err := meter.ConsumeResults(context.Background(), "s1", "abcd")
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ResultsDelivered))

	backend.late = &inbox.Result{ID: 3, Type: "keyword", Text: "late"}
	_, err = meter.LatePendingResult(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.ResultsDelivered))
}

func TestMeteredBusCountsSweptRows(t *testing.T) {
	meter, metrics := newTestMeter(&fakeBackend{swept: 7})

	n, err := meter.CleanupExpiredRetrieval(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.ExpiredSwept))
}

func TestMeteredBusNilLateResultNotCounted(t *testing.T) {
	meter, metrics := newTestMeter(&fakeBackend{})

	result, err := meter.LatePendingResult(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ResultsDelivered))
}
