package sidecar

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/inbox"
)

// Metrics counts the traffic crossing the database bus.
type Metrics struct {
	JobsEnqueued     prometheus.Counter
	ResultsDelivered prometheus.Counter
	ExpiredSwept     prometheus.Counter
	Heartbeats       prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "aidam_jobs_enqueued_total",
			Help: "Cognitive inbox jobs enqueued.",
		}),
		ResultsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "aidam_retrieval_results_delivered_total",
			Help: "Retrieval inbox results delivered to a consumer.",
		}),
		ExpiredSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "aidam_retrieval_expired_swept_total",
			Help: "Expired retrieval inbox rows deleted by the sweeper.",
		}),
		Heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Name: "aidam_heartbeats_total",
			Help: "Orchestrator heartbeats written.",
		}),
	}
}

// busBackend is the bus surface the meter wraps.
type busBackend interface {
	EnqueueJob(ctx context.Context, sessionID, messageType string, payload map[string]any) (int64, error)
	EnqueueResult(ctx context.Context, sessionID, promptHash, contextType, contextText string, relevance float64, ttl time.Duration) (int64, error)
	ConsumeResults(ctx context.Context, sessionID, promptHash string) ([]inbox.Result, error)
	LatePendingResult(ctx context.Context, sessionID string) (*inbox.Result, error)
	CleanupExpiredRetrieval(ctx context.Context) (int64, error)
}

// MeteredBus wraps the inbox bus with traffic counters. It satisfies
// the same consumer interfaces as the bare bus, so retrieval and hook
// code takes either.
type MeteredBus struct {
	bus     busBackend
	metrics *Metrics
}

func NewMeteredBus(bus *inbox.Bus, metrics *Metrics) *MeteredBus {
	return &MeteredBus{bus: bus, metrics: metrics}
}

func (m *MeteredBus) EnqueueJob(ctx context.Context, sessionID, messageType string, payload map[string]any) (int64, error) {
	id, err := m.bus.EnqueueJob(ctx, sessionID, messageType, payload)
	if err == nil {
		m.metrics.JobsEnqueued.Inc()
	}
	return id, err
}

func (m *MeteredBus) EnqueueResult(ctx context.Context, sessionID, promptHash, contextType, contextText string, relevance float64, ttl time.Duration) (int64, error) {
	return m.bus.EnqueueResult(ctx, sessionID, promptHash, contextType, contextText, relevance, ttl)
}

func (m *MeteredBus) ConsumeResults(ctx context.Context, sessionID, promptHash string) ([]inbox.Result, error) {
	results, err := m.bus.ConsumeResults(ctx, sessionID, promptHash)
	if err == nil {
		m.metrics.ResultsDelivered.Add(float64(len(results)))
	}
	return results, err
}

func (m *MeteredBus) LatePendingResult(ctx context.Context, sessionID string) (*inbox.Result, error) {
	result, err := m.bus.LatePendingResult(ctx, sessionID)
	if err == nil && result != nil {
		m.metrics.ResultsDelivered.Inc()
	}
	return result, err
}

func (m *MeteredBus) CleanupExpiredRetrieval(ctx context.Context) (int64, error) {
	n, err := m.bus.CleanupExpiredRetrieval(ctx)
	if err == nil {
		m.metrics.ExpiredSwept.Add(float64(n))
	}
	return n, err
}
