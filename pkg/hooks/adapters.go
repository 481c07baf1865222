package hooks

import (
	"context"
	"time"

	"github.com/Yann-Favin-Leveque/aidam-memory-plugin/pkg/sessionstate"
)

// JobQueue enqueues jobs for the background agents.
type JobQueue interface {
	EnqueueJob(ctx context.Context, sessionID, messageType string, payload map[string]any) (int64, error)
}

// ContextRetriever runs the submit-and-wait retrieval protocol.
type ContextRetriever interface {
	Retrieve(ctx context.Context, sessionID, prompt string) (string, error)
}

// SessionRegistry is the slice of the orchestrator registry hooks use.
type SessionRegistry interface {
	MarkClearing(ctx context.Context, sessionID string) error
	MarkCleared(ctx context.Context, sessionID string) error
	ConsumePreviousCleared(ctx context.Context, newSessionID string) (string, error)
}

// StateReader loads the latest compacted state.
type StateReader interface {
	Latest(ctx context.Context, sessionID string) (*sessionstate.State, error)
}

// Compactor persists end-of-session state.
type Compactor interface {
	EmergencyCompact(ctx context.Context, sessionID, transcriptPath string) error
	RefreshTail(ctx context.Context, sessionID, transcriptPath string) error
}

// Adapters bundles the dependencies of the four hook entry points.
type Adapters struct {
	Jobs      JobQueue
	Retriever ContextRetriever
	Registry  SessionRegistry
	States    StateReader
	Compactor Compactor
	Router    *CommandRouter

	RetrieverEnabled bool
	LearnerEnabled   bool

	// ConsumeRetries and ConsumeDelay pace the cleared-session lookup
	// on SessionStart; the hand-off can race the SessionEnd hook.
	ConsumeRetries int
	ConsumeDelay   time.Duration
}
