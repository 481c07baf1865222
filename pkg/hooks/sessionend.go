package hooks

import "context"

// SessionEnd handles /clear: the orchestrator row walks running →
// clearing → cleared while the end-of-session state is persisted. When
// a compacted state already exists only its tail is refreshed;
// otherwise an emergency extraction builds version 1 from the
// transcript.
func (a *Adapters) SessionEnd(ctx context.Context, in *Input) (*Result, error) {
	if in.Reason != "clear" || in.SessionID == "" {
		return Allow(), nil
	}

	if err := a.Registry.MarkClearing(ctx, in.SessionID); err != nil {
		return nil, err
	}

	if in.TranscriptPath != "" {
		state, err := a.States.Latest(ctx, in.SessionID)
		if err != nil {
			return nil, err
		}
		if state != nil {
			if err := a.Compactor.RefreshTail(ctx, in.SessionID, in.TranscriptPath); err != nil {
				return nil, err
			}
		} else {
			if err := a.Compactor.EmergencyCompact(ctx, in.SessionID, in.TranscriptPath); err != nil {
				return nil, err
			}
		}
	}

	if err := a.Registry.MarkCleared(ctx, in.SessionID); err != nil {
		return nil, err
	}
	return Allow(), nil
}
