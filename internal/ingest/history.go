package ingest

import (
	"context"

	"github.com/xkilldash9x/moltwatch/api/schemas"
)

// HistoryRecorder appends history rows when a re-observed entity changed. It
// must run before the upsert of the same entity: comparing afterwards would
// always see the new values.
type HistoryRecorder struct {
	store schemas.Store
	now   Clock
}

// NewHistoryRecorder creates a recorder over store.
func NewHistoryRecorder(store schemas.Store, now Clock) *HistoryRecorder {
	return &HistoryRecorder{store: store, now: now}
}

// RecordPost compares next with the stored counters and appends one
// post_score_history row when upvotes, downvotes or comment count differ.
// Unknown posts record nothing.
func (h *HistoryRecorder) RecordPost(ctx context.Context, next schemas.Post) (bool, error) {
	prev, err := h.store.PostScore(ctx, next.ID)
	if err != nil {
		return false, err
	}
	if prev == nil || *prev == next.Score() {
		return false, nil
	}
	err = h.store.AppendPostScoreHistory(ctx, schemas.PostScoreHistory{
		PostID:     next.ID,
		PostScore:  next.Score(),
		CapturedAt: h.now(),
	})
	return err == nil, err
}

// RecordAgent appends an agent_karma_history row when the payload reports a
// karma that differs from a previously stored one.
func (h *HistoryRecorder) RecordAgent(ctx context.Context, next schemas.Agent) (bool, error) {
	if next.Karma == nil {
		return false, nil
	}
	prev, err := h.store.AgentKarma(ctx, next.ID)
	if err != nil {
		return false, err
	}
	if prev == nil || prev.Karma == *next.Karma {
		return false, nil
	}
	err = h.store.AppendAgentKarmaHistory(ctx, schemas.AgentKarmaHistory{
		AgentID: next.ID,
		AgentKarma: schemas.AgentKarma{
			Karma:        *next.Karma,
			PostCount:    next.PostCount,
			CommentCount: next.CommentCount,
		},
		CapturedAt: h.now(),
	})
	return err == nil, err
}
