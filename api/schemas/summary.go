package schemas

import "time"

// RunState names a step of a collection run.
type RunState string

const (
	StateIdle                     RunState = "idle"
	StateCollectingSubmolts       RunState = "collecting_submolts"
	StateCollectingPosts          RunState = "collecting_posts"
	StateCollectingComments       RunState = "collecting_comments"
	StateCollectingSubmoltDetails RunState = "collecting_submolt_details"
	StateTakingSnapshot           RunState = "taking_snapshot"
	StateUpdatingRankings         RunState = "updating_rankings"
	StateDone                     RunState = "done"
	StateFailed                   RunState = "failed"
)

// StageCounts tallies what a run ingested.
type StageCounts struct {
	Submolts         int `json:"submolts"`
	Posts            int `json:"posts"`
	Comments         int `json:"comments"`
	CommentPosts     int `json:"comment_posts"`
	Interactions     int `json:"interactions"`
	NewInteractions  int `json:"new_interactions"`
	ScoreChanges     int `json:"score_changes"`
	KarmaChanges     int `json:"karma_changes"`
	SubmoltSnapshots int `json:"submolt_snapshots"`
	TopPostSnapshots int `json:"top_post_snapshots"`
	DailyTopPosts    int `json:"daily_top_posts"`
}

// SkippedItem records a per-item failure that did not abort the run.
type SkippedItem struct {
	Stage  RunState `json:"stage"`
	ItemID string   `json:"item_id"`
	Error  string   `json:"error"`
}

// RunSummary is the result of one collection run.
type RunSummary struct {
	RunID       string        `json:"run_id"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"-"`
	DurationMS  int64         `json:"duration_ms"`
	State       RunState      `json:"state"`
	Counts      StageCounts   `json:"counts"`
	Skipped     []SkippedItem `json:"skipped,omitempty"`
	Totals      *Totals       `json:"totals,omitempty"`
	RemoteStats *RemoteStats  `json:"remote_stats,omitempty"`
}
