package schemas

import (
	"context"
	"time"
)

// -- Store Interface --

// Store is the relational persistence used by the ingestion pipeline. Every write
// is idempotent: uniqueness conflicts are absorbed by the implementation and never
// surface as errors, so overlapping runs are safe without application locking.
type Store interface {
	// UpsertAgent inserts the agent or refreshes its mutable fields. Nil counters
	// keep the stored value.
	UpsertAgent(ctx context.Context, a Agent) error
	// AgentKarma returns the stored karma state, or nil when the agent is unknown or
	// has never reported karma.
	AgentKarma(ctx context.Context, agentID string) (*AgentKarma, error)
	AppendAgentKarmaHistory(ctx context.Context, h AgentKarmaHistory) error

	UpsertSubmolt(ctx context.Context, s Submolt) error

	// PostScore returns the stored counters, or nil when the post is unknown.
	PostScore(ctx context.Context, postID string) (*PostScore, error)
	AppendPostScoreHistory(ctx context.Context, h PostScoreHistory) error
	UpsertPost(ctx context.Context, p Post) error
	// PostAuthor returns the stored author id, or nil when the post or its author is unknown.
	PostAuthor(ctx context.Context, postID string) (*string, error)

	UpsertComment(ctx context.Context, c Comment) error
	// CommentAuthor returns the stored author id, or nil when the comment or its author is unknown.
	CommentAuthor(ctx context.Context, commentID string) (*string, error)

	// RecordInteraction inserts the interaction unless an identical one exists and,
	// in the same transaction, increments the (from, to) edge only when a row was
	// created. It reports whether the interaction was new.
	RecordInteraction(ctx context.Context, in Interaction) (bool, error)
	// Edge returns the aggregated edge between two agents, or nil when none exists.
	Edge(ctx context.Context, fromAgentID, toAgentID string) (*NetworkEdge, error)

	Totals(ctx context.Context) (Totals, error)
	AppendStatsSnapshot(ctx context.Context, s StatsSnapshot) error
	AppendRemoteStatsSnapshot(ctx context.Context, s RemoteStatsSnapshot) error
	AppendSubmoltSnapshot(ctx context.Context, s SubmoltSnapshot) error
	AppendTopPostSnapshots(ctx context.Context, snaps []TopPostSnapshot) error

	// PostsCreatedSince returns ranking candidates whose remote creation time is at
	// or after since. Posts without a creation time are excluded.
	PostsCreatedSince(ctx context.Context, since time.Time) ([]RankCandidate, error)
	// UpsertDailyTopPosts writes the entries keyed by (date, post), overwriting
	// rank, score and counters of existing entries.
	UpsertDailyTopPosts(ctx context.Context, entries []DailyTopPost) error

	// DeleteEmptyStatsSnapshots removes snapshots taken against an empty store and
	// returns how many were removed.
	DeleteEmptyStatsSnapshots(ctx context.Context) (int64, error)
	// EnsureSchema applies the embedded DDL. It is safe to call repeatedly.
	EnsureSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}

// -- Remote API Interface --

// MoltbookAPI is the read-only view of the remote platform used by the collector.
type MoltbookAPI interface {
	Stats(ctx context.Context) (*RemoteStats, error)
	Submolts(ctx context.Context, limit int) ([]RemoteSubmolt, error)
	SubmoltDetail(ctx context.Context, name string) (*SubmoltDetail, error)
	Posts(ctx context.Context, sort PostSort, limit, offset int) (PostPage, error)
	Comments(ctx context.Context, postID string, limit int) ([]RemoteComment, error)
}
