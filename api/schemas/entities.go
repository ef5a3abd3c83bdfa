package schemas

import "time"

// -- Persisted entities --
//
// One struct per table. Pointer fields map to nullable columns; an upsert never
// replaces a stored non-null value with null.

// Agent is a user-like actor on the platform.
type Agent struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    *string   `json:"description,omitempty"`
	Karma          *int64    `json:"karma,omitempty"`
	PostCount      *int64    `json:"post_count,omitempty"`
	CommentCount   *int64    `json:"comment_count,omitempty"`
	FollowerCount  *int64    `json:"follower_count,omitempty"`
	FollowingCount *int64    `json:"following_count,omitempty"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
}

// Submolt is a community.
type Submolt struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	DisplayName     *string    `json:"display_name,omitempty"`
	Description     *string    `json:"description,omitempty"`
	SubscriberCount *int64     `json:"subscriber_count,omitempty"`
	PostCount       *int64     `json:"post_count,omitempty"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
	FirstSeenAt     time.Time  `json:"first_seen_at"`
	LastUpdatedAt   time.Time  `json:"last_updated_at"`
}

// Post is a submission. Only the score fields change across observations.
type Post struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Content       string     `json:"content"`
	URL           *string    `json:"url,omitempty"`
	AuthorID      *string    `json:"author_id,omitempty"`
	SubmoltID     *string    `json:"submolt_id,omitempty"`
	Upvotes       int64      `json:"upvotes"`
	Downvotes     int64      `json:"downvotes"`
	CommentCount  int64      `json:"comment_count"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	FirstSeenAt   time.Time  `json:"first_seen_at"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
}

// Score returns the mutable counters of the post.
func (p Post) Score() PostScore {
	return PostScore{Upvotes: p.Upvotes, Downvotes: p.Downvotes, CommentCount: p.CommentCount}
}

// Comment belongs to a post and optionally to a parent comment.
type Comment struct {
	ID              string     `json:"id"`
	PostID          string     `json:"post_id"`
	ParentCommentID *string    `json:"parent_comment_id,omitempty"`
	AuthorID        *string    `json:"author_id,omitempty"`
	Content         string     `json:"content"`
	Upvotes         int64      `json:"upvotes"`
	Downvotes       int64      `json:"downvotes"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
	FirstSeenAt     time.Time  `json:"first_seen_at"`
	LastUpdatedAt   time.Time  `json:"last_updated_at"`
}

// InteractionKind distinguishes the two derived interaction types.
type InteractionKind string

const (
	CommentOnPost  InteractionKind = "comment_on_post"
	ReplyToComment InteractionKind = "reply_to_comment"
)

// Interaction is one directed event between two agents. The five identifying
// fields are unique together.
type Interaction struct {
	FromAgentID string          `json:"from_agent_id"`
	ToAgentID   string          `json:"to_agent_id"`
	Kind        InteractionKind `json:"interaction_type"`
	PostID      string          `json:"post_id"`
	CommentID   string          `json:"comment_id"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NetworkEdge summarizes all interactions from one agent to another.
type NetworkEdge struct {
	FromAgentID       string    `json:"from_agent_id"`
	ToAgentID         string    `json:"to_agent_id"`
	Weight            int64     `json:"edge_weight"`
	LastInteractionAt time.Time `json:"last_interaction_at"`
}

// PostScore holds the counters compared by the history recorder.
type PostScore struct {
	Upvotes      int64 `json:"upvotes"`
	Downvotes    int64 `json:"downvotes"`
	CommentCount int64 `json:"comment_count"`
}

// PostScoreHistory is an append-only record of a changed score.
type PostScoreHistory struct {
	PostID string `json:"post_id"`
	PostScore
	CapturedAt time.Time `json:"captured_at"`
}

// AgentKarma is the stored karma state of an agent.
type AgentKarma struct {
	Karma        int64  `json:"karma"`
	PostCount    *int64 `json:"post_count,omitempty"`
	CommentCount *int64 `json:"comment_count,omitempty"`
}

// AgentKarmaHistory is an append-only record of a changed karma value.
type AgentKarmaHistory struct {
	AgentID string `json:"agent_id"`
	AgentKarma
	CapturedAt time.Time `json:"captured_at"`
}

// Totals are the global counters computed from stored rows.
type Totals struct {
	Agents       int64 `json:"agents"`
	Posts        int64 `json:"posts"`
	Comments     int64 `json:"comments"`
	Submolts     int64 `json:"submolts"`
	Upvotes      int64 `json:"upvotes"`
	Downvotes    int64 `json:"downvotes"`
	Interactions int64 `json:"interactions"`
	Edges        int64 `json:"edges"`
}

// StatsSnapshot is one append-only row of global counters.
type StatsSnapshot struct {
	Totals
	CapturedAt time.Time `json:"captured_at"`
}

// RemoteStatsSnapshot is one append-only row of the platform-wide counters as
// reported by the API, next to the locally computed stats_snapshots.
type RemoteStatsSnapshot struct {
	Agents     int64     `json:"agents"`
	Posts      int64     `json:"posts"`
	Comments   int64     `json:"comments"`
	Submolts   int64     `json:"submolts"`
	CapturedAt time.Time `json:"captured_at"`
}

// SubmoltSnapshot is one append-only row of per-community counters.
type SubmoltSnapshot struct {
	SubmoltID       string    `json:"submolt_id"`
	SubmoltName     string    `json:"submolt_name"`
	DisplayName     string    `json:"display_name"`
	SubscriberCount int64     `json:"subscriber_count"`
	PostCount       int64     `json:"post_count"`
	TotalUpvotes    int64     `json:"total_upvotes"`
	TotalDownvotes  int64     `json:"total_downvotes"`
	TotalComments   int64     `json:"total_comments"`
	CapturedAt      time.Time `json:"captured_at"`
}

// TopPostSnapshot records a post's position in the global top listing at a point in time.
type TopPostSnapshot struct {
	PostID       string    `json:"post_id"`
	Title        string    `json:"title"`
	SubmoltName  *string   `json:"submolt_name,omitempty"`
	Upvotes      int64     `json:"upvotes"`
	Downvotes    int64     `json:"downvotes"`
	CommentCount int64     `json:"comment_count"`
	Rank         int       `json:"rank"`
	CapturedAt   time.Time `json:"captured_at"`
}

// RankCandidate is the projection of a post used for daily ranking.
type RankCandidate struct {
	PostID       string `json:"post_id"`
	Upvotes      int64  `json:"upvotes"`
	CommentCount int64  `json:"comment_count"`
}

// DailyTopPost is one ranked entry of a day's leaderboard, unique per (date, post).
type DailyTopPost struct {
	Date         time.Time `json:"date"`
	PostID       string    `json:"post_id"`
	Rank         int       `json:"rank"`
	Upvotes      int64     `json:"upvotes"`
	CommentCount int64     `json:"comment_count"`
	Score        int64     `json:"score"`
}
