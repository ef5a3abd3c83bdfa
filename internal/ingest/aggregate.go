package ingest

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/moltwatch/api/schemas"
)

const (
	// DefaultDailyTopLimit is the size of the daily leaderboard.
	DefaultDailyTopLimit = 100
	// RankingWindow is how far back a post's creation may lie to be ranked today.
	RankingWindow = 24 * time.Hour
	// maxSnapshotTitle bounds titles copied into top-post snapshots, in runes.
	maxSnapshotTitle = 500
)

// Score is the ranking score of a post: upvotes plus twice its comment count.
func Score(upvotes, commentCount int64) int64 {
	return upvotes + 2*commentCount
}

// RankDailyTopPosts orders candidates by descending score, breaking ties by
// ascending post id, and returns at most limit entries for day (UTC date)
// ranked from 1.
func RankDailyTopPosts(candidates []schemas.RankCandidate, day time.Time, limit int) []schemas.DailyTopPost {
	ranked := make([]schemas.RankCandidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		si := Score(ranked[i].Upvotes, ranked[i].CommentCount)
		sj := Score(ranked[j].Upvotes, ranked[j].CommentCount)
		if si != sj {
			return si > sj
		}
		return ranked[i].PostID < ranked[j].PostID
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	u := day.UTC()
	date := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	out := make([]schemas.DailyTopPost, len(ranked))
	for i, c := range ranked {
		out[i] = schemas.DailyTopPost{
			Date:         date,
			PostID:       c.PostID,
			Rank:         i + 1,
			Upvotes:      c.Upvotes,
			CommentCount: c.CommentCount,
			Score:        Score(c.Upvotes, c.CommentCount),
		}
	}
	return out
}

// Aggregator writes the per-run snapshots and the daily ranking from rows
// already in the store.
type Aggregator struct {
	store         schemas.Store
	now           Clock
	dailyTopLimit int
	logger        *zap.Logger
}

// NewAggregator creates an aggregator over store.
func NewAggregator(store schemas.Store, now Clock, dailyTopLimit int, logger *zap.Logger) *Aggregator {
	if dailyTopLimit <= 0 {
		dailyTopLimit = DefaultDailyTopLimit
	}
	return &Aggregator{store: store, now: now, dailyTopLimit: dailyTopLimit, logger: logger.Named("aggregate")}
}

// TakeStatsSnapshot appends one stats_snapshots row with the current totals.
// It is not deduplicated; call it once per run.
func (a *Aggregator) TakeStatsSnapshot(ctx context.Context) (schemas.Totals, error) {
	totals, err := a.store.Totals(ctx)
	if err != nil {
		return schemas.Totals{}, err
	}
	if err := a.store.AppendStatsSnapshot(ctx, schemas.StatsSnapshot{Totals: totals, CapturedAt: a.now()}); err != nil {
		return schemas.Totals{}, err
	}
	a.logger.Info("Stats snapshot taken.",
		zap.Int64("agents", totals.Agents),
		zap.Int64("posts", totals.Posts),
		zap.Int64("comments", totals.Comments),
		zap.Int64("edges", totals.Edges))
	return totals, nil
}

// RecordRemoteStats appends the platform-wide counters reported by the API.
func (a *Aggregator) RecordRemoteStats(ctx context.Context, remote schemas.RemoteStats) error {
	return a.store.AppendRemoteStatsSnapshot(ctx, schemas.RemoteStatsSnapshot{
		Agents:     remote.Agents,
		Posts:      remote.Posts,
		Comments:   remote.Comments,
		Submolts:   remote.Submolts,
		CapturedAt: a.now(),
	})
}

// UpdateDailyTopPosts ranks posts created in the trailing window and upserts
// today's leaderboard. Re-running on the same day overwrites ranks and scores.
func (a *Aggregator) UpdateDailyTopPosts(ctx context.Context) (int, error) {
	now := a.now()
	candidates, err := a.store.PostsCreatedSince(ctx, now.Add(-RankingWindow))
	if err != nil {
		return 0, err
	}
	entries := RankDailyTopPosts(candidates, now, a.dailyTopLimit)
	if len(entries) == 0 {
		return 0, nil
	}
	if err := a.store.UpsertDailyTopPosts(ctx, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// SnapshotSubmolt appends one submolt_snapshots row summarizing the posts of a
// community detail. fallback supplies the listing's values when the detail
// omits them.
func (a *Aggregator) SnapshotSubmolt(ctx context.Context, fallback schemas.RemoteSubmolt, detail *schemas.SubmoltDetail) error {
	snap := schemas.SubmoltSnapshot{
		SubmoltID:       fallback.ID,
		SubmoltName:     fallback.Name,
		DisplayName:     fallback.DisplayName,
		SubscriberCount: fallback.SubscriberCount,
		PostCount:       int64(len(detail.Posts)),
		CapturedAt:      a.now(),
	}
	if s := detail.Submolt; s != nil && s.SubscriberCount > 0 {
		snap.SubscriberCount = s.SubscriberCount
	}
	for _, p := range detail.Posts {
		snap.TotalUpvotes += p.Upvotes
		snap.TotalDownvotes += p.Downvotes
		snap.TotalComments += p.CommentCount
	}
	return a.store.AppendSubmoltSnapshot(ctx, snap)
}

// SnapshotTopPosts appends the first limit posts of a top listing with their
// position as rank.
func (a *Aggregator) SnapshotTopPosts(ctx context.Context, posts []schemas.RemotePost, limit int) (int, error) {
	if limit > 0 && len(posts) > limit {
		posts = posts[:limit]
	}
	if len(posts) == 0 {
		return 0, nil
	}

	at := a.now()
	snaps := make([]schemas.TopPostSnapshot, len(posts))
	for i, p := range posts {
		snaps[i] = schemas.TopPostSnapshot{
			PostID:       p.ID,
			Title:        truncateRunes(p.Title, maxSnapshotTitle),
			Upvotes:      p.Upvotes,
			Downvotes:    p.Downvotes,
			CommentCount: p.CommentCount,
			Rank:         i + 1,
			CapturedAt:   at,
		}
		if p.Submolt != nil && p.Submolt.Name != "" {
			name := p.Submolt.Name
			snaps[i].SubmoltName = &name
		}
	}
	if err := a.store.AppendTopPostSnapshots(ctx, snaps); err != nil {
		return 0, err
	}
	return len(snaps), nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
