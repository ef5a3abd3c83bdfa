package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/moltwatch/api/schemas"
)

func TestRankDailyTopPosts_TiesAreDeterministic(t *testing.T) {
	day := time.Date(2026, 1, 30, 23, 59, 0, 0, time.UTC)
	// Scores: p-b 10, p-a 10, p-c 5. Input order must not matter.
	candidates := []schemas.RankCandidate{
		{PostID: "p-c", Upvotes: 5},
		{PostID: "p-b", Upvotes: 6, CommentCount: 2},
		{PostID: "p-a", Upvotes: 10},
	}

	want := []schemas.DailyTopPost{
		{Date: time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC), PostID: "p-a", Rank: 1, Upvotes: 10, Score: 10},
		{Date: time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC), PostID: "p-b", Rank: 2, Upvotes: 6, CommentCount: 2, Score: 10},
		{Date: time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC), PostID: "p-c", Rank: 3, Upvotes: 5, Score: 5},
	}

	got := RankDailyTopPosts(candidates, day, 100)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RankDailyTopPosts() mismatch (-want +got):\n%s", diff)
	}

	reversed := []schemas.RankCandidate{candidates[2], candidates[1], candidates[0]}
	assert.Empty(t, cmp.Diff(want, RankDailyTopPosts(reversed, day, 100)))
	assert.Equal(t, "p-c", candidates[0].PostID, "input must not be reordered")
}

func TestRankDailyTopPosts_Limit(t *testing.T) {
	var candidates []schemas.RankCandidate
	for i := 0; i < 150; i++ {
		candidates = append(candidates, schemas.RankCandidate{PostID: string(rune('A'+i%26)) + strings.Repeat("x", i), Upvotes: int64(i)})
	}
	got := RankDailyTopPosts(candidates, time.Now(), 100)
	require.Len(t, got, 100)
	assert.Equal(t, int64(149), got[0].Upvotes)
	assert.Equal(t, 100, got[99].Rank)
}

func TestScore(t *testing.T) {
	assert.Equal(t, int64(17), Score(7, 5))
	assert.Equal(t, int64(0), Score(0, 0))
}

func TestAggregator_UpdateDailyTopPosts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.t

	recent := func(id string, up, comments int64, age time.Duration) schemas.RemotePost {
		p := remotePost(id, "alice", up, 0, comments)
		p.CreatedAt = ptr(now.Add(-age))
		return p
	}
	for _, p := range []schemas.RemotePost{
		recent("p1", 10, 0, time.Hour),
		recent("p2", 6, 2, 2*time.Hour),
		recent("p3", 5, 0, 3*time.Hour),
		recent("old", 999, 0, 25*time.Hour),
	} {
		_, err := f.pipeline.Upserter.Post(ctx, p)
		require.NoError(t, err)
	}
	// No creation time means the post cannot be placed in the window.
	_, err := f.pipeline.Upserter.Post(ctx, remotePost("undated", "alice", 500, 0, 0))
	require.NoError(t, err)

	n, err := f.pipeline.Aggregator.UpdateDailyTopPosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Re-running the same day overwrites instead of duplicating.
	_, err = f.pipeline.Upserter.Post(ctx, recent("p3", 50, 0, 3*time.Hour))
	require.NoError(t, err)
	n, err = f.pipeline.Aggregator.UpdateDailyTopPosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, f.count(t, `SELECT COUNT(*) FROM daily_top_posts`))

	rows, err := f.store.DB().Query(`SELECT post_id, rank, score FROM daily_top_posts WHERE date = '2026-01-30' ORDER BY rank`)
	require.NoError(t, err)
	defer rows.Close()
	type entry struct {
		PostID string
		Rank   int
		Score  int64
	}
	var got []entry
	for rows.Next() {
		var e entry
		require.NoError(t, rows.Scan(&e.PostID, &e.Rank, &e.Score))
		got = append(got, e)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []entry{{"p3", 1, 50}, {"p1", 2, 10}, {"p2", 3, 10}}, got)
}

func TestAggregator_TakeStatsSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Upserter.Post(ctx, remotePost("p1", "alice", 4, 1, 1))
	require.NoError(t, err)
	_, err = f.pipeline.IngestComments(ctx, "p1", []schemas.RemoteComment{remoteComment("c1", "bob", nil)})
	require.NoError(t, err)

	totals, err := f.pipeline.Aggregator.TakeStatsSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, schemas.Totals{Agents: 2, Posts: 1, Comments: 1, Upvotes: 4, Downvotes: 1, Interactions: 1, Edges: 1}, totals)

	_, err = f.pipeline.Aggregator.TakeStatsSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.count(t, `SELECT COUNT(*) FROM stats_snapshots WHERE total_agents = 2`), "snapshots are never deduplicated")
}

func TestAggregator_RecordRemoteStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	remote := schemas.RemoteStats{Success: true, Agents: 1500, Posts: 320, Comments: 4100, Submolts: 12}
	require.NoError(t, f.pipeline.Aggregator.RecordRemoteStats(ctx, remote))

	var agents, posts, comments, submolts int64
	var captured string
	require.NoError(t, f.store.DB().QueryRow(
		`SELECT agents, posts, comments, submolts, captured_at FROM remote_stats_snapshots`,
	).Scan(&agents, &posts, &comments, &submolts, &captured))
	assert.Equal(t, []int64{1500, 320, 4100, 12}, []int64{agents, posts, comments, submolts})
	assert.True(t, strings.HasPrefix(captured, "2026-01-30"))
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM stats_snapshots`), "remote counters never mix with local totals")
}

func TestAggregator_SnapshotSubmolt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	listing := schemas.RemoteSubmolt{ID: "s1", Name: "robotics", DisplayName: "Robotics", SubscriberCount: 50}
	detail := &schemas.SubmoltDetail{
		Submolt: &schemas.RemoteSubmolt{ID: "s1", Name: "robotics", SubscriberCount: 75},
		Posts: []schemas.RemotePost{
			remotePost("p1", "alice", 3, 1, 2),
			remotePost("p2", "bob", 4, 0, 5),
		},
	}
	require.NoError(t, f.pipeline.Aggregator.SnapshotSubmolt(ctx, listing, detail))

	var name string
	var subscribers, posts, up, down, comments int64
	require.NoError(t, f.store.DB().QueryRow(`
        SELECT submolt_name, subscriber_count, post_count, total_upvotes, total_downvotes, total_comments
        FROM submolt_snapshots WHERE submolt_id = 's1'`,
	).Scan(&name, &subscribers, &posts, &up, &down, &comments))
	assert.Equal(t, "robotics", name)
	assert.Equal(t, []int64{75, 2, 7, 1, 7}, []int64{subscribers, posts, up, down, comments})
}

func TestAggregator_SnapshotTopPosts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	long := remotePost("p1", "alice", 9, 0, 0)
	long.Title = strings.Repeat("é", 600)
	long.Submolt = &schemas.SubmoltRef{ID: "s1", Name: "general"}
	posts := []schemas.RemotePost{long, remotePost("p2", "bob", 8, 0, 0), remotePost("p3", "bob", 7, 0, 0)}

	n, err := f.pipeline.Aggregator.SnapshotTopPosts(ctx, posts, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var title string
	var rank int
	var submolt string
	require.NoError(t, f.store.DB().QueryRow(
		`SELECT title, rank, COALESCE(submolt_name, '') FROM top_posts_snapshots WHERE post_id = 'p1'`,
	).Scan(&title, &rank, &submolt))
	assert.Equal(t, 500, len([]rune(title)))
	assert.Equal(t, 1, rank)
	assert.Equal(t, "general", submolt)
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM top_posts_snapshots WHERE post_id = 'p2' AND rank = 2`))
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM top_posts_snapshots WHERE post_id = 'p3'`))
}
