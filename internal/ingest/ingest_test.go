package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/moltwatch/api/schemas"
	"github.com/xkilldash9x/moltwatch/internal/store/sqlite"
)

// sqliteTimeLayout matches how the SQLite store persists timestamps.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	store    *sqlite.Store
	clock    *fakeClock
	pipeline *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.Open(ctx, sqlite.MemoryPath, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.EnsureSchema(ctx))

	clk := &fakeClock{t: time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC)}
	return &fixture{
		store:    s,
		clock:    clk,
		pipeline: NewPipeline(s, zap.NewNop(), WithClock(clk.Now)),
	}
}

func (f *fixture) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, f.store.DB().QueryRow(query, args...).Scan(&n))
	return n
}

func ptr[T any](v T) *T { return &v }

func author(id string) *schemas.AuthorRef {
	return &schemas.AuthorRef{ID: id, Name: id}
}

func remotePost(id, authorID string, up, down, comments int64) schemas.RemotePost {
	p := schemas.RemotePost{ID: id, Title: "post " + id, Upvotes: up, Downvotes: down, CommentCount: comments}
	if authorID != "" {
		p.Author = author(authorID)
	}
	return p
}

func remoteComment(id, authorID string, parent *string) schemas.RemoteComment {
	return schemas.RemoteComment{ID: id, Content: "comment " + id, Author: author(authorID), ParentID: parent}
}

type postRow struct {
	Title, AuthorID, SubmoltID       string
	Upvotes, Downvotes, CommentCount int64
	FirstSeenAt, LastUpdatedAt       string
}

func (f *fixture) post(t *testing.T, id string) postRow {
	t.Helper()
	var r postRow
	require.NoError(t, f.store.DB().QueryRow(`
        SELECT title, COALESCE(author_id, ''), COALESCE(submolt_id, ''), upvotes, downvotes, comment_count, first_seen_at, last_updated_at
        FROM posts WHERE id = ?`, id,
	).Scan(&r.Title, &r.AuthorID, &r.SubmoltID, &r.Upvotes, &r.Downvotes, &r.CommentCount, &r.FirstSeenAt, &r.LastUpdatedAt))
	return r
}

func TestUpserter_RepeatedPayloadIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	up := f.pipeline.Upserter

	rs := schemas.RemoteSubmolt{ID: "s1", Name: "general", DisplayName: "General", SubscriberCount: 10}
	rp := remotePost("p1", "alice", 5, 1, 2)
	rp.Submolt = &schemas.SubmoltRef{ID: "s1", Name: "general", DisplayName: "General"}
	rc := remoteComment("c1", "bob", nil)

	var first postRow
	for i := 0; i < 2; i++ {
		require.NoError(t, up.Submolt(ctx, rs))
		_, err := up.Post(ctx, rp)
		require.NoError(t, err)
		_, err = up.Comment(ctx, "p1", rc)
		require.NoError(t, err)
		if i == 0 {
			first = f.post(t, "p1")
		}
	}

	assert.Equal(t, 2, f.count(t, `SELECT COUNT(*) FROM agents`))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM submolts`))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM posts`))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM comments`))
	assert.Empty(t, cmp.Diff(first, f.post(t, "p1")))
	assert.Equal(t, postRow{
		Title: "post p1", AuthorID: "alice", SubmoltID: "s1",
		Upvotes: 5, Downvotes: 1, CommentCount: 2,
		FirstSeenAt:   f.clock.t.Format(sqliteTimeLayout),
		LastUpdatedAt: f.clock.t.Format(sqliteTimeLayout),
	}, first)

	var subscribers int64
	require.NoError(t, f.store.DB().QueryRow(`SELECT subscriber_count FROM submolts WHERE id = 's1'`).Scan(&subscribers))
	assert.Equal(t, int64(10), subscribers, "a post's embedded submolt must not clear the subscriber count")
}

func TestHistory_UnchangedScoreAppendsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.pipeline.Upserter.Post(ctx, remotePost("p1", "alice", 3, 0, 1))
	require.NoError(t, err)
	assert.False(t, out.ScoreChanged, "a new post has nothing to diff against")

	f.clock.Advance(time.Hour)
	out, err = f.pipeline.Upserter.Post(ctx, remotePost("p1", "alice", 3, 0, 1))
	require.NoError(t, err)
	assert.False(t, out.ScoreChanged)
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM post_score_history`))
}

func TestHistory_EachChangedFieldAppendsOneRow(t *testing.T) {
	tests := []struct {
		name string
		next schemas.RemotePost
	}{
		{name: "upvotes", next: remotePost("p1", "alice", 4, 0, 1)},
		{name: "downvotes", next: remotePost("p1", "alice", 3, 2, 1)},
		{name: "comment count", next: remotePost("p1", "alice", 3, 0, 7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			_, err := f.pipeline.Upserter.Post(ctx, remotePost("p1", "alice", 3, 0, 1))
			require.NoError(t, err)

			f.clock.Advance(time.Hour)
			out, err := f.pipeline.Upserter.Post(ctx, tt.next)
			require.NoError(t, err)
			assert.True(t, out.ScoreChanged)

			require.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM post_score_history`))
			var up, down, comments int64
			var captured string
			require.NoError(t, f.store.DB().QueryRow(
				`SELECT upvotes, downvotes, comment_count, captured_at FROM post_score_history WHERE post_id = 'p1'`,
			).Scan(&up, &down, &comments, &captured))
			assert.Equal(t, []int64{tt.next.Upvotes, tt.next.Downvotes, tt.next.CommentCount}, []int64{up, down, comments})
			assert.Equal(t, f.clock.t.Format(sqliteTimeLayout), captured)

			row := f.post(t, "p1")
			assert.Equal(t, tt.next.Upvotes, row.Upvotes, "the post itself is updated after the history row")
		})
	}
}

func TestHistory_KarmaChangeAppendsRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	withKarma := func(k int64) schemas.RemotePost {
		p := remotePost("p1", "alice", 1, 0, 0)
		p.Author.Karma = ptr(k)
		return p
	}

	_, err := f.pipeline.Upserter.Post(ctx, withKarma(10))
	require.NoError(t, err)
	out, err := f.pipeline.Upserter.Post(ctx, withKarma(10))
	require.NoError(t, err)
	assert.False(t, out.KarmaChanged)

	// An author object without karma neither records history nor clears it.
	_, err = f.pipeline.Upserter.Post(ctx, remotePost("p1", "alice", 1, 0, 0))
	require.NoError(t, err)

	out, err = f.pipeline.Upserter.Post(ctx, withKarma(12))
	require.NoError(t, err)
	assert.True(t, out.KarmaChanged)

	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM agent_karma_history WHERE agent_id = 'alice' AND karma = 12`))
	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM agent_karma_history`))
}

func TestGraphBuilder_InteractionIsUnique(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Upserter.Post(ctx, remotePost("p1", "alice", 1, 0, 1))
	require.NoError(t, err)

	comments := []schemas.RemoteComment{remoteComment("c1", "bob", nil)}
	for i := 0; i < 3; i++ {
		_, err := f.pipeline.IngestComments(ctx, "p1", comments)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, f.count(t, `
        SELECT COUNT(*) FROM agent_interactions
        WHERE from_agent_id = 'bob' AND to_agent_id = 'alice' AND interaction_type = 'comment_on_post'
          AND post_id = 'p1' AND comment_id = 'c1'`))
}

func TestGraphBuilder_RecrawlDoesNotInflateEdges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Upserter.Post(ctx, remotePost("p1", "alice", 1, 0, 2))
	require.NoError(t, err)
	comments := []schemas.RemoteComment{
		remoteComment("c1", "bob", nil),
		remoteComment("c2", "bob", nil),
	}

	res, err := f.pipeline.IngestComments(ctx, "p1", comments)
	require.NoError(t, err)
	assert.Equal(t, CommentResult{Comments: 2, Interactions: 2, NewInteractions: 2}, res)

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Hour)
		res, err = f.pipeline.IngestComments(ctx, "p1", comments)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Interactions, "interactions are still derived on re-crawl")
		assert.Zero(t, res.NewInteractions)
	}

	edge, err := f.store.Edge(ctx, "bob", "alice")
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.Equal(t, int64(2), edge.Weight, "edge weight counts distinct interactions, not derivations")
	assert.Equal(t, int(edge.Weight), f.count(t,
		`SELECT COUNT(*) FROM agent_interactions WHERE from_agent_id = 'bob' AND to_agent_id = 'alice'`))
}

func TestGraphBuilder_SelfCommentIsExcluded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Upserter.Post(ctx, remotePost("p1", "alice", 1, 0, 2))
	require.NoError(t, err)

	res, err := f.pipeline.IngestComments(ctx, "p1", []schemas.RemoteComment{
		remoteComment("c1", "alice", nil),
		remoteComment("c2", "alice", ptr("c1")),
	})
	require.NoError(t, err)
	assert.Zero(t, res.Interactions)
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM agent_interactions`))
	assert.Equal(t, 0, f.count(t, `SELECT COUNT(*) FROM network_edges`))
}

func TestGraphBuilder_EdgeWeightEqualsDistinctInteractions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		postID := string(rune('a'+i)) + "-post"
		_, err := f.pipeline.Upserter.Post(ctx, remotePost(postID, "alice", 1, 0, 1))
		require.NoError(t, err)
		_, err = f.pipeline.IngestComments(ctx, postID, []schemas.RemoteComment{
			remoteComment(postID+"-c", "bob", nil),
		})
		require.NoError(t, err)
	}

	edge, err := f.store.Edge(ctx, "bob", "alice")
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.Equal(t, int64(n), edge.Weight)
}

func TestGraphBuilder_UnknownPostAuthorDerivesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline.Upserter.Post(ctx, remotePost("p1", "", 1, 0, 1))
	require.NoError(t, err)
	res, err := f.pipeline.IngestComments(ctx, "p1", []schemas.RemoteComment{remoteComment("c1", "bob", nil)})
	require.NoError(t, err)
	assert.Zero(t, res.Interactions)
}

func TestScenario_CommentAndReplyBuildGraph(t *testing.T) {
	check := func(t *testing.T, f *fixture) {
		t.Helper()
		ctx := context.Background()
		assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM agent_interactions
            WHERE from_agent_id = 'bob' AND to_agent_id = 'alice' AND interaction_type = 'comment_on_post' AND post_id = 'p1' AND comment_id = 'c1'`))
		assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM agent_interactions
            WHERE from_agent_id = 'carol' AND to_agent_id = 'alice' AND interaction_type = 'comment_on_post' AND comment_id = 'c2'`))
		assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM agent_interactions
            WHERE from_agent_id = 'carol' AND to_agent_id = 'bob' AND interaction_type = 'reply_to_comment' AND comment_id = 'c2'`))
		assert.Equal(t, 3, f.count(t, `SELECT COUNT(*) FROM agent_interactions`))

		for _, pair := range [][2]string{{"bob", "alice"}, {"carol", "alice"}, {"carol", "bob"}} {
			edge, err := f.store.Edge(ctx, pair[0], pair[1])
			require.NoError(t, err)
			require.NotNil(t, edge, "edge %s->%s", pair[0], pair[1])
			assert.Equal(t, int64(1), edge.Weight, "edge %s->%s", pair[0], pair[1])
		}
	}

	t.Run("same crawl", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		_, err := f.pipeline.Upserter.Post(ctx, remotePost("p1", "alice", 1, 0, 2))
		require.NoError(t, err)
		_, err = f.pipeline.IngestComments(ctx, "p1", []schemas.RemoteComment{
			remoteComment("c1", "bob", nil),
			remoteComment("c2", "carol", ptr("c1")),
		})
		require.NoError(t, err)
		check(t, f)
	})

	t.Run("reply listed before parent", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		_, err := f.pipeline.Upserter.Post(ctx, remotePost("p1", "alice", 1, 0, 2))
		require.NoError(t, err)
		_, err = f.pipeline.IngestComments(ctx, "p1", []schemas.RemoteComment{
			remoteComment("c2", "carol", ptr("c1")),
			remoteComment("c1", "bob", nil),
		})
		require.NoError(t, err)
		check(t, f)
	})

	t.Run("reply in a later crawl", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		_, err := f.pipeline.Upserter.Post(ctx, remotePost("p1", "alice", 1, 0, 1))
		require.NoError(t, err)
		_, err = f.pipeline.IngestComments(ctx, "p1", []schemas.RemoteComment{remoteComment("c1", "bob", nil)})
		require.NoError(t, err)

		f.clock.Advance(time.Hour)
		_, err = f.pipeline.IngestComments(ctx, "p1", []schemas.RemoteComment{remoteComment("c2", "carol", ptr("c1"))})
		require.NoError(t, err)
		check(t, f)
	})
}

func TestScenario_SubmoltRecrawlUpdatesSubscribers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	firstSeen := f.clock.t

	require.NoError(t, f.pipeline.Upserter.Submolt(ctx, schemas.RemoteSubmolt{ID: "s-robotics", Name: "robotics", SubscriberCount: 50}))
	f.clock.Advance(6 * time.Hour)
	require.NoError(t, f.pipeline.Upserter.Submolt(ctx, schemas.RemoteSubmolt{ID: "s-robotics", Name: "robotics", SubscriberCount: 75}))

	assert.Equal(t, 1, f.count(t, `SELECT COUNT(*) FROM submolts WHERE name = 'robotics'`))
	var subscribers int64
	var first, last string
	require.NoError(t, f.store.DB().QueryRow(
		`SELECT subscriber_count, first_seen_at, last_updated_at FROM submolts WHERE id = 's-robotics'`,
	).Scan(&subscribers, &first, &last))
	assert.Equal(t, int64(75), subscribers)
	assert.Equal(t, firstSeen.Format(sqliteTimeLayout), first)
	assert.Equal(t, f.clock.t.Format(sqliteTimeLayout), last)
}
