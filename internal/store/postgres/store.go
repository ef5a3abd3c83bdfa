package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xkilldash9x/moltwatch/api/schemas"
	"github.com/xkilldash9x/moltwatch/internal/config"
	"github.com/xkilldash9x/moltwatch/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Close()
}

// Store is the PostgreSQL implementation of schemas.Store.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.Store = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store").With(zap.String("driver", config.DriverPostgres)),
	}, nil
}

const sqlUpsertAgent = `
    INSERT INTO agents (id, name, description, karma, post_count, comment_count, follower_count, following_count, first_seen_at, last_updated_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    ON CONFLICT (id) DO UPDATE SET
        name = COALESCE(NULLIF(EXCLUDED.name, ''), agents.name),
        description = COALESCE(EXCLUDED.description, agents.description),
        karma = COALESCE(EXCLUDED.karma, agents.karma),
        post_count = COALESCE(EXCLUDED.post_count, agents.post_count),
        comment_count = COALESCE(EXCLUDED.comment_count, agents.comment_count),
        follower_count = COALESCE(EXCLUDED.follower_count, agents.follower_count),
        following_count = COALESCE(EXCLUDED.following_count, agents.following_count),
        last_updated_at = EXCLUDED.last_updated_at;
`

// UpsertAgent inserts the agent or refreshes its mutable fields.
func (s *Store) UpsertAgent(ctx context.Context, a schemas.Agent) error {
	_, err := s.pool.Exec(ctx, sqlUpsertAgent,
		a.ID, a.Name, a.Description, a.Karma, a.PostCount, a.CommentCount,
		a.FollowerCount, a.FollowingCount, a.FirstSeenAt.UTC(), a.LastUpdatedAt.UTC(),
	)
	return store.Unavailable("upsert agent "+a.ID, err)
}

// AgentKarma returns the stored karma state or nil.
func (s *Store) AgentKarma(ctx context.Context, agentID string) (*schemas.AgentKarma, error) {
	var karma, posts, comments *int64
	err := s.pool.QueryRow(ctx,
		`SELECT karma, post_count, comment_count FROM agents WHERE id = $1`, agentID,
	).Scan(&karma, &posts, &comments)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Unavailable("read agent karma "+agentID, err)
	}
	if karma == nil {
		return nil, nil
	}
	return &schemas.AgentKarma{Karma: *karma, PostCount: posts, CommentCount: comments}, nil
}

// AppendAgentKarmaHistory appends one karma history row.
func (s *Store) AppendAgentKarmaHistory(ctx context.Context, h schemas.AgentKarmaHistory) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO agent_karma_history (agent_id, karma, post_count, comment_count, captured_at)
        VALUES ($1, $2, $3, $4, $5);
    `, h.AgentID, h.Karma, h.PostCount, h.CommentCount, h.CapturedAt.UTC())
	return store.Unavailable("append karma history "+h.AgentID, err)
}

const sqlUpsertSubmolt = `
    INSERT INTO submolts (id, name, display_name, description, subscriber_count, post_count, created_at, first_seen_at, last_updated_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    ON CONFLICT (id) DO UPDATE SET
        name = COALESCE(NULLIF(EXCLUDED.name, ''), submolts.name),
        display_name = COALESCE(EXCLUDED.display_name, submolts.display_name),
        description = COALESCE(EXCLUDED.description, submolts.description),
        subscriber_count = COALESCE(EXCLUDED.subscriber_count, submolts.subscriber_count),
        post_count = COALESCE(EXCLUDED.post_count, submolts.post_count),
        created_at = COALESCE(submolts.created_at, EXCLUDED.created_at),
        last_updated_at = EXCLUDED.last_updated_at;
`

// UpsertSubmolt inserts the community or refreshes its mutable fields.
func (s *Store) UpsertSubmolt(ctx context.Context, sm schemas.Submolt) error {
	_, err := s.pool.Exec(ctx, sqlUpsertSubmolt,
		sm.ID, sm.Name, sm.DisplayName, sm.Description, sm.SubscriberCount, sm.PostCount,
		utcPtr(sm.CreatedAt), sm.FirstSeenAt.UTC(), sm.LastUpdatedAt.UTC(),
	)
	return store.Unavailable("upsert submolt "+sm.ID, err)
}

// PostScore returns the stored counters of a post or nil.
func (s *Store) PostScore(ctx context.Context, postID string) (*schemas.PostScore, error) {
	var ps schemas.PostScore
	err := s.pool.QueryRow(ctx,
		`SELECT upvotes, downvotes, comment_count FROM posts WHERE id = $1`, postID,
	).Scan(&ps.Upvotes, &ps.Downvotes, &ps.CommentCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Unavailable("read post score "+postID, err)
	}
	return &ps, nil
}

// AppendPostScoreHistory appends one score history row.
func (s *Store) AppendPostScoreHistory(ctx context.Context, h schemas.PostScoreHistory) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO post_score_history (post_id, upvotes, downvotes, comment_count, captured_at)
        VALUES ($1, $2, $3, $4, $5);
    `, h.PostID, h.Upvotes, h.Downvotes, h.CommentCount, h.CapturedAt.UTC())
	return store.Unavailable("append score history "+h.PostID, err)
}

const sqlUpsertPost = `
    INSERT INTO posts (id, title, content, url, author_id, submolt_id, upvotes, downvotes, comment_count, created_at, first_seen_at, last_updated_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    ON CONFLICT (id) DO UPDATE SET
        author_id = COALESCE(EXCLUDED.author_id, posts.author_id),
        submolt_id = COALESCE(EXCLUDED.submolt_id, posts.submolt_id),
        upvotes = EXCLUDED.upvotes,
        downvotes = EXCLUDED.downvotes,
        comment_count = EXCLUDED.comment_count,
        created_at = COALESCE(posts.created_at, EXCLUDED.created_at),
        last_updated_at = EXCLUDED.last_updated_at;
`

// UpsertPost inserts the post or refreshes its counters and late-resolved references.
func (s *Store) UpsertPost(ctx context.Context, p schemas.Post) error {
	_, err := s.pool.Exec(ctx, sqlUpsertPost,
		p.ID, p.Title, p.Content, p.URL, p.AuthorID, p.SubmoltID,
		p.Upvotes, p.Downvotes, p.CommentCount,
		utcPtr(p.CreatedAt), p.FirstSeenAt.UTC(), p.LastUpdatedAt.UTC(),
	)
	return store.Unavailable("upsert post "+p.ID, err)
}

// PostAuthor returns the stored author of a post or nil.
func (s *Store) PostAuthor(ctx context.Context, postID string) (*string, error) {
	return s.authorOf(ctx, `SELECT author_id FROM posts WHERE id = $1`, postID, "read post author ")
}

const sqlUpsertComment = `
    INSERT INTO comments (id, post_id, parent_comment_id, author_id, content, upvotes, downvotes, created_at, first_seen_at, last_updated_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    ON CONFLICT (id) DO UPDATE SET
        parent_comment_id = COALESCE(comments.parent_comment_id, EXCLUDED.parent_comment_id),
        author_id = COALESCE(EXCLUDED.author_id, comments.author_id),
        upvotes = EXCLUDED.upvotes,
        downvotes = EXCLUDED.downvotes,
        created_at = COALESCE(comments.created_at, EXCLUDED.created_at),
        last_updated_at = EXCLUDED.last_updated_at;
`

// UpsertComment inserts the comment or refreshes its counters.
func (s *Store) UpsertComment(ctx context.Context, c schemas.Comment) error {
	_, err := s.pool.Exec(ctx, sqlUpsertComment,
		c.ID, c.PostID, c.ParentCommentID, c.AuthorID, c.Content, c.Upvotes, c.Downvotes,
		utcPtr(c.CreatedAt), c.FirstSeenAt.UTC(), c.LastUpdatedAt.UTC(),
	)
	return store.Unavailable("upsert comment "+c.ID, err)
}

// CommentAuthor returns the stored author of a comment or nil.
func (s *Store) CommentAuthor(ctx context.Context, commentID string) (*string, error) {
	return s.authorOf(ctx, `SELECT author_id FROM comments WHERE id = $1`, commentID, "read comment author ")
}

func (s *Store) authorOf(ctx context.Context, query, id, op string) (*string, error) {
	var author *string
	err := s.pool.QueryRow(ctx, query, id).Scan(&author)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Unavailable(op+id, err)
	}
	return author, nil
}

const (
	sqlInsertInteraction = `
        INSERT INTO agent_interactions (from_agent_id, to_agent_id, interaction_type, post_id, comment_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (from_agent_id, to_agent_id, interaction_type, post_id, comment_id) DO NOTHING;
    `
	sqlIncrementEdge = `
        INSERT INTO network_edges (from_agent_id, to_agent_id, edge_weight, last_interaction_at)
        VALUES ($1, $2, 1, $3)
        ON CONFLICT (from_agent_id, to_agent_id) DO UPDATE SET
            edge_weight = network_edges.edge_weight + 1,
            last_interaction_at = GREATEST(network_edges.last_interaction_at, EXCLUDED.last_interaction_at);
    `
)

// RecordInteraction inserts the interaction and bumps the edge in one transaction.
// A duplicate interaction leaves the edge untouched.
func (s *Store) RecordInteraction(ctx context.Context, in schemas.Interaction) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, store.Unavailable("begin interaction transaction", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction.", zap.Error(rollbackErr))
		}
	}()

	at := in.CreatedAt.UTC()
	tag, err := tx.Exec(ctx, sqlInsertInteraction,
		in.FromAgentID, in.ToAgentID, string(in.Kind), in.PostID, in.CommentID, at,
	)
	if err != nil {
		return false, store.Unavailable("insert interaction", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, sqlIncrementEdge, in.FromAgentID, in.ToAgentID, at); err != nil {
		return false, store.Unavailable("increment edge", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, store.Unavailable("commit interaction", err)
	}
	return true, nil
}

// Edge returns the aggregated edge between two agents or nil.
func (s *Store) Edge(ctx context.Context, from, to string) (*schemas.NetworkEdge, error) {
	e := schemas.NetworkEdge{FromAgentID: from, ToAgentID: to}
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT edge_weight, last_interaction_at FROM network_edges WHERE from_agent_id = $1 AND to_agent_id = $2`,
		from, to,
	).Scan(&e.Weight, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Unavailable("read edge", err)
	}
	if last != nil {
		e.LastInteractionAt = last.UTC()
	}
	return &e, nil
}

// Totals computes the global counters. The independent aggregates run concurrently
// on separate pool connections.
func (s *Store) Totals(ctx context.Context) (schemas.Totals, error) {
	var t schemas.Totals
	g, gctx := errgroup.WithContext(ctx)

	count := func(table string, dest *int64) {
		g.Go(func() error {
			if err := s.pool.QueryRow(gctx, "SELECT COUNT(*) FROM "+table).Scan(dest); err != nil {
				return store.Unavailable("count "+table, err)
			}
			return nil
		})
	}
	count("agents", &t.Agents)
	count("posts", &t.Posts)
	count("comments", &t.Comments)
	count("submolts", &t.Submolts)
	count("agent_interactions", &t.Interactions)
	count("network_edges", &t.Edges)
	g.Go(func() error {
		err := s.pool.QueryRow(gctx,
			`SELECT COALESCE(SUM(upvotes), 0), COALESCE(SUM(downvotes), 0) FROM posts`,
		).Scan(&t.Upvotes, &t.Downvotes)
		if err != nil {
			return store.Unavailable("sum votes", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return schemas.Totals{}, err
	}
	return t, nil
}

// AppendStatsSnapshot appends one global counters row.
func (s *Store) AppendStatsSnapshot(ctx context.Context, snap schemas.StatsSnapshot) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO stats_snapshots (captured_at, total_agents, total_posts, total_comments, total_submolts, total_upvotes, total_downvotes)
        VALUES ($1, $2, $3, $4, $5, $6, $7);
    `, snap.CapturedAt.UTC(), snap.Agents, snap.Posts, snap.Comments, snap.Submolts, snap.Upvotes, snap.Downvotes)
	return store.Unavailable("append stats snapshot", err)
}

// AppendRemoteStatsSnapshot appends the counters reported by the API.
func (s *Store) AppendRemoteStatsSnapshot(ctx context.Context, snap schemas.RemoteStatsSnapshot) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO remote_stats_snapshots (captured_at, agents, posts, comments, submolts)
        VALUES ($1, $2, $3, $4, $5);
    `, snap.CapturedAt.UTC(), snap.Agents, snap.Posts, snap.Comments, snap.Submolts)
	return store.Unavailable("append remote stats snapshot", err)
}

// AppendSubmoltSnapshot appends one per-community counters row.
func (s *Store) AppendSubmoltSnapshot(ctx context.Context, snap schemas.SubmoltSnapshot) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO submolt_snapshots (captured_at, submolt_id, submolt_name, display_name, subscriber_count, post_count, total_upvotes, total_downvotes, total_comments)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
    `, snap.CapturedAt.UTC(), snap.SubmoltID, snap.SubmoltName, snap.DisplayName, snap.SubscriberCount,
		snap.PostCount, snap.TotalUpvotes, snap.TotalDownvotes, snap.TotalComments)
	return store.Unavailable("append submolt snapshot "+snap.SubmoltID, err)
}

var topPostColumns = []string{"captured_at", "post_id", "title", "submolt_name", "upvotes", "downvotes", "comment_count", "rank"}

// AppendTopPostSnapshots bulk-loads the ranked listing with COPY.
func (s *Store) AppendTopPostSnapshots(ctx context.Context, snaps []schemas.TopPostSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	rows := make([][]any, len(snaps))
	for i, sn := range snaps {
		rows[i] = []any{
			sn.CapturedAt.UTC(), sn.PostID, sn.Title, sn.SubmoltName,
			sn.Upvotes, sn.Downvotes, sn.CommentCount, int32(sn.Rank),
		}
	}

	copied, err := s.pool.CopyFrom(ctx, pgx.Identifier{"top_posts_snapshots"}, topPostColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return store.Unavailable("copy top post snapshots", err)
	}
	if int(copied) != len(snaps) {
		return fmt.Errorf("mismatch in copied top post snapshots: expected %d, got %d", len(snaps), copied)
	}
	return nil
}

// PostsCreatedSince returns ranking candidates created at or after since.
func (s *Store) PostsCreatedSince(ctx context.Context, since time.Time) ([]schemas.RankCandidate, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, upvotes, comment_count
        FROM posts
        WHERE created_at >= $1;
    `, since.UTC())
	if err != nil {
		return nil, store.Unavailable("query recent posts", err)
	}
	defer rows.Close()

	var out []schemas.RankCandidate
	for rows.Next() {
		var c schemas.RankCandidate
		if err := rows.Scan(&c.PostID, &c.Upvotes, &c.CommentCount); err != nil {
			return nil, fmt.Errorf("failed to scan post row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("iterate recent posts", err)
	}
	return out, nil
}

const sqlUpsertDailyTop = `
    INSERT INTO daily_top_posts (date, post_id, rank, upvotes, comment_count, score)
    VALUES ($1, $2, $3, $4, $5, $6)
    ON CONFLICT (date, post_id) DO UPDATE SET
        rank = EXCLUDED.rank,
        upvotes = EXCLUDED.upvotes,
        comment_count = EXCLUDED.comment_count,
        score = EXCLUDED.score;
`

// UpsertDailyTopPosts writes the day's leaderboard in one batched transaction.
func (s *Store) UpsertDailyTopPosts(ctx context.Context, entries []schemas.DailyTopPost) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.Unavailable("begin daily top transaction", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction.", zap.Error(rollbackErr))
		}
	}()

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(sqlUpsertDailyTop, truncateDay(e.Date), e.PostID, int32(e.Rank), e.Upvotes, e.CommentCount, e.Score)
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	for i := range entries {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return store.Unavailable(fmt.Sprintf("upsert daily top post %s (index %d)", entries[i].PostID, i), err)
		}
	}
	if err := br.Close(); err != nil {
		return store.Unavailable("close daily top batch", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return store.Unavailable("commit daily top posts", err)
	}
	return nil
}

// DeleteEmptyStatsSnapshots removes snapshots taken against an empty store.
func (s *Store) DeleteEmptyStatsSnapshots(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM stats_snapshots WHERE total_agents = 0;`)
	if err != nil {
		return 0, store.Unavailable("delete empty stats snapshots", err)
	}
	return tag.RowsAffected(), nil
}

// EnsureSchema applies the embedded DDL statement by statement.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl, err := store.Schema(config.DriverPostgres)
	if err != nil {
		return err
	}
	stmts := store.Statements(ddl)
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return store.Unavailable("apply schema", err)
		}
	}
	s.log.Info("Schema ensured.", zap.Int("statements", len(stmts)))
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return store.Unavailable("ping", s.pool.Ping(ctx))
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
