// Package sqlite implements the store on an embedded, pure-Go SQLite database.
// It serves single-host deployments and the behavioral test suites.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xkilldash9x/moltwatch/api/schemas"
	"github.com/xkilldash9x/moltwatch/internal/config"
	"github.com/xkilldash9x/moltwatch/internal/store"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Timestamps are stored as fixed-width UTC text so that lexical order equals
// chronological order.
const (
	timeLayout = "2006-01-02T15:04:05.000000000Z"
	dateLayout = "2006-01-02"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store is the SQLite implementation of schemas.Store.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

var _ schemas.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path with WAL enabled.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		db:  db,
		log: logger.Named("store").With(zap.String("driver", config.DriverSQLite)),
	}, nil
}

// DB exposes the underlying handle for ad-hoc queries.
func (s *Store) DB() *sql.DB { return s.db }

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed stored timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullable converts typed nil pointers into untyped nil for the driver.
func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

const sqlUpsertAgent = `
    INSERT INTO agents (id, name, description, karma, post_count, comment_count, follower_count, following_count, first_seen_at, last_updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT (id) DO UPDATE SET
        name = COALESCE(NULLIF(excluded.name, ''), agents.name),
        description = COALESCE(excluded.description, agents.description),
        karma = COALESCE(excluded.karma, agents.karma),
        post_count = COALESCE(excluded.post_count, agents.post_count),
        comment_count = COALESCE(excluded.comment_count, agents.comment_count),
        follower_count = COALESCE(excluded.follower_count, agents.follower_count),
        following_count = COALESCE(excluded.following_count, agents.following_count),
        last_updated_at = excluded.last_updated_at
`

// UpsertAgent inserts the agent or refreshes its mutable fields.
func (s *Store) UpsertAgent(ctx context.Context, a schemas.Agent) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertAgent,
		a.ID, a.Name, nullable(a.Description), nullable(a.Karma), nullable(a.PostCount),
		nullable(a.CommentCount), nullable(a.FollowerCount), nullable(a.FollowingCount),
		formatTime(a.FirstSeenAt), formatTime(a.LastUpdatedAt),
	)
	return store.Unavailable("upsert agent "+a.ID, err)
}

// AgentKarma returns the stored karma state or nil.
func (s *Store) AgentKarma(ctx context.Context, agentID string) (*schemas.AgentKarma, error) {
	var karma, posts, comments sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT karma, post_count, comment_count FROM agents WHERE id = ?`, agentID,
	).Scan(&karma, &posts, &comments)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Unavailable("read agent karma "+agentID, err)
	}
	if !karma.Valid {
		return nil, nil
	}
	return &schemas.AgentKarma{Karma: karma.Int64, PostCount: int64Ptr(posts), CommentCount: int64Ptr(comments)}, nil
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// AppendAgentKarmaHistory appends one karma history row.
func (s *Store) AppendAgentKarmaHistory(ctx context.Context, h schemas.AgentKarmaHistory) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO agent_karma_history (agent_id, karma, post_count, comment_count, captured_at)
        VALUES (?, ?, ?, ?, ?)
    `, h.AgentID, h.Karma, nullable(h.PostCount), nullable(h.CommentCount), formatTime(h.CapturedAt))
	return store.Unavailable("append karma history "+h.AgentID, err)
}

const sqlUpsertSubmolt = `
    INSERT INTO submolts (id, name, display_name, description, subscriber_count, post_count, created_at, first_seen_at, last_updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT (id) DO UPDATE SET
        name = COALESCE(NULLIF(excluded.name, ''), submolts.name),
        display_name = COALESCE(excluded.display_name, submolts.display_name),
        description = COALESCE(excluded.description, submolts.description),
        subscriber_count = COALESCE(excluded.subscriber_count, submolts.subscriber_count),
        post_count = COALESCE(excluded.post_count, submolts.post_count),
        created_at = COALESCE(submolts.created_at, excluded.created_at),
        last_updated_at = excluded.last_updated_at
`

// UpsertSubmolt inserts the community or refreshes its mutable fields.
func (s *Store) UpsertSubmolt(ctx context.Context, sm schemas.Submolt) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertSubmolt,
		sm.ID, sm.Name, nullable(sm.DisplayName), nullable(sm.Description),
		nullable(sm.SubscriberCount), nullable(sm.PostCount), formatTimePtr(sm.CreatedAt),
		formatTime(sm.FirstSeenAt), formatTime(sm.LastUpdatedAt),
	)
	return store.Unavailable("upsert submolt "+sm.ID, err)
}

// PostScore returns the stored counters of a post or nil.
func (s *Store) PostScore(ctx context.Context, postID string) (*schemas.PostScore, error) {
	var ps schemas.PostScore
	err := s.db.QueryRowContext(ctx,
		`SELECT upvotes, downvotes, comment_count FROM posts WHERE id = ?`, postID,
	).Scan(&ps.Upvotes, &ps.Downvotes, &ps.CommentCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Unavailable("read post score "+postID, err)
	}
	return &ps, nil
}

// AppendPostScoreHistory appends one score history row.
func (s *Store) AppendPostScoreHistory(ctx context.Context, h schemas.PostScoreHistory) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO post_score_history (post_id, upvotes, downvotes, comment_count, captured_at)
        VALUES (?, ?, ?, ?, ?)
    `, h.PostID, h.Upvotes, h.Downvotes, h.CommentCount, formatTime(h.CapturedAt))
	return store.Unavailable("append score history "+h.PostID, err)
}

const sqlUpsertPost = `
    INSERT INTO posts (id, title, content, url, author_id, submolt_id, upvotes, downvotes, comment_count, created_at, first_seen_at, last_updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT (id) DO UPDATE SET
        author_id = COALESCE(excluded.author_id, posts.author_id),
        submolt_id = COALESCE(excluded.submolt_id, posts.submolt_id),
        upvotes = excluded.upvotes,
        downvotes = excluded.downvotes,
        comment_count = excluded.comment_count,
        created_at = COALESCE(posts.created_at, excluded.created_at),
        last_updated_at = excluded.last_updated_at
`

// UpsertPost inserts the post or refreshes its counters and late-resolved references.
func (s *Store) UpsertPost(ctx context.Context, p schemas.Post) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertPost,
		p.ID, p.Title, p.Content, nullable(p.URL), nullable(p.AuthorID), nullable(p.SubmoltID),
		p.Upvotes, p.Downvotes, p.CommentCount, formatTimePtr(p.CreatedAt),
		formatTime(p.FirstSeenAt), formatTime(p.LastUpdatedAt),
	)
	return store.Unavailable("upsert post "+p.ID, err)
}

// PostAuthor returns the stored author of a post or nil.
func (s *Store) PostAuthor(ctx context.Context, postID string) (*string, error) {
	return s.authorOf(ctx, `SELECT author_id FROM posts WHERE id = ?`, postID, "read post author ")
}

const sqlUpsertComment = `
    INSERT INTO comments (id, post_id, parent_comment_id, author_id, content, upvotes, downvotes, created_at, first_seen_at, last_updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT (id) DO UPDATE SET
        parent_comment_id = COALESCE(comments.parent_comment_id, excluded.parent_comment_id),
        author_id = COALESCE(excluded.author_id, comments.author_id),
        upvotes = excluded.upvotes,
        downvotes = excluded.downvotes,
        created_at = COALESCE(comments.created_at, excluded.created_at),
        last_updated_at = excluded.last_updated_at
`

// UpsertComment inserts the comment or refreshes its counters.
func (s *Store) UpsertComment(ctx context.Context, c schemas.Comment) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertComment,
		c.ID, c.PostID, nullable(c.ParentCommentID), nullable(c.AuthorID), c.Content,
		c.Upvotes, c.Downvotes, formatTimePtr(c.CreatedAt),
		formatTime(c.FirstSeenAt), formatTime(c.LastUpdatedAt),
	)
	return store.Unavailable("upsert comment "+c.ID, err)
}

// CommentAuthor returns the stored author of a comment or nil.
func (s *Store) CommentAuthor(ctx context.Context, commentID string) (*string, error) {
	return s.authorOf(ctx, `SELECT author_id FROM comments WHERE id = ?`, commentID, "read comment author ")
}

func (s *Store) authorOf(ctx context.Context, query, id, op string) (*string, error) {
	var author sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(&author)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Unavailable(op+id, err)
	}
	if !author.Valid {
		return nil, nil
	}
	return &author.String, nil
}

const (
	sqlInsertInteraction = `
        INSERT INTO agent_interactions (from_agent_id, to_agent_id, interaction_type, post_id, comment_id, created_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (from_agent_id, to_agent_id, interaction_type, post_id, comment_id) DO NOTHING
    `
	sqlIncrementEdge = `
        INSERT INTO network_edges (from_agent_id, to_agent_id, edge_weight, last_interaction_at)
        VALUES (?, ?, 1, ?)
        ON CONFLICT (from_agent_id, to_agent_id) DO UPDATE SET
            edge_weight = network_edges.edge_weight + 1,
            last_interaction_at = MAX(COALESCE(network_edges.last_interaction_at, ''), excluded.last_interaction_at)
    `
)

// RecordInteraction inserts the interaction and bumps the edge in one transaction.
func (s *Store) RecordInteraction(ctx context.Context, in schemas.Interaction) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, store.Unavailable("begin interaction transaction", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.log.Error("Failed to rollback transaction.", zap.Error(rollbackErr))
		}
	}()

	at := formatTime(in.CreatedAt)
	res, err := tx.ExecContext(ctx, sqlInsertInteraction,
		in.FromAgentID, in.ToAgentID, string(in.Kind), in.PostID, in.CommentID, at,
	)
	if err != nil {
		return false, store.Unavailable("insert interaction", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, store.Unavailable("insert interaction", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, sqlIncrementEdge, in.FromAgentID, in.ToAgentID, at); err != nil {
		return false, store.Unavailable("increment edge", err)
	}
	if err := tx.Commit(); err != nil {
		return false, store.Unavailable("commit interaction", err)
	}
	return true, nil
}

// Edge returns the aggregated edge between two agents or nil.
func (s *Store) Edge(ctx context.Context, from, to string) (*schemas.NetworkEdge, error) {
	e := schemas.NetworkEdge{FromAgentID: from, ToAgentID: to}
	var last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT edge_weight, last_interaction_at FROM network_edges WHERE from_agent_id = ? AND to_agent_id = ?`,
		from, to,
	).Scan(&e.Weight, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, store.Unavailable("read edge", err)
	}
	if last.Valid && last.String != "" {
		if e.LastInteractionAt, err = parseTime(last.String); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

// Totals computes the global counters in one statement. SQLite serializes access
// through a single connection, so fanning out would gain nothing.
func (s *Store) Totals(ctx context.Context) (schemas.Totals, error) {
	var t schemas.Totals
	err := s.db.QueryRowContext(ctx, `
        SELECT
            (SELECT COUNT(*) FROM agents),
            (SELECT COUNT(*) FROM posts),
            (SELECT COUNT(*) FROM comments),
            (SELECT COUNT(*) FROM submolts),
            (SELECT COALESCE(SUM(upvotes), 0) FROM posts),
            (SELECT COALESCE(SUM(downvotes), 0) FROM posts),
            (SELECT COUNT(*) FROM agent_interactions),
            (SELECT COUNT(*) FROM network_edges)
    `).Scan(&t.Agents, &t.Posts, &t.Comments, &t.Submolts, &t.Upvotes, &t.Downvotes, &t.Interactions, &t.Edges)
	if err != nil {
		return schemas.Totals{}, store.Unavailable("compute totals", err)
	}
	return t, nil
}

// AppendStatsSnapshot appends one global counters row.
func (s *Store) AppendStatsSnapshot(ctx context.Context, snap schemas.StatsSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO stats_snapshots (captured_at, total_agents, total_posts, total_comments, total_submolts, total_upvotes, total_downvotes)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `, formatTime(snap.CapturedAt), snap.Agents, snap.Posts, snap.Comments, snap.Submolts, snap.Upvotes, snap.Downvotes)
	return store.Unavailable("append stats snapshot", err)
}

// AppendRemoteStatsSnapshot appends the counters reported by the API.
func (s *Store) AppendRemoteStatsSnapshot(ctx context.Context, snap schemas.RemoteStatsSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO remote_stats_snapshots (captured_at, agents, posts, comments, submolts)
        VALUES (?, ?, ?, ?, ?)
    `, formatTime(snap.CapturedAt), snap.Agents, snap.Posts, snap.Comments, snap.Submolts)
	return store.Unavailable("append remote stats snapshot", err)
}

// AppendSubmoltSnapshot appends one per-community counters row.
func (s *Store) AppendSubmoltSnapshot(ctx context.Context, snap schemas.SubmoltSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO submolt_snapshots (captured_at, submolt_id, submolt_name, display_name, subscriber_count, post_count, total_upvotes, total_downvotes, total_comments)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, formatTime(snap.CapturedAt), snap.SubmoltID, snap.SubmoltName, snap.DisplayName, snap.SubscriberCount,
		snap.PostCount, snap.TotalUpvotes, snap.TotalDownvotes, snap.TotalComments)
	return store.Unavailable("append submolt snapshot "+snap.SubmoltID, err)
}

// AppendTopPostSnapshots appends the ranked listing in one transaction.
func (s *Store) AppendTopPostSnapshots(ctx context.Context, snaps []schemas.TopPostSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	return s.inTx(ctx, "append top post snapshots", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
            INSERT INTO top_posts_snapshots (captured_at, post_id, title, submolt_name, upvotes, downvotes, comment_count, rank)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        `)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, sn := range snaps {
			if _, err := stmt.ExecContext(ctx,
				formatTime(sn.CapturedAt), sn.PostID, sn.Title, nullable(sn.SubmoltName),
				sn.Upvotes, sn.Downvotes, sn.CommentCount, sn.Rank,
			); err != nil {
				return fmt.Errorf("post %s: %w", sn.PostID, err)
			}
		}
		return nil
	})
}

// PostsCreatedSince returns ranking candidates created at or after since.
func (s *Store) PostsCreatedSince(ctx context.Context, since time.Time) ([]schemas.RankCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, upvotes, comment_count
        FROM posts
        WHERE created_at IS NOT NULL AND created_at >= ?
    `, formatTime(since))
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

// UpsertDailyTopPosts writes the day's leaderboard in one transaction.
func (s *Store) UpsertDailyTopPosts(ctx context.Context, entries []schemas.DailyTopPost) error {
	if len(entries) == 0 {
		return nil
	}
	return s.inTx(ctx, "upsert daily top posts", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
            INSERT INTO daily_top_posts (date, post_id, rank, upvotes, comment_count, score)
            VALUES (?, ?, ?, ?, ?, ?)
            ON CONFLICT (date, post_id) DO UPDATE SET
                rank = excluded.rank,
                upvotes = excluded.upvotes,
                comment_count = excluded.comment_count,
                score = excluded.score
        `)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, e := range entries {
			if _, err := stmt.ExecContext(ctx,
				e.Date.UTC().Format(dateLayout), e.PostID, e.Rank, e.Upvotes, e.CommentCount, e.Score,
			); err != nil {
				return fmt.Errorf("upsert daily top post %s (index %d): %w", e.PostID, i, err)
			}
		}
		return nil
	})
}

// DeleteEmptyStatsSnapshots removes snapshots taken against an empty store.
func (s *Store) DeleteEmptyStatsSnapshots(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stats_snapshots WHERE total_agents = 0`)
	if err != nil {
		return 0, store.Unavailable("delete empty stats snapshots", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, store.Unavailable("delete empty stats snapshots", err)
	}
	return n, nil
}

// EnsureSchema applies the embedded DDL statement by statement.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl, err := store.Schema(config.DriverSQLite)
	if err != nil {
		return err
	}
	stmts := store.Statements(ddl)
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return store.Unavailable("apply schema", err)
		}
	}
	s.log.Debug("Schema ensured.", zap.Int("statements", len(stmts)))
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return store.Unavailable("ping", s.db.PingContext(ctx))
}

// Close releases the database handle.
func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		s.log.Warn("Failed to close database.", zap.Error(err))
	}
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Unavailable("begin "+op, err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.log.Error("Failed to rollback transaction.", zap.Error(rollbackErr))
		}
	}()
	if err := fn(tx); err != nil {
		return store.Unavailable(op, err)
	}
	if err := tx.Commit(); err != nil {
		return store.Unavailable("commit "+op, err)
	}
	return nil
}
