// Package ingest turns decoded remote payloads into store writes: entity
// upserts, change-triggered history rows, interaction graph edges, and the
// per-run snapshots and rankings.
//
// Nothing here holds state across runs. Every write is either an idempotent
// upsert or an append guarded by a storage-level unique constraint, which is
// what makes overlapping runs safe.
package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/moltwatch/api/schemas"
)

// Clock returns the current time.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

// Pipeline bundles the ingestion components that share a store and a clock.
type Pipeline struct {
	Upserter   *Upserter
	History    *HistoryRecorder
	Graph      *GraphBuilder
	Aggregator *Aggregator

	logger *zap.Logger
}

// Option customizes a Pipeline.
type Option func(*options)

type options struct {
	clock         Clock
	dailyTopLimit int
}

// WithClock overrides the clock used for first-seen, last-updated and capture times.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithDailyTopLimit bounds the daily leaderboard.
func WithDailyTopLimit(n int) Option {
	return func(o *options) { o.dailyTopLimit = n }
}

// NewPipeline wires the components over one store.
func NewPipeline(store schemas.Store, logger *zap.Logger, opts ...Option) *Pipeline {
	o := options{clock: SystemClock, dailyTopLimit: DefaultDailyTopLimit}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ingest")

	history := NewHistoryRecorder(store, o.clock)
	return &Pipeline{
		Upserter:   NewUpserter(store, history, o.clock),
		History:    history,
		Graph:      NewGraphBuilder(store, o.clock, logger),
		Aggregator: NewAggregator(store, o.clock, o.dailyTopLimit, logger),
		logger:     logger,
	}
}

// CommentResult tallies one post's comment ingestion.
type CommentResult struct {
	Comments        int
	Interactions    int
	NewInteractions int
	KarmaChanges    int
}

// IngestComments upserts the comments of one post with their authors and then
// folds the derived interactions into the graph. Comments are written first so
// that a reply listed before its parent still resolves the parent's author.
func (p *Pipeline) IngestComments(ctx context.Context, postID string, remote []schemas.RemoteComment) (CommentResult, error) {
	var res CommentResult
	comments := make([]schemas.Comment, 0, len(remote))

	for _, rc := range remote {
		out, err := p.Upserter.Comment(ctx, postID, rc)
		if err != nil {
			return res, fmt.Errorf("ingesting comment %s: %w", rc.ID, err)
		}
		if out.KarmaChanged {
			res.KarmaChanges++
		}
		comments = append(comments, out.Comment)
		res.Comments++
	}

	g, err := p.Graph.Record(ctx, postID, comments)
	res.Interactions = g.Derived
	res.NewInteractions = g.Created
	if err != nil {
		return res, fmt.Errorf("building graph for post %s: %w", postID, err)
	}
	return res, nil
}
