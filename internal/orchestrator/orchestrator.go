// Package orchestrator sequences one collection run: submolts, posts per sort
// order, comments for a bounded subset of posts, submolt details, then the
// snapshot and the daily ranking.
//
// Stages run strictly in order because later stages read rows written by
// earlier ones. There is no locking between overlapping runs; every write below
// is idempotent or append-only under a unique constraint.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/moltwatch/api/schemas"
	"github.com/xkilldash9x/moltwatch/internal/config"
	"github.com/xkilldash9x/moltwatch/internal/ingest"
	"github.com/xkilldash9x/moltwatch/internal/metrics"
	"github.com/xkilldash9x/moltwatch/internal/store"
)

// Runner runs one collection cycle. The HTTP trigger and the scheduler depend
// on this rather than on *Collector.
type Runner interface {
	Run(ctx context.Context) (*schemas.RunSummary, error)
}

var _ Runner = (*Collector)(nil)

// Collector owns the stage sequence and the pacing between remote calls.
type Collector struct {
	api      schemas.MoltbookAPI
	pipeline *ingest.Pipeline
	cfg      config.CollectorConfig
	logger   *zap.Logger
	now      ingest.Clock
}

// Option customizes a Collector.
type Option func(*Collector)

// WithClock overrides the clock used for run timestamps.
func WithClock(c ingest.Clock) Option {
	return func(col *Collector) { col.now = c }
}

// New creates a Collector. The pipeline decides where rows go; the collector
// only decides what is fetched and in which order.
func New(api schemas.MoltbookAPI, pipeline *ingest.Pipeline, cfg config.CollectorConfig, logger *zap.Logger, opts ...Option) (*Collector, error) {
	if api == nil || pipeline == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize collector with nil dependencies")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid collector config: %w", err)
	}
	c := &Collector{
		api:      api,
		pipeline: pipeline,
		cfg:      cfg,
		logger:   logger.Named("collector"),
		now:      ingest.SystemClock,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// pacer holds the pause between remote calls. The delay runs from the end of the
// previous call, whatever its kind, to the start of the next one.
type pacer struct {
	lastDone time.Time
}

// Wait blocks until delay has passed since the previous call returned. The first
// call of a run goes out immediately.
func (p *pacer) Wait(ctx context.Context, delay time.Duration) error {
	if p.lastDone.IsZero() || delay <= 0 {
		return ctx.Err()
	}
	remaining := delay - time.Since(p.lastDone)
	if remaining <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Done marks the end of a remote call.
func (p *pacer) Done() {
	p.lastDone = time.Now()
}

// run holds the transient state of one collection cycle.
type run struct {
	summary *schemas.RunSummary
	logger  *zap.Logger

	submolts     []schemas.RemoteSubmolt
	seenPosts    map[string]struct{}
	commentPosts []string
	topListing   []schemas.RemotePost

	pacer pacer
}

// Run executes one collection cycle. The returned summary is non-nil even on
// failure and reports how far the run got.
func (c *Collector) Run(ctx context.Context) (*schemas.RunSummary, error) {
	if c.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RunTimeout)
		defer cancel()
	}

	start := time.Now()
	r := &run{
		summary: &schemas.RunSummary{
			RunID:     uuid.NewString(),
			StartedAt: c.now(),
			State:     schemas.StateIdle,
		},
		seenPosts: make(map[string]struct{}),
	}
	r.logger = c.logger.With(zap.String("run_id", r.summary.RunID))
	r.logger.Info("Collection run starting.")

	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

	stages := []struct {
		state schemas.RunState
		fn    func(context.Context, *run) error
	}{
		{schemas.StateCollectingSubmolts, c.collectSubmolts},
		{schemas.StateCollectingPosts, c.collectPosts},
		{schemas.StateCollectingComments, c.collectComments},
		{schemas.StateCollectingSubmoltDetails, c.collectSubmoltDetails},
		{schemas.StateTakingSnapshot, c.takeSnapshot},
		{schemas.StateUpdatingRankings, c.updateRankings},
	}

	var runErr error
	for _, st := range stages {
		r.summary.State = st.state
		r.logger.Debug("Entering stage.", zap.String("state", string(st.state)))
		if err := st.fn(ctx, r); err != nil {
			runErr = fmt.Errorf("%s: %w", st.state, err)
			break
		}
	}

	r.summary.Duration = time.Since(start)
	r.summary.DurationMS = r.summary.Duration.Milliseconds()
	metrics.RecordRun(r.summary.Duration, runErr)
	c.recordIngested(r.summary.Counts)

	if runErr != nil {
		r.logger.Error("Collection run failed.",
			zap.String("stage", string(r.summary.State)),
			zap.Duration("duration", r.summary.Duration),
			zap.Error(runErr))
		r.summary.State = schemas.StateFailed
		return r.summary, runErr
	}

	r.summary.State = schemas.StateDone
	r.logger.Info("Collection run finished.",
		zap.Duration("duration", r.summary.Duration),
		zap.Int("posts", r.summary.Counts.Posts),
		zap.Int("comments", r.summary.Counts.Comments),
		zap.Int("new_interactions", r.summary.Counts.NewInteractions),
		zap.Int("skipped", len(r.summary.Skipped)))
	return r.summary, nil
}

func (c *Collector) recordIngested(counts schemas.StageCounts) {
	metrics.RecordIngested("submolt", counts.Submolts)
	metrics.RecordIngested("post", counts.Posts)
	metrics.RecordIngested("comment", counts.Comments)
	metrics.RecordIngested("interaction", counts.NewInteractions)
}

// fatal reports whether a per-item error must still abort the run. An
// unreachable store or an expired run deadline would fail every later item too.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, store.ErrStoreUnavailable)
}

func (c *Collector) skip(r *run, id string, err error) {
	r.logger.Warn("Skipping item.",
		zap.String("stage", string(r.summary.State)),
		zap.String("id", id),
		zap.Error(err))
	metrics.RecordSkipped(string(r.summary.State))
	r.summary.Skipped = append(r.summary.Skipped, schemas.SkippedItem{
		Stage:  r.summary.State,
		ItemID: id,
		Error:  err.Error(),
	})
}

func (c *Collector) collectSubmolts(ctx context.Context, r *run) error {
	submolts, err := c.api.Submolts(ctx, c.cfg.SubmoltLimit)
	r.pacer.Done()
	if err != nil {
		return fmt.Errorf("fetching submolts: %w", err)
	}
	for _, s := range submolts {
		if err := c.pipeline.Upserter.Submolt(ctx, s); err != nil {
			return err
		}
		r.summary.Counts.Submolts++
	}
	r.submolts = submolts
	r.logger.Info("Submolts collected.", zap.Int("count", len(submolts)))
	return nil
}

func (c *Collector) collectPosts(ctx context.Context, r *run) error {
	for _, s := range c.cfg.PostSorts {
		sortOrder := schemas.PostSort(s)
		for page := 0; page < c.cfg.PostPages; page++ {
			if err := r.pacer.Wait(ctx, c.cfg.PostDelay); err != nil {
				return err
			}
			listing, err := c.api.Posts(ctx, sortOrder, c.cfg.PostLimit, page*c.cfg.PostLimit)
			r.pacer.Done()
			if err != nil {
				return fmt.Errorf("fetching %s posts page %d: %w", sortOrder, page, err)
			}
			if err := c.ingestPosts(ctx, r, listing.Posts); err != nil {
				return err
			}
			if sortOrder == schemas.SortTop && page == 0 {
				r.topListing = listing.Posts
			}
			r.logger.Debug("Posts page collected.",
				zap.String("sort", s),
				zap.Int("page", page),
				zap.Int("received", listing.Received),
				zap.Int("count", len(listing.Posts)))
			// Items dropped by validation still count toward a full page.
			if listing.Received < c.cfg.PostLimit {
				break
			}
		}
	}
	r.summary.Counts.CommentPosts = len(r.commentPosts)
	r.logger.Info("Posts collected.",
		zap.Int("count", r.summary.Counts.Posts),
		zap.Int("with_comments", len(r.commentPosts)))
	return nil
}

// ingestPosts writes one listing page. A post seen under several sort orders
// counts once and is queued for comments once.
func (c *Collector) ingestPosts(ctx context.Context, r *run, posts []schemas.RemotePost) error {
	for _, p := range posts {
		out, err := c.pipeline.Upserter.Post(ctx, p)
		if err != nil {
			return err
		}
		if out.ScoreChanged {
			r.summary.Counts.ScoreChanges++
		}
		if out.KarmaChanged {
			r.summary.Counts.KarmaChanges++
		}
		if _, seen := r.seenPosts[p.ID]; seen {
			continue
		}
		r.seenPosts[p.ID] = struct{}{}
		r.summary.Counts.Posts++
		if p.CommentCount > 0 && len(r.commentPosts) < c.cfg.CommentPostLimit {
			r.commentPosts = append(r.commentPosts, p.ID)
		}
	}
	return nil
}

func (c *Collector) collectComments(ctx context.Context, r *run) error {
	for _, postID := range r.commentPosts {
		if err := r.pacer.Wait(ctx, c.cfg.CommentDelay); err != nil {
			return err
		}
		comments, err := c.api.Comments(ctx, postID, c.cfg.CommentLimit)
		r.pacer.Done()
		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			c.skip(r, postID, err)
			continue
		}
		res, err := c.pipeline.IngestComments(ctx, postID, comments)
		r.summary.Counts.Comments += res.Comments
		r.summary.Counts.Interactions += res.Interactions
		r.summary.Counts.NewInteractions += res.NewInteractions
		r.summary.Counts.KarmaChanges += res.KarmaChanges
		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			c.skip(r, postID, err)
		}
	}
	r.logger.Info("Comments collected.",
		zap.Int("posts", len(r.commentPosts)),
		zap.Int("comments", r.summary.Counts.Comments),
		zap.Int("new_interactions", r.summary.Counts.NewInteractions))
	return nil
}

// collectSubmoltDetails snapshots the largest communities and ingests the
// posts their detail pages carry.
func (c *Collector) collectSubmoltDetails(ctx context.Context, r *run) error {
	top := make([]schemas.RemoteSubmolt, len(r.submolts))
	copy(top, r.submolts)
	sort.SliceStable(top, func(i, j int) bool { return top[i].SubscriberCount > top[j].SubscriberCount })
	if len(top) > c.cfg.SubmoltDetailLimit {
		top = top[:c.cfg.SubmoltDetailLimit]
	}

	for _, s := range top {
		if err := r.pacer.Wait(ctx, c.cfg.SubmoltDelay); err != nil {
			return err
		}
		if err := c.collectSubmoltDetail(ctx, r, s); err != nil {
			if fatal(ctx, err) {
				return err
			}
			c.skip(r, s.Name, err)
			continue
		}
		r.summary.Counts.SubmoltSnapshots++
	}
	return nil
}

func (c *Collector) collectSubmoltDetail(ctx context.Context, r *run, s schemas.RemoteSubmolt) error {
	detail, err := c.api.SubmoltDetail(ctx, s.Name)
	r.pacer.Done()
	if err != nil {
		return err
	}
	if detail.Submolt != nil && detail.Submolt.ID == s.ID {
		if err := c.pipeline.Upserter.Submolt(ctx, *detail.Submolt); err != nil {
			return err
		}
	}
	if err := c.ingestPosts(ctx, r, detail.Posts); err != nil {
		return err
	}
	return c.pipeline.Aggregator.SnapshotSubmolt(ctx, s, detail)
}

func (c *Collector) takeSnapshot(ctx context.Context, r *run) error {
	if err := r.pacer.Wait(ctx, c.cfg.SubmoltDelay); err != nil {
		return err
	}
	remote, err := c.api.Stats(ctx)
	r.pacer.Done()
	switch {
	case err != nil && ctx.Err() != nil:
		return err
	case err != nil:
		r.logger.Warn("Failed to fetch remote stats.", zap.Error(err))
	default:
		r.summary.RemoteStats = remote
		if err := c.pipeline.Aggregator.RecordRemoteStats(ctx, *remote); err != nil {
			return fmt.Errorf("recording remote stats: %w", err)
		}
	}

	totals, err := c.pipeline.Aggregator.TakeStatsSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("taking stats snapshot: %w", err)
	}
	r.summary.Totals = &totals

	if c.cfg.TopPostSnapshotLimit == 0 {
		return nil
	}
	n, err := c.pipeline.Aggregator.SnapshotTopPosts(ctx, r.topListing, c.cfg.TopPostSnapshotLimit)
	if err != nil {
		return fmt.Errorf("taking top post snapshot: %w", err)
	}
	r.summary.Counts.TopPostSnapshots = n
	return nil
}

func (c *Collector) updateRankings(ctx context.Context, r *run) error {
	n, err := c.pipeline.Aggregator.UpdateDailyTopPosts(ctx)
	if err != nil {
		return fmt.Errorf("updating daily top posts: %w", err)
	}
	r.summary.Counts.DailyTopPosts = n
	return nil
}
