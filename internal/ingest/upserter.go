package ingest

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/moltwatch/api/schemas"
)

// Upserter maps remote payloads to entities and writes them by primary id.
// References to entities not seen yet are written as-is; a later crawl that
// observes the referenced entity completes the picture.
type Upserter struct {
	store   schemas.Store
	history *HistoryRecorder
	now     Clock
}

// NewUpserter creates an upserter. history runs before every post and agent write.
func NewUpserter(store schemas.Store, history *HistoryRecorder, now Clock) *Upserter {
	return &Upserter{store: store, history: history, now: now}
}

// PostOutcome reports what a post upsert changed.
type PostOutcome struct {
	Post         schemas.Post
	ScoreChanged bool
	KarmaChanged bool
}

// CommentOutcome reports what a comment upsert changed.
type CommentOutcome struct {
	Comment      schemas.Comment
	KarmaChanged bool
}

// Agent writes the author of a post or comment. It reports whether a karma
// history row was appended.
func (u *Upserter) Agent(ctx context.Context, ref *schemas.AuthorRef) (bool, error) {
	if ref == nil || ref.ID == "" {
		return false, nil
	}
	now := u.now()
	a := schemas.Agent{
		ID:             ref.ID,
		Name:           ref.Name,
		Description:    ref.Description,
		Karma:          ref.Karma,
		PostCount:      ref.PostCount,
		CommentCount:   ref.CommentCount,
		FollowerCount:  ref.FollowerCount,
		FollowingCount: ref.FollowingCount,
		FirstSeenAt:    now,
		LastUpdatedAt:  now,
	}
	changed, err := u.history.RecordAgent(ctx, a)
	if err != nil {
		return false, fmt.Errorf("recording karma history for %s: %w", a.ID, err)
	}
	if err := u.store.UpsertAgent(ctx, a); err != nil {
		return changed, err
	}
	return changed, nil
}

// Submolt writes a community from the listing or detail endpoint.
func (u *Upserter) Submolt(ctx context.Context, rs schemas.RemoteSubmolt) error {
	now := u.now()
	subscribers := rs.SubscriberCount
	return u.store.UpsertSubmolt(ctx, schemas.Submolt{
		ID:              rs.ID,
		Name:            rs.Name,
		DisplayName:     nonEmpty(rs.DisplayName),
		Description:     nonEmpty(rs.Description),
		SubscriberCount: &subscribers,
		PostCount:       rs.PostCount,
		CreatedAt:       rs.CreatedAt,
		FirstSeenAt:     now,
		LastUpdatedAt:   now,
	})
}

// submoltRef writes the abbreviated community embedded in a post. Counters it
// does not carry keep their stored values.
func (u *Upserter) submoltRef(ctx context.Context, ref *schemas.SubmoltRef) error {
	if ref == nil || ref.ID == "" {
		return nil
	}
	now := u.now()
	return u.store.UpsertSubmolt(ctx, schemas.Submolt{
		ID:            ref.ID,
		Name:          ref.Name,
		DisplayName:   nonEmpty(ref.DisplayName),
		FirstSeenAt:   now,
		LastUpdatedAt: now,
	})
}

// Post writes a post along with its author and community. Score history is
// recorded from the stored counters before the post itself is written.
func (u *Upserter) Post(ctx context.Context, rp schemas.RemotePost) (PostOutcome, error) {
	var out PostOutcome

	karma, err := u.Agent(ctx, rp.Author)
	if err != nil {
		return out, err
	}
	out.KarmaChanged = karma
	if err := u.submoltRef(ctx, rp.Submolt); err != nil {
		return out, err
	}

	now := u.now()
	p := schemas.Post{
		ID:            rp.ID,
		Title:         rp.Title,
		Content:       rp.Content,
		URL:           rp.URL,
		Upvotes:       rp.Upvotes,
		Downvotes:     rp.Downvotes,
		CommentCount:  rp.CommentCount,
		CreatedAt:     rp.CreatedAt,
		FirstSeenAt:   now,
		LastUpdatedAt: now,
	}
	if rp.Author != nil && rp.Author.ID != "" {
		p.AuthorID = &rp.Author.ID
	}
	if rp.Submolt != nil && rp.Submolt.ID != "" {
		p.SubmoltID = &rp.Submolt.ID
	}

	changed, err := u.history.RecordPost(ctx, p)
	if err != nil {
		return out, fmt.Errorf("recording score history for %s: %w", p.ID, err)
	}
	out.ScoreChanged = changed

	if err := u.store.UpsertPost(ctx, p); err != nil {
		return out, err
	}
	out.Post = p
	return out, nil
}

// Comment writes a comment of postID along with its author.
func (u *Upserter) Comment(ctx context.Context, postID string, rc schemas.RemoteComment) (CommentOutcome, error) {
	var out CommentOutcome

	karma, err := u.Agent(ctx, rc.Author)
	if err != nil {
		return out, err
	}
	out.KarmaChanged = karma

	now := u.now()
	c := schemas.Comment{
		ID:              rc.ID,
		PostID:          postID,
		ParentCommentID: rc.ParentID,
		Content:         rc.Content,
		Upvotes:         rc.Upvotes,
		Downvotes:       rc.Downvotes,
		CreatedAt:       rc.CreatedAt,
		FirstSeenAt:     now,
		LastUpdatedAt:   now,
	}
	if rc.Author != nil && rc.Author.ID != "" {
		c.AuthorID = &rc.Author.ID
	}
	if c.ParentCommentID != nil && *c.ParentCommentID == "" {
		c.ParentCommentID = nil
	}

	if err := u.store.UpsertComment(ctx, c); err != nil {
		return out, err
	}
	out.Comment = c
	return out, nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
