package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/moltwatch/api/schemas"
)

// Derive returns the interactions a single comment produces: a comment on the
// post's author and, for replies, a reply to the parent comment's author.
// Either is omitted when the target is unknown or is the commenter.
func Derive(c schemas.Comment, postAuthor, parentAuthor *string, at time.Time) []schemas.Interaction {
	if c.AuthorID == nil || *c.AuthorID == "" {
		return nil
	}
	from := *c.AuthorID

	var out []schemas.Interaction
	if postAuthor != nil && *postAuthor != "" && *postAuthor != from {
		out = append(out, schemas.Interaction{
			FromAgentID: from,
			ToAgentID:   *postAuthor,
			Kind:        schemas.CommentOnPost,
			PostID:      c.PostID,
			CommentID:   c.ID,
			CreatedAt:   at,
		})
	}
	if c.ParentCommentID != nil && parentAuthor != nil && *parentAuthor != "" && *parentAuthor != from {
		out = append(out, schemas.Interaction{
			FromAgentID: from,
			ToAgentID:   *parentAuthor,
			Kind:        schemas.ReplyToComment,
			PostID:      c.PostID,
			CommentID:   c.ID,
			CreatedAt:   at,
		})
	}
	return out
}

// GraphBuilder folds derived interactions into the stored graph. The store
// increments an edge only when the interaction row is new, so re-crawling a
// comment never inflates edge weights.
type GraphBuilder struct {
	store  schemas.Store
	now    Clock
	logger *zap.Logger
}

// NewGraphBuilder creates a builder over store.
func NewGraphBuilder(store schemas.Store, now Clock, logger *zap.Logger) *GraphBuilder {
	return &GraphBuilder{store: store, now: now, logger: logger.Named("graph")}
}

// GraphResult tallies one Record call.
type GraphResult struct {
	Derived int
	Created int
}

// Record derives and stores the interactions of one post's comments.
// Parent authors resolve from the page first and then from the store.
func (g *GraphBuilder) Record(ctx context.Context, postID string, comments []schemas.Comment) (GraphResult, error) {
	var res GraphResult
	if len(comments) == 0 {
		return res, nil
	}

	postAuthor, err := g.store.PostAuthor(ctx, postID)
	if err != nil {
		return res, fmt.Errorf("resolving author of post %s: %w", postID, err)
	}

	authors := make(map[string]string, len(comments))
	for _, c := range comments {
		if c.AuthorID != nil {
			authors[c.ID] = *c.AuthorID
		}
	}

	for _, c := range comments {
		parentAuthor, err := g.parentAuthor(ctx, c, authors)
		if err != nil {
			return res, err
		}

		at := g.now()
		if c.CreatedAt != nil {
			at = c.CreatedAt.UTC()
		}

		for _, in := range Derive(c, postAuthor, parentAuthor, at) {
			res.Derived++
			created, err := g.store.RecordInteraction(ctx, in)
			if err != nil {
				return res, fmt.Errorf("recording %s from %s to %s: %w", in.Kind, in.FromAgentID, in.ToAgentID, err)
			}
			if created {
				res.Created++
			}
		}
	}

	g.logger.Debug("Recorded interactions.",
		zap.String("post_id", postID),
		zap.Int("derived", res.Derived),
		zap.Int("created", res.Created))
	return res, nil
}

func (g *GraphBuilder) parentAuthor(ctx context.Context, c schemas.Comment, page map[string]string) (*string, error) {
	if c.ParentCommentID == nil {
		return nil, nil
	}
	if a, ok := page[*c.ParentCommentID]; ok {
		return &a, nil
	}
	a, err := g.store.CommentAuthor(ctx, *c.ParentCommentID)
	if err != nil {
		return nil, fmt.Errorf("resolving author of comment %s: %w", *c.ParentCommentID, err)
	}
	return a, nil
}
