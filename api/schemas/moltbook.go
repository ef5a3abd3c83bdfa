package schemas

import "time"

// -- Remote API payloads --
//
// These mirror the JSON returned by the Moltbook v1 API. Optional nested objects
// (author, submolt, parent) are pointers: the platform omits or nulls them for
// deleted accounts and for posts made before communities existed.

// AuthorRef is the agent object embedded in posts and comments. The counters are
// only present on some endpoints, so a missing counter must never overwrite a
// stored one.
type AuthorRef struct {
	ID             string  `json:"id" validate:"required"`
	Name           string  `json:"name"`
	Description    *string `json:"description,omitempty"`
	Karma          *int64  `json:"karma,omitempty"`
	PostCount      *int64  `json:"post_count,omitempty"`
	CommentCount   *int64  `json:"comment_count,omitempty"`
	FollowerCount  *int64  `json:"follower_count,omitempty"`
	FollowingCount *int64  `json:"following_count,omitempty"`
}

// SubmoltRef is the abbreviated community object embedded in posts.
type SubmoltRef struct {
	ID          string `json:"id" validate:"required"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

// RemoteSubmolt is a community as returned by the submolt listing and detail endpoints.
type RemoteSubmolt struct {
	ID              string     `json:"id" validate:"required"`
	Name            string     `json:"name" validate:"required"`
	DisplayName     string     `json:"display_name"`
	Description     string     `json:"description"`
	SubscriberCount int64      `json:"subscriber_count" validate:"gte=0"`
	PostCount       *int64     `json:"post_count,omitempty"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
}

// RemotePost is a post as returned by the post listing and submolt detail endpoints.
type RemotePost struct {
	ID           string      `json:"id" validate:"required"`
	Title        string      `json:"title"`
	Content      string      `json:"content"`
	URL          *string     `json:"url,omitempty"`
	Upvotes      int64       `json:"upvotes"`
	Downvotes    int64       `json:"downvotes"`
	CommentCount int64       `json:"comment_count"`
	CreatedAt    *time.Time  `json:"created_at,omitempty"`
	Author       *AuthorRef  `json:"author,omitempty" validate:"omitempty"`
	Submolt      *SubmoltRef `json:"submolt,omitempty" validate:"omitempty"`
}

// RemoteComment is a comment. Some deployments return a flat list linked by
// ParentID, others nest children under Replies; both shapes are accepted.
type RemoteComment struct {
	ID        string          `json:"id" validate:"required"`
	Content   string          `json:"content"`
	Upvotes   int64           `json:"upvotes"`
	Downvotes int64           `json:"downvotes"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
	ParentID  *string         `json:"parent_id,omitempty"`
	Author    *AuthorRef      `json:"author,omitempty" validate:"omitempty"`
	Replies   []RemoteComment `json:"replies,omitempty" validate:"-"`
}

// SubmoltListing is the body of GET /submolts.
type SubmoltListing struct {
	Success  bool            `json:"success"`
	Submolts []RemoteSubmolt `json:"submolts"`
	Count    int64           `json:"count"`
}

// SubmoltDetail is the body of GET /submolts/{name}.
type SubmoltDetail struct {
	Success bool           `json:"success"`
	Submolt *RemoteSubmolt `json:"submolt"`
	Posts   []RemotePost   `json:"posts"`
}

// PostListing is the body of GET /posts.
type PostListing struct {
	Success bool         `json:"success"`
	Posts   []RemotePost `json:"posts"`
}

// PostPage is one validated page of GET /posts. Received is the number of items
// the API returned, including any dropped by validation.
type PostPage struct {
	Posts    []RemotePost
	Received int
}

// CommentListing is the body of GET /posts/{id}/comments.
type CommentListing struct {
	Success  bool            `json:"success"`
	Comments []RemoteComment `json:"comments"`
}

// RemoteStats is the body of GET /stats.
type RemoteStats struct {
	Success  bool  `json:"success"`
	Agents   int64 `json:"agents"`
	Posts    int64 `json:"posts"`
	Comments int64 `json:"comments"`
	Submolts int64 `json:"submolts"`
}

// PostSort is the ordering accepted by GET /posts.
type PostSort string

const (
	SortNew PostSort = "new"
	SortHot PostSort = "hot"
	SortTop PostSort = "top"
)

// Flatten returns the comment tree as a flat list in pre-order, filling in ParentID
// for nested replies that omit it. Replies on the returned values are cleared.
func Flatten(comments []RemoteComment) []RemoteComment {
	var out []RemoteComment
	var walk func(list []RemoteComment, parent *string)
	walk = func(list []RemoteComment, parent *string) {
		for _, c := range list {
			children := c.Replies
			c.Replies = nil
			if c.ParentID == nil && parent != nil {
				p := *parent
				c.ParentID = &p
			}
			out = append(out, c)
			if len(children) > 0 {
				id := c.ID
				walk(children, &id)
			}
		}
	}
	walk(comments, nil)
	return out
}
