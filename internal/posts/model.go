package posts

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ozkancirak/socialapp/internal/apperror"
)

const (
	// MaxPostContentLength bounds post bodies in runes.
	MaxPostContentLength = 500
	// MaxCommentContentLength bounds comment bodies in runes.
	MaxCommentContentLength = 200

	maxIdentifierLength = 190
	maxImageURLLength   = 512
	defaultFeedLimit    = 20
	maxFeedLimit        = 50
)

// Post is a user-authored entry. AuthorID always holds an internal user id.
type Post struct {
	PostID    string    `gorm:"column:post_id;primaryKey;size:36;not null"`
	AuthorID  string    `gorm:"column:author_id;size:36;not null;index:idx_posts_author"`
	Content   string    `gorm:"column:content;type:text;not null"`
	ImageURL  string    `gorm:"column:image_url;size:512;not null;default:''"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_posts_created"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "posts"
}

// PostLike records one user's like of one post.
type PostLike struct {
	PostID    string    `gorm:"column:post_id;primaryKey;size:36;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:36;not null;index:idx_post_likes_user"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PostLike) TableName() string {
	return "post_likes"
}

// Comment is a reply to a post.
type Comment struct {
	CommentID string    `gorm:"column:comment_id;primaryKey;size:36;not null"`
	PostID    string    `gorm:"column:post_id;size:36;not null;index:idx_comments_post_created,priority:1"`
	AuthorID  string    `gorm:"column:author_id;size:36;not null"`
	Content   string    `gorm:"column:content;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_comments_post_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}

// CommentLike records one user's like of one comment.
type CommentLike struct {
	CommentID string    `gorm:"column:comment_id;primaryKey;size:36;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:36;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CommentLike) TableName() string {
	return "comment_likes"
}

// PostInput is the caller-supplied part of a new post.
type PostInput struct {
	Content  string
	ImageURL string
}

// PostView is a post together with its aggregate counters for one viewer.
type PostView struct {
	Post
	LikeCount     int64
	CommentCount  int64
	LikedByViewer bool
}

// CommentView is a comment together with its like counter for one viewer.
type CommentView struct {
	Comment
	LikeCount     int64
	LikedByViewer bool
}

// LikeOutcome reports the state after a like toggle.
type LikeOutcome struct {
	TargetID  string
	OwnerID   string
	ActorID   string
	Liked     bool
	LikeCount int64
}

// CommentOutcome reports a created comment and the author of the post it answers.
type CommentOutcome struct {
	Comment      CommentView
	PostAuthorID string
}

func validateContent(operation, raw string, limit int) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", apperror.InvalidInput(operation, "content is required")
	}
	if utf8.RuneCountInString(trimmed) > limit {
		return "", apperror.InvalidInput(operation, fmt.Sprintf("content cannot exceed %d characters", limit))
	}
	return trimmed, nil
}

func validateImageURL(operation, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", nil
	}
	if len(trimmed) > maxImageURLLength {
		return "", apperror.InvalidInput(operation, fmt.Sprintf("image url exceeds %d characters", maxImageURLLength))
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || (parsed.Scheme != "https" && parsed.Scheme != "http") || parsed.Host == "" {
		return "", apperror.InvalidInput(operation, "image url must be an absolute http(s) url")
	}
	return trimmed, nil
}

func validateIdentifier(operation, name, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", apperror.InvalidInput(operation, name+" is required")
	}
	if len(trimmed) > maxIdentifierLength {
		return "", apperror.InvalidInput(operation, fmt.Sprintf("%s exceeds %d characters", name, maxIdentifierLength))
	}
	return trimmed, nil
}

func clampFeedLimit(limit int) int {
	if limit <= 0 {
		return defaultFeedLimit
	}
	if limit > maxFeedLimit {
		return maxFeedLimit
	}
	return limit
}
