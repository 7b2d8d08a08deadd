package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ozkancirak/socialapp/internal/posts"
)

const (
	opHandleCreatePost   = "server.create_post"
	opHandleGetPost      = "server.get_post"
	opHandleListFeed     = "server.list_feed"
	opHandleDeletePost   = "server.delete_post"
	opHandleLikePost     = "server.like_post"
	opHandleAddComment   = "server.add_comment"
	opHandleListComments = "server.list_comments"
	opHandleLikeComment  = "server.like_comment"
)

type createPostRequest struct {
	Content  string `json:"content"`
	ImageURL string `json:"image_url"`
}

type addCommentRequest struct {
	Content string `json:"content"`
}

type postPayload struct {
	PostID        string    `json:"post_id"`
	AuthorID      string    `json:"author_id"`
	Content       string    `json:"content"`
	ImageURL      string    `json:"image_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LikeCount     int64     `json:"like_count"`
	CommentCount  int64     `json:"comment_count"`
	LikedByViewer bool      `json:"liked"`
}

type commentPayload struct {
	CommentID     string    `json:"comment_id"`
	PostID        string    `json:"post_id"`
	AuthorID      string    `json:"author_id"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
	LikeCount     int64     `json:"like_count"`
	LikedByViewer bool      `json:"liked"`
}

type likePayload struct {
	Liked     bool  `json:"liked"`
	LikeCount int64 `json:"like_count"`
}

func (h *httpHandler) handleCreatePost(c *gin.Context) {
	claims, ok := sessionClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request createPostRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	view, err := h.posts.CreatePost(c.Request.Context(), claims.Subject, posts.PostInput{
		Content:  request.Content,
		ImageURL: request.ImageURL,
	})
	if err != nil {
		h.respondError(c, opHandleCreatePost, err)
		return
	}
	c.JSON(http.StatusCreated, toPostPayload(view))
}

func (h *httpHandler) handleGetPost(c *gin.Context) {
	claims, ok := sessionClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	view, err := h.posts.GetPost(c.Request.Context(), claims.Subject, c.Param("id"))
	if err != nil {
		h.respondError(c, opHandleGetPost, err)
		return
	}
	c.JSON(http.StatusOK, toPostPayload(view))
}

func (h *httpHandler) handleListFeed(c *gin.Context) {
	claims, ok := sessionClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	views, err := h.posts.ListFeed(c.Request.Context(), claims.Subject, limit)
	if err != nil {
		h.respondError(c, opHandleListFeed, err)
		return
	}
	payload := make([]postPayload, 0, len(views))
	for _, view := range views {
		payload = append(payload, toPostPayload(view))
	}
	c.JSON(http.StatusOK, gin.H{"posts": payload})
}

func (h *httpHandler) handleDeletePost(c *gin.Context) {
	claims, ok := sessionClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := h.posts.DeletePost(c.Request.Context(), claims.Subject, c.Param("id")); err != nil {
		h.respondError(c, opHandleDeletePost, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleTogglePostLike(c *gin.Context) {
	claims, ok := sessionClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	outcome, err := h.posts.ToggleLike(c.Request.Context(), claims.Subject, c.Param("id"))
	if err != nil {
		h.respondError(c, opHandleLikePost, err)
		return
	}
	if outcome.Liked {
		h.publishActivity(outcome.OwnerID, outcome.ActorID, RealtimeEventPostLiked, outcome.TargetID, "")
	}
	c.JSON(http.StatusOK, likePayload{Liked: outcome.Liked, LikeCount: outcome.LikeCount})
}

func (h *httpHandler) handleAddComment(c *gin.Context) {
	claims, ok := sessionClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request addCommentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	outcome, err := h.posts.AddComment(c.Request.Context(), claims.Subject, c.Param("id"), request.Content)
	if err != nil {
		h.respondError(c, opHandleAddComment, err)
		return
	}
	comment := outcome.Comment
	h.publishActivity(outcome.PostAuthorID, comment.AuthorID, RealtimeEventPostCommented, comment.PostID, comment.CommentID)
	c.JSON(http.StatusCreated, toCommentPayload(comment))
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	claims, ok := sessionClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	views, err := h.posts.ListComments(c.Request.Context(), claims.Subject, c.Param("id"))
	if err != nil {
		h.respondError(c, opHandleListComments, err)
		return
	}
	payload := make([]commentPayload, 0, len(views))
	for _, view := range views {
		payload = append(payload, toCommentPayload(view))
	}
	c.JSON(http.StatusOK, gin.H{"comments": payload})
}

func (h *httpHandler) handleToggleCommentLike(c *gin.Context) {
	claims, ok := sessionClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	outcome, err := h.posts.ToggleCommentLike(c.Request.Context(), claims.Subject, c.Param("id"))
	if err != nil {
		h.respondError(c, opHandleLikeComment, err)
		return
	}
	c.JSON(http.StatusOK, likePayload{Liked: outcome.Liked, LikeCount: outcome.LikeCount})
}

// publishActivity notifies the owner of a post. Acting on one's own post is not announced.
func (h *httpHandler) publishActivity(recipientID, actorID, eventType, postID, commentID string) {
	if recipientID == "" || recipientID == actorID {
		return
	}
	h.realtime.Publish(ActivityMessage{
		RecipientID: recipientID,
		ActorID:     actorID,
		EventType:   eventType,
		PostID:      postID,
		CommentID:   commentID,
		Timestamp:   time.Now().UTC(),
	})
}

func toPostPayload(view posts.PostView) postPayload {
	return postPayload{
		PostID:        view.PostID,
		AuthorID:      view.AuthorID,
		Content:       view.Content,
		ImageURL:      view.ImageURL,
		CreatedAt:     view.CreatedAt,
		LikeCount:     view.LikeCount,
		CommentCount:  view.CommentCount,
		LikedByViewer: view.LikedByViewer,
	}
}

func toCommentPayload(view posts.CommentView) commentPayload {
	return commentPayload{
		CommentID:     view.CommentID,
		PostID:        view.PostID,
		AuthorID:      view.AuthorID,
		Content:       view.Content,
		CreatedAt:     view.CreatedAt,
		LikeCount:     view.LikeCount,
		LikedByViewer: view.LikedByViewer,
	}
}
