package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/ozkancirak/socialapp/internal/apperror"
	"github.com/ozkancirak/socialapp/internal/auth"
	"github.com/ozkancirak/socialapp/internal/posts"
	"github.com/ozkancirak/socialapp/internal/users"
	"github.com/ozkancirak/socialapp/internal/webhooks"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	sessionClaimsContextKey  = "socialapp_session_claims"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessions     = errors.New("session verifier dependency required")
	errMissingIdentities   = errors.New("identity reconciler dependency required")
	errMissingWebhooks     = errors.New("webhook adapter dependency required")
	errMissingPostsService = errors.New("posts service dependency required")
)

// IdentityReconciler is the reconciler surface used by the HTTP layer.
type IdentityReconciler interface {
	Reconcile(ctx context.Context, request users.ReconcileRequest) (users.Result, error)
	Lookup(ctx context.Context, externalID string) (string, error)
	Get(ctx context.Context, internalID string) (users.User, error)
}

// WebhookProcessor applies one signed identity-provider delivery.
type WebhookProcessor interface {
	Handle(ctx context.Context, headers http.Header, body []byte) (webhooks.Outcome, error)
}

// PostsService is the dependent-write surface. Every call takes the caller's external id.
type PostsService interface {
	CreatePost(ctx context.Context, externalID string, input posts.PostInput) (posts.PostView, error)
	GetPost(ctx context.Context, externalID, postID string) (posts.PostView, error)
	ListFeed(ctx context.Context, externalID string, limit int) ([]posts.PostView, error)
	DeletePost(ctx context.Context, externalID, postID string) error
	ToggleLike(ctx context.Context, externalID, postID string) (posts.LikeOutcome, error)
	AddComment(ctx context.Context, externalID, postID, content string) (posts.CommentOutcome, error)
	ListComments(ctx context.Context, externalID, postID string) ([]posts.CommentView, error)
	ToggleCommentLike(ctx context.Context, externalID, commentID string) (posts.LikeOutcome, error)
}

type Dependencies struct {
	Sessions          auth.SessionVerifier
	Identities        IdentityReconciler
	Webhooks          WebhookProcessor
	Posts             PostsService
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler wires the gin engine.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Identities == nil {
		return nil, errMissingIdentities
	}
	if deps.Webhooks == nil {
		return nil, errMissingWebhooks
	}
	if deps.Posts == nil {
		return nil, errMissingPostsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:          deps.Sessions,
		identities:        deps.Identities,
		webhooks:          deps.Webhooks,
		posts:             deps.Posts,
		realtime:          realtime,
		heartbeatInterval: heartbeat,
		logger:            logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.POST("/webhooks/identity", handler.handleIdentityWebhook)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/users/sync", handler.handleUserSync)
	protected.GET("/users/me", handler.handleCurrentUser)
	protected.GET("/posts", handler.handleListFeed)
	protected.POST("/posts", handler.handleCreatePost)
	protected.GET("/posts/:id", handler.handleGetPost)
	protected.DELETE("/posts/:id", handler.handleDeletePost)
	protected.POST("/posts/:id/like", handler.handleTogglePostLike)
	protected.GET("/posts/:id/comments", handler.handleListComments)
	protected.POST("/posts/:id/comments", handler.handleAddComment)
	protected.POST("/comments/:id/like", handler.handleToggleCommentLike)
	protected.GET("/activity/stream", handler.handleActivityStream)

	return router, nil
}

type httpHandler struct {
	sessions          auth.SessionVerifier
	identities        IdentityReconciler
	webhooks          WebhookProcessor
	posts             PostsService
	realtime          *RealtimeDispatcher
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.VerifyRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session verification failed", zap.Error(err))
		} else {
			h.logger.Warn("session verification failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(sessionClaimsContextKey, claims)
	c.Next()
}

func sessionClaimsFrom(c *gin.Context) (auth.SessionClaims, bool) {
	value, exists := c.Get(sessionClaimsContextKey)
	if !exists {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	if !ok || claims.Subject == "" {
		return auth.SessionClaims{}, false
	}
	return claims, true
}

// statusForError maps the error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	switch apperror.KindOf(err) {
	case apperror.KindInvalidInput:
		return http.StatusBadRequest
	case apperror.KindAuthenticationFailure:
		return http.StatusUnauthorized
	case apperror.KindForbidden:
		return http.StatusForbidden
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindUnresolvedIdentity:
		return http.StatusConflict
	case apperror.KindTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	status := statusForError(err)
	kind := string(apperror.KindOf(err))
	if kind == "" {
		kind = "internal_error"
	}
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", kind),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Debug("request rejected", fields...)
	}
	body := gin.H{"error": kind}
	if apperror.Retryable(err) {
		body["retryable"] = true
	}
	c.JSON(status, body)
}

// corsMiddleware allows any origin without credentials unless an explicit origin list is configured.
// Cookie sessions are only exposed to the listed origins.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}
