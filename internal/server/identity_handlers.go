package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ozkancirak/socialapp/internal/apperror"
	"github.com/ozkancirak/socialapp/internal/users"
	"go.uber.org/zap"
)

const (
	maxWebhookBodyBytes = 1 << 20
	syncRetryReason     = "account sync failed, retry"
	syncDeletedReason   = "account deleted"

	opHandleWebhook = "server.webhook"
	opHandleSync    = "server.users_sync"
	opHandleMe      = "server.users_me"
)

type userSyncResponse struct {
	Resolved   bool   `json:"resolved"`
	InternalID string `json:"internal_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type userPayload struct {
	InternalID  string    `json:"internal_id"`
	ExternalID  string    `json:"external_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	FullName    string    `json:"full_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *httpHandler) handleIdentityWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes+1))
	if err != nil {
		h.respondError(c, opHandleWebhook, apperror.New(apperror.KindInvalidInput, opHandleWebhook, "unreadable body", err))
		return
	}
	if len(body) > maxWebhookBodyBytes {
		h.respondError(c, opHandleWebhook, apperror.InvalidInput(opHandleWebhook, "payload too large"))
		return
	}

	outcome, err := h.webhooks.Handle(c.Request.Context(), c.Request.Header, body)
	if err != nil {
		h.respondError(c, opHandleWebhook, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(outcome.Action)})
}

// handleUserSync is the client-triggered reconciliation. The caller's identity comes from the session only.
func (h *httpHandler) handleUserSync(c *gin.Context) {
	claims, ok := sessionClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	profile := claims.Profile()
	result, err := h.identities.Reconcile(c.Request.Context(), users.ReconcileRequest{
		ExternalID:     claims.Subject,
		Profile:        profile,
		RefreshProfile: profile != nil,
		Source:         users.SourceClient,
	})
	if err != nil {
		status := statusForError(err)
		reason := syncRetryReason
		if apperror.Is(err, apperror.KindUnresolvedIdentity) {
			reason = syncDeletedReason
		}
		h.logger.Warn("client reconciliation failed",
			zap.String("operation", opHandleSync),
			zap.String("reason", string(apperror.KindOf(err))),
			zap.Error(err))
		c.JSON(status, userSyncResponse{Resolved: false, Reason: reason})
		return
	}
	c.JSON(http.StatusOK, userSyncResponse{Resolved: true, InternalID: result.InternalID})
}

func (h *httpHandler) handleCurrentUser(c *gin.Context) {
	claims, ok := sessionClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ctx := c.Request.Context()

	internalID, err := h.identities.Lookup(ctx, claims.Subject)
	if err != nil {
		h.respondError(c, opHandleMe, err)
		return
	}
	user, err := h.identities.Get(ctx, internalID)
	if err != nil {
		h.respondError(c, opHandleMe, err)
		return
	}
	c.JSON(http.StatusOK, userPayload{
		InternalID:  user.InternalID,
		ExternalID:  user.ExternalID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		FullName:    user.FullName,
		AvatarURL:   user.AvatarURL,
		Email:       user.Email,
		CreatedAt:   user.CreatedAt,
	})
}
