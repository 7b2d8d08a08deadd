package webhooks

import (
	"context"
	"errors"
	"net/http"

	"github.com/ozkancirak/socialapp/internal/apperror"
	"github.com/ozkancirak/socialapp/internal/auth"
	"github.com/ozkancirak/socialapp/internal/metrics"
	"github.com/ozkancirak/socialapp/internal/users"
	"go.uber.org/zap"
)

// Action summarises what a delivery did.
type Action string

const (
	ActionCreated   Action = "created"
	ActionRefreshed Action = "refreshed"
	ActionExisting  Action = "existing"
	ActionDeleted   Action = "deleted"
	ActionNoop      Action = "noop"
	ActionIgnored   Action = "ignored"
	ActionDuplicate Action = "duplicate"
)

var (
	errMissingVerifier   = errors.New("webhook verifier is required")
	errMissingIdentities = errors.New("identity reconciler is required")
)

// Verifier authenticates a delivery before its body is interpreted.
type Verifier interface {
	Verify(headers http.Header, body []byte) (auth.WebhookMessage, error)
}

// Identities is the reconciler surface the adapter drives.
type Identities interface {
	Reconcile(ctx context.Context, request users.ReconcileRequest) (users.Result, error)
	Forget(ctx context.Context, externalID string) (bool, error)
}

type AdapterConfig struct {
	Verifier   Verifier
	Identities Identities
	Ledger     DeliveryLedger
	Logger     *zap.Logger
}

// Outcome reports a delivery that may be acknowledged.
type Outcome struct {
	MessageID  string
	EventType  string
	Action     Action
	InternalID string
}

// Adapter translates verified identity-provider events into reconciler calls.
type Adapter struct {
	verifier   Verifier
	identities Identities
	ledger     DeliveryLedger
	logger     *zap.Logger
}

func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	if cfg.Identities == nil {
		return nil, errMissingIdentities
	}
	ledger := cfg.Ledger
	if ledger == nil {
		ledger = NopLedger{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		verifier:   cfg.Verifier,
		identities: cfg.Identities,
		ledger:     ledger,
		logger:     logger,
	}, nil
}

// Handle authenticates, parses and applies one delivery. A nil error means the delivery may be
// acknowledged; any error means the provider should redeliver, except authentication and input errors.
func (a *Adapter) Handle(ctx context.Context, headers http.Header, body []byte) (Outcome, error) {
	message, err := a.verifier.Verify(headers, body)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unverified", "rejected").Inc()
		a.logger.Warn("webhook rejected", zap.Error(err))
		return Outcome{}, err
	}

	event, err := ParseEvent(body)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unparsed", "rejected").Inc()
		a.logger.Warn("webhook payload invalid", zap.String("message_id", message.ID), zap.Error(err))
		return Outcome{}, err
	}

	outcome := Outcome{MessageID: message.ID, EventType: event.Type}

	seen, err := a.ledger.Seen(ctx, message.ID)
	if err != nil {
		a.logger.Warn("delivery ledger unavailable, processing anyway",
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
	if seen {
		outcome.Action = ActionDuplicate
		metrics.WebhookEvents.WithLabelValues(event.Type, string(ActionDuplicate)).Inc()
		return outcome, nil
	}

	action, internalID, err := a.dispatch(ctx, event)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(event.Type, string(apperror.KindOf(err))).Inc()
		a.logger.Error("webhook processing failed",
			zap.String("message_id", message.ID),
			zap.String("event_type", event.Type),
			zap.String("external_id", event.Data.ID),
			zap.Error(err))
		return Outcome{}, err
	}
	outcome.Action = action
	outcome.InternalID = internalID

	if err := a.ledger.Record(ctx, message.ID); err != nil {
		a.logger.Warn("delivery ledger record failed",
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
	metrics.WebhookEvents.WithLabelValues(event.Type, string(action)).Inc()
	a.logger.Info("webhook processed",
		zap.String("message_id", message.ID),
		zap.String("event_type", event.Type),
		zap.String("action", string(action)))
	return outcome, nil
}

func (a *Adapter) dispatch(ctx context.Context, event Event) (Action, string, error) {
	switch event.Type {
	case EventUserCreated, EventUserUpdated:
		profile := event.Data.Profile()
		result, err := a.identities.Reconcile(ctx, users.ReconcileRequest{
			ExternalID:     event.Data.ID,
			Profile:        &profile,
			RefreshProfile: event.Type == EventUserUpdated,
			Source:         users.SourceWebhook,
		})
		if apperror.Is(err, apperror.KindUnresolvedIdentity) {
			// Deleted identities stay deleted; late create/update deliveries are acknowledged.
			return ActionNoop, "", nil
		}
		if err != nil {
			return "", "", err
		}
		switch {
		case result.Created:
			return ActionCreated, result.InternalID, nil
		case result.Refreshed:
			return ActionRefreshed, result.InternalID, nil
		default:
			return ActionExisting, result.InternalID, nil
		}
	case EventUserDeleted:
		removed, err := a.identities.Forget(ctx, event.Data.ID)
		if err != nil {
			return "", "", err
		}
		if !removed {
			return ActionNoop, "", nil
		}
		return ActionDeleted, "", nil
	default:
		return ActionIgnored, "", nil
	}
}
