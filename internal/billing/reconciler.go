package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/replyforge/chatbot-platform/internal/clock"
	"github.com/replyforge/chatbot-platform/internal/email"
	"github.com/replyforge/chatbot-platform/internal/keymutex"
	"github.com/replyforge/chatbot-platform/internal/model"
	"github.com/replyforge/chatbot-platform/internal/payment"
	"github.com/replyforge/chatbot-platform/internal/store"
	"github.com/replyforge/chatbot-platform/pkg/logger"
	"github.com/replyforge/chatbot-platform/pkg/metrics"
)

// Reconciler folds provider webhook events and checkout confirmations into
// local subscription state. Every handler is idempotent: redelivered
// events are deduplicated by event ID, and out-of-order deliveries are
// dropped by the per-subscription event timestamp guard.
type Reconciler struct {
	subs     store.SubscriptionStore
	users    store.UserStore
	seen     store.ProcessedEventStore
	provider payment.Client
	email    email.Sender
	locks    *keymutex.KeyMutex
	clock    clock.Clock
	logger   *logger.Logger
}

// NewReconciler wires the billing reconciliation engine.
func NewReconciler(
	subs store.SubscriptionStore,
	users store.UserStore,
	seen store.ProcessedEventStore,
	provider payment.Client,
	clk clock.Clock,
	log *logger.Logger,
) *Reconciler {
	if clk == nil {
		clk = clock.System()
	}
	return &Reconciler{
		subs:     subs,
		users:    users,
		seen:     seen,
		provider: provider,
		email:    email.NewLogSender(log),
		locks:    keymutex.New(),
		clock:    clk,
		logger:   log,
	}
}

// SetEmailSender replaces the transactional email collaborator.
func (r *Reconciler) SetEmailSender(sender email.Sender) {
	r.email = sender
}

// HandleWebhook processes one provider webhook delivery. signature is the
// value of the provider's signature header computed over the raw body;
// eventID is the provider's delivery ID and may be empty, in which case a
// body digest stands in so redeliveries still deduplicate.
//
// Signature failures return ErrUnauthorized and malformed bodies return
// ErrValidation; everything else is acknowledged, including event types
// and subscriptions this service does not know.
func (r *Reconciler) HandleWebhook(ctx context.Context, body []byte, signature, eventID string) error {
	if !r.provider.VerifyWebhookSignature(body, signature) {
		metrics.BillingEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		return fmt.Errorf("%w: webhook signature mismatch", model.ErrUnauthorized)
	}

	ev, err := ParseEvent(body)
	if err != nil {
		metrics.BillingEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		return err
	}

	if eventID == "" {
		digest := sha256.Sum256(body)
		eventID = hex.EncodeToString(digest[:])
	}

	if seen, err := r.seen.SeenEvent(ctx, eventID); err != nil {
		return err
	} else if seen {
		metrics.BillingEventsTotal.WithLabelValues(ev.Event, "duplicate").Inc()
		r.logger.Info("billing event redelivered, skipping",
			zap.String("event_id", eventID),
			zap.String("event", ev.Event),
		)
		return nil
	}

	if !knownEvent(ev.Event) {
		metrics.BillingEventsTotal.WithLabelValues(ev.Event, "ignored").Inc()
		r.logger.Warn("unknown billing event type, ignoring",
			zap.String("event_id", eventID),
			zap.String("event", ev.Event),
		)
		return r.seen.MarkEventSeen(ctx, eventID, r.clock.Now())
	}

	subID := ev.SubscriptionID()
	if subID == "" {
		metrics.BillingEventsTotal.WithLabelValues(ev.Event, "ignored").Inc()
		r.logger.Warn("billing event without subscription, ignoring",
			zap.String("event_id", eventID),
			zap.String("event", ev.Event),
		)
		return r.seen.MarkEventSeen(ctx, eventID, r.clock.Now())
	}

	r.locks.Lock(subID)
	defer r.locks.Unlock(subID)

	// A concurrent delivery of the same event may have applied it between
	// the unlocked dedup check and acquiring the subscription lock.
	if seen, err := r.seen.SeenEvent(ctx, eventID); err != nil {
		return err
	} else if seen {
		metrics.BillingEventsTotal.WithLabelValues(ev.Event, "duplicate").Inc()
		return nil
	}

	sub, err := r.subs.GetSubscriptionByProviderID(ctx, subID)
	if err != nil {
		// The confirm path may not have created the record yet. Do not
		// mark the event seen so a provider redelivery can apply later.
		metrics.BillingEventsTotal.WithLabelValues(ev.Event, "unknown_subscription").Inc()
		r.logger.Warn("billing event for unknown subscription, ignoring",
			zap.String("event_id", eventID),
			zap.String("event", ev.Event),
			zap.String("provider_subscription_id", subID),
		)
		return nil
	}

	if created := ev.Created(); created.Before(sub.LastEventAt) {
		metrics.BillingEventsTotal.WithLabelValues(ev.Event, "stale").Inc()
		r.logger.Info("stale billing event dropped",
			zap.String("event_id", eventID),
			zap.String("event", ev.Event),
			zap.Time("event_created", created),
			zap.Time("last_applied", sub.LastEventAt),
		)
		return r.seen.MarkEventSeen(ctx, eventID, r.clock.Now())
	}

	if err := r.apply(ctx, sub, ev); err != nil {
		metrics.BillingEventsTotal.WithLabelValues(ev.Event, "error").Inc()
		return err
	}

	sub.LastEventAt = ev.Created()
	sub.UpdatedAt = r.clock.Now()
	if err := r.subs.PutSubscription(ctx, sub); err != nil {
		return err
	}
	if err := r.seen.MarkEventSeen(ctx, eventID, r.clock.Now()); err != nil {
		return err
	}

	metrics.BillingEventsTotal.WithLabelValues(ev.Event, "applied").Inc()
	r.logger.Info("billing event applied",
		zap.String("event_id", eventID),
		zap.String("event", ev.Event),
		zap.String("provider_subscription_id", subID),
		zap.String("status", string(sub.Status)),
	)
	return nil
}

func (r *Reconciler) apply(ctx context.Context, sub *model.Subscription, ev *WebhookEvent) error {
	entity := ev.Payload.Subscription.Entity

	switch ev.Event {
	case EventSubscriptionAuthenticated:
		sub.Status = model.SubAuthenticated

	case EventSubscriptionActivated:
		sub.Status = model.SubActive
		applyPeriod(sub, entity)

	case EventSubscriptionCharged:
		sub.Status = model.SubActive
		applyPeriod(sub, entity)
		sub.Billing.FailedPaymentAttempts = 0
		r.recordPayment(sub, ev.Payload.Payment.Entity)
		return r.resetUsageOnRollover(ctx, sub.UserID)

	case EventSubscriptionCompleted:
		sub.Status = model.SubCompleted

	case EventSubscriptionUpdated:
		if entity.Status != "" {
			sub.Status = mapProviderStatus(entity.Status)
		}
		if entity.PlanID != "" {
			sub.PlanID = entity.PlanID
		}
		applyPeriod(sub, entity)

	case EventSubscriptionPaused:
		sub.Status = model.SubPaused

	case EventSubscriptionResumed:
		sub.Status = model.SubActive

	case EventSubscriptionCancelled:
		sub.Status = model.SubCancelled

	case EventPaymentCaptured:
		r.recordPayment(sub, ev.Payload.Payment.Entity)

	case EventPaymentFailed:
		sub.Billing.FailedPaymentAttempts++
		sub.Status = model.SubPastDue
		r.notifyPaymentFailed(ctx, sub)
	}
	return nil
}

// notifyPaymentFailed emails the user about a failed renewal. Email is
// fire-and-forget and never blocks reconciliation.
func (r *Reconciler) notifyPaymentFailed(ctx context.Context, sub *model.Subscription) {
	user, err := r.users.GetUser(ctx, sub.UserID)
	if err != nil {
		return
	}
	r.email.Send(ctx, user.Email,
		"Payment failed for your subscription",
		fmt.Sprintf("A renewal payment for plan %s failed (attempt %d). Please update your payment method.",
			sub.PlanID, sub.Billing.FailedPaymentAttempts),
	)
}

func (r *Reconciler) recordPayment(sub *model.Subscription, p PaymentEntity) {
	if p.ID == "" {
		return
	}
	now := r.clock.Now()
	sub.Billing.LastPaymentAt = &now
	sub.Billing.LastPaymentAmount = p.Amount
	sub.Billing.Currency = p.Currency
}

// resetUsageOnRollover zeroes the user's monthly counters when the renewal
// charge lands in a later calendar month than the last reset. Applying the
// same charged event twice cannot double-reset: the second pass sees the
// reset month already current.
func (r *Reconciler) resetUsageOnRollover(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	user, err := r.users.GetUser(ctx, userID)
	if err != nil {
		r.logger.Warn("usage reset: user missing", zap.String("user_id", userID), zap.Error(err))
		return nil
	}

	now := r.clock.Now()
	last := user.Usage.LastResetAt
	if last.Year() == now.Year() && last.Month() == now.Month() {
		return nil
	}

	user.Usage.MessagesThisMonth = 0
	user.Usage.APICallsThisMonth = 0
	user.Usage.LastResetAt = now
	user.UpdatedAt = now
	if err := r.users.PutUser(ctx, user); err != nil {
		return err
	}
	r.logger.Info("monthly usage reset", zap.String("user_id", userID))
	return nil
}

// Subscribe starts a checkout: a provider customer and subscription are
// created and a local record in created state is stored. The client
// completes checkout against the provider and then calls Confirm.
func (r *Reconciler) Subscribe(ctx context.Context, user *model.User, planID string) (*model.Subscription, error) {
	customerID, err := r.provider.CreateCustomer(ctx, user.Email, user.Name)
	if err != nil {
		return nil, err
	}
	provSub, err := r.provider.CreateSubscription(ctx, customerID, planID)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	sub := &model.Subscription{
		ID:                     uuid.Must(uuid.NewV7()).String(),
		UserID:                 user.ID,
		PlanID:                 planID,
		ProviderSubscriptionID: provSub.ID,
		ProviderCustomerID:     customerID,
		Status:                 model.SubCreated,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := r.subs.PutSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Confirm is the synchronous checkout confirmation: the client-supplied
// signature is verified over "<paymentID>|<subscriptionID>", then the
// provider is asked for the authoritative subscription state rather than
// trusting anything else the client sent.
func (r *Reconciler) Confirm(ctx context.Context, userID string, req *model.ConfirmSubscriptionRequest) (*model.Subscription, error) {
	if req.SubscriptionID == "" || req.PaymentID == "" {
		return nil, fmt.Errorf("%w: missing subscription or payment ID", model.ErrValidation)
	}
	if !r.provider.VerifyPaymentSignature(req.SubscriptionID, req.PaymentID, req.Signature) {
		return nil, fmt.Errorf("%w: payment signature mismatch", model.ErrUnauthorized)
	}

	provSub, err := r.provider.GetSubscription(ctx, req.SubscriptionID)
	if err != nil {
		return nil, err
	}

	r.locks.Lock(req.SubscriptionID)
	defer r.locks.Unlock(req.SubscriptionID)

	now := r.clock.Now()
	sub, err := r.subs.GetSubscriptionByProviderID(ctx, req.SubscriptionID)
	if err != nil {
		sub = &model.Subscription{
			ID:                     uuid.Must(uuid.NewV7()).String(),
			UserID:                 userID,
			ProviderSubscriptionID: provSub.ID,
			CreatedAt:              now,
		}
	}

	sub.ProviderCustomerID = provSub.CustomerID
	sub.Status = mapProviderStatus(provSub.Status)
	sub.CurrentPeriodStart = provSub.CurrentStart
	sub.CurrentPeriodEnd = provSub.CurrentEnd
	if provSub.PlanID != "" {
		sub.PlanID = provSub.PlanID
	} else if req.PlanID != "" {
		sub.PlanID = req.PlanID
	}
	sub.Billing.LastPaymentAt = &now
	sub.UpdatedAt = now

	if err := r.subs.PutSubscription(ctx, sub); err != nil {
		return nil, err
	}

	r.logger.Info("subscription confirmed",
		zap.String("user_id", userID),
		zap.String("provider_subscription_id", provSub.ID),
		zap.String("status", string(sub.Status)),
	)
	return sub, nil
}

// Cancel requests cancellation at the provider and marks the local record.
// The provider also emits subscription.cancelled, which re-applies the
// same state.
func (r *Reconciler) Cancel(ctx context.Context, userID string) (*model.Subscription, error) {
	sub, err := r.subs.GetSubscriptionByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.Status == model.SubCancelled {
		return sub, nil
	}

	if err := r.provider.CancelSubscription(ctx, sub.ProviderSubscriptionID); err != nil {
		return nil, err
	}

	r.locks.Lock(sub.ProviderSubscriptionID)
	defer r.locks.Unlock(sub.ProviderSubscriptionID)

	sub.Status = model.SubCancelled
	sub.UpdatedAt = r.clock.Now()
	if err := r.subs.PutSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// GetForUser returns the user's subscription.
func (r *Reconciler) GetForUser(ctx context.Context, userID string) (*model.Subscription, error) {
	return r.subs.GetSubscriptionByUser(ctx, userID)
}

func applyPeriod(sub *model.Subscription, entity SubscriptionEntity) {
	if entity.CurrentStart > 0 {
		sub.CurrentPeriodStart = time.Unix(entity.CurrentStart, 0).UTC()
	}
	if entity.CurrentEnd > 0 {
		sub.CurrentPeriodEnd = time.Unix(entity.CurrentEnd, 0).UTC()
	}
}

func knownEvent(event string) bool {
	switch event {
	case EventSubscriptionAuthenticated,
		EventSubscriptionActivated,
		EventSubscriptionCharged,
		EventSubscriptionCompleted,
		EventSubscriptionUpdated,
		EventSubscriptionPaused,
		EventSubscriptionResumed,
		EventSubscriptionCancelled,
		EventPaymentCaptured,
		EventPaymentFailed:
		return true
	}
	return false
}

// mapProviderStatus converts provider status strings to the local union.
func mapProviderStatus(status string) model.SubscriptionStatus {
	switch status {
	case "created":
		return model.SubCreated
	case "authenticated":
		return model.SubAuthenticated
	case "active":
		return model.SubActive
	case "pending":
		return model.SubPastDue
	case "halted":
		return model.SubUnpaid
	case "paused":
		return model.SubPaused
	case "resumed":
		return model.SubActive
	case "completed":
		return model.SubCompleted
	case "cancelled":
		return model.SubCancelled
	case "expired":
		return model.SubIncompleteExpired
	}
	return model.SubIncomplete
}
