package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyforge/chatbot-platform/internal/clock"
	"github.com/replyforge/chatbot-platform/internal/model"
	"github.com/replyforge/chatbot-platform/internal/payment"
	"github.com/replyforge/chatbot-platform/internal/store"
	"github.com/replyforge/chatbot-platform/pkg/logger"
)

const webhookSecret = "whsec_test"

type fakeProvider struct {
	subs       map[string]*payment.ProviderSubscription
	keySecret  string
	cancelled  []string
	customers  int
	createdSub int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{subs: make(map[string]*payment.ProviderSubscription), keySecret: "key_secret"}
}

func (f *fakeProvider) CreateCustomer(ctx context.Context, email, name string) (string, error) {
	f.customers++
	return fmt.Sprintf("cust_%d", f.customers), nil
}

func (f *fakeProvider) CreateSubscription(ctx context.Context, customerID, planID string) (*payment.ProviderSubscription, error) {
	f.createdSub++
	sub := &payment.ProviderSubscription{
		ID:         fmt.Sprintf("sub_new_%d", f.createdSub),
		PlanID:     planID,
		CustomerID: customerID,
		Status:     "created",
	}
	f.subs[sub.ID] = sub
	return sub, nil
}

func (f *fakeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*payment.ProviderSubscription, error) {
	sub, ok := f.subs[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", model.ErrUpstream, subscriptionID)
	}
	return sub, nil
}

func (f *fakeProvider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	f.cancelled = append(f.cancelled, subscriptionID)
	if sub, ok := f.subs[subscriptionID]; ok {
		sub.Status = "cancelled"
	}
	return nil
}

func (f *fakeProvider) VerifyPaymentSignature(subscriptionID, paymentID, signature string) bool {
	return hmac.Equal([]byte(signHMAC([]byte(paymentID+"|"+subscriptionID), f.keySecret)), []byte(signature))
}

func (f *fakeProvider) VerifyWebhookSignature(body []byte, signature string) bool {
	return hmac.Equal([]byte(signHMAC(body, webhookSecret)), []byte(signature))
}

func signHMAC(data []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

type fixture struct {
	rec      *Reconciler
	mem      *store.Memory
	provider *fakeProvider
	clock    *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := logger.New("error")
	require.NoError(t, err)

	mem := store.NewMemory()
	provider := newFakeProvider()
	fc := clock.NewFakeClock(time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC))
	return &fixture{
		rec:      NewReconciler(mem, mem, mem, provider, fc, log),
		mem:      mem,
		provider: provider,
		clock:    fc,
	}
}

func (f *fixture) seedSubscription(t *testing.T) *model.Subscription {
	t.Helper()
	sub := &model.Subscription{
		ID:                     "local-sub-1",
		UserID:                 "user-1",
		PlanID:                 "plan_pro",
		ProviderSubscriptionID: "sub_ABC123",
		Status:                 model.SubAuthenticated,
	}
	require.NoError(t, f.mem.PutSubscription(context.Background(), sub))
	require.NoError(t, f.mem.PutUser(context.Background(), &model.User{
		ID:    "user-1",
		Email: "user@example.com",
		Usage: model.Usage{
			MessagesThisMonth: 420,
			APICallsThisMonth: 99,
			LastResetAt:       time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC),
		},
	}))
	return sub
}

// event builds a signed webhook delivery for the fake provider.
func event(t *testing.T, name string, createdAt time.Time, mutate func(ev *WebhookEvent)) (body []byte, sig string) {
	t.Helper()
	ev := &WebhookEvent{Event: name, CreatedAt: createdAt.Unix()}
	ev.Payload.Subscription.Entity = SubscriptionEntity{
		ID:           "sub_ABC123",
		PlanID:       "plan_pro",
		Status:       "active",
		CurrentStart: createdAt.Unix(),
		CurrentEnd:   createdAt.AddDate(0, 1, 0).Unix(),
	}
	if mutate != nil {
		mutate(ev)
	}
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return body, signHMAC(body, webhookSecret)
}

func TestChargedActivatesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedSubscription(t)

	now := f.clock.Now()
	body, sig := event(t, EventSubscriptionCharged, now, func(ev *WebhookEvent) {
		ev.Payload.Payment.Entity = PaymentEntity{ID: "pay_1", Amount: 2900, Currency: "USD", SubscriptionID: "sub_ABC123"}
	})

	require.NoError(t, f.rec.HandleWebhook(context.Background(), body, sig, "evt_1"))

	sub, err := f.mem.GetSubscriptionByProviderID(context.Background(), "sub_ABC123")
	require.NoError(t, err)
	assert.Equal(t, model.SubActive, sub.Status)
	assert.Equal(t, 0, sub.Billing.FailedPaymentAttempts)
	assert.Equal(t, int64(2900), sub.Billing.LastPaymentAmount)
	require.NotNil(t, sub.Billing.LastPaymentAt)
	assert.Equal(t, now.Unix(), sub.CurrentPeriodStart.Unix())

	// Charge lands in March, last reset was February: counters reset.
	user, err := f.mem.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, user.Usage.MessagesThisMonth)
	assert.Equal(t, 0, user.Usage.APICallsThisMonth)

	// Redelivery of the same event ID changes nothing, even later.
	snapshot := *sub
	f.clock.Advance(time.Minute)
	require.NoError(t, f.rec.HandleWebhook(context.Background(), body, sig, "evt_1"))
	again, err := f.mem.GetSubscriptionByProviderID(context.Background(), "sub_ABC123")
	require.NoError(t, err)
	assert.Equal(t, snapshot.UpdatedAt, again.UpdatedAt)
	assert.Equal(t, snapshot.Status, again.Status)
	assert.Equal(t, snapshot.CurrentPeriodStart, again.CurrentPeriodStart)
	assert.Equal(t, snapshot.CurrentPeriodEnd, again.CurrentPeriodEnd)
	assert.Equal(t, snapshot.Billing.FailedPaymentAttempts, again.Billing.FailedPaymentAttempts)
}

func TestChargedSameMonthDoesNotResetUsage(t *testing.T) {
	f := newFixture(t)
	f.seedSubscription(t)

	user, _ := f.mem.GetUser(context.Background(), "user-1")
	user.Usage.LastResetAt = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	user.Usage.MessagesThisMonth = 77
	require.NoError(t, f.mem.PutUser(context.Background(), user))

	body, sig := event(t, EventSubscriptionCharged, f.clock.Now(), nil)
	require.NoError(t, f.rec.HandleWebhook(context.Background(), body, sig, "evt_same_month"))

	user, err := f.mem.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 77, user.Usage.MessagesThisMonth, "same-month charge must not reset usage")
}

func TestPaymentFailedIncrementsOncePerEvent(t *testing.T) {
	f := newFixture(t)
	f.seedSubscription(t)

	mk := func(id string, at time.Time) ([]byte, string) {
		return event(t, EventPaymentFailed, at, func(ev *WebhookEvent) {
			ev.Payload.Subscription.Entity = SubscriptionEntity{}
			ev.Payload.Payment.Entity = PaymentEntity{ID: id, SubscriptionID: "sub_ABC123", ErrorCode: "BAD_CARD"}
		})
	}

	body, sig := mk("pay_f1", f.clock.Now())
	require.NoError(t, f.rec.HandleWebhook(context.Background(), body, sig, "evt_f1"))
	// Same delivery again: attempt count must not double.
	require.NoError(t, f.rec.HandleWebhook(context.Background(), body, sig, "evt_f1"))

	sub, err := f.mem.GetSubscriptionByProviderID(context.Background(), "sub_ABC123")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Billing.FailedPaymentAttempts)
	assert.Equal(t, model.SubPastDue, sub.Status)

	f.clock.Advance(time.Hour)
	body2, sig2 := mk("pay_f2", f.clock.Now())
	require.NoError(t, f.rec.HandleWebhook(context.Background(), body2, sig2, "evt_f2"))

	sub, err = f.mem.GetSubscriptionByProviderID(context.Background(), "sub_ABC123")
	require.NoError(t, err)
	assert.Equal(t, 2, sub.Billing.FailedPaymentAttempts)
}

func TestInvalidSignatureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	seeded := f.seedSubscription(t)

	body, _ := event(t, EventSubscriptionCharged, f.clock.Now(), nil)

	err := f.rec.HandleWebhook(context.Background(), body, "deadbeef", "evt_bad")
	assert.ErrorIs(t, err, model.ErrUnauthorized)

	sub, getErr := f.mem.GetSubscriptionByProviderID(context.Background(), "sub_ABC123")
	require.NoError(t, getErr)
	assert.Equal(t, seeded.Status, sub.Status)
	assert.Equal(t, seeded.Billing, sub.Billing)
}

func TestMalformedBodyIsValidationError(t *testing.T) {
	f := newFixture(t)

	body := []byte(`{"event":`)
	err := f.rec.HandleWebhook(context.Background(), body, signHMAC(body, webhookSecret), "evt_junk")
	assert.ErrorIs(t, err, model.ErrValidation)

	empty := []byte(`{"payload":{}}`)
	err = f.rec.HandleWebhook(context.Background(), empty, signHMAC(empty, webhookSecret), "evt_noname")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestUnknownEventAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.seedSubscription(t)

	body, sig := event(t, "invoice.generated", f.clock.Now(), nil)
	require.NoError(t, f.rec.HandleWebhook(context.Background(), body, sig, "evt_unknown"))

	sub, err := f.mem.GetSubscriptionByProviderID(context.Background(), "sub_ABC123")
	require.NoError(t, err)
	assert.Equal(t, model.SubAuthenticated, sub.Status)
}

func TestStaleEventDropped(t *testing.T) {
	f := newFixture(t)
	f.seedSubscription(t)

	newer := f.clock.Now()
	older := newer.Add(-2 * time.Hour)

	body, sig := event(t, EventSubscriptionActivated, newer, nil)
	require.NoError(t, f.rec.HandleWebhook(context.Background(), body, sig, "evt_new"))

	body, sig = event(t, EventSubscriptionPaused, older, nil)
	require.NoError(t, f.rec.HandleWebhook(context.Background(), body, sig, "evt_old"))

	sub, err := f.mem.GetSubscriptionByProviderID(context.Background(), "sub_ABC123")
	require.NoError(t, err)
	assert.Equal(t, model.SubActive, sub.Status, "out-of-order pause must not regress an activated subscription")
}

func TestUnknownSubscriptionAcknowledgedButNotMarked(t *testing.T) {
	f := newFixture(t)

	body, sig := event(t, EventSubscriptionActivated, f.clock.Now(), func(ev *WebhookEvent) {
		ev.Payload.Subscription.Entity.ID = "sub_missing"
	})
	require.NoError(t, f.rec.HandleWebhook(context.Background(), body, sig, "evt_orphan"))

	// Once the record exists, redelivery of the same event applies.
	require.NoError(t, f.mem.PutSubscription(context.Background(), &model.Subscription{
		ID:                     "local-2",
		UserID:                 "user-2",
		ProviderSubscriptionID: "sub_missing",
		Status:                 model.SubCreated,
	}))
	require.NoError(t, f.rec.HandleWebhook(context.Background(), body, sig, "evt_orphan"))

	sub, err := f.mem.GetSubscriptionByProviderID(context.Background(), "sub_missing")
	require.NoError(t, err)
	assert.Equal(t, model.SubActive, sub.Status)
}

func TestEventIDFallsBackToBodyDigest(t *testing.T) {
	f := newFixture(t)
	f.seedSubscription(t)

	body, sig := event(t, EventPaymentFailed, f.clock.Now(), func(ev *WebhookEvent) {
		ev.Payload.Subscription.Entity = SubscriptionEntity{}
		ev.Payload.Payment.Entity = PaymentEntity{ID: "pay_x", SubscriptionID: "sub_ABC123"}
	})

	require.NoError(t, f.rec.HandleWebhook(context.Background(), body, sig, ""))
	require.NoError(t, f.rec.HandleWebhook(context.Background(), body, sig, ""))

	sub, err := f.mem.GetSubscriptionByProviderID(context.Background(), "sub_ABC123")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Billing.FailedPaymentAttempts, "identical body without event ID must deduplicate")
}

// gatedEventStore holds the first two dedup lookups at a barrier so two
// deliveries of the same event pass the unlocked check together.
type gatedEventStore struct {
	store.ProcessedEventStore
	entered atomic.Int32
	barrier sync.WaitGroup
}

func newGatedEventStore(inner store.ProcessedEventStore) *gatedEventStore {
	g := &gatedEventStore{ProcessedEventStore: inner}
	g.barrier.Add(2)
	return g
}

func (g *gatedEventStore) SeenEvent(ctx context.Context, eventID string) (bool, error) {
	if g.entered.Add(1) <= 2 {
		g.barrier.Done()
		g.barrier.Wait()
	}
	return g.ProcessedEventStore.SeenEvent(ctx, eventID)
}

func TestConcurrentRedeliveryAppliesOnce(t *testing.T) {
	f := newFixture(t)
	f.seedSubscription(t)

	log, err := logger.New("error")
	require.NoError(t, err)
	gated := newGatedEventStore(f.mem)
	rec := NewReconciler(f.mem, f.mem, gated, f.provider, f.clock, log)

	body, sig := event(t, EventPaymentFailed, f.clock.Now(), func(ev *WebhookEvent) {
		ev.Payload.Subscription.Entity = SubscriptionEntity{}
		ev.Payload.Payment.Entity = PaymentEntity{ID: "pay_race", SubscriptionID: "sub_ABC123"}
	})

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- rec.HandleWebhook(context.Background(), body, sig, "evt_dup")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sub, err := f.mem.GetSubscriptionByProviderID(context.Background(), "sub_ABC123")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Billing.FailedPaymentAttempts, "concurrent redelivery must apply once")
}

func TestPaymentCapturedKeepsFailedAttempts(t *testing.T) {
	f := newFixture(t)
	f.seedSubscription(t)

	fail, sigF := event(t, EventPaymentFailed, f.clock.Now(), func(ev *WebhookEvent) {
		ev.Payload.Subscription.Entity = SubscriptionEntity{}
		ev.Payload.Payment.Entity = PaymentEntity{ID: "pay_bad", SubscriptionID: "sub_ABC123"}
	})
	require.NoError(t, f.rec.HandleWebhook(context.Background(), fail, sigF, "evt_cap_fail"))

	f.clock.Advance(time.Minute)
	capt, sigC := event(t, EventPaymentCaptured, f.clock.Now(), func(ev *WebhookEvent) {
		ev.Payload.Subscription.Entity = SubscriptionEntity{}
		ev.Payload.Payment.Entity = PaymentEntity{ID: "pay_ok", Amount: 2900, Currency: "USD", SubscriptionID: "sub_ABC123"}
	})
	require.NoError(t, f.rec.HandleWebhook(context.Background(), capt, sigC, "evt_cap_ok"))

	sub, err := f.mem.GetSubscriptionByProviderID(context.Background(), "sub_ABC123")
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Billing.FailedPaymentAttempts, "a captured payment records itself but only a renewal charge clears attempts")
	assert.Equal(t, int64(2900), sub.Billing.LastPaymentAmount)
}

func TestConfirmFetchesAuthoritativeState(t *testing.T) {
	f := newFixture(t)
	f.provider.subs["sub_ABC123"] = &payment.ProviderSubscription{
		ID:           "sub_ABC123",
		PlanID:       "plan_pro",
		CustomerID:   "cust_9",
		Status:       "active",
		CurrentStart: f.clock.Now(),
		CurrentEnd:   f.clock.Now().AddDate(0, 1, 0),
	}

	sig := signHMAC([]byte("pay_77|sub_ABC123"), f.provider.keySecret)
	sub, err := f.rec.Confirm(context.Background(), "user-1", &model.ConfirmSubscriptionRequest{
		SubscriptionID: "sub_ABC123",
		PaymentID:      "pay_77",
		Signature:      sig,
	})
	require.NoError(t, err)
	assert.Equal(t, model.SubActive, sub.Status)
	assert.Equal(t, "plan_pro", sub.PlanID)
	assert.Equal(t, "cust_9", sub.ProviderCustomerID)
	assert.Equal(t, "user-1", sub.UserID)

	// The equivalent charged webhook re-applies the same terminal state.
	body, whSig := event(t, EventSubscriptionCharged, f.clock.Now(), nil)
	require.NoError(t, f.rec.HandleWebhook(context.Background(), body, whSig, "evt_after_confirm"))
	again, err := f.mem.GetSubscriptionByProviderID(context.Background(), "sub_ABC123")
	require.NoError(t, err)
	assert.Equal(t, model.SubActive, again.Status)
}

func TestConfirmRejectsBadSignature(t *testing.T) {
	f := newFixture(t)

	_, err := f.rec.Confirm(context.Background(), "user-1", &model.ConfirmSubscriptionRequest{
		SubscriptionID: "sub_ABC123",
		PaymentID:      "pay_77",
		Signature:      "wrong",
	})
	assert.ErrorIs(t, err, model.ErrUnauthorized)

	_, err = f.mem.GetSubscriptionByProviderID(context.Background(), "sub_ABC123")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSubscribeCreatesProviderAndLocalRecords(t *testing.T) {
	f := newFixture(t)
	user := &model.User{ID: "user-1", Email: "user@example.com", Name: "Jane"}

	sub, err := f.rec.Subscribe(context.Background(), user, "plan_starter")
	require.NoError(t, err)
	assert.Equal(t, model.SubCreated, sub.Status)
	assert.Equal(t, "plan_starter", sub.PlanID)
	assert.NotEmpty(t, sub.ProviderSubscriptionID)

	stored, err := f.mem.GetSubscriptionByUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, sub.ProviderSubscriptionID, stored.ProviderSubscriptionID)
}

func TestCancelPropagatesToProvider(t *testing.T) {
	f := newFixture(t)
	f.seedSubscription(t)

	sub, err := f.rec.Cancel(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.SubCancelled, sub.Status)
	assert.Equal(t, []string{"sub_ABC123"}, f.provider.cancelled)

	// Cancelling again is a no-op and does not call the provider twice.
	_, err = f.rec.Cancel(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, f.provider.cancelled, 1)
}
