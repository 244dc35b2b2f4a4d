// Package billing creates Stripe checkout sessions and applies subscription
// lifecycle events to user tiers.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	identity "github.com/trendlyhq/trendly-api/internal"
	"github.com/trendlyhq/trendly-api/pkg/domain"
)

// EventKind is the closed set of billing events this service reacts to.
// Anything else is acknowledged and ignored.
type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout.session.completed"
	EventSubscriptionUpdated EventKind = "customer.subscription.updated"
	EventSubscriptionDeleted EventKind = "customer.subscription.deleted"
	EventPaymentSucceeded    EventKind = "invoice.payment_succeeded"
	EventPaymentFailed       EventKind = "invoice.payment_failed"
)

// ErrUnresolvableSubject marks events whose payment customer could not be
// mapped back to exactly one user. Such events are dropped, not retried.
var ErrUnresolvableSubject = errors.New("billing event subject could not be resolved to a single user")

// Store is the slice of user persistence the billing handler mutates. Tier
// flips are keyed by the external auth subject carried in event metadata.
type Store interface {
	SetTier(ctx context.Context, clerkUserID string, tier domain.SubscriptionTier) error
	SetStripeCustomerID(ctx context.Context, clerkUserID, customerID string) error
	SetSubscriptionStatus(ctx context.Context, clerkUserID, status string) error
}

// Directory looks up users at the identity provider.
type Directory interface {
	UsersByEmail(ctx context.Context, email string) ([]identity.User, error)
	UpdatePublicMetadata(ctx context.Context, userID string, metadata map[string]any) error
}

// CustomerResolver turns a payment-provider customer id into a billing email.
type CustomerResolver interface {
	CustomerEmail(ctx context.Context, customerID string) (string, error)
}

type Config struct {
	SecretKey      string
	WebhookSecret  string
	PremiumPriceID string
	AppURL         string
}

type CheckoutSession struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

type Service struct {
	cfg       Config
	api       *client.API
	customers CustomerResolver
	store     Store
	directory Directory
	log       *logrus.Logger
}

func New(cfg Config, store Store, directory Directory, log *logrus.Logger) *Service {
	api := &client.API{}
	api.Init(cfg.SecretKey, nil)
	return &Service{
		cfg:       cfg,
		api:       api,
		customers: &stripeCustomers{api: api},
		store:     store,
		directory: directory,
		log:       log,
	}
}

// CreateCheckoutSession starts a subscription checkout for the premium plan.
// The user id travels in session metadata so the completion webhook can flip
// the tier without an email lookup.
func (s *Service) CreateCheckoutSession(ctx context.Context, user *domain.User) (*CheckoutSession, error) {
	appURL := strings.TrimRight(s.cfg.AppURL, "/")
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		CustomerEmail:      stripe.String(user.Email),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(s.cfg.PremiumPriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:               stripe.String(appURL + "/dashboard?success=true"),
		CancelURL:                stripe.String(appURL + "/dashboard?canceled=true"),
		AllowPromotionCodes:      stripe.Bool(true),
		BillingAddressCollection: stripe.String(string(stripe.CheckoutSessionBillingAddressCollectionRequired)),
	}
	params.Context = ctx
	params.AddMetadata("userId", user.ClerkUserID)

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &CheckoutSession{SessionID: sess.ID, URL: sess.URL}, nil
}

// VerifyWebhook checks the provider signature over the raw payload and
// decodes the event.
func (s *Service) VerifyWebhook(payload []byte, signature string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, signature, s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
}

// HandleEvent applies one billing event. Transitions are idempotent in
// effect; re-delivery of the same event is harmless. The caller acknowledges
// the event to the provider regardless of the returned error.
func (s *Service) HandleEvent(ctx context.Context, event stripe.Event) error {
	log := s.log.WithField("event_type", string(event.Type))

	switch EventKind(event.Type) {
	case EventCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("decode checkout session: %w", err)
		}
		return s.handleCheckoutCompleted(ctx, &sess)

	case EventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.handleSubscriptionUpdated(ctx, &sub)

	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.handleSubscriptionDeleted(ctx, &sub)

	case EventPaymentSucceeded, EventPaymentFailed:
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		log.WithField("invoice_id", invoice.ID).Info("payment event received")
		return nil

	default:
		log.Info("unhandled billing event type")
		return nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, sess *stripe.CheckoutSession) error {
	userID := sess.Metadata["userId"]
	if userID == "" {
		return errors.New("no userId in session metadata")
	}

	if err := s.store.SetTier(ctx, userID, domain.TierPremium); err != nil {
		return fmt.Errorf("upgrade user %s: %w", userID, err)
	}

	customerID := ""
	if sess.Customer != nil {
		customerID = sess.Customer.ID
	}
	if customerID != "" {
		if err := s.store.SetStripeCustomerID(ctx, userID, customerID); err != nil {
			return fmt.Errorf("record customer for user %s: %w", userID, err)
		}
	}

	s.mirrorMetadata(ctx, userID, map[string]any{
		"subscriptionTier": string(domain.TierPremium),
		"stripeCustomerId": customerID,
	})

	s.log.WithField("user_id", userID).Info("user upgraded to premium")
	return nil
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, sub *stripe.Subscription) error {
	userID, err := s.resolveSubscriber(ctx, sub)
	if err != nil {
		return err
	}

	tier := domain.TierFree
	if sub.Status == stripe.SubscriptionStatusActive || sub.Status == stripe.SubscriptionStatusTrialing {
		tier = domain.TierPremium
	}

	if err := s.store.SetTier(ctx, userID, tier); err != nil {
		return fmt.Errorf("set tier for user %s: %w", userID, err)
	}
	if err := s.store.SetSubscriptionStatus(ctx, userID, string(sub.Status)); err != nil {
		return fmt.Errorf("set status for user %s: %w", userID, err)
	}

	s.mirrorMetadata(ctx, userID, map[string]any{
		"subscriptionTier":   string(tier),
		"subscriptionStatus": string(sub.Status),
	})

	s.log.WithFields(logrus.Fields{"user_id": userID, "tier": tier}).Info("subscription updated")
	return nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, sub *stripe.Subscription) error {
	userID, err := s.resolveSubscriber(ctx, sub)
	if err != nil {
		return err
	}

	if err := s.store.SetTier(ctx, userID, domain.TierFree); err != nil {
		return fmt.Errorf("downgrade user %s: %w", userID, err)
	}
	if err := s.store.SetSubscriptionStatus(ctx, userID, ""); err != nil {
		return fmt.Errorf("clear status for user %s: %w", userID, err)
	}

	s.mirrorMetadata(ctx, userID, map[string]any{
		"subscriptionTier":   string(domain.TierFree),
		"subscriptionStatus": "canceled",
	})

	s.log.WithField("user_id", userID).Info("subscription canceled, user downgraded")
	return nil
}

// resolveSubscriber maps a subscription's customer to the owning user via the
// customer's billing email. Zero or multiple matches drop the event.
func (s *Service) resolveSubscriber(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if sub.Customer == nil || sub.Customer.ID == "" {
		return "", errors.New("subscription has no customer id")
	}

	email, err := s.customers.CustomerEmail(ctx, sub.Customer.ID)
	if err != nil {
		return "", fmt.Errorf("resolve customer %s: %w", sub.Customer.ID, err)
	}

	users, err := s.directory.UsersByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("look up users for %s: %w", email, err)
	}
	if len(users) != 1 {
		return "", fmt.Errorf("%w: %d users for customer %s", ErrUnresolvableSubject, len(users), sub.Customer.ID)
	}
	return users[0].ID, nil
}

// mirrorMetadata pushes the tier into the identity provider's public
// metadata. Best effort: a failure here never fails the event.
func (s *Service) mirrorMetadata(ctx context.Context, userID string, metadata map[string]any) {
	if s.directory == nil {
		return
	}
	if err := s.directory.UpdatePublicMetadata(ctx, userID, metadata); err != nil {
		s.log.WithField("user_id", userID).WithError(err).Warn("failed to mirror metadata to identity provider")
	}
}

type stripeCustomers struct {
	api *client.API
}

func (c *stripeCustomers) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	cust, err := c.api.Customers.Get(customerID, params)
	if err != nil {
		return "", err
	}
	if cust.Deleted {
		return "", errors.New("customer deleted")
	}
	if cust.Email == "" {
		return "", errors.New("customer has no email")
	}
	return cust.Email, nil
}
