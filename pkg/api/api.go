// Package api exposes the HTTP boundary: content generation, user info,
// checkout, the billing webhook and the daily usage reset.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79"

	"github.com/trendlyhq/trendly-api/pkg/domain"
	"github.com/trendlyhq/trendly-api/pkg/repository/userstore"
	"github.com/trendlyhq/trendly-api/pkg/service/billing"
	"github.com/trendlyhq/trendly-api/pkg/service/generator"
)

const (
	maxTopicLength    = 80
	maxWebhookBody    = int64(65536)
	dateLayout        = "2006-01-02"
	quotaErrorMessage = "You have reached your daily generation limit. Upgrade to Premium for unlimited generations."
)

// Store is the persistence surface the handlers depend on. *userstore.UserStore
// implements it; tests substitute fakes.
type Store interface {
	GetUserByClerkID(ctx context.Context, clerkUserID string) (*domain.User, error)
	CreateUser(ctx context.Context, clerkUserID, email string) (*domain.User, error)
	GetUsage(ctx context.Context, userID string) (*domain.Usage, error)
	ConsumeGeneration(ctx context.Context, userID string, limit int) (int, bool, error)
	ReleaseGeneration(ctx context.Context, userID string) error
	IncrementGenerations(ctx context.Context, userID string) error
	ResetAllUsage(ctx context.Context, today time.Time) error
	RecentTrends(ctx context.Context, limit int) ([]domain.Trend, error)
}

// Billing is the payments surface the handlers depend on.
type Billing interface {
	CreateCheckoutSession(ctx context.Context, user *domain.User) (*billing.CheckoutSession, error)
	VerifyWebhook(payload []byte, signature string) (stripe.Event, error)
	HandleEvent(ctx context.Context, event stripe.Event) error
}

// Options carries the handler-level configuration knobs.
type Options struct {
	PaymentsEnabled bool
	CronSecret      string
	AuthDisabled    bool
}

type Handler struct {
	store     Store
	generator generator.Service
	billing   Billing
	verifier  *Verifier
	opts      Options
	log       *logrus.Logger
}

func NewHandler(store Store, gen generator.Service, bill Billing, verifier *Verifier, opts Options, log *logrus.Logger) *Handler {
	return &Handler{
		store:     store,
		generator: gen,
		billing:   bill,
		verifier:  verifier,
		opts:      opts,
		log:       log,
	}
}

func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         3600,
	}))

	r.Get("/health", h.HandleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/billing", h.HandleBillingWebhook)
		r.Post("/cron/reset-usage", h.HandleResetUsage)

		r.Group(func(r chi.Router) {
			r.Use(Auth(h.verifier, h.opts.AuthDisabled))
			r.Get("/user", h.HandleGetUser)
			r.Post("/generate", h.HandleGenerate)
			r.Post("/create-checkout-session", h.HandleCreateCheckoutSession)
		})
	})

	return r
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type generateRequest struct {
	Topic         string   `json:"topic"`
	Types         []string `json:"types"`
	TrendsEnabled bool     `json:"trends_enabled"`
}

type generateResponse struct {
	Ideas                []string `json:"ideas"`
	Captions             []string `json:"captions"`
	Hashtags             []string `json:"hashtags"`
	RemainingGenerations int      `json:"remainingGenerations"`
}

func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Topic == "" || utf8.RuneCountInString(req.Topic) > maxTopicLength {
		respondWithError(w, http.StatusBadRequest, "Invalid topic. Must be a string with max 80 characters.")
		return
	}
	if len(req.Types) == 0 || !validTypes(req.Types) {
		respondWithError(w, http.StatusBadRequest, "Invalid types. Must contain only: ideas, captions, hashtags")
		return
	}

	user, err := h.currentUser(r.Context(), claims)
	if err != nil {
		h.log.WithError(err).Error("failed to load user")
		respondWithError(w, http.StatusInternalServerError, "Failed to load user")
		return
	}

	// Free users take a quota slot atomically before the provider is called,
	// so concurrent requests cannot overrun the daily limit.
	remaining := domain.UnlimitedGenerations
	consumed := false
	if !user.IsPremium() {
		used, ok, err := h.store.ConsumeGeneration(r.Context(), user.ID, domain.FreeDailyLimit)
		if err != nil {
			h.log.WithField("user_id", user.ID).WithError(err).Error("quota check failed")
			respondWithError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if !ok {
			respondWithJSON(w, http.StatusForbidden, map[string]any{
				"error":                "Generation limit reached",
				"message":              quotaErrorMessage,
				"remainingGenerations": 0,
			})
			return
		}
		consumed = true
		remaining = domain.FreeDailyLimit - used
	}

	var trends []domain.Trend
	if req.TrendsEnabled {
		trends, err = h.store.RecentTrends(r.Context(), generator.MaxTrendContext)
		if err != nil {
			// Trend context is best effort, generate without it.
			h.log.WithError(err).Warn("failed to load trend data")
			trends = nil
		}
	}

	result, err := h.generator.Generate(r.Context(), generator.Request{
		Topic:         req.Topic,
		Types:         req.Types,
		TrendsEnabled: req.TrendsEnabled,
		Trends:        trends,
	})
	if err != nil {
		h.log.WithField("user_id", user.ID).WithError(err).Error("content generation failed")
		if consumed {
			if relErr := h.store.ReleaseGeneration(r.Context(), user.ID); relErr != nil {
				h.log.WithField("user_id", user.ID).WithError(relErr).Error("failed to release quota slot")
			}
		}
		respondWithError(w, http.StatusInternalServerError, "Failed to generate content")
		return
	}

	if user.IsPremium() {
		// Bookkeeping only, the response does not depend on it.
		if err := h.store.IncrementGenerations(r.Context(), user.ID); err != nil {
			h.log.WithField("user_id", user.ID).WithError(err).Error("failed to increment usage count")
		}
	} else {
		result = generator.Watermark(result)
	}

	respondWithJSON(w, http.StatusOK, generateResponse{
		Ideas:                result.Ideas,
		Captions:             result.Captions,
		Hashtags:             result.Hashtags,
		RemainingGenerations: remaining,
	})
}

func (h *Handler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	user, err := h.currentUser(r.Context(), claims)
	if err != nil {
		h.log.WithError(err).Error("failed to load user")
		respondWithError(w, http.StatusInternalServerError, "Failed to load user")
		return
	}

	usage, err := h.store.GetUsage(r.Context(), user.ID)
	if err != nil {
		if !errors.Is(err, userstore.ErrUsageNotFound) {
			h.log.WithField("user_id", user.ID).WithError(err).Error("failed to load usage")
			respondWithError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		usage = &domain.Usage{UserID: user.ID, LastResetDate: time.Now().UTC()}
	}

	decision := domain.CanGenerate(user.SubscriptionTier, usage.DailyGenerations)

	respondWithJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{
			"id":                user.ID,
			"email":             user.Email,
			"subscription_tier": user.SubscriptionTier,
			"created_at":        user.CreatedAt,
		},
		"usage": map[string]any{
			"daily_generations":     usage.DailyGenerations,
			"remaining_generations": decision.Remaining,
			"can_generate":          decision.Allowed,
			"last_reset_date":       usage.LastResetDate.Format(dateLayout),
		},
	})
}

func (h *Handler) HandleCreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if !h.opts.PaymentsEnabled || h.billing == nil {
		respondWithError(w, http.StatusInternalServerError, "Billing not configured")
		return
	}

	user, err := h.currentUser(r.Context(), claims)
	if err != nil {
		h.log.WithError(err).Error("failed to load user")
		respondWithError(w, http.StatusInternalServerError, "Failed to load user")
		return
	}

	if user.IsPremium() {
		respondWithError(w, http.StatusBadRequest, "User already has premium subscription")
		return
	}

	sess, err := h.billing.CreateCheckoutSession(r.Context(), user)
	if err != nil {
		h.log.WithField("user_id", user.ID).WithError(err).Error("failed to create checkout session")
		respondWithError(w, http.StatusInternalServerError, "Failed to create checkout session")
		return
	}

	respondWithJSON(w, http.StatusOK, sess)
}

func (h *Handler) HandleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.opts.PaymentsEnabled || h.billing == nil {
		respondWithJSON(w, http.StatusOK, map[string]any{"received": true, "message": "Payments disabled"})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		respondWithError(w, http.StatusBadRequest, "No signature found")
		return
	}

	event, err := h.billing.VerifyWebhook(payload, signature)
	if err != nil {
		h.log.WithError(err).Warn("webhook signature verification failed")
		respondWithError(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	// Events are acknowledged even when handling fails: the provider delivers
	// at least once and a retry would hit the same condition.
	if err := h.billing.HandleEvent(r.Context(), event); err != nil {
		h.log.WithField("event_type", string(event.Type)).WithError(err).Error("billing event dropped")
	}

	respondWithJSON(w, http.StatusOK, map[string]any{"received": true})
}

func (h *Handler) HandleResetUsage(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeCron(r) {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	now := time.Now().UTC()
	if err := h.store.ResetAllUsage(r.Context(), now); err != nil {
		h.log.WithError(err).Error("daily usage reset failed")
		respondWithError(w, http.StatusInternalServerError, "Failed to reset daily generations")
		return
	}

	h.log.Info("daily usage reset completed")
	respondWithJSON(w, http.StatusOK, map[string]string{
		"message":   "Daily usage reset completed successfully",
		"timestamp": now.Format(time.RFC3339),
	})
}

func (h *Handler) authorizeCron(r *http.Request) bool {
	if h.opts.CronSecret == "" {
		return false
	}
	expected := "Bearer " + h.opts.CronSecret
	header := r.Header.Get("Authorization")
	return subtle.ConstantTimeCompare([]byte(header), []byte(expected)) == 1
}

// currentUser loads the caller's user row, creating it on first contact.
func (h *Handler) currentUser(ctx context.Context, claims *Claims) (*domain.User, error) {
	user, err := h.store.GetUserByClerkID(ctx, claims.Subject)
	if errors.Is(err, userstore.ErrUserNotFound) {
		return h.store.CreateUser(ctx, claims.Subject, claims.Email)
	}
	return user, err
}

func validTypes(types []string) bool {
	for _, t := range types {
		found := false
		for _, valid := range generator.ValidContentTypes {
			if t == valid {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, `{"error":"Internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
