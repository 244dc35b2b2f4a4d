package domain

import (
	"time"
)

type SubscriptionTier string

const (
	TierFree    SubscriptionTier = "free"
	TierPremium SubscriptionTier = "premium"
)

// FreeDailyLimit is the number of generations a free user gets per day.
const FreeDailyLimit = 5

// UnlimitedGenerations is the sentinel returned to premium users instead of a
// remaining count.
const UnlimitedGenerations = -1

type User struct {
	ID                 string           `json:"id" db:"id"`
	ClerkUserID        string           `json:"clerk_user_id" db:"clerk_user_id"`
	Email              string           `json:"email" db:"email"`
	SubscriptionTier   SubscriptionTier `json:"subscription_tier" db:"subscription_tier"`
	StripeCustomerID   string           `json:"stripe_customer_id,omitempty" db:"stripe_customer_id"`
	SubscriptionStatus string           `json:"subscription_status,omitempty" db:"subscription_status"`
	CreatedAt          time.Time        `json:"created_at" db:"created_at"`
}

func (u *User) IsPremium() bool {
	return u.SubscriptionTier == TierPremium
}

// Usage is the per-user daily generation counter.
type Usage struct {
	UserID           string    `json:"user_id" db:"user_id"`
	DailyGenerations int       `json:"daily_generations" db:"daily_generations"`
	LastResetDate    time.Time `json:"last_reset_date" db:"last_reset_date"`
}

// GenerationResult holds the three content sequences produced by a backend.
// It is never persisted.
type GenerationResult struct {
	Ideas    []string `json:"ideas"`
	Captions []string `json:"captions"`
	Hashtags []string `json:"hashtags"`
}

// Trend is a row from trend_data, read-only from this service's perspective.
type Trend struct {
	Platform    string    `json:"platform" db:"platform"`
	Title       string    `json:"title" db:"title"`
	Description string    `json:"description" db:"description"`
	DateAdded   time.Time `json:"date_added" db:"date_added"`
}

// Decision is the outcome of the tier policy for a single generation attempt.
type Decision struct {
	Allowed   bool
	Remaining int
}

// CanGenerate maps (tier, daily count) to an allow/deny decision. Premium
// users are always allowed and report UnlimitedGenerations as remaining; free
// users get FreeDailyLimit per day with remaining clamped at zero.
func CanGenerate(tier SubscriptionTier, dailyGenerations int) Decision {
	if tier == TierPremium {
		return Decision{Allowed: true, Remaining: UnlimitedGenerations}
	}
	remaining := FreeDailyLimit - dailyGenerations
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: remaining > 0, Remaining: remaining}
}
