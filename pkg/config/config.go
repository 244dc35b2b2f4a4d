package config

import (
	"errors"
	"os"
	"strings"

	// this will automatically load your .env file:
	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Port string

	Database DatabaseConfig
	AI       AIConfig
	Stripe   StripeConfig
	Clerk    ClerkConfig

	// CronSecret guards POST /api/cron/reset-usage.
	CronSecret string
	// ResetSchedule optionally runs the daily reset in-process (cron spec).
	// Leave empty when an external scheduler calls the cron endpoint.
	ResetSchedule string
}

type DatabaseConfig struct {
	URL            string
	MigrationsPath string
}

// AIConfig selects the generation backend. Gemini takes precedence when both
// keys are configured.
type AIConfig struct {
	OpenAIKey   string
	OpenAIModel string
	GeminiKey   string
	GeminiModel string
}

type StripeConfig struct {
	SecretKey       string
	WebhookSecret   string
	PremiumPriceID  string
	AppURL          string
	PaymentsEnabled bool
}

type ClerkConfig struct {
	SecretKey string
	Issuer    string
	// DisableAuth skips token verification entirely, for local development.
	DisableAuth bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Port: getEnv("PORT", "8080"),
		Database: DatabaseConfig{
			URL:            os.Getenv("DATABASE_URL"),
			MigrationsPath: getEnv("MIGRATIONS_PATH", "./migrations"),
		},
		AI: AIConfig{
			OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
			OpenAIModel: getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			GeminiKey:   os.Getenv("GEMINI_API_KEY"),
			GeminiModel: getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		},
		Stripe: StripeConfig{
			SecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
			PremiumPriceID:  os.Getenv("STRIPE_PREMIUM_PRICE_ID"),
			AppURL:          getEnv("APP_URL", "http://localhost:3000"),
			PaymentsEnabled: getEnvBool("PAYMENTS_ENABLED", true),
		},
		Clerk: ClerkConfig{
			SecretKey:   os.Getenv("CLERK_SECRET_KEY"),
			Issuer:      os.Getenv("CLERK_ISSUER"),
			DisableAuth: getEnvBool("AUTH_DISABLED", false),
		},
		CronSecret:    os.Getenv("CRON_SECRET"),
		ResetSchedule: os.Getenv("RESET_SCHEDULE"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return errors.New("DATABASE_URL must be set")
	}
	if c.AI.GeminiKey == "" && c.AI.OpenAIKey == "" {
		return errors.New("no AI provider configured: set GEMINI_API_KEY or OPENAI_API_KEY")
	}
	if c.Clerk.Issuer == "" && !c.Clerk.DisableAuth {
		return errors.New("CLERK_ISSUER must be set")
	}
	if c.Stripe.PaymentsEnabled {
		if c.Stripe.SecretKey == "" || c.Stripe.WebhookSecret == "" || c.Stripe.PremiumPriceID == "" {
			return errors.New("stripe config incomplete: set STRIPE_SECRET_KEY, STRIPE_WEBHOOK_SECRET and STRIPE_PREMIUM_PRICE_ID, or PAYMENTS_ENABLED=false")
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return strings.EqualFold(v, "true") || v == "1"
}
