package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	identity "github.com/trendlyhq/trendly-api/internal"
	"github.com/trendlyhq/trendly-api/pkg/api"
	"github.com/trendlyhq/trendly-api/pkg/config"
	"github.com/trendlyhq/trendly-api/pkg/repository/userstore"
	"github.com/trendlyhq/trendly-api/pkg/service/billing"
	"github.com/trendlyhq/trendly-api/pkg/service/generator"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	store, err := userstore.New(userstore.Config{
		DatabaseURL:    cfg.Database.URL,
		MigrationsPath: cfg.Database.MigrationsPath,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	// Gemini takes precedence when both providers are configured.
	var backend generator.Backend
	if cfg.AI.GeminiKey != "" {
		backend = generator.NewGeminiBackend(cfg.AI.GeminiKey, cfg.AI.GeminiModel)
	} else {
		backend = generator.NewOpenAIBackend(cfg.AI.OpenAIKey, cfg.AI.OpenAIModel)
	}
	log.WithField("backend", backend.Name()).Info("generation backend selected")

	gen := generator.New(backend, log)

	var bill api.Billing
	if cfg.Stripe.PaymentsEnabled {
		directory := identity.NewClient(cfg.Clerk.SecretKey)
		bill = billing.New(billing.Config{
			SecretKey:      cfg.Stripe.SecretKey,
			WebhookSecret:  cfg.Stripe.WebhookSecret,
			PremiumPriceID: cfg.Stripe.PremiumPriceID,
			AppURL:         cfg.Stripe.AppURL,
		}, store, directory, log)
	} else {
		log.Warn("payments disabled, billing endpoints inert")
	}

	var verifier *api.Verifier
	if !cfg.Clerk.DisableAuth {
		verifier, err = api.NewVerifier(cfg.Clerk.Issuer, "")
		if err != nil {
			log.Fatal(err)
		}
	} else {
		log.Warn("auth disabled, requests run as a local development user")
	}

	handler := api.NewHandler(store, gen, bill, verifier, api.Options{
		PaymentsEnabled: cfg.Stripe.PaymentsEnabled,
		CronSecret:      cfg.CronSecret,
		AuthDisabled:    cfg.Clerk.DisableAuth,
	}, log)

	// The daily reset normally arrives via POST /api/cron/reset-usage from an
	// external scheduler. RESET_SCHEDULE runs it in-process instead.
	if cfg.ResetSchedule != "" {
		scheduler := cron.New()
		_, err := scheduler.AddFunc(cfg.ResetSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := store.ResetAllUsage(ctx, time.Now().UTC()); err != nil {
				log.WithError(err).Error("scheduled usage reset failed")
				return
			}
			log.Info("scheduled usage reset completed")
		})
		if err != nil {
			log.Fatalf("invalid RESET_SCHEDULE: %v", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	addr := fmt.Sprintf(":%s", cfg.Port)
	log.WithField("port", cfg.Port).Info("server starting")
	if err := http.ListenAndServe(addr, handler.Router()); err != nil {
		log.Fatal(err)
	}
}
