package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fredericksapp/banksync/internal/artifact"
	"github.com/fredericksapp/banksync/internal/config"
	"github.com/fredericksapp/banksync/internal/logger"
	"github.com/fredericksapp/banksync/internal/notify"
	"github.com/fredericksapp/banksync/internal/otp"
	"github.com/fredericksapp/banksync/internal/runner"
	"github.com/fredericksapp/banksync/internal/site"
	"github.com/fredericksapp/banksync/internal/ynab"
)

func main() {
	headless := flag.Bool("headless", true, "run the browser headless")
	flag.Parse()

	log := logger.New()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	creds, err := config.LoadCredentials(cfg.CredentialsFile, cfg.Institutions)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load credentials")
	}

	// Cancel in-flight runs on SIGINT/SIGTERM so browser sessions are
	// released instead of orphaned.
	ctx, cancel := context.WithCancel(logger.WithContext(context.Background(), log))
	defer cancel()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
	}()

	codes := &otp.Retriever{Timeout: cfg.OTPTimeout}
	if cfg.GmailKeyFile != "" {
		key, err := os.ReadFile(cfg.GmailKeyFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read Gmail service account key")
		}
		gmail, err := otp.NewGmailSource(ctx, key, cfg.GmailUser)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Gmail source")
		}
		codes.Email = gmail
	}
	if cfg.SMSRelayURL != "" {
		codes.SMS = &otp.SMSSource{BaseURL: cfg.SMSRelayURL, APIKey: cfg.SMSRelayKey}
	}

	r := &runner.Runner{
		Sessions:    &site.Driver{Headless: *headless},
		Codes:       codes,
		HTTP:        &http.Client{Timeout: 2 * time.Minute},
		Ledger:      ynab.NewClient(cfg.YNABToken),
		Credentials: creds,
		BudgetID:    cfg.YNABBudgetID,
		Namespace:   cfg.Namespace,
		TZ:          cfg.Timezone,
		OTPTimeout:  cfg.OTPTimeout,
		Window:      cfg.Window,
		Horizon:     cfg.Horizon,
	}
	if cfg.TracesBucket != "" {
		r.Artifacts = artifact.NewGCSStore(cfg.TracesBucket)
	}
	if cfg.PushoverToken != "" {
		r.Notifier = &notify.Pushover{Token: cfg.PushoverToken, User: cfg.PushoverUser}
	}

	if err := r.RunAll(ctx, cfg.Institutions); err != nil {
		log.Error().Err(err).Msg("One or more institution runs failed")
		os.Exit(1)
	}
	log.Info().Msg("All institution runs completed")
}
