package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/paperbill/billscan/internal/config"
	"github.com/paperbill/billscan/internal/extract"
	"github.com/paperbill/billscan/internal/gmail"
	"github.com/paperbill/billscan/internal/google"
	"github.com/paperbill/billscan/internal/instrumentation"
	"github.com/paperbill/billscan/internal/logging"
	"github.com/paperbill/billscan/internal/notify"
	"github.com/paperbill/billscan/internal/pipeline"
	"github.com/paperbill/billscan/internal/store"
)

// app wires the application dependencies from the resolved configuration.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	provider  *instrumentation.Provider
	metrics   *instrumentation.Metrics
	tokens    *store.TokenStore
	bills     *store.BillStore
	runner    *pipeline.Runner
	oauthConf *oauth2.Config
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New(cfg.Logging.Level)

	provider, err := instrumentation.NewProvider(ctx, instrumentation.Config{
		ServiceName:    "billscan",
		ServiceVersion: version,
		TraceExporter:  cfg.Tracing.Exporter,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing instrumentation: %w", err)
	}

	metrics, err := instrumentation.NewMetrics(provider.Meter())
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	oauthConf := google.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
	tokens := store.NewTokenStore(db, &store.OAuthRefresher{Config: oauthConf}, logger,
		store.WithRefreshBuffer(cfg.Google.RefreshBuffer))
	bills := store.NewBillStore(db, logger,
		store.WithMaxBillsPerUser(cfg.Storage.MaxBillsPerUser))

	model, err := extract.NewGoogleAIModel(ctx, cfg.AI.APIKey, cfg.AI.Model)
	if err != nil {
		return nil, fmt.Errorf("initializing AI model: %w", err)
	}
	extractor := extract.New(model, logger,
		extract.WithMinConfidence(cfg.AI.MinConfidence),
		extract.WithRetryDelay(cfg.AI.RetryDelay),
		extract.WithConcurrency(cfg.Scan.FetchConcurrency),
		extract.WithMetrics(metrics))

	notifier := notify.NewWebhookNotifier(cfg.Notify.WebhookURL, logger)

	mailFactory := func(ctx context.Context, accessToken string) (pipeline.Mail, error) {
		return gmail.NewClient(ctx, accessToken, logger)
	}

	runner := pipeline.NewRunner(tokens, bills, mailFactory, extractor, notifier, pipeline.Config{
		BillSender:       cfg.Scan.BillSender,
		DaysBack:         cfg.Scan.DaysBack,
		MaxMessages:      cfg.Scan.MaxMessages,
		FetchConcurrency: cfg.Scan.FetchConcurrency,
		RunTimeout:       cfg.Scan.RunTimeout,
	}, logger, metrics)

	return &app{
		cfg:       cfg,
		logger:    logger,
		provider:  provider,
		metrics:   metrics,
		tokens:    tokens,
		bills:     bills,
		runner:    runner,
		oauthConf: oauthConf,
	}, nil
}

func (a *app) shutdown(ctx context.Context) {
	if err := a.provider.Shutdown(ctx); err != nil {
		a.logger.Warn("instrumentation shutdown failed", logging.Err(err))
	}
}
