package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"feedback-calls/internal/ai"
	"feedback-calls/internal/cache"
	"feedback-calls/internal/calls"
	"feedback-calls/internal/config"
	"feedback-calls/internal/eventlog"
	"feedback-calls/internal/jobs"
	"feedback-calls/internal/metrics"
	"feedback-calls/internal/monitor"
	"feedback-calls/internal/orchestrator"
	"feedback-calls/internal/pricing"
	"feedback-calls/internal/reporting"
	"feedback-calls/internal/scheduler"
	"feedback-calls/internal/telephony"
	"feedback-calls/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// app holds the long-lived components main starts, routes and stops.
type app struct {
	cfg          config.Config
	metrics      *metrics.Metrics
	sessions     *calls.PostgresRepo
	events       *eventlog.Service
	providers    *telephony.Failover
	orchestrator *orchestrator.Orchestrator
	scheduler    *scheduler.Scheduler
	runner       *jobs.Runner
	monitor      *monitor.Monitor
	listener     *scheduler.Listener
	reports      *reporting.Service
}

func migrate(ctx context.Context, db *sql.DB) error {
	return utils.ApplySchema(ctx, db, calls.Schema, eventlog.Schema, jobs.Schema, scheduler.SettingsSchema)
}

func buildApp(cfg config.Config, db *sql.DB, rdb *redis.Client, log *slog.Logger) (*app, error) {
	m := metrics.New(prometheus.DefaultRegisterer)

	sessions := calls.NewPostgresRepo(db)
	events := eventlog.NewService(eventlog.NewPostgresRepo(db))
	jobStore := jobs.NewPostgresStore(db)
	settings := scheduler.NewPostgresSettings(db)
	state := cache.NewRedisStateStore(rdb, cfg.Calls.WorkingStateTTL)
	cooldown := cache.NewRedisCooldown(rdb)

	tracker := pricing.NewTracker(pricing.Rates{
		Currency: cfg.Pricing.Currency,
		ProviderPerMinuteMinor: map[string]int64{
			"twilio": cfg.Pricing.TwilioPerMinuteMinor,
			"sip":    cfg.Pricing.SIPPerMinuteMinor,
		},
		AIPerMinuteMinor: cfg.Pricing.AIPerMinuteMinor,
	})

	failover, err := buildProviders(cfg, rdb)
	if err != nil {
		return nil, err
	}

	realtime, err := ai.NewRealtimeClient(ai.RealtimeConfig{
		URL:              cfg.AI.RealtimeURL,
		APIKey:           cfg.AI.APIKey,
		HandshakeTimeout: cfg.AI.HandshakeTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("ai client: %w", err)
	}
	coordinator := ai.NewCoordinator(realtime, state, log.With("component", "ai-coordinator"))

	orch, err := orchestrator.New(orchestrator.Deps{
		Repo:      sessions,
		Events:    events,
		Providers: failover,
		AI:        coordinator,
		Pricing:   tracker,
		Jobs:      jobStore,
		State:     state,
		Metrics:   m,
		Logger:    log.With("component", "orchestrator"),
	}, orchestrator.Config{
		NoAnswerTimeout:          cfg.Calls.NoAnswerTimeout,
		MaxDuration:              cfg.Calls.MaxDuration,
		RecordCalls:              cfg.Calls.RecordCalls,
		DefaultExpectedQuestions: cfg.Calls.DefaultExpectedQuestions,
		SecondsPerQuestion:       cfg.Calls.SecondsPerQuestion,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	retry := scheduler.NewRetryPolicy(jobStore, settings, 0)
	orch.OnTerminal(retry.OnTerminal)
	orch.OnTerminal(coordinator.OnTerminal)

	sched, err := scheduler.New(scheduler.Config{
		Settings:  settings,
		Cooldown:  cooldown,
		Initiator: orch,
		Jobs:      jobStore,
		Metrics:   m,
		Logger:    log.With("component", "scheduler"),
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	runner := jobs.NewRunner(jobStore, jobs.RunnerConfig{
		PollInterval:   cfg.Jobs.PollInterval,
		LockDuration:   cfg.Jobs.LockDuration,
		MaxConcurrency: cfg.Jobs.MaxConcurrency,
		MaxAttempts:    cfg.Jobs.MaxAttempts,
		Logger:         log.With("component", "job-runner"),
		Metrics:        m,
	})
	runner.Register(jobs.KindNoAnswerCheck, orch.HandleNoAnswerJob)
	runner.Register(jobs.KindInitiateCall, sched.HandleInitiateJob)

	mon := monitor.New(sessions, tracker, orch, cooldown, m, monitor.Config{
		Interval:                 cfg.Monitor.Interval,
		MaxDuration:              cfg.Calls.MaxDuration,
		CostBudgetMinor:          cfg.Monitor.CostBudgetMinor,
		WarningRatio:             cfg.Monitor.WarningRatio,
		ErrorRateWindow:          cfg.Monitor.ErrorRateWindow,
		ErrorRateThreshold:       cfg.Monitor.ErrorRateThreshold,
		ProviderFailureThreshold: cfg.Monitor.ProviderFailureThreshold,
		MinSampleSize:            cfg.Monitor.MinSampleSize,
		AlertCooldown:            cfg.Monitor.AlertCooldown,
	},
		monitor.LogNotifier{Logger: log.With("component", "call-monitor")},
		monitor.MetricsNotifier{Metrics: m},
	)

	var listener *scheduler.Listener
	if cfg.Events.VerificationChannel != "" {
		listener = scheduler.NewListener(
			scheduler.NewRedisSource(rdb, cfg.Events.VerificationChannel),
			sched,
			scheduler.ListenerConfig{MaxConcurrency: cfg.Jobs.MaxConcurrency, Logger: log.With("component", "verification-listener")},
		)
	}

	return &app{
		cfg:          cfg,
		metrics:      m,
		sessions:     sessions,
		events:       events,
		providers:    failover,
		orchestrator: orch,
		scheduler:    sched,
		runner:       runner,
		monitor:      mon,
		listener:     listener,
		reports:      reporting.NewService(reporting.NewPostgresRepo(db)),
	}, nil
}

// buildProviders constructs providers in configured failover order.
func buildProviders(cfg config.Config, rdb *redis.Client) (*telephony.Failover, error) {
	providers := make([]telephony.Provider, 0, len(cfg.Telephony.Providers))
	for _, name := range cfg.Telephony.Providers {
		switch name {
		case "twilio":
			p, err := telephony.NewTwilioProvider(telephony.TwilioConfig{
				AccountSID:    cfg.Twilio.AccountSID,
				AuthToken:     cfg.Twilio.AuthToken,
				FromNumber:    cfg.Twilio.FromNumber,
				BaseURL:       cfg.Twilio.BaseURL,
				WebhookURL:    cfg.WebhookURL("/webhooks/telephony/twilio"),
				PublicBaseURL: cfg.App.PublicBaseURL,
			})
			if err != nil {
				return nil, fmt.Errorf("twilio provider: %w", err)
			}
			providers = append(providers, p)
		case "sip":
			p, err := telephony.NewSIPGatewayProvider(telephony.SIPConfig{
				BaseURL:       cfg.SIP.BaseURL,
				APIKey:        cfg.SIP.APIKey,
				WebhookSecret: cfg.SIP.WebhookSecret,
				FromNumber:    cfg.SIP.FromNumber,
				WebhookURL:    cfg.WebhookURL("/webhooks/telephony/sip"),
			})
			if err != nil {
				return nil, fmt.Errorf("sip provider: %w", err)
			}
			providers = append(providers, p)
		default:
			return nil, fmt.Errorf("unknown telephony provider %q", name)
		}
	}

	var limiter telephony.Limiter
	if cfg.Telephony.MaxConcurrentCalls > 0 {
		// Slots outlive the longest call so a crash mid-call cannot leak one forever.
		l, err := telephony.NewRedisLimiter(rdb, cfg.Telephony.MaxConcurrentCalls, 2*cfg.Calls.MaxDuration)
		if err != nil {
			return nil, err
		}
		limiter = l
	}
	return telephony.NewFailover(providers, limiter)
}
