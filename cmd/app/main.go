// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"payman-billing/internal/config"
	"payman-billing/internal/domain/ports/adapter"
	payAdapters "payman-billing/internal/infra/adapters/payment"
	tele "payman-billing/internal/infra/adapters/telegram"
	"payman-billing/internal/infra/api"
	pg "payman-billing/internal/infra/db/postgres"
	"payman-billing/internal/infra/logging"
	"payman-billing/internal/infra/metrics"
	red "payman-billing/internal/infra/redis"
	"payman-billing/internal/infra/resilience"
	"payman-billing/internal/infra/sched"
	"payman-billing/internal/infra/security"
	"payman-billing/internal/infra/worker"
	"payman-billing/internal/usecase"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, noop gateway allowed)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("developer mode enabled")
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	// ---- Postgres ----
	pool, err := pg.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()
	go pg.ReportPoolStats(ctx, pool, 15*time.Second)

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer redisClient.Close()
	limiter := red.NewRateLimiter(redisClient)
	locker := red.NewLocker(redisClient)

	// ---- Encryption ----
	cipher, err := security.NewSignatureCipher(cfg.Security.EncryptionKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("signature cipher")
	}

	// ---- Repositories ----
	methodRepo := pg.NewPaymentMethodRepo(pool, cipher)
	subRepo := pg.NewSubscriptionRepo(pool)
	payRepo := pg.NewPaymentRepo(pool)
	eventRepo := pg.NewBillingEventRepo(pool)
	webhookRepo := pg.NewWebhookEventRepo(pool)
	tm := pg.NewTxManager(pool)

	// ---- Alerts ----
	workers := worker.NewPool(cfg.Scheduler.Workers, logger)
	workers.Start(ctx)
	var notifier adapter.AlertNotifier = tele.NewNoopNotifier(logger)
	if cfg.Alerts.TelegramToken != "" {
		tn, err := tele.NewAlertNotifier(cfg.Alerts, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("telegram alerts")
		}
		notifier = tn
	} else {
		logger.Warn().Msg("alerts.telegram_token not set; critical events are only logged")
	}
	events := usecase.NewEventRecorder(eventRepo, notifier, workers, logger)

	// ---- Resilience ----
	breakers := resilience.NewRegistry(nil, func(service string, from, to resilience.BreakerState) {
		metrics.SetBreakerState(service, string(to))
		logger.Warn().Str("service", service).Str("from", string(from)).Str("to", string(to)).Msg("circuit breaker state changed")
	})
	recoverer, err := resilience.NewRecoverer(recoveryHandlers(pool, breakers, events, logger), 5*time.Second, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("recoverer")
	}
	client := resilience.NewClient(&http.Client{}, breakers, logger, resilience.WithRecoverer(recoverer))

	// ---- ZarinPal ----
	var (
		payman  adapter.PaymanGateway
		gateway adapter.PaymentGateway
	)
	if cfg.Payment.Noop {
		noop := payAdapters.NewNoopGateway()
		payman, gateway = noop, noop
		logger.Warn().Msg("payment.noop enabled; ZarinPal is simulated in memory")
	} else {
		r := cfg.Resilience
		zp, err := payAdapters.NewZarinPalGateway(client, payAdapters.Options{
			MerchantID:  cfg.Payment.ZarinPal.MerchantID,
			CallbackURL: cfg.Payment.ZarinPal.CallbackURL,
			Sandbox:     cfg.Payment.ZarinPal.Sandbox,
			AccessToken: cfg.Payment.ZarinPal.AccessToken,
			Timeout:     r.Timeout,
			MaxRetries:  r.MaxRetries,
			BaseBackoff: r.BaseBackoff,
			MaxBackoff:  r.MaxBackoff,
			Breaker:     resilience.BreakerSettings{FailureThreshold: r.FailureThreshold, RecoveryTimeout: r.RecoveryTimeout},
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("zarinpal gateway")
		}
		payman, gateway = zp, zp
	}
	payman = payAdapters.NewCachedGateway(payman, redisClient, cfg.Payment.ZarinPal.BankListTTL, logger)

	// ---- Use cases ----
	contractUC := usecase.NewContractUseCase(methodRepo, payman, events, tm, usecase.ContractOptions{
		CallbackURL: cfg.Payment.ZarinPal.CallbackURL,
	}, logger)
	billingUC := usecase.NewBillingUseCase(subRepo, payRepo, methodRepo, payman, gateway, events, tm, usecase.BillingOptions{
		MaxRetries:     cfg.Billing.MaxRetries,
		RetryBaseDelay: cfg.Billing.RetryBaseDelay,
		RetryMaxDelay:  cfg.Billing.RetryMaxDelay,
		AttemptLease:   cfg.Billing.AttemptLease,
		CallbackURL:    cfg.Payment.ZarinPal.PaymentReturn,
		Workers:        cfg.Scheduler.Workers,
	}, logger)

	// ---- HTTP ----
	srv := api.NewServer(api.Deps{
		Contracts: contractUC,
		Billing:   billingUC,
		Webhooks:  webhookRepo,
		Limiter:   limiter,
		Breakers:  breakers,
		Sessions:  api.NewSessions(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer),
	}, api.Options{
		InternalAPIKey:    cfg.Auth.InternalAPIKey,
		WebhookSecret:     cfg.Payment.ZarinPal.WebhookSecret,
		ContractRate:      cfg.Billing.ContractRequestRate,
		ContractWindow:    cfg.Billing.ContractRateWindow,
		RequestTimeout:    cfg.HTTP.RequestTimeout,
		ResultRedirectURL: cfg.HTTP.ResultRedirectURL,
		ResultLang:        cfg.HTTP.ResultLang,
	}, logger)
	httpServer := api.NewHTTPServer(cfg.HTTP.Addr, srv.Router())
	go func() {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
			cancel()
		}
	}()

	// ---- Background jobs ----
	s := cfg.Scheduler
	scheduler := sched.NewScheduler(logger,
		sched.NewContractReconciler(contractUC, s.ReconcileInterval, s.PendingOlderThan, s.BatchSize, locker, logger),
		sched.NewPaymentRetryWorker(billingUC, s.RetryInterval, s.BatchSize, locker, logger),
		sched.NewBillingCycleWorker(billingUC, s.BillingInterval, s.BatchSize, locker, logger),
	)
	scheduler.Start(ctx)

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		logger.Info().Str("signal", sig.String()).Msg("shutdown requested")
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	scheduler.Stop()
	cancel()
	workers.Stop()
	logger.Info().Msg("bye")
}

func componentLogger(logger *zerolog.Logger, name string) *zerolog.Logger {
	l := logger.With().Str("component", name).Logger()
	return &l
}
