package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/verdant-pos/verdant/cmd/verdant/cli"
	"github.com/verdant-pos/verdant/internal/app"
	"github.com/verdant-pos/verdant/internal/auth"
	"github.com/verdant-pos/verdant/internal/integration"
	"github.com/verdant-pos/verdant/internal/observability"
	"github.com/verdant-pos/verdant/internal/platform/cache"
	"github.com/verdant-pos/verdant/internal/platform/db"
	"github.com/verdant-pos/verdant/internal/printing"
	"github.com/verdant-pos/verdant/internal/rbac"
	"github.com/verdant-pos/verdant/internal/rma"
	"github.com/verdant-pos/verdant/internal/shared"
	"github.com/verdant-pos/verdant/jobs"
	"github.com/verdant-pos/verdant/report"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		if err := runJobs(ctx, cfg, os.Args[2:]); err != nil {
			logger.Error("jobs command", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	if err := serve(ctx, cfg, logger, stop); err != nil {
		logger.Error("serve", slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger, stop context.CancelFunc) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions("api"))
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	tokens := auth.NewTokenManager(cfg.AuthSecret, cfg.AuthTokenTTL, auth.NewRedisRevocations(redisClient))
	authService := auth.NewService(auth.NewRepository(dbpool), tokens)
	authHandler := auth.NewHandler(logger, authService, tokens)

	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	locker := shared.NewLayeredLocker(
		shared.NewLocalLocker(),
		shared.NewRedisLocker(redisClient, cfg.LockTTL),
	)

	rmaRepo := rma.NewRepository(dbpool)
	invoices := rma.NewCachedInvoices(rmaRepo, cache.NewJSONCache(redisClient, "verdant", cfg.InvoiceCacheTTL))

	queueOpts := cfg.QueueOptions()
	jobClient, err := jobs.NewClient(queueOpts)
	if err != nil {
		return fmt.Errorf("init job client: %w", err)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	payments := integration.NewPaymentsClient(cfg.PaymentsURL, cfg.PaymentsAPIKey, cfg.UpstreamTimeout)
	tracking := integration.NewTrackingClient(cfg.TrackingURL, cfg.TrackingAPIKey, cfg.TrackingLicense, cfg.UpstreamTimeout)

	rmaService := rma.NewService(rmaRepo, invoices, locker, auditLogger, idempotencyStore, rma.Integrations{
		Payments: payments,
		Tracking: tracking,
		Printer:  jobClient,
	}, rma.ServiceConfig{
		Location: loc,
		Logger:   logger,
		Observer: metrics,
	})

	renderer, err := printing.NewRenderer(printing.WithFooter(cfg.ReceiptFooter))
	if err != nil {
		return fmt.Errorf("parse receipt templates: %w", err)
	}
	rmaHandler := rma.NewHandler(logger, rmaService, rbac.NewMiddleware(logger), renderer, auditLogger)

	inspector := asynq.NewInspector(queueOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	gotenberg := report.NewClient(cfg.GotenbergURL, report.ReceiptPaper)

	router := app.NewRouter(app.RouterParams{
		Logger:      logger,
		Config:      cfg,
		AuthHandler: authHandler,
		RMAHandler:  rmaHandler,
		JobHandler:  jobHandler,
		Metrics:     metrics,
		Readiness: []app.ReadinessCheck{
			{Name: "postgres", Check: dbpool.Ping},
			{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
			{Name: "gotenberg", Check: gotenberg.Ping},
			{Name: "payments", Check: payments.Ping},
			{Name: "tracking", Check: tracking.Ping},
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("timezone", loc.String()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: verdant jobs <trigger NAME|inspect [QUEUE]|archived [QUEUE]|retry [QUEUE]>")
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.QueueOptions())
	if err != nil {
		return err
	}
	defer func() {
		_ = jobsCLI.Close()
	}()

	arg := func(i int) string {
		if len(args) > i {
			return args[i]
		}
		return ""
	}
	switch args[0] {
	case "trigger":
		info, err := jobsCLI.Trigger(ctx, arg(1))
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s on %s (id %s)\n", info.Type, info.Queue, info.ID)
	case "inspect":
		stats, err := jobsCLI.InspectQueue(ctx, arg(1))
		if err != nil {
			return err
		}
		fmt.Printf("%s: pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	case "archived":
		tasks, err := jobsCLI.ListArchived(ctx, arg(1), 20)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Printf("%s %s %s\n", t.ID, t.Type, t.LastErr)
		}
	case "retry":
		n, err := jobsCLI.RetryArchived(ctx, arg(1))
		if err != nil {
			return err
		}
		fmt.Printf("requeued %d task(s)\n", n)
	default:
		return fmt.Errorf("unknown jobs command %q", args[0])
	}
	return nil
}
