package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/societyledger/societyledger/cmd/societyledger/cli"
	accountinghttp "github.com/societyledger/societyledger/internal/accounting/http"
	"github.com/societyledger/societyledger/internal/app"
	audithttp "github.com/societyledger/societyledger/internal/audit/http"
	billinghttp "github.com/societyledger/societyledger/internal/billing/http"
	closehttp "github.com/societyledger/societyledger/internal/close/http"
	jobmetrics "github.com/societyledger/societyledger/internal/jobs"
	"github.com/societyledger/societyledger/internal/observability"
	"github.com/societyledger/societyledger/internal/platform/cache"
	"github.com/societyledger/societyledger/internal/platform/db"
	"github.com/societyledger/societyledger/internal/rbac"
	"github.com/societyledger/societyledger/internal/shared"
	"github.com/societyledger/societyledger/jobs"
)

const usage = `usage: societyledger [command]

commands:
  serve                         run the HTTP API (default)
  migrate                       apply pending schema migrations
  integrity [-society N] [-json] check ledger invariants now
  jobs trigger <task> [-society N]
  jobs stats
`

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

	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "migrate":
		err = db.Migrate(cfg.PGDSN)
		if err == nil {
			logger.Info("migrations applied")
		}
	case "integrity":
		os.Exit(integrity(ctx, cfg, logger, args))
	case "jobs":
		err = jobsCommand(ctx, cfg, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error(command, slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.PGDSN); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	services := app.NewServices(app.ServiceDeps{
		Pool:     pool,
		Logger:   logger,
		Locker:   shared.NewLocker(redisClient, cfg.PostingLockTTL),
		PostHook: jobClient,
	})

	metrics := observability.NewMetrics()
	jobmetrics.NewMetrics(metrics.Registerer())
	rbacMiddleware := rbac.Middleware{Logger: logger}

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		Metrics:           metrics,
		BillingHandler:    billinghttp.NewHandler(logger, services.Billing, rbacMiddleware),
		AccountingHandler: accountinghttp.NewHandler(logger, services.Ledger, services.Reports, rbacMiddleware),
		CloseHandler:      closehttp.NewHandler(logger, services.Years, rbacMiddleware),
		AuditHandler:      audithttp.NewHandler(logger, services.AuditLog, rbacMiddleware),
		JobHandler:        jobs.NewHandler(inspector, logger),
		Readiness: map[string]app.Pinger{
			"postgres": pool,
			"redis":    app.PingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }),
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func integrity(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("integrity", flag.ContinueOnError)
	society := fs.Int64("society", 0, "society id; zero checks every society")
	asJSON := fs.Bool("json", false, "print findings as JSON")
	if err := fs.Parse(args); err != nil {
		return cli.ExitFailed
	}
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return cli.ExitFailed
	}
	defer pool.Close()

	services := app.NewServices(app.ServiceDeps{Pool: pool, Logger: logger})
	job := jobs.NewLedgerIntegrityJob(services.LedgerRepo, logger, nil, cfg.IntegrityPoolSize)
	return cli.IntegrityCommand(ctx, job, cli.IntegrityOptions{SocietyID: *society, JSONOutput: *asJSON})
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	c := cli.NewJobsCLI(cfg.RedisAddr)
	defer c.Close()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			return errors.New("jobs trigger: task name required")
		}
		fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
		society := fs.Int64("society", 0, "society id for the integrity sweep")
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		info, err := c.Trigger(ctx, args[1], *society)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return nil
	case "stats":
		stats, err := c.InspectQueues(ctx)
		if err != nil {
			return err
		}
		for _, s := range stats {
			fmt.Printf("%s pending=%d active=%d scheduled=%d retry=%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry)
		}
		return nil
	default:
		return fmt.Errorf("jobs: unknown subcommand %s", args[0])
	}
}
