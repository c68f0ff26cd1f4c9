package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/stripe/stripe-go/v82"
	"golang.org/x/sync/errgroup"

	"github.com/wenwu/saas-platform/vps-service/internal/allocator"
	"github.com/wenwu/saas-platform/vps-service/internal/client"
	"github.com/wenwu/saas-platform/vps-service/internal/config"
	"github.com/wenwu/saas-platform/vps-service/internal/db"
	api "github.com/wenwu/saas-platform/vps-service/internal/http"
	"github.com/wenwu/saas-platform/vps-service/internal/logging"
	"github.com/wenwu/saas-platform/vps-service/internal/models"
	"github.com/wenwu/saas-platform/vps-service/internal/queue"
	"github.com/wenwu/saas-platform/vps-service/internal/repository"
	"github.com/wenwu/saas-platform/vps-service/internal/service"
)

const (
	shutdownTimeout  = 30 * time.Second
	dnsRefreshPeriod = 5 * time.Minute
)

var (
	skipMigrate bool
	downSteps   int
)

var rootCmd = &cobra.Command{
	Use:          "vpscore",
	Short:        "VPS fleet core: provisioning, power, snapshots and billing lifecycle on Proxmox VE",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, job workers and billing sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations, or roll back with --down",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if downSteps > 0 {
			return db.MigrateDown(cfg, downSteps)
		}
		return db.Migrate(cfg)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one billing sweep and wait for the queued power jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply migrations on start-up")
	migrateCmd.Flags().IntVar(&downSteps, "down", 0, "roll back this many migrations instead of applying")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("vpscore exited with error")
		os.Exit(1)
	}
}

// loadConfig initializes logging twice: with defaults so config loading can
// log, then with the configured level and format.
func loadConfig() *config.Config {
	logging.Init(logging.Config{Format: "json", Level: "info", Component: "vps-service"})
	cfg := config.Load()
	logging.Init(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level, Component: "vps-service"})
	return cfg
}

// app holds the wired components of a running process.
type app struct {
	cfg        *config.Config
	database   *db.Database
	proxmox    *client.ProxmoxClient
	dispatcher *queue.Dispatcher
	locker     *queue.RedisLocker
	provision  *service.ProvisionService
	billing    *service.BillingService
	sweeper    *service.Sweeper
	server     *api.Server
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	stripe.Key = cfg.Stripe.SecretKey

	if !skipMigrate {
		if err := db.Migrate(cfg); err != nil {
			return nil, err
		}
	}

	database, err := db.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a := &app{cfg: cfg, database: database}

	orderRepo := repository.NewOrderRepository(database.Pool)
	instanceRepo := repository.NewInstanceRepository(database.Pool)
	planRepo := repository.NewPlanRepository(database.Pool)
	subscriptionRepo := repository.NewSubscriptionRepository(database.Pool)
	logRepo := repository.NewLogRepository(database.Pool)
	jobRepo := repository.NewJobRepository(database.Pool)

	clock := clockwork.NewRealClock()
	a.proxmox = client.NewProxmoxClient(client.ProxmoxOptions{
		BaseURL:     cfg.Proxmox.BaseURL,
		TokenID:     cfg.Proxmox.TokenID,
		TokenSecret: cfg.Proxmox.TokenSecret,
		InsecureTLS: cfg.Proxmox.InsecureTLS,
		Timeout:     cfg.Proxmox.Timeout,
	})
	poller := client.NewTaskPoller(a.proxmox, clock, cfg.Proxmox.TaskInterval)

	alloc := allocator.New(
		repository.NewAllocationStore(instanceRepo, planRepo),
		map[models.GuestKind]int{
			models.GuestKindQEMU: cfg.Provision.QEMUVMIDFloor,
			models.GuestKindLXC:  cfg.Provision.LXCVMIDFloor,
		},
		cfg.Provision.Bridge,
	)

	sealer, err := service.NewSealer(cfg.Encryption.Key)
	if err != nil {
		a.close()
		return nil, err
	}

	router := &service.JobRouter{}
	opts := queue.Options{
		Queues:         queueConfigs(cfg.Queue),
		Handler:        router,
		Sink:           router,
		Clock:          clock,
		Store:          jobRepo,
		ResumeInterval: cfg.Queue.ResumeInterval,
		Retention:      cfg.Queue.Retention,
	}
	if cfg.Redis.Addr != "" {
		a.locker, err = queue.NewRedisLocker(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		opts.Locker = a.locker
	}
	a.dispatcher, err = queue.New(opts)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	deps := service.Deps{
		Config:        cfg,
		Orders:        orderRepo,
		Instances:     instanceRepo,
		Plans:         planRepo,
		Subscriptions: subscriptionRepo,
		Logs:          logRepo,
		Hypervisor:    a.proxmox,
		Tasks:         poller,
		Allocator:     alloc,
		Jobs:          a.dispatcher,
		Sealer:        sealer,
		Clock:         clock,
	}
	a.provision = service.NewProvisionService(deps)
	power := service.NewPowerService(deps)
	snapshots := service.NewSnapshotService(deps)
	orders := service.NewOrderService(deps)
	a.billing = service.NewBillingService(deps, a.provision)
	a.sweeper = service.NewSweeper(a.billing, clock, cfg.Billing.SweepInterval)
	if a.locker != nil {
		a.sweeper.WithLease(a.locker)
	}
	router.Bind(a.provision, power, snapshots)

	handler := api.NewHandler(orders, power, snapshots, a.sweeper, logRepo)
	webhook := api.NewWebhookHandler(cfg.Stripe.WebhookSecret, a.billing)
	a.server = api.NewServer(cfg, database, handler, webhook)

	return a, nil
}

func (a *app) close() {
	if a.locker != nil {
		if err := a.locker.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
	if a.database != nil {
		a.database.Close()
	}
}

// resume picks up persisted jobs, then requeues orders that have none.
func (a *app) resume(ctx context.Context) error {
	resumed, err := a.dispatcher.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume persisted jobs: %w", err)
	}
	requeued, inFlight, err := a.provision.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted orders: %w", err)
	}
	log.Info().Int("jobs_resumed", resumed).Int("orders_requeued", requeued).Int("orders_in_flight", inFlight).Msg("Recovery finished")
	return nil
}

func runServe(ctx context.Context) error {
	cfg := loadConfig()
	log.Info().Msg("Starting VPS service")

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	a.dispatcher.Start(ctx)
	if err := a.resume(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.dispatcher.Shutdown(shutdownCtx)
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.proxmox.RefreshDNSLoop(gctx, dnsRefreshPeriod)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		if err := a.dispatcher.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Job workers did not stop in time")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("VPS service stopped")
	return nil
}

func runSweep(ctx context.Context) error {
	cfg := loadConfig()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	a.dispatcher.Start(ctx)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.dispatcher.Shutdown(shutdownCtx)
	}()

	result, err := a.sweeper.RunOnce(ctx)
	if err != nil {
		return err
	}

	drainCtx, cancel := context.WithTimeout(ctx, cfg.Queue.PowerTimeout)
	defer cancel()
	if err := a.dispatcher.Drain(drainCtx); err != nil {
		log.Warn().Err(err).Msg("Power jobs still pending after sweep")
	}

	log.Info().
		Int("suspended", result.Suspended).
		Int("reactivated", result.Reactivated).
		Int("deleted", result.Deleted).
		Int("errors", len(result.Errors)).
		Msg("Sweep finished")
	for _, msg := range result.Errors {
		fmt.Fprintln(os.Stderr, msg)
	}
	return nil
}

func queueConfigs(q config.QueueConfig) []queue.QueueConfig {
	return []queue.QueueConfig{
		{
			Name:        queue.QueueProvision,
			Concurrency: q.ProvisionConcurrency,
			Retry:       queue.RetryPolicy{MaxAttempts: q.ProvisionAttempts, BaseDelay: q.ProvisionBaseDelay, MaxDelay: q.MaxDelay},
			JobTimeout:  q.ProvisionTimeout,
		},
		{
			Name:        queue.QueuePower,
			Concurrency: q.PowerConcurrency,
			Retry:       queue.RetryPolicy{MaxAttempts: q.PowerAttempts, BaseDelay: q.PowerBaseDelay, MaxDelay: q.MaxDelay},
			JobTimeout:  q.PowerTimeout,
		},
		{
			Name:        queue.QueueSnapshot,
			Concurrency: q.SnapshotConcurrency,
			Retry:       queue.RetryPolicy{MaxAttempts: q.SnapshotAttempts, BaseDelay: q.SnapshotBaseDelay, MaxDelay: q.MaxDelay},
			JobTimeout:  q.SnapshotTimeout,
		},
	}
}
