package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"economy/internal/api"
	"economy/internal/config"
	"economy/internal/repository"
	"economy/internal/worker"
	"economy/pkg/ratelimit"
	"economy/pkg/utils"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "economy",
		Short:         "Action scheduling and market matching service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	scheduler := &cobra.Command{Use: "scheduler", Short: "Scheduler maintenance"}
	scheduler.AddCommand(newRunOnceCmd())

	maker := &cobra.Command{Use: "maker", Short: "Synthetic market maker"}
	maker.AddCommand(newMakerRefreshCmd())

	root.AddCommand(newServeCmd(), newWorkerCmd(), newMigrateCmd(), scheduler, maker)
	return root
}

// withApp загружает конфигурацию, собирает app и закрывает его после fn
func withApp(ctx context.Context, fn func(a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// signalContext отменяется по SIGINT/SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and event stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()
			return withApp(ctx, func(a *app) error { return serve(ctx, a) })
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg

	limiter := ratelimit.NewKeyedLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	router := api.SetupRoutes(&api.Dependencies{
		ActionService:  a.actions,
		MarketService:  a.market,
		Hub:            a.hub,
		RateLimiter:    limiter,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	var wg sync.WaitGroup
	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.hub.Run(bgCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				if n := limiter.Sweep(10 * time.Minute); n > 0 {
					a.log.Debug("idle rate limit buckets dropped",
						utils.Int("dropped", n), utils.Int("active", limiter.Len()))
				}
			}
		}
	}()

	if cfg.Server.RunWorker {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.worker().Run(bgCtx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("starting server", utils.String("addr", server.Addr), utils.Bool("worker", cfg.Server.RunWorker))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	a.log.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	err := server.Shutdown(shutdownCtx)

	cancel()
	wg.Wait()
	a.log.Info("server exited")
	return err
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run scheduler loops, stale-claim reaper and market maker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()
			return withApp(ctx, func(a *app) error {
				err := a.worker().Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
}

func newRunOnceCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Claim and resolve due actions until the due queue is empty",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()
			return withApp(ctx, func(a *app) error {
				cfg := a.cfg.WorkerConfig()
				if batch > 0 {
					cfg.BatchSize = batch
				}
				requeued, dead, err := a.scheduler.RequeueStale(ctx, cfg.ClaimTimeout)
				if err != nil {
					return err
				}
				stats := worker.NewEngine(cfg, a.scheduler, nil).DrainDue(ctx)
				return printJSON(cmd, map[string]interface{}{
					"requeued":      requeued,
					"dead_lettered": dead,
					"iteration":     stats,
				})
			})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "batch size (default from config)")
	return cmd
}

func newMakerRefreshCmd() *cobra.Command {
	var instrument string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Recompute reference prices and requote the synthetic maker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()
			return withApp(ctx, func(a *app) error {
				if instrument != "" {
					res, err := a.market.RefreshInstrument(ctx, instrument)
					if err != nil {
						return err
					}
					return printJSON(cmd, res)
				}
				results, err := a.market.RefreshAll(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, results)
			})
		},
	}
	cmd.Flags().StringVar(&instrument, "instrument", "", "refresh a single instrument")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	var skipSeed bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create tables and seed configured instruments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()
			return withApp(ctx, func(a *app) error {
				if err := repository.EnsureSchema(ctx, a.db); err != nil {
					return fmt.Errorf("ensure schema: %w", err)
				}
				a.log.Info("schema is up to date")
				if skipSeed {
					return nil
				}
				created, err := a.market.Seed(ctx, a.cfg.Seeds)
				if err != nil {
					return fmt.Errorf("seed instruments: %w", err)
				}
				a.log.Info("instruments seeded", utils.Int("created", created), utils.Int("configured", len(a.cfg.Seeds)))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&skipSeed, "skip-seed", false, "only create tables")
	return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
