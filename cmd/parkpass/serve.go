package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hanuri/parkpass/pkg/browser"
	"github.com/hanuri/parkpass/pkg/config"
	"github.com/hanuri/parkpass/pkg/logging"
	"github.com/hanuri/parkpass/pkg/notify"
	"github.com/hanuri/parkpass/pkg/portal"
	"github.com/hanuri/parkpass/pkg/scheduler"
	"github.com/hanuri/parkpass/pkg/store"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the discount scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the YAML config file")
	return cmd
}

func runServe(cfg config.Config) error {
	log, err := logging.NewLogger("main")
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	log.Infof("parkpass %s starting (run %s)", Version, logging.GetRunID())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	creds := portal.Credentials{
		BaseURL:  cfg.Portal.BaseURL,
		LoginURL: cfg.Portal.LoginURL,
		Username: cfg.Portal.Username,
		Password: cfg.Portal.Password,
	}

	var vehicles scheduler.VehicleSource
	if cfg.Store.DBPath != "" {
		registry, err := store.Open(cfg.Store.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open vehicle registry: %w", err)
		}
		defer registry.Close()
		vehicles = registry
	} else {
		log.Warnf("no vehicle registry configured; batch sweep disabled")
	}

	runtime := browser.NewRuntime(browser.Options{
		Headless:    cfg.Browser.Headless,
		MaxSessions: cfg.Browser.MaxSessions,
	})
	if err := runtime.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize browser runtime: %w", err)
	}
	defer runtime.Shutdown()

	sessions := portal.NewSessionStore(runtime, creds, cfg.Browser.StatePath)
	if err := sessions.ValidateOrCreate(ctx); err != nil {
		return fmt.Errorf("failed to establish portal login: %w", err)
	}

	billing := portal.Billing{
		FeePerHalfHour:          cfg.Billing.FeePerHalfHour,
		VisitorTicketMinutes:    cfg.Billing.VisitorTicketMinutes,
		ResidentDiscountMinutes: cfg.Billing.ResidentDiscountMinutes,
		CouponValues:            cfg.Billing.CouponValues,
	}

	runner := scheduler.NewBrowserRunner(
		runtime, sessions, portal.NewApplier(), portal.NewEstimator(billing), creds)
	sched := scheduler.New(runner, vehicles, scheduler.Options{
		SweepAt:      cfg.Scheduler.SweepAt,
		PollInterval: cfg.Scheduler.PollInterval(),
	})
	sched.Subscribe(notify.NewLogSink())

	var httpServer *http.Server
	if cfg.Notify.ListenAddr != "" {
		broadcaster := notify.NewBroadcaster()
		defer broadcaster.Close()
		sched.Subscribe(broadcaster)

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", broadcaster.HandleWebSocket)
		httpServer = &http.Server{Addr: cfg.Notify.ListenAddr, Handler: mux}

		go func() {
			log.Infof("result stream listening on %s", cfg.Notify.ListenAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("result stream server failed: %v", err)
			}
		}()
	}

	log.Infof("scheduler running (sweep at %s)", cfg.Scheduler.SweepAt)
	sched.Run(ctx)

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}

	log.Infof("shutdown complete")
	return nil
}
