package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orientinsight/bookingmail/internal/api"
	bmsync "github.com/orientinsight/bookingmail/internal/sync"
)

// shutdownTimeout bounds draining in-flight imports on exit.
const shutdownTimeout = 60 * time.Second

func newRunCmd(load func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the poller and the admin HTTP server until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// A disabled deployment serves the admin routes only and needs
			// no mailbox or extraction credentials.
			var poller *bmsync.Poller
			if a.cfg.Poller.Enabled {
				if poller, err = a.buildPoller(ctx); err != nil {
					return err
				}
			} else {
				a.log.Info("poller disabled, mail ingestion is off")
			}

			srv := api.NewServer(a.cfg.Metrics.Addr, a.store, a.log)
			serveErr := make(chan error, 1)
			go func() { serveErr <- srv.ListenAndServe() }()

			if poller != nil {
				poller.Start(ctx)
			}

			select {
			case <-ctx.Done():
			case err = <-serveErr:
				if err != nil {
					a.log.Error("admin server failed", zap.Error(err))
				}
			}

			a.log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if poller != nil {
				if stopErr := poller.Stop(shutdownCtx); stopErr != nil {
					a.log.Warn("stopping poller", zap.Error(stopErr))
				}
			}
			if shutErr := srv.Shutdown(shutdownCtx); shutErr != nil {
				a.log.Warn("stopping admin server", zap.Error(shutErr))
			}
			return err
		},
	}
}

func newPollOnceCmd(load func() (*app, error)) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "poll-once",
		Short: "Run a single poll cycle and wait for its imports to finish",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.cfg.Poller.Enabled && !force {
				return errors.New("poller is disabled (poller.enabled=false); pass --force to poll anyway")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			poller, err := a.buildPoller(ctx)
			if err != nil {
				return err
			}

			stats, err := poller.RunOnce(ctx)
			if err != nil {
				return err
			}

			cmd.Printf("candidates=%d disallowed=%d artifacts=%d dispatched=%d retried=%d errors=%d\n",
				stats.Candidates, stats.Disallowed, stats.Artifacts, stats.Dispatched, stats.Retried, stats.Errors)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "poll even when the poller is disabled in config")
	return cmd
}
