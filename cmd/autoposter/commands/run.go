package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"autoposter/internal/app"
)

func newRunCmd(cfgPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Plan today's slots and post until every job finished",
		Long: `run plans the day, arms one trigger per slot and executes each job at its
instant. It exits once every job reached a terminal state, or keeps running
when scheduler.replan is set. SIGINT/SIGTERM stop it gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(cfgPath())
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stop(a, app.StopFatal)
				return err
			}
			if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "sd_notify:", err)
			} else if ok {
				fmt.Fprintln(cmd.ErrOrStderr(), "notified systemd: ready")
			}

			reason := app.StopCompleted
			select {
			case <-a.Completed():
			case <-ctx.Done():
				reason = app.StopSignal
			case <-a.Done():
				reason = app.StopFatal
				if ctx.Err() != nil {
					reason = app.StopSignal
				}
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			stop(a, reason)
			if reason == app.StopFatal {
				return a.Err()
			}
			return nil
		},
	}
}

func stop(a *app.App, reason app.StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.Stop(ctx, reason)
}
