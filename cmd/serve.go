package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/podsync/internal/tasks"
)

// Serve runs the background sync scheduler until interrupted.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	a, closer, err := r.bootstrap(cmd.String("config"))
	if err != nil {
		return err
	}
	defer closer()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := tasks.NewScheduler(a.engine, a.config.SyncInterval(), r.logger)
	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
