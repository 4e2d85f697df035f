package main

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/nconklindev/linkrefresh/internal/refresher"
	"github.com/nconklindev/linkrefresh/internal/types"
)

var ErrFilesFailed = errors.Base("some workbooks could not be refreshed")

func newRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run [root]",
		Short: "Refresh without the interactive form, printing the log to stdout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := cmd.Flags().Set("root", args[0]); err != nil {
					return err
				}
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			s, err := opts.session(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.closer.Close()

			result, err := runHeadless(s.ctx, s.worker, s.run, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if len(result.Failed) > 0 {
				return errors.Errorf("%w: %d of %d", ErrFilesFailed, len(result.Failed), result.Processed)
			}
			return nil
		},
	}
}

// runHeadless runs the worker and prints its events to out as they arrive.
func runHeadless(ctx context.Context, worker *refresher.Worker, cfg types.RunConfig, out io.Writer) (*types.RunResult, error) {
	if err := refresher.Validate(cfg); err != nil {
		return nil, err
	}

	events := make(chan refresher.Event, 64)

	var result *types.RunResult
	var g errgroup.Group
	g.Go(func() error {
		defer close(events)
		var err error
		result, err = worker.Run(ctx, cfg, events)
		return err
	})
	g.Go(func() error {
		printEvents(out, events)
		return nil
	})

	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}

func printEvents(out io.Writer, events <-chan refresher.Event) {
	faint := color.New(color.Faint)
	for ev := range events {
		switch e := ev.(type) {
		case refresher.LogEvent:
			fmt.Fprintln(out, levelColor(e.Level).Sprint(e.Message))
		case refresher.ProgressEvent:
			fmt.Fprintln(out, faint.Sprintf("[%3d%%] %d/%d • %ds", e.Percent, e.Processed, e.Total, e.ElapsedSeconds()))
		}
	}
}

func levelColor(level refresher.Level) *color.Color {
	switch level {
	case refresher.LevelSuccess:
		return color.New(color.FgGreen)
	case refresher.LevelWarn:
		return color.New(color.FgYellow)
	case refresher.LevelError:
		return color.New(color.FgRed)
	default:
		return color.New(color.Reset)
	}
}
