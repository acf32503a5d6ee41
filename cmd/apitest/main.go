package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/misakey/apitest/internal/authflow"
	"github.com/misakey/apitest/internal/bootstrap"
	"github.com/misakey/apitest/internal/events"
	"github.com/misakey/apitest/internal/prettyerror"
	"github.com/misakey/apitest/internal/scenarios"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
)

var (
	ErrNoScenario       = errors.New("no scenario given; use --all to run every scenario")
	ErrAllWithScenarios = errors.New("--all cannot be combined with scenario names")
)

func main() {
	bootstrap.Logging()
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "apitest",
		Short:         "Black-box test scripts for the backend API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newWatchEventsCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the available scenarios",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return list(cmd.OutOrStdout())
		},
	}
}

func list(out io.Writer) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, scenario := range scenarios.All() {
		fmt.Fprintf(writer, "%s\t%s\n", scenario.Name, scenario.Description)
	}
	return writer.Flush()
}

func newRunCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "run [scenario...]",
		Short: "Run scenarios against the configured backend",
		Long:  "Run the named scenarios, or all of them with --all, one after the other. The process fails if any scenario failed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			selected, err := selectScenarios(args, all)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			driver, release, err := bootstrap.Driver(ctx)
			if err != nil {
				log.Error().Err(err).Msg("could not set up the tooling")
				return err
			}
			defer release()

			env := &scenarios.Env{Driver: driver, Out: cmd.OutOrStdout()}
			return runScenarios(ctx, env, selected)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Run every scenario")
	return cmd
}

func selectScenarios(names []string, all bool) ([]*scenarios.Scenario, error) {
	if all {
		if len(names) > 0 {
			return nil, ErrAllWithScenarios
		}
		return scenarios.All(), nil
	}
	if len(names) == 0 {
		return nil, ErrNoScenario
	}
	selected := make([]*scenarios.Scenario, 0, len(names))
	for _, name := range names {
		scenario, err := scenarios.Lookup(name)
		if err != nil {
			return nil, err
		}
		selected = append(selected, scenario)
	}
	return selected, nil
}

func runScenarios(ctx context.Context, env *scenarios.Env, selected []*scenarios.Scenario) error {
	var failed []string
	for _, scenario := range selected {
		if ctx.Err() != nil {
			break
		}
		if code := scenarios.Run(ctx, env, scenario); code != 0 {
			failed = append(failed, scenario.Name)
		}
		fmt.Fprintln(env.Out)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d scenarios failed: %v", len(failed), len(selected), failed)
	}
	return ctx.Err()
}

func newWatchEventsCommand() *cobra.Command {
	opts := new(authflow.Options)

	cmd := &cobra.Command{
		Use:   "watch-events",
		Short: "Log in and log the websocket events pushed to the identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			driver, release, err := bootstrap.Driver(ctx)
			if err != nil {
				log.Error().Err(err).Msg("could not set up the tooling")
				return err
			}
			defer release()

			code := prettyerror.Guard(cmd.ErrOrStderr(), func() error {
				sess, err := driver.NewAuthenticatedSession(ctx, opts)
				if err != nil {
					return err
				}
				return events.Watch(ctx, sess, events.LogHandler)
			})
			if code != 0 {
				return fmt.Errorf("exit code %d", code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Email, "email", "", "Email to log in with (random if empty)")
	cmd.Flags().IntVar(&opts.ACR, "acr", 0, "Requested authentication context class (1 or 2)")
	return cmd
}
