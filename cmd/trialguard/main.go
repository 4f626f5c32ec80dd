package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"trialguard/internal/app"
	apperrors "trialguard/internal/errors"
)

func main() {
	if err := newRootCmd(os.Stdin).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(stdin io.Reader) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trialguard",
		Short: "Offline trial license enforcer",

		// main prints the returned error.
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.AddCommand(
		newRunCmd(stdin),
		newStatusCmd(),
		newCheckCmd(),
		newActivateCmd(stdin),
	)
	return rootCmd
}

func newRunCmd(stdin io.Reader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Enforce the license, then serve the local API and watchdog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := app.NewApplication()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return application.Run(ctx, keyPrompt(stdin, cmd.ErrOrStderr()))
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the license status as JSON without updating the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := app.NewApplication()
			if err != nil {
				return err
			}
			defer application.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(application.Guard.Status(cmd.Context()))
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Run one license check and exit non-zero unless active",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := app.NewApplication()
			if err != nil {
				return err
			}
			defer application.Close()

			verdict := application.Guard.Check(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), verdict)
			return verdict.Err()
		},
	}
}

func newActivateCmd(stdin io.Reader) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Activate with a key, extending the license",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := app.NewApplication()
			if err != nil {
				return err
			}
			defer application.Close()

			ctx := cmd.Context()
			if key == "" {
				var ok bool
				key, ok = keyPrompt(stdin, cmd.ErrOrStderr())(ctx)
				if !ok {
					return apperrors.ErrActivationRequired
				}
			}

			activated, err := application.Guard.Activate(ctx, key)
			if err != nil {
				return err
			}
			if !activated {
				return apperrors.ErrInvalidActivationKey
			}
			fmt.Fprintf(cmd.OutOrStdout(), "License activated: %d days remaining\n",
				application.Guard.RemainingCalendarDays(ctx))
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "activation key (prompted when omitted)")
	return cmd
}
