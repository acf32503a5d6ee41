package main

import (
	"context"
	"fmt"
	"github.com/misakey/apitest/internal/authflow"
	"github.com/misakey/apitest/internal/bootstrap"
	"github.com/misakey/apitest/internal/prettyerror"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"io"
	"os"
	"os/signal"
)

func main() {
	bootstrap.Logging()
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := new(authflow.Options)
	var org bool

	cmd := &cobra.Command{
		Use:           "get-access-token",
		Short:         "Log in against the backend and print the resulting tokens",
		Long:          "Run the login and consent flows the way the frontend would, for the given email or a random one, and print the credentials it produced.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
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
				return run(ctx, cmd.OutOrStdout(), driver, opts, org)
			})
			if code != 0 {
				return fmt.Errorf("exit code %d", code)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Email, "email", "", "Email to log in with (random if empty)")
	flags.BoolVar(&opts.RequireAccount, "require-account", false, "Create an account if the identity has none (ACR 2)")
	flags.IntVar(&opts.ACR, "acr", 0, "Requested authentication context class (1 or 2)")
	flags.BoolVar(&opts.ResetPassword, "reset-password", false, "Reset the password of the account of --email")
	flags.BoolVar(&opts.UseSecretBackup, "use-secret-backup", false, "Send a legacy backup instead of secret storage data on account creation")
	flags.BoolVar(&opts.GetSecretStorage, "get-secret-storage", false, "Read the secret storage after an account creation or a password reset")
	flags.BoolVar(&opts.VerifyIDToken, "verify-id-token", false, "Verify the signature of the ID token")
	flags.BoolVar(&org, "org", false, "Also create an organization administrated by the identity and print its access token")
	return cmd
}

func run(ctx context.Context, out io.Writer, driver *authflow.Driver, opts *authflow.Options, org bool) error {
	opts.VerifyIDToken = opts.VerifyIDToken || driver.Config.VerifyIDToken
	creds, err := driver.Login(ctx, opts)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "email:", creds.Email)
	fmt.Fprintln(out, "identity id:", creds.IdentityID)
	fmt.Fprintln(out, "account id:", creds.AccountID)
	fmt.Fprintln(out, "consent done:", creds.ConsentDone)
	fmt.Fprintln(out, "access token:", creds.AccessToken)
	fmt.Fprintln(out, "id token:", creds.IDToken)

	if org {
		orgSession, err := driver.GetOrgSession(ctx, creds.Session)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "org id:", orgSession.OrgID)
		fmt.Fprintln(out, "org access token:", orgSession.OrgAccessToken)
	}
	return nil
}
