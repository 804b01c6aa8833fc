package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLoginCmd() *cobra.Command {
	var (
		flagPassword  string
		passwordStdin bool
	)

	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Authenticate and save the session",
		Long: `Authenticate with the storage authority and save the session token.

The password is taken from --password, --password-stdin, or the
SKYVAULT_PASSWORD environment variable. It is used to derive the local
encryption keys and is never stored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email := args[0]
			ctx := cmd.Context()

			password, err := resolvePassword(flagPassword, passwordStdin)
			if err != nil {
				return err
			}

			c, err := connectClient(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Login(ctx, email, password); err != nil {
				return friendlyError(err)
			}

			statusf("Logged in as %s.\n", email)

			return nil
		},
	}

	cmd.Flags().StringVar(&flagPassword, "password", "", "account password (prefer --password-stdin or "+envPassword+")")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and remove the saved token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			c, err := connectClient(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Logout(ctx); err != nil {
				return friendlyError(err)
			}

			statusf("Logged out.\n")

			return nil
		},
	}
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	Email string `json:"email"`
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the authenticated account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			c, err := connectClient(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			email, err := c.Whoami(ctx)
			if err != nil {
				return friendlyError(err)
			}

			if flagJSON {
				return printJSON(whoamiOutput{Email: email})
			}

			fmt.Println(email)

			return nil
		},
	}
}
