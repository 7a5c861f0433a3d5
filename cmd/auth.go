package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/paperbill/billscan/internal/google"
)

func newAuthCmd() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize mailbox access for a user from the terminal",
		Long: `auth runs the out-of-band authorization flow: it prints a consent
URL, waits for the authorization code to be pasted back, and stores the
resulting tokens for the given user.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.shutdown(context.Background())

			fmt.Fprintln(cmd.OutOrStdout(), "Open this URL in a browser and approve access:")
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), "  "+google.AuthURL(a.oauthConf, "cli"))
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprint(cmd.OutOrStdout(), "Paste the authorization code here: ")

			reader := bufio.NewReader(os.Stdin)
			code, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("reading authorization code: %w", err)
			}
			code = strings.TrimSpace(code)
			if code == "" {
				return fmt.Errorf("no authorization code provided")
			}

			tok, err := google.Exchange(ctx, a.oauthConf, code)
			if err != nil {
				return err
			}

			if err := a.tokens.Save(ctx, userID, tok.AccessToken, tok.RefreshToken, time.Until(tok.Expiry)); err != nil {
				return fmt.Errorf("saving token: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Authorization stored for user %s.\n", userID)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id to store the authorization under")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
