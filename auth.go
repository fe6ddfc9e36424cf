package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tinylingo/tinysync/internal/entity"
	"github.com/tinylingo/tinysync/internal/identity"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Long: `Sign in with email and password. The password is read from the first
line of standard input, so it can be piped in from a secret store.

Signing in does not move anything made while signed out; run
'tinysync claim' afterwards to adopt guest data into the account.`,
		RunE: runLogin,
	}

	cmd.Flags().String("email", "", "account email (required)")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and remove the saved session",
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the active identity",
		RunE:  runWhoami,
	}
}

func newClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim",
		Short: "Move guest data into the signed-in account",
		RunE:  runClaim,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	email, err := cmd.Flags().GetString("email")
	if err != nil {
		return err
	}

	return withApp(cmd.Context(), func(cc *CLIContext, a *app) error {
		if err := a.requireAuth(); err != nil {
			return err
		}

		// Prompts must stay visible even with --quiet.
		if f, ok := cmd.InOrStdin().(*os.File); ok && isTerminal(f) {
			fmt.Fprint(os.Stderr, "Password: ")
		}

		password, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return err
		}

		cc.Logger.Info("login started", "email", email)

		user, err := a.sessions.Login(cmd.Context(), email, password)
		if err != nil {
			return err
		}

		if _, err := a.session.Upgrade(cmd.Context()); err != nil {
			return fmt.Errorf("adopting signed-in identity: %w", err)
		}

		cc.Logger.Info("login successful", "user_id", user.ID)
		cc.Statusf("Signed in as %s.\n", user.Email)

		if n := guestRecordCount(cmd, a); n > 0 {
			cc.Statusf("%d records were made while signed out. Run 'tinysync claim' to add them to this account.\n", n)
		}

		return nil
	})
}

// readPassword reads the first line of r without its line ending.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}

	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password on standard input")
	}

	return password, nil
}

// guestRecordCount counts live guest records; errors count as none.
func guestRecordCount(cmd *cobra.Command, a *app) int {
	n := 0

	for _, d := range entity.All() {
		recs, err := a.store.Read(cmd.Context(), identity.Anonymous(identity.GuestSuffix), d.Type)
		if err != nil {
			continue
		}

		for _, r := range recs {
			if !r.Deleted {
				n++
			}
		}
	}

	return n
}

func runLogout(cmd *cobra.Command, _ []string) error {
	return withApp(cmd.Context(), func(cc *CLIContext, a *app) error {
		if err := a.requireAuth(); err != nil {
			return err
		}

		cc.Logger.Info("logout started")

		if err := a.sessions.Logout(cmd.Context()); err != nil {
			return err
		}

		cc.Logger.Info("logout successful")
		cc.Statusf("Signed out. Local data is kept; new edits are saved as guest data.\n")

		return nil
	})
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	Kind      string `json:"kind"`
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	AuthError string `json:"auth_error,omitempty"`
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	return withApp(cmd.Context(), func(cc *CLIContext, a *app) error {
		id, err := a.resolveIdentity(cmd.Context())
		if err != nil {
			return err
		}

		out := whoamiOutput{Kind: id.Kind.String(), ID: id.ID}

		if a.sessions != nil && !id.IsAnonymous() {
			if stored, err := a.sessions.Stored(); err == nil && stored != nil {
				out.Email = stored.Email
			}
		}

		if authErr := a.session.AuthFailure(); authErr != nil {
			out.AuthError = authErr.Error()
		}

		if cc.Flags.JSON {
			return printJSON(cc.Out(), out)
		}

		w := cc.Out()
		fmt.Fprintf(w, "Identity: %s (%s)\n", out.ID, out.Kind)

		if out.Email != "" {
			fmt.Fprintf(w, "Email:    %s\n", out.Email)
		}

		if out.AuthError != "" {
			fmt.Fprintf(w, "Auth:     unavailable (%s)\n", out.AuthError)
		}

		return nil
	})
}

func runClaim(cmd *cobra.Command, _ []string) error {
	return withApp(cmd.Context(), func(cc *CLIContext, a *app) error {
		if err := a.requireRemote(); err != nil {
			return err
		}

		claimed, err := a.orch.Claim(cmd.Context())
		if errors.Is(err, identity.ErrNotAuthenticated) {
			return errors.New("not signed in: run 'tinysync login' first")
		}

		if err != nil {
			return err
		}

		if cc.Flags.JSON {
			return printJSON(cc.Out(), claimed)
		}

		total := 0
		for _, d := range entity.All() {
			total += claimed[d.Type]
			fmt.Fprintf(cc.Out(), "%-12s %d claimed\n", d.Type, claimed[d.Type])
		}

		cc.Statusf("Claimed %d guest records. They will be pushed on the next sync.\n", total)

		return nil
	})
}
