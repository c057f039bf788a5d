package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/opsdash/internal/credstore"
)

// Login flags.
var (
	flagIdentifier    string
	flagPasswordStdin bool
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with an identifier and password",
		Long: `Sign in and store the credential for later commands.

The password is read from the terminal, or from standard input with
--password-stdin (recommended for scripts; the prompt does not hide input).`,
		RunE: runLogin,
	}

	cmd.Flags().StringVar(&flagIdentifier, "identifier", "", "username or email")
	cmd.Flags().BoolVar(&flagPasswordStdin, "password-stdin", false, "read the password from standard input")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and remove the saved credential",
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the signed-in user and credential expiry",
		RunE:  runWhoami,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	identifier := flagIdentifier
	if identifier == "" {
		return errors.New("--identifier is required")
	}

	password, err := readPassword(cmd.InOrStdin(), cc.Err, flagPasswordStdin)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, cc)
	if err != nil {
		return err
	}
	defer s.Close()

	user, err := s.Client.Login(ctx, identifier, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	if user != nil && user.Username != "" {
		cc.Statusf("Logged in as %s.\n", user.Username)
	} else {
		cc.Statusf("Login successful.\n")
	}

	return nil
}

// readPassword takes the first line of in. Without --password-stdin it
// insists on a terminal so a script never blocks on a hidden prompt.
func readPassword(in io.Reader, prompt io.Writer, fromStdin bool) (string, error) {
	if !fromStdin {
		if f, ok := in.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
			return "", errors.New("no terminal for the password prompt, use --password-stdin")
		}

		// The prompt must stay visible even with --quiet.
		fmt.Fprint(prompt, "Password: ")
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}

	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password")
	}

	return password, nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	s, err := openSession(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.Store.Get() == nil {
		cc.Statusf("Not logged in.\n")
		return nil
	}

	s.Client.Logout(cmd.Context())
	cc.Statusf("Logged out.\n")

	return nil
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	User      *credstore.User `json:"user,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Expired   bool            `json:"expired"`
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	s, err := openSession(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer s.Close()

	tok := s.Store.Get()
	if tok == nil {
		return errNotLoggedIn
	}

	out := whoamiOutput{User: s.Store.User()}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		out.ExpiresAt = &exp
		out.Expired = time.Now().After(exp)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, out)
	}

	printWhoamiText(cc.Out, out)

	return nil
}

func printWhoamiText(w io.Writer, out whoamiOutput) {
	if u := out.User; u != nil {
		fmt.Fprintf(w, "User:    %s (%s)\n", u.Username, u.Email)
		fmt.Fprintf(w, "ID:      %s\n", u.ID)

		if u.Role != "" {
			fmt.Fprintf(w, "Role:    %s\n", u.Role)
		}
	} else {
		fmt.Fprintln(w, "User:    unknown")
	}

	switch {
	case out.ExpiresAt == nil:
		fmt.Fprintln(w, "Expires: unknown")
	case out.Expired:
		fmt.Fprintf(w, "Expires: %s (expired, refreshed on next request)\n", formatTime(out.ExpiresAt.Local()))
	default:
		fmt.Fprintf(w, "Expires: %s\n", formatTime(out.ExpiresAt.Local()))
	}
}
