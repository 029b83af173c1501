package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/KaramelBytes/datadash-cli/internal/auth"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var (
	authPassword string
	whoamiVerify bool
)

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in to the dashboard backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return signIn(cmd, args[0], false)
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <email>",
	Short: "Create an account and sign in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return signIn(cmd, args[0], true)
	},
}

func signIn(cmd *cobra.Command, email string, create bool) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	if a.Auth.Authenticated() {
		return auth.ErrAlreadyAuthenticated
	}
	password, err := readPassword()
	if err != nil {
		return err
	}
	if create {
		err = a.Auth.Register(cmd.Context(), email, password)
	} else {
		err = a.Auth.Login(cmd.Context(), email, password)
	}
	if err != nil {
		return err
	}
	cred, _ := a.Auth.Credential()
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Signed in as %s\n", cred.Email)
	return nil
}

// readPassword takes --password, then DATADASH_PASSWORD, then prompts.
func readPassword() (string, error) {
	if authPassword != "" {
		return authPassword, nil
	}
	if env := os.Getenv("DATADASH_PASSWORD"); env != "" {
		return env, nil
	}
	rl, err := readline.NewEx(&readline.Config{})
	if err != nil {
		return "", fmt.Errorf("open terminal: %w", err)
	}
	defer func() { _ = rl.Close() }()
	b, err := rl.ReadPassword("Password: ")
	if err != nil {
		if errors.Is(err, readline.ErrInterrupt) {
			return "", errors.New("cancelled")
		}
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and erase the local session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openSignedIn()
		if err != nil {
			return err
		}
		defer closeApp(a)
		if err := a.Logout(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Signed out; local session erased")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in account",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openSignedIn()
		if err != nil {
			return err
		}
		defer closeApp(a)
		out := cmd.OutOrStdout()
		cred, _ := a.Auth.Credential()
		if !whoamiVerify {
			fmt.Fprintln(out, cred.Email)
			return nil
		}
		email, err := a.Auth.Verify(cmd.Context())
		if err != nil {
			if !a.Auth.Authenticated() {
				fmt.Fprintln(cmd.ErrOrStderr(), "⚠ Stored sign-in was rejected; local session erased")
			}
			return err
		}
		fmt.Fprintf(out, "%s (verified)\n", email)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
	loginCmd.Flags().StringVar(&authPassword, "password", "", "password (prompted when omitted)")
	registerCmd.Flags().StringVar(&authPassword, "password", "", "password (prompted when omitted)")
	whoamiCmd.Flags().BoolVar(&whoamiVerify, "verify", false, "check the stored sign-in with the backend")
}
