package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

func loginCmd() *cobra.Command {
	var (
		name     string
		password string
		save     bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange operator credentials for an API token",
		Example: `  warden login --name alice --save
  echo "$PW" | warden login --name alice --password - --save`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("--name is required")
			}
			pw, err := passwordInput(password, "Password: ")
			if err != nil {
				return err
			}
			var resp struct {
				Token     string    `json:"token"`
				ExpiresAt time.Time `json:"expires_at"`
				Operator  string    `json:"operator"`
				Roles     []string  `json:"roles"`
			}
			c := newClient()
			c.cred = ""
			raw, err := c.post("/api/v1/auth/token", map[string]string{"name": name, "password": pw})
			if err != nil {
				return err
			}
			if err := jsonUnmarshal(raw, &resp); err != nil {
				return err
			}

			if save {
				path := tokenFile()
				if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
					return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
				}
				if err := os.WriteFile(path, []byte(resp.Token+"\n"), 0o600); err != nil {
					return fmt.Errorf("saving token: %w", err)
				}
			}
			if jsonOutput() {
				printJSON(os.Stdout, raw)
				return nil
			}
			if !save {
				fmt.Fprintln(os.Stdout, resp.Token)
				return nil
			}
			fmt.Fprintf(os.Stderr, "%s Logged in as %s (%s), token valid until %s\n",
				green("✓"), bold(resp.Operator), strings.Join(resp.Roles, ", "), resp.ExpiresAt.Local().Format(time.DateTime))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&name, "name", "", "operator name")
	f.StringVar(&password, "password", "", "password, or - to read it from stdin (prompted when omitted)")
	f.BoolVar(&save, "save", false, "store the token for later commands")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved operator token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := os.Remove(tokenFile())
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			fmt.Fprintf(os.Stderr, "%s Saved token removed\n", green("✓"))
			return nil
		},
	}
}

func hashPasswordCmd() *cobra.Command {
	var (
		password string
		cost     int
	)
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for an operator's password_hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := passwordInput(password, "Password: ")
			if err != nil {
				return err
			}
			h, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
			if err != nil {
				return fmt.Errorf("hashing password: %w", err)
			}
			fmt.Fprintln(os.Stdout, string(h))
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "-", "password, or - to read it from stdin")
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

// passwordInput returns flag unless it is empty or "-", in which case the
// first line of stdin is used.
func passwordInput(flag, prompt string) (string, error) {
	if flag != "" && flag != "-" {
		return flag, nil
	}
	if flag == "" && isTTY(os.Stdin) {
		fmt.Fprint(os.Stderr, prompt)
	}
	pw, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	pw = strings.TrimRight(pw, "\r\n")
	if pw == "" {
		return "", errors.New("empty password")
	}
	return pw, nil
}

func readAllStdin() ([]byte, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading stdin: %w", err)
	}
	return data, nil
}
