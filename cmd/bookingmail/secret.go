package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/orientinsight/bookingmail/internal/credential"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets in the OS keyring",
	}

	set := &cobra.Command{
		Use:   "set <key>",
		Short: "Store a secret, prompting with hidden input on a terminal",
		Long:  "Store a secret. On a terminal the value is prompted for with hidden input;\notherwise the first line of stdin is used. Keys: " + strings.Join(credential.Keys, ", "),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if !slices.Contains(credential.Keys, key) {
				return fmt.Errorf("unknown key %q, expected one of %s", key, strings.Join(credential.Keys, ", "))
			}

			var (
				value string
				err   error
			)
			if f, ok := cmd.InOrStdin().(*os.File); ok && isatty.IsTerminal(f.Fd()) {
				value, err = promptSecret(key)
			} else {
				value, err = readSecret(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}

			if err := credential.Set(key, value); err != nil {
				return err
			}
			cmd.Printf("Stored %s\n", key)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a secret from the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := credential.Delete(args[0]); err != nil {
				return err
			}
			cmd.Printf("Deleted %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(set, del)
	return cmd
}

// promptSecret asks for the value with a masked huh input.
func promptSecret(key string) (string, error) {
	var value string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(key).
				Description("Stored in the OS keyring; the environment variable " + envHint(key) + " overrides it").
				EchoMode(huh.EchoModePassword).
				Value(&value).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("secret is required")
					}
					return nil
				}),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", errors.New("aborted")
		}
		return "", fmt.Errorf("prompting for secret: %w", err)
	}
	return strings.TrimSpace(value), nil
}

// readSecret takes the first line of a piped stdin.
func readSecret(in io.Reader) (string, error) {
	value, err := bufio.NewReader(in).ReadString('\n')
	value = strings.TrimSpace(value)
	if value == "" {
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return "", errors.New("empty secret")
	}
	return value, nil
}

func envHint(key string) string {
	if name := credential.EnvVar(key); name != "" {
		return name
	}
	return "(none)"
}
