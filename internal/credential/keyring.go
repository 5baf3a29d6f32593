package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "bookingmail"

// Keyring keys for the secrets the worker needs.
const (
	KeyMailboxPassword = "imap-password"
	KeySMTPPassword    = "smtp-password"
	KeyExtractionAPI   = "extraction-api-key"
	KeyMinioSecret     = "minio-secret-key"
	KeyRedisPassword   = "redis-password"
)

// Keys lists every known key, for CLI validation.
var Keys = []string{KeyMailboxPassword, KeySMTPPassword, KeyExtractionAPI, KeyMinioSecret, KeyRedisPassword}

// envVars maps each keyring key to the environment variable that
// overrides it.
var envVars = map[string]string{
	KeyMailboxPassword: "BOOKINGMAIL_IMAP_PASSWORD",
	KeySMTPPassword:    "BOOKINGMAIL_SMTP_PASSWORD",
	KeyExtractionAPI:   "ANTHROPIC_API_KEY",
	KeyMinioSecret:     "BOOKINGMAIL_MINIO_SECRET_KEY",
	KeyRedisPassword:   "BOOKINGMAIL_REDIS_PASSWORD",
}

// ErrMissing is returned by Resolve when a secret is neither in the
// environment nor in the keyring.
var ErrMissing = errors.New("credential not configured")

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	fileDir := "~/.config/bookingmail/credentials"
	if home, err := os.UserHomeDir(); err == nil {
		fileDir = filepath.Join(home, ".config", "bookingmail", "credentials")
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("bookingmail-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// EnvVar returns the environment variable consulted before the keyring
// for key, or "" if there is none.
func EnvVar(key string) string {
	return envVars[key]
}

// Resolve returns the secret for key, preferring its environment variable
// over the keyring. Headless deployments set the variable; workstations
// use `bookingmail secret set`.
func Resolve(key string) (string, error) {
	if name := EnvVar(key); name != "" {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v, nil
		}
	}

	v, err := Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%s: %w", key, ErrMissing)
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// Get retrieves a credential value by key from the system keyring.
func Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key from the system keyring.
func Delete(key string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	if err := ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}
