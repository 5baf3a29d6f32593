// Package staging keeps raw artifact bytes so that retries never need the
// mailbox again.
package staging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrNotStaged is returned when a location holds no bytes.
var ErrNotStaged = errors.New("artifact not staged")

// Stager stores artifact bytes under a key derived from the discriminator.
// Put is idempotent: staging the same discriminator twice overwrites the
// same object.
type Stager interface {
	Put(ctx context.Context, discriminator string, data []byte) (location string, err error)
	Get(ctx context.Context, location string) ([]byte, error)
}

// objectKey is content-addressed by discriminator, not by arrival time,
// so every retry reads what the first attempt staged.
func objectKey(discriminator string) string {
	sum := sha256.Sum256([]byte(discriminator))
	h := hex.EncodeToString(sum[:])
	return h[:2] + "/" + h
}

// splitLocation parses "<scheme>://<rest>".
func splitLocation(location, scheme string) (string, error) {
	prefix := scheme + "://"
	if !strings.HasPrefix(location, prefix) {
		return "", fmt.Errorf("location %q is not a %s location", location, scheme)
	}
	return strings.TrimPrefix(location, prefix), nil
}
