package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const settingSenderAllowlist = "sender_allowlist"

// GetSenderAllowlist returns the persisted sender allowlist. The boolean is
// false when no allowlist has ever been stored.
func (s *SQLiteStore) GetSenderAllowlist(ctx context.Context) ([]string, bool, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw,
		"SELECT value FROM settings WHERE key = ?", settingSenderAllowlist,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading sender allowlist: %w", err)
	}

	var entries []string
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, false, fmt.Errorf("unmarshaling sender allowlist: %w", err)
	}

	return entries, true, nil
}

// SetSenderAllowlist replaces the persisted sender allowlist.
func (s *SQLiteStore) SetSenderAllowlist(ctx context.Context, entries []string) error {
	if entries == nil {
		entries = []string{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshaling sender allowlist: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO settings (key, value, updated_at) VALUES (?, ?, ?)`,
		settingSenderAllowlist, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("writing sender allowlist: %w", err)
	}

	return nil
}
