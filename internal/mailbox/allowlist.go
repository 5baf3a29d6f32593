package mailbox

import (
	"context"
	"strings"

	"github.com/emersion/go-message/mail"
)

// AllowList holds sender entries: exact addresses or "@domain" suffixes.
type AllowList struct {
	entries []string
}

// NewAllowList normalizes entries to lower case and drops blanks and
// duplicates.
func NewAllowList(entries []string) AllowList {
	seen := make(map[string]bool, len(entries))
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return AllowList{entries: out}
}

// Entries returns a copy of the normalized entries.
func (a AllowList) Entries() []string {
	out := make([]string, len(a.entries))
	copy(out, a.entries)
	return out
}

// Empty reports whether the list has no entries.
func (a AllowList) Empty() bool {
	return len(a.entries) == 0
}

// Allows reports whether sender matches an entry. The sender may be a bare
// address or a full From header value.
func (a AllowList) Allows(sender string) bool {
	addr := normalizeAddress(sender)
	if addr == "" {
		return false
	}

	for _, e := range a.entries {
		if strings.HasPrefix(e, "@") {
			if strings.HasSuffix(addr, e) {
				return true
			}
			continue
		}
		if addr == e {
			return true
		}
	}
	return false
}

func normalizeAddress(sender string) string {
	sender = strings.TrimSpace(sender)
	if parsed, err := mail.ParseAddress(sender); err == nil {
		sender = parsed.Address
	}
	return strings.ToLower(sender)
}

// AllowlistSource reads the persisted sender allowlist.
type AllowlistSource interface {
	GetSenderAllowlist(ctx context.Context) ([]string, bool, error)
}

// LoadAllowList returns the persisted allowlist, or a single
// defaultDomain entry when none is persisted or the persisted list is
// empty.
func LoadAllowList(ctx context.Context, src AllowlistSource, defaultDomain string) (AllowList, error) {
	entries, ok, err := src.GetSenderAllowlist(ctx)
	if err != nil {
		return AllowList{}, err
	}

	list := NewAllowList(entries)
	if !ok || list.Empty() {
		return NewAllowList([]string{defaultDomain}), nil
	}
	return list, nil
}
