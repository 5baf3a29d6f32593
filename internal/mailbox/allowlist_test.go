package mailbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowListAllows(t *testing.T) {
	list := NewAllowList([]string{" Ops@Partner.Example ", "@Orient-Insight.uz", "", "@orient-insight.uz"})

	assert.Equal(t, []string{"ops@partner.example", "@orient-insight.uz"}, list.Entries())

	tests := []struct {
		sender string
		want   bool
	}{
		{"ops@partner.example", true},
		{"OPS@PARTNER.EXAMPLE", true},
		{"Partner Ops <ops@partner.example>", true},
		{"sales@partner.example", false},
		{"booking@orient-insight.uz", true},
		{"booking@ORIENT-INSIGHT.UZ", true},
		{"someone@blocked.example", false},
		{"booking@orient-insight.uz.evil.example", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.sender, func(t *testing.T) {
			assert.Equal(t, tt.want, list.Allows(tt.sender))
		})
	}
}

type fakeAllowlistSource struct {
	entries []string
	ok      bool
	err     error
}

func (f fakeAllowlistSource) GetSenderAllowlist(context.Context) ([]string, bool, error) {
	return f.entries, f.ok, f.err
}

func TestLoadAllowList(t *testing.T) {
	ctx := context.Background()

	list, err := LoadAllowList(ctx, fakeAllowlistSource{}, "@orient-insight.uz")
	require.NoError(t, err)
	assert.Equal(t, []string{"@orient-insight.uz"}, list.Entries())

	list, err = LoadAllowList(ctx, fakeAllowlistSource{entries: []string{"a@b.example"}, ok: true}, "@orient-insight.uz")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@b.example"}, list.Entries())

	list, err = LoadAllowList(ctx, fakeAllowlistSource{entries: []string{}, ok: true}, "@orient-insight.uz")
	require.NoError(t, err)
	assert.Equal(t, []string{"@orient-insight.uz"}, list.Entries())

	_, err = LoadAllowList(ctx, fakeAllowlistSource{err: errors.New("db down")}, "@x")
	assert.Error(t, err)
}

func TestIsAuthError(t *testing.T) {
	err := &AuthError{Username: "ops", Message: "bad password"}
	assert.True(t, IsAuthError(err))
	assert.True(t, IsAuthError(errors.Join(errors.New("cycle"), err)))
	assert.False(t, IsAuthError(errors.New("network")))
}
