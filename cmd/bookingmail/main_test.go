package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orientinsight/bookingmail/internal/model"
)

func writeConfig(t *testing.T, extra ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := "database:\n  path: " + filepath.Join(dir, "test.db") + "\n" +
		"staging:\n  dir: " + filepath.Join(dir, "artifacts") + "\n" +
		"log:\n  level: error\n" +
		strings.Join(extra, "")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

// disabledPoller leaves the mailbox unconfigured on purpose.
const disabledPoller = "poller:\n  enabled: false\nmetrics:\n  addr: 127.0.0.1:0\n"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeContext(t, context.Background(), args...)
}

func executeContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestRun_DisabledPollerNeedsNoMailbox(t *testing.T) {
	cfg := writeConfig(t, disabledPoller)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := executeContext(t, ctx, "--config", cfg, "run")
	assert.NoError(t, err)
}

func TestPollOnce_DisabledPoller(t *testing.T) {
	cfg := writeConfig(t, disabledPoller)

	_, err := execute(t, "--config", cfg, "poll-once")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poller is disabled")

	_, err = execute(t, "--config", cfg, "poll-once", "--force")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mailbox.host", "--force goes on to wire the pipeline")
}

func TestAllowlistCommands(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "--config", cfg, "allowlist", "get")
	require.NoError(t, err)
	assert.Contains(t, out, "no allowlist stored")
	assert.Contains(t, out, "@orient-insight.uz")

	out, err = execute(t, "--config", cfg, "allowlist", "set", "@Partner.example", "ops@agency.example", "@partner.example")
	require.NoError(t, err)
	assert.Contains(t, out, "Stored 2 allowlist entries")

	out, err = execute(t, "--config", cfg, "allowlist", "get")
	require.NoError(t, err)
	assert.NotContains(t, out, "no allowlist stored")
	assert.Contains(t, out, "@partner.example\nops@agency.example\n")
}

func TestImportsCommands(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "--config", cfg, "imports", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No import records.")

	_, err = execute(t, "--config", cfg, "imports", "list", "--status", "bogus")
	assert.Error(t, err)

	_, err = execute(t, "--config", cfg, "imports", "requeue", "missing::x")
	assert.Error(t, err)
}

func TestSecretSetRejectsUnknownKey(t *testing.T) {
	_, err := execute(t, "secret", "set", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key")
}

func TestReadSecret(t *testing.T) {
	v, err := readSecret(strings.NewReader("  s3cret \nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	v, err = readSecret(strings.NewReader("no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "no-newline", v)

	_, err = readSecret(strings.NewReader(""))
	assert.EqualError(t, err, "empty secret")
}

func TestSecretSetRejectsEmptyPipedValue(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader("\n"))
	root.SetArgs([]string{"secret", "set", "imap-password"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty secret")
}

func TestRenderImports(t *testing.T) {
	msg := "extraction refused the scan because it was unreadable and blurry"
	out := renderImports([]model.ImportRecord{
		{Discriminator: "m1::BODY_TABLE", ArtifactKind: model.ArtifactInlineTable, Status: model.ImportSuccess, ResultRefs: []string{"26CO-USB07", "26CO-USB08"}},
		{Discriminator: "m1::scan.png", ArtifactKind: model.ArtifactImageOrScan, Status: model.ImportManualReview, RetryCount: 1, ErrorMessage: &msg},
	})

	assert.Contains(t, out, "DISCRIMINATOR")
	assert.Contains(t, out, "m1::BODY_TABLE")
	assert.Contains(t, out, "26CO-USB07,26CO-USB08")
	assert.Contains(t, out, "MANUAL_REVIEW")
	assert.NotContains(t, out, "blurry", "long errors are truncated")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
