package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/orientinsight/bookingmail/internal/model"
)

type stubNotifier struct {
	name  string
	err   error
	panic bool
	calls int
	seen  OutcomeSummary
	dl    bool
}

func (s *stubNotifier) Name() string { return s.name }

func (s *stubNotifier) Notify(ctx context.Context, o OutcomeSummary) error {
	s.calls++
	s.seen = o
	_, s.dl = ctx.Deadline()
	if s.panic {
		panic("boom")
	}
	return s.err
}

func sampleOutcome() OutcomeSummary {
	return OutcomeSummary{
		EventID:       "evt-1",
		Discriminator: "msg-1::list.xlsx",
		Kind:          model.ArtifactSpreadsheet,
		Status:        model.ImportSuccess,
		Subject:       "Bookings May",
		Sender:        "ops@orient-insight.uz",
		Created:       []string{"26CO-USB07"},
		Updated:       []string{"26CO-USB08"},
		Skipped: []model.SkippedCandidate{
			{Key: "26XX-A1", Reason: model.SkipUnknownClassification, Detail: "XX"},
		},
		At: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestMulti_ContinuesPastFailures(t *testing.T) {
	failing := &stubNotifier{name: "smtp", err: errors.New("connection refused")}
	panicking := &stubNotifier{name: "kafka", panic: true}
	ok := &stubNotifier{name: "redis"}

	m := NewMulti(time.Second, zaptest.NewLogger(t), failing, panicking, ok)
	err := m.Notify(context.Background(), sampleOutcome())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp: connection refused")
	assert.Contains(t, err.Error(), "kafka: panic: boom")
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, panicking.calls)
	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, "msg-1::list.xlsx", ok.seen.Discriminator)
}

func TestMulti_AppliesTimeoutPerCall(t *testing.T) {
	n := &stubNotifier{name: "redis"}
	m := NewMulti(0, zaptest.NewLogger(t), n)

	require.NoError(t, m.Notify(context.Background(), sampleOutcome()))
	assert.True(t, n.dl, "each delivery runs under a deadline")
	assert.Equal(t, 1, m.Len())
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	require.NoError(t, n.Notify(context.Background(), sampleOutcome()))

	entries := logs.FilterMessage("import outcome").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "SUCCESS", fields["status"])
	assert.Equal(t, "msg-1::list.xlsx", fields["discriminator"])
}

func TestOutcomeSummary_Text(t *testing.T) {
	text := sampleOutcome().Text()

	assert.Contains(t, text, "Import msg-1::list.xlsx: SUCCESS")
	assert.Contains(t, text, "Created: 26CO-USB07")
	assert.Contains(t, text, "Updated: 26CO-USB08")
	assert.Contains(t, text, "Skipped 26XX-A1: UNKNOWN_CLASSIFICATION (XX)")
	assert.NotContains(t, text, "Error:")
}

func TestComposeMessage(t *testing.T) {
	o := sampleOutcome()
	o.Status = model.ImportManualReview
	o.Error = "extraction refused"

	msg := composeMessage("bot@orient-insight.uz", []string{"a@x.uz", "b@x.uz"}, o)

	headers, body, found := strings.Cut(msg, "\r\n\r\n")
	require.True(t, found)
	assert.Contains(t, headers, "To: a@x.uz, b@x.uz")
	assert.Contains(t, headers, "Subject: [bookingmail] MANUAL_REVIEW msg-1::list.xlsx")
	assert.Contains(t, body, "Error: extraction refused\r\n")
}

func TestSMTPNotifier_RequiresRecipients(t *testing.T) {
	n := NewSMTPNotifier(model.SMTPNotifyConfig{Host: "localhost", Port: "25", Username: "bot@x.uz"}, "")
	err := n.Notify(context.Background(), sampleOutcome())
	assert.EqualError(t, err, "no recipients configured")
}
