// Package notify delivers import outcome summaries. Delivery is
// best-effort: no notifier can change an import's recorded status.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/orientinsight/bookingmail/internal/metrics"
	"github.com/orientinsight/bookingmail/internal/model"
)

// OutcomeSummary describes the state an attempt left an import in.
type OutcomeSummary struct {
	EventID       string                   `json:"event_id"`
	Discriminator string                   `json:"discriminator"`
	Kind          model.ArtifactKind       `json:"artifact_kind"`
	Status        model.ImportStatus       `json:"status"`
	RetryCount    int                      `json:"retry_count"`
	Subject       string                   `json:"source_subject"`
	Sender        string                   `json:"source_sender"`
	Created       []string                 `json:"created,omitempty"`
	Updated       []string                 `json:"updated,omitempty"`
	Skipped       []model.SkippedCandidate `json:"skipped,omitempty"`
	Error         string                   `json:"error,omitempty"`
	At            time.Time                `json:"at"`
}

// Text renders the summary for humans.
func (o OutcomeSummary) Text() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Import %s: %s\n", o.Discriminator, o.Status)
	fmt.Fprintf(&sb, "Subject: %s\nFrom: %s\nKind: %s\n", o.Subject, o.Sender, o.Kind)
	if o.RetryCount > 0 {
		fmt.Fprintf(&sb, "Attempts failed so far: %d\n", o.RetryCount)
	}
	if len(o.Created) > 0 {
		fmt.Fprintf(&sb, "Created: %s\n", strings.Join(o.Created, ", "))
	}
	if len(o.Updated) > 0 {
		fmt.Fprintf(&sb, "Updated: %s\n", strings.Join(o.Updated, ", "))
	}
	for _, s := range o.Skipped {
		fmt.Fprintf(&sb, "Skipped %s: %s", s.Key, s.Reason)
		if s.Detail != "" {
			fmt.Fprintf(&sb, " (%s)", s.Detail)
		}
		sb.WriteString("\n")
	}
	if o.Error != "" {
		fmt.Fprintf(&sb, "Error: %s\n", o.Error)
	}
	return sb.String()
}

// Notifier delivers one outcome.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, outcome OutcomeSummary) error
}

// Multi fans an outcome out to every notifier, each under its own
// timeout. Failures are logged and joined; one failing notifier never
// stops the others.
type Multi struct {
	notifiers []Notifier
	timeout   time.Duration
	log       *zap.Logger
}

// NewMulti creates a fan-out notifier.
func NewMulti(timeout time.Duration, log *zap.Logger, notifiers ...Notifier) *Multi {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Multi{notifiers: notifiers, timeout: timeout, log: log.Named("notify")}
}

// Name implements Notifier.
func (m *Multi) Name() string { return "multi" }

// Len returns the number of wrapped notifiers.
func (m *Multi) Len() int { return len(m.notifiers) }

// Notify implements Notifier.
func (m *Multi) Notify(ctx context.Context, outcome OutcomeSummary) error {
	var errs []error
	for _, n := range m.notifiers {
		err := m.deliver(ctx, n, outcome)
		metrics.RecordNotification(n.Name(), err)
		if err != nil {
			m.log.Warn("notification failed",
				zap.String("notifier", n.Name()),
				zap.String("discriminator", outcome.Discriminator),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) deliver(ctx context.Context, n Notifier, outcome OutcomeSummary) (err error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return n.Notify(ctx, outcome)
}

// LogNotifier writes outcomes to the log. It is always configured so an
// operator sees every terminal outcome even with no transport set up.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("outcome")}
}

// Name implements Notifier.
func (l *LogNotifier) Name() string { return "log" }

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, o OutcomeSummary) error {
	l.log.Info("import outcome",
		zap.String("discriminator", o.Discriminator),
		zap.String("status", string(o.Status)),
		zap.Int("retry_count", o.RetryCount),
		zap.Strings("created", o.Created),
		zap.Strings("updated", o.Updated),
		zap.Int("skipped", len(o.Skipped)),
		zap.String("error", o.Error),
	)
	return nil
}
