// Package mailbox defines the inbound mailbox contract the poller reads
// booking messages through.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AuthError indicates that the mailbox rejected the configured credentials.
type AuthError struct {
	Username string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("mailbox auth error (%s): %s", e.Username, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// MessageRef identifies a message in the mailbox. ID is stable across
// poll cycles; UID is the provider handle for the current session.
type MessageRef struct {
	ID  string
	UID uint32
}

// Attachment describes one non-body MIME part of a message.
type Attachment struct {
	// ID is the opaque handle passed to DownloadAttachment.
	ID string

	// Ordinal is the position of the part among the message's attachments.
	Ordinal int

	Filename string
	MIMEType string
	Size     int64

	// Inline is set for parts with an inline disposition.
	Inline bool

	// ContentID is set for parts referenced from the HTML body.
	ContentID string
}

// MessageDetail is the parsed view of a message the classifier works on.
type MessageDetail struct {
	Ref     MessageRef
	Subject string

	// Sender is the bare address of the first From entry.
	Sender string
	Date   time.Time

	// HTMLBody is the best-effort text/html body, empty if none.
	HTMLBody string

	Attachments []Attachment
}

// Client is the mailbox provider contract.
type Client interface {
	// ListCandidates returns messages received within the window from
	// senders the allowlist could match, excluding messages already
	// marked processed.
	ListCandidates(ctx context.Context, window time.Duration, allow AllowList) ([]MessageRef, error)

	FetchDetail(ctx context.Context, ref MessageRef) (*MessageDetail, error)

	DownloadAttachment(ctx context.Context, ref MessageRef, attachmentID string) ([]byte, error)

	// MarkProcessed adds the processed marker and clears the unread
	// marker. Calling it twice is harmless.
	MarkProcessed(ctx context.Context, ref MessageRef) error
}
