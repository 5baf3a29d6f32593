package imap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html/charset"

	"github.com/orientinsight/bookingmail/internal/mailbox"
)

func init() {
	gomessage.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		return charset.NewReaderLabel(label, input)
	}
}

// parsedMessage holds a fully walked RFC 822 message. parts[i] is the
// body of attachments[i].
type parsedMessage struct {
	subject     string
	sender      string
	date        time.Time
	htmlBody    string
	attachments []mailbox.Attachment
	parts       [][]byte
}

// parseMessage walks the MIME tree of raw. The first text/html part is
// the body; every part that is not a text body becomes an attachment,
// numbered in walk order.
func parseMessage(raw []byte) (*parsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	defer mr.Close()

	pm := &parsedMessage{}
	pm.subject, _ = mr.Header.Subject()
	pm.date, _ = mr.Header.Date()
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		pm.sender = strings.ToLower(from[0].Address)
	} else {
		pm.sender = strings.ToLower(strings.TrimSpace(mr.Header.Get("From")))
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if gomessage.IsUnknownCharset(err) {
				continue
			}
			return nil, fmt.Errorf("reading MIME part: %w", err)
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("reading MIME part body: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, params, _ := h.ContentType()
			switch {
			case contentType == "text/html":
				if pm.htmlBody == "" {
					pm.htmlBody = string(body)
				}
				continue
			case strings.HasPrefix(contentType, "text/"):
				continue
			}
			pm.addPart(contentType, partFilename(h.Header, params), contentID(h.Header), true, body)

		case *mail.AttachmentHeader:
			contentType, params, _ := h.ContentType()
			filename, _ := h.Filename()
			if filename == "" {
				filename = partFilename(h.Header, params)
			}
			disposition, _, _ := h.ContentDisposition()
			pm.addPart(contentType, filename, contentID(h.Header), disposition == "inline", body)
		}
	}

	return pm, nil
}

func (pm *parsedMessage) addPart(contentType, filename, cid string, inline bool, body []byte) {
	ordinal := len(pm.attachments)
	if filename == "" {
		filename = "attachment-" + strconv.Itoa(ordinal+1)
	}
	pm.attachments = append(pm.attachments, mailbox.Attachment{
		ID:        strconv.Itoa(ordinal),
		Ordinal:   ordinal,
		Filename:  filename,
		MIMEType:  strings.ToLower(contentType),
		Size:      int64(len(body)),
		Inline:    inline,
		ContentID: cid,
	})
	pm.parts = append(pm.parts, body)
}

// part returns the body of the attachment with the given handle.
func (pm *parsedMessage) part(attachmentID string) ([]byte, error) {
	i, err := strconv.Atoi(attachmentID)
	if err != nil || i < 0 || i >= len(pm.parts) {
		return nil, fmt.Errorf("attachment %q not found", attachmentID)
	}
	return pm.parts[i], nil
}

// partFilename falls back to the Content-Type name parameter, which some
// clients send instead of a disposition filename.
func partFilename(h gomessage.Header, params map[string]string) string {
	if name := params["name"]; name != "" {
		if decoded, err := new(mime.WordDecoder).DecodeHeader(name); err == nil {
			return decoded
		}
		return name
	}
	_, dparams, _ := h.ContentDisposition()
	return dparams["filename"]
}

func contentID(h gomessage.Header) string {
	return strings.Trim(strings.TrimSpace(h.Get("Content-Id")), "<>")
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._@+=$-]+`)

const maxMessageIDLen = 200

// stableMessageID derives the message identity used in discriminators.
// The Message-ID header survives re-delivery; messages without one fall
// back to the UID, which is stable for a given UIDVALIDITY.
func stableMessageID(header string, uidValidity uint32, uid imap.UID) string {
	id := strings.Trim(strings.TrimSpace(header), "<>")
	id = unsafeIDChars.ReplaceAllString(id, "_")
	if len(id) > maxMessageIDLen {
		id = id[:maxMessageIDLen]
	}
	if strings.Trim(id, "_") == "" {
		return fmt.Sprintf("uid-%d-%d", uidValidity, uid)
	}
	return id
}
