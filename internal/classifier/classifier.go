// Package classifier decides which parts of a message carry booking data.
package classifier

import (
	"path"
	"strconv"
	"strings"

	"github.com/orientinsight/bookingmail/internal/mailbox"
	"github.com/orientinsight/bookingmail/internal/model"
)

// Artifact is one processable piece of a message.
type Artifact struct {
	Kind model.ArtifactKind

	// Tag is BODY_TABLE for the inline table, else the attachment filename.
	Tag string

	Discriminator string

	// AttachmentID is empty for the inline table.
	AttachmentID string

	MIMEType string
}

var spreadsheetTypes = map[string]bool{
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"application/vnd.ms-excel.sheet.macroenabled.12":                    true,
	"application/vnd.ms-excel":                                          true,
	"text/csv":                                                          true,
	"application/csv":                                                   true,
}

var spreadsheetExts = map[string]bool{
	".xlsx": true, ".xlsm": true, ".xls": true, ".csv": true,
}

var scanExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".pdf": true,
}

// Classifier turns message details into artifacts.
type Classifier struct {
	tripMarkers   []string
	paxMarkers    []string
	minImageBytes int64
}

// New creates a Classifier from config. Markers are matched
// case-insensitively.
func New(cfg model.ClassifierConfig) *Classifier {
	return &Classifier{
		tripMarkers:   lowerAll(cfg.TripMarkers),
		paxMarkers:    lowerAll(cfg.PaxMarkers),
		minImageBytes: cfg.MinImageBytes,
	}
}

// Classify returns the message's artifacts: the inline table first, then
// attachments in message order.
func (c *Classifier) Classify(detail *mailbox.MessageDetail) []Artifact {
	var out []Artifact

	if c.hasBookingTable(detail.HTMLBody) {
		out = append(out, Artifact{
			Kind:          model.ArtifactInlineTable,
			Tag:           model.BodyTableTag,
			Discriminator: model.Discriminator(detail.Ref.ID, model.BodyTableTag),
			MIMEType:      "text/html",
		})
	}

	seen := make(map[string]bool)
	for _, att := range detail.Attachments {
		kind, ok := c.kindOf(att)
		if !ok {
			continue
		}

		tag := att.Filename
		for seen[tag] || tag == model.BodyTableTag {
			tag = dedupName(tag, att.Ordinal)
		}
		seen[tag] = true

		out = append(out, Artifact{
			Kind:          kind,
			Tag:           tag,
			Discriminator: model.Discriminator(detail.Ref.ID, tag),
			AttachmentID:  att.ID,
			MIMEType:      att.MIMEType,
		})
	}

	return out
}

func (c *Classifier) hasBookingTable(html string) bool {
	if strings.TrimSpace(html) == "" {
		return false
	}
	lower := strings.ToLower(html)
	return containsAny(lower, c.tripMarkers) && containsAny(lower, c.paxMarkers)
}

func (c *Classifier) kindOf(att mailbox.Attachment) (model.ArtifactKind, bool) {
	mimeType := strings.ToLower(att.MIMEType)
	ext := strings.ToLower(path.Ext(att.Filename))

	if spreadsheetTypes[mimeType] || spreadsheetExts[ext] {
		return model.ArtifactSpreadsheet, true
	}

	isImage := strings.HasPrefix(mimeType, "image/")
	if !isImage && mimeType != "application/pdf" && !scanExts[ext] {
		return "", false
	}

	// Logos and signature images.
	if isImage || ext != ".pdf" {
		if att.Inline || att.ContentID != "" {
			return "", false
		}
		if c.minImageBytes > 0 && att.Size < c.minImageBytes {
			return "", false
		}
	}

	return model.ArtifactImageOrScan, true
}

// dedupName inserts the ordinal before the extension: list.xlsx -> list-2.xlsx.
func dedupName(name string, ordinal int) string {
	ext := path.Ext(name)
	return strings.TrimSuffix(name, ext) + "-" + strconv.Itoa(ordinal) + ext
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
