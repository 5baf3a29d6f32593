package model

import (
	"strings"
	"time"
)

// ArtifactKind identifies the type of processable content inside a message.
type ArtifactKind string

const (
	ArtifactInlineTable ArtifactKind = "INLINE_TABLE"
	ArtifactSpreadsheet ArtifactKind = "SPREADSHEET"
	ArtifactImageOrScan ArtifactKind = "IMAGE_OR_SCAN"
)

// ImportStatus is the lifecycle state of an ImportRecord.
type ImportStatus string

const (
	ImportPending      ImportStatus = "PENDING"
	ImportProcessing   ImportStatus = "PROCESSING"
	ImportSuccess      ImportStatus = "SUCCESS"
	ImportFailed       ImportStatus = "FAILED"
	ImportManualReview ImportStatus = "MANUAL_REVIEW"
)

// Terminal reports whether the status is never left automatically.
func (s ImportStatus) Terminal() bool {
	return s == ImportSuccess || s == ImportManualReview
}

// BodyTableTag is the artifact-local tag used for inline HTML tables.
const BodyTableTag = "BODY_TABLE"

// Discriminator builds the unique artifact key from a message ID and an
// artifact-local tag.
func Discriminator(messageID, tag string) string {
	return messageID + "::" + tag
}

// SplitDiscriminator returns the message ID and tag of a discriminator.
func SplitDiscriminator(d string) (messageID, tag string) {
	i := strings.Index(d, "::")
	if i < 0 {
		return d, ""
	}
	return d[:i], d[i+2:]
}

// ImportRecord is one row per processable artifact ever seen.
type ImportRecord struct {
	// Discriminator uniquely identifies the artifact across all poll cycles.
	Discriminator string `json:"discriminator"`

	// SourceSubject is the Subject header of the originating message.
	SourceSubject string `json:"source_subject"`

	// SourceSender is the sender address of the originating message.
	SourceSender string `json:"source_sender"`

	// SourceDate is the Date header of the originating message.
	SourceDate time.Time `json:"source_date"`

	// ArtifactKind is the classification of the artifact.
	ArtifactKind ArtifactKind `json:"artifact_kind"`

	// ArtifactLocation is where the raw bytes are staged.
	ArtifactLocation string `json:"artifact_location"`

	// Status is the current lifecycle state.
	Status ImportStatus `json:"status"`

	// RetryCount counts failed processing attempts.
	RetryCount int `json:"retry_count"`

	// ErrorMessage holds the last failure detail, if any.
	ErrorMessage *string `json:"error_message,omitempty"`

	// ResultRefs lists the booking business keys created or updated.
	ResultRefs []string `json:"result_refs"`

	// ResultSummary is the reconciliation summary of the successful attempt.
	ResultSummary *ReconcileSummary `json:"result_summary,omitempty"`

	// ProcessedAt is set once a terminal state is reached.
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ImportMetadata is the provenance captured when an ImportRecord is created.
type ImportMetadata struct {
	Subject  string
	Sender   string
	Date     time.Time
	Kind     ArtifactKind
	Location string
}

// SkipReason explains why a candidate was not reconciled.
type SkipReason string

const (
	SkipUnknownClassification SkipReason = "UNKNOWN_CLASSIFICATION"
	SkipMalformedKey          SkipReason = "MALFORMED_KEY"
	SkipStoreError            SkipReason = "STORE_ERROR"
)

// SkippedCandidate is a candidate that reconciliation did not apply.
type SkippedCandidate struct {
	Key    string     `json:"key"`
	Reason SkipReason `json:"reason"`
	Detail string     `json:"detail,omitempty"`
}

// ReconcileSummary is the per-batch result of reconciliation.
type ReconcileSummary struct {
	Created []string           `json:"created"`
	Updated []string           `json:"updated"`
	Skipped []SkippedCandidate `json:"skipped"`
	Note    string             `json:"note,omitempty"`

	// Refs lists created and updated keys in batch order, without duplicates.
	Refs []string `json:"-"`
}
