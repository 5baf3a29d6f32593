package store

import (
	"context"
	"errors"
	"time"

	"github.com/orientinsight/bookingmail/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict is returned when a conditional transition finds the
	// row in a different state than expected.
	ErrStateConflict = errors.New("state conflict")
)

// ImportFilter controls filtering and pagination for import record queries.
type ImportFilter struct {
	Statuses []model.ImportStatus

	// MessageID limits the results to artifacts of one message.
	MessageID string

	Limit  int
	Offset int
}

// FailureResult is the state of an import record after a failed attempt.
type FailureResult struct {
	Status     model.ImportStatus `db:"status"`
	RetryCount int                `db:"retry_count"`
}

// BookingPatch carries the fields an import may overwrite on an existing
// booking. Nil fields are left untouched.
type BookingPatch struct {
	StartDate       *time.Time
	EndDate         *time.Time
	ArrivalFlight   *string
	DepartureFlight *string
	TransportRef    *string
	SourceImport    string

	// FillOnly sets only fields that are still empty and keeps the
	// booking's source import.
	FillOnly bool
}

// ImportStore is the idempotency store. Every transition is a single
// conditional statement so that concurrent handlers cannot both win.
type ImportStore interface {
	// CreateImportIfAbsent inserts a PENDING record unless one already
	// exists for the discriminator. It returns the stored record and
	// whether this call inserted it.
	CreateImportIfAbsent(ctx context.Context, discriminator string, meta model.ImportMetadata) (*model.ImportRecord, bool, error)

	// ClaimImport moves a PENDING or FAILED record to PROCESSING. It
	// reports false when the record was in any other state.
	ClaimImport(ctx context.Context, discriminator string) (bool, error)

	// CompleteImport moves a PROCESSING record to SUCCESS.
	CompleteImport(ctx context.Context, discriminator string, summary model.ReconcileSummary) error

	// FailImport records a failed attempt on a PROCESSING record. The
	// record moves to MANUAL_REVIEW when terminal is set or the
	// incremented retry count reaches maxRetries, otherwise to FAILED.
	FailImport(ctx context.Context, discriminator, errMsg string, maxRetries int, terminal bool) (FailureResult, error)

	// RequeueImport resets a MANUAL_REVIEW record to FAILED with a zero
	// retry count. It is an operator action.
	RequeueImport(ctx context.Context, discriminator string) error

	GetImport(ctx context.Context, discriminator string) (*model.ImportRecord, error)
	ListImports(ctx context.Context, filter ImportFilter) ([]model.ImportRecord, error)
}

// BookingStore is the subset of the booking aggregate that imports write.
type BookingStore interface {
	// InsertBookingIfAbsent inserts the booking unless one exists for its
	// (business key, year). It reports whether a row was inserted.
	InsertBookingIfAbsent(ctx context.Context, b model.Booking) (bool, error)

	// PatchBooking applies the non-nil patch fields to an existing booking.
	PatchBooking(ctx context.Context, businessKey string, year int, patch BookingPatch) error

	GetBooking(ctx context.Context, businessKey string, year int) (*model.Booking, error)
	CountBookings(ctx context.Context) (int, error)

	ClassificationExists(ctx context.Context, code string) (bool, error)
	UpsertClassification(ctx context.Context, c model.Classification) error
	GetClassifications(ctx context.Context) ([]model.Classification, error)
}

// SettingsStore holds small persisted configuration values.
type SettingsStore interface {
	// GetSenderAllowlist returns the persisted allowlist and whether one
	// has been set.
	GetSenderAllowlist(ctx context.Context) ([]string, bool, error)
	SetSenderAllowlist(ctx context.Context, entries []string) error
}

// Store defines the persistence interface for the ingestion pipeline.
type Store interface {
	ImportStore
	BookingStore
	SettingsStore
	Close() error
}
