package model

import "time"

// CandidateBooking is an extracted booking that drives reconciliation.
// Optional fields are nil when the source did not carry them.
type CandidateBooking struct {
	BusinessKey     string
	StartDate       *time.Time
	EndDate         *time.Time
	Adults          *int
	Children        *int
	ArrivalFlight   *string
	DepartureFlight *string
	TransportRef    *string
}

// Booking is the booking aggregate owned by the back-office CRUD flows.
// Reconciliation may create or patch it but never deletes it.
type Booking struct {
	// ID is the internal row identifier.
	ID string `db:"id" json:"id"`

	// BusinessKey is the booking code, unique within Year.
	BusinessKey string `db:"business_key" json:"business_key"`

	// Year is the operational year of the booking.
	Year int `db:"year" json:"year"`

	// Classification is the tour classification code from the key prefix.
	Classification string `db:"classification" json:"classification"`

	StartDate *time.Time `db:"start_date" json:"start_date,omitempty"`
	EndDate   *time.Time `db:"end_date" json:"end_date,omitempty"`

	// Adults and Children are the party size; zero until completed.
	Adults   int `db:"adults" json:"adults"`
	Children int `db:"children" json:"children"`

	ArrivalFlight   *string `db:"arrival_flight" json:"arrival_flight,omitempty"`
	DepartureFlight *string `db:"departure_flight" json:"departure_flight,omitempty"`
	TransportRef    *string `db:"transport_ref" json:"transport_ref,omitempty"`

	// SourceImport is the discriminator of the import that last wrote it.
	SourceImport string `db:"source_import" json:"source_import"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Classification is a tour classification that business keys refer to.
type Classification struct {
	Code string `db:"code" json:"code"`
	Name string `db:"name" json:"name"`
}
