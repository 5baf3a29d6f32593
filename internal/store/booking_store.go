package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orientinsight/bookingmail/internal/model"
)

const bookingColumns = `
	id, business_key, year, classification, start_date, end_date,
	adults, children, arrival_flight, departure_flight, transport_ref,
	source_import, created_at, updated_at`

// InsertBookingIfAbsent inserts a booking keyed on (business_key, year).
// If the booking has no ID, a new UUID is generated.
func (s *SQLiteStore) InsertBookingIfAbsent(ctx context.Context, b model.Booking) (bool, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO bookings (
			id, business_key, year, classification, start_date, end_date,
			adults, children, arrival_flight, departure_flight, transport_ref,
			source_import, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(business_key, year) DO NOTHING`,
		b.ID, b.BusinessKey, b.Year, b.Classification, utcPtr(b.StartDate), utcPtr(b.EndDate),
		b.Adults, b.Children, b.ArrivalFlight, b.DepartureFlight, b.TransportRef,
		b.SourceImport, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("inserting booking %s/%d: %w", b.BusinessKey, b.Year, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected for booking %s: %w", b.BusinessKey, err)
	}

	return n == 1, nil
}

const patchOverwrite = `
	UPDATE bookings
	SET start_date = COALESCE(?, start_date),
		end_date = COALESCE(?, end_date),
		arrival_flight = COALESCE(?, arrival_flight),
		departure_flight = COALESCE(?, departure_flight),
		transport_ref = COALESCE(?, transport_ref),
		source_import = ?,
		updated_at = ?
	WHERE business_key = ? AND year = ?`

const patchFill = `
	UPDATE bookings
	SET start_date = COALESCE(start_date, ?),
		end_date = COALESCE(end_date, ?),
		arrival_flight = COALESCE(arrival_flight, ?),
		departure_flight = COALESCE(departure_flight, ?),
		transport_ref = COALESCE(transport_ref, ?),
		source_import = COALESCE(NULLIF(source_import, ''), ?),
		updated_at = ?
	WHERE business_key = ? AND year = ?`

// PatchBooking overwrites only the fields the patch carries. With
// FillOnly set, fields that already hold a value are kept.
func (s *SQLiteStore) PatchBooking(
	ctx context.Context,
	businessKey string,
	year int,
	patch BookingPatch,
) error {
	query := patchOverwrite
	if patch.FillOnly {
		query = patchFill
	}
	res, err := s.db.ExecContext(ctx, query,
		utcPtr(patch.StartDate), utcPtr(patch.EndDate),
		patch.ArrivalFlight, patch.DepartureFlight, patch.TransportRef,
		patch.SourceImport, time.Now().UTC(),
		businessKey, year,
	)
	if err != nil {
		return fmt.Errorf("patching booking %s/%d: %w", businessKey, year, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected for booking %s: %w", businessKey, err)
	}
	if n == 0 {
		return fmt.Errorf("patching booking %s/%d: %w", businessKey, year, ErrNotFound)
	}

	return nil
}

// GetBooking retrieves a booking by business key and year.
func (s *SQLiteStore) GetBooking(ctx context.Context, businessKey string, year int) (*model.Booking, error) {
	var b model.Booking
	err := s.db.GetContext(ctx, &b,
		"SELECT "+bookingColumns+" FROM bookings WHERE business_key = ? AND year = ?",
		businessKey, year,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting booking %s/%d: %w", businessKey, year, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting booking %s/%d: %w", businessKey, year, err)
	}

	return &b, nil
}

// CountBookings returns the number of booking rows.
func (s *SQLiteStore) CountBookings(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM bookings"); err != nil {
		return 0, fmt.Errorf("counting bookings: %w", err)
	}
	return n, nil
}

// ClassificationExists reports whether a tour classification code is known.
func (s *SQLiteStore) ClassificationExists(ctx context.Context, code string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM tour_classifications WHERE code = ?", code,
	)
	if err != nil {
		return false, fmt.Errorf("checking classification %s: %w", code, err)
	}
	return n > 0, nil
}

// UpsertClassification inserts or renames a tour classification.
func (s *SQLiteStore) UpsertClassification(ctx context.Context, c model.Classification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tour_classifications (code, name) VALUES (?, ?)
		ON CONFLICT(code) DO UPDATE SET name = excluded.name`,
		c.Code, c.Name,
	)
	if err != nil {
		return fmt.Errorf("upserting classification %s: %w", c.Code, err)
	}
	return nil
}

// GetClassifications retrieves all tour classifications ordered by code.
func (s *SQLiteStore) GetClassifications(ctx context.Context) ([]model.Classification, error) {
	var out []model.Classification
	if err := s.db.SelectContext(ctx, &out, "SELECT code, name FROM tour_classifications ORDER BY code"); err != nil {
		return nil, fmt.Errorf("querying classifications: %w", err)
	}
	return out, nil
}

// utcPtr normalizes an optional time to UTC, keeping nil as NULL.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
