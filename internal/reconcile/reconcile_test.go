package reconcile_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/orientinsight/bookingmail/internal/model"
	"github.com/orientinsight/bookingmail/internal/reconcile"
	"github.com/orientinsight/bookingmail/internal/store"
	"github.com/orientinsight/bookingmail/internal/testutil"
)

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestParseBusinessKey(t *testing.T) {
	pk, err := reconcile.ParseBusinessKey(" 26co-usb07 ")
	require.NoError(t, err)
	assert.Equal(t, reconcile.ParsedKey{Key: "26CO-USB07", Year: 2026, Classification: "CO"}, pk)

	pk, err = reconcile.ParseBusinessKey("25KZTM-G1")
	require.NoError(t, err)
	assert.Equal(t, 2025, pk.Year)
	assert.Equal(t, "KZTM", pk.Classification)

	for _, bad := range []string{"", "CO-USB07", "26C-USB07", "26CO_USB07", "2026CO-A1", "26COABC-A1", "26CO-"} {
		_, err := reconcile.ParseBusinessKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestReconcile_CreateThenPatch(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.SeedClassifications(t, s, "CO")
	engine := reconcile.New(s, zaptest.NewLogger(t))
	ctx := context.Background()

	summary := engine.Reconcile(ctx, "m1::BODY_TABLE", []model.CandidateBooking{{
		BusinessKey:   "26CO-USB07",
		StartDate:     date(2026, 5, 10),
		EndDate:       date(2026, 5, 18),
		ArrivalFlight: strPtr("HY 602"),
	}})
	assert.Equal(t, []string{"26CO-USB07"}, summary.Created)
	assert.Empty(t, summary.Updated)
	assert.Empty(t, summary.Skipped)

	b, err := s.GetBooking(ctx, "26CO-USB07", 2026)
	require.NoError(t, err)
	assert.Equal(t, "CO", b.Classification)
	assert.Zero(t, b.Adults, "party size defaults to zero")
	assert.Zero(t, b.Children)

	summary = engine.Reconcile(ctx, "m2::list.xlsx", []model.CandidateBooking{{
		BusinessKey:  "26CO-USB07",
		EndDate:      date(2026, 5, 20),
		TransportRef: strPtr("BUS-3"),
		Adults:       intPtr(6),
	}})
	assert.Empty(t, summary.Created)
	assert.Equal(t, []string{"26CO-USB07"}, summary.Updated)
	assert.Equal(t, []string{"26CO-USB07"}, summary.Refs)

	b, err = s.GetBooking(ctx, "26CO-USB07", 2026)
	require.NoError(t, err)
	assert.True(t, b.StartDate.Equal(*date(2026, 5, 10)), "absent start date is untouched")
	assert.True(t, b.EndDate.Equal(*date(2026, 5, 20)))
	assert.Equal(t, "HY 602", *b.ArrivalFlight)
	assert.Equal(t, "BUS-3", *b.TransportRef)
	assert.Zero(t, b.Adults, "party size is owned by the back office once the booking exists")
	assert.Equal(t, "m2::list.xlsx", b.SourceImport)

	n, err := s.CountBookings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFill_KeepsExistingFields(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.SeedClassifications(t, s, "CO")
	engine := reconcile.New(s, zaptest.NewLogger(t))
	ctx := context.Background()

	engine.Reconcile(ctx, "m1::list.xlsx", []model.CandidateBooking{{
		BusinessKey: "26CO-USB07",
		StartDate:   date(2026, 6, 1),
	}})

	summary := engine.Fill(ctx, "m1::BODY_TABLE", []model.CandidateBooking{
		{BusinessKey: "26CO-USB07", StartDate: date(2026, 5, 1), ArrivalFlight: strPtr("HY 602")},
		{BusinessKey: "26CO-USB08", StartDate: date(2026, 5, 3)},
	})
	assert.Equal(t, []string{"26CO-USB08"}, summary.Created)
	assert.Equal(t, []string{"26CO-USB07"}, summary.Updated)

	b, err := s.GetBooking(ctx, "26CO-USB07", 2026)
	require.NoError(t, err)
	assert.True(t, b.StartDate.Equal(*date(2026, 6, 1)))
	assert.Equal(t, "HY 602", *b.ArrivalFlight)
	assert.Equal(t, "m1::list.xlsx", b.SourceImport)

	b, err = s.GetBooking(ctx, "26CO-USB08", 2026)
	require.NoError(t, err)
	assert.True(t, b.StartDate.Equal(*date(2026, 5, 3)))
}

func TestReconcile_PartialBatch(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.SeedClassifications(t, s, "CO", "ER")
	engine := reconcile.New(s, zaptest.NewLogger(t))

	summary := engine.Reconcile(context.Background(), "m1::list.csv", []model.CandidateBooking{
		{BusinessKey: "26CO-A1"},
		{BusinessKey: "26XX-B2"},
		{BusinessKey: "not a key"},
		{BusinessKey: "26ER-C3"},
		{BusinessKey: "26co-a1", TransportRef: strPtr("BUS-1")},
	})

	assert.Equal(t, []string{"26CO-A1", "26ER-C3"}, summary.Created)
	assert.Empty(t, summary.Updated)
	assert.Equal(t, []string{"26CO-A1", "26ER-C3"}, summary.Refs)
	assert.Equal(t, []model.SkippedCandidate{
		{Key: "26XX-B2", Reason: model.SkipUnknownClassification, Detail: "XX"},
		{Key: "not a key", Reason: model.SkipMalformedKey},
	}, summary.Skipped)
}

type failingBookings struct {
	store.BookingStore
	failKey string
}

func (f failingBookings) InsertBookingIfAbsent(ctx context.Context, b model.Booking) (bool, error) {
	if b.BusinessKey == f.failKey {
		return false, errors.New("disk I/O error")
	}
	return f.BookingStore.InsertBookingIfAbsent(ctx, b)
}

func TestReconcile_StoreErrorSkipsCandidate(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.SeedClassifications(t, s, "CO")
	engine := reconcile.New(failingBookings{BookingStore: s, failKey: "26CO-BAD"}, zaptest.NewLogger(t))

	summary := engine.Reconcile(context.Background(), "m1::x.csv", []model.CandidateBooking{
		{BusinessKey: "26CO-BAD"},
		{BusinessKey: "26CO-GOOD"},
	})

	assert.Equal(t, []string{"26CO-GOOD"}, summary.Created)
	require.Len(t, summary.Skipped, 1)
	assert.Equal(t, model.SkipStoreError, summary.Skipped[0].Reason)
	assert.Contains(t, summary.Skipped[0].Detail, "disk I/O")
}
