// Package reconcile upserts extracted candidates into the booking store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/orientinsight/bookingmail/internal/model"
	"github.com/orientinsight/bookingmail/internal/store"
)

// businessKeyPattern is <YY><CLASS>-<GROUP>, e.g. 26CO-USB07.
var businessKeyPattern = regexp.MustCompile(`^(\d{2})([A-Z]{2,4})-([A-Z0-9]+)$`)

// ParsedKey is the structured form of a business key.
type ParsedKey struct {
	Key            string
	Year           int
	Classification string
}

// ParseBusinessKey normalizes and parses a business key.
func ParseBusinessKey(raw string) (ParsedKey, error) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	m := businessKeyPattern.FindStringSubmatch(key)
	if m == nil {
		return ParsedKey{}, fmt.Errorf("business key %q does not match <YY><CLASS>-<GROUP>", raw)
	}
	yy, _ := strconv.Atoi(m[1])
	return ParsedKey{Key: key, Year: 2000 + yy, Classification: m[2]}, nil
}

// Engine applies candidates to the booking store. It never deletes.
type Engine struct {
	store store.BookingStore
	log   *zap.Logger
}

// New creates an Engine.
func New(s store.BookingStore, log *zap.Logger) *Engine {
	return &Engine{store: s, log: log.Named("reconcile")}
}

// Reconcile applies candidates in order. Per-candidate problems are
// reported as skips and never abort the batch.
func (e *Engine) Reconcile(
	ctx context.Context,
	sourceImport string,
	candidates []model.CandidateBooking,
) model.ReconcileSummary {
	return e.reconcile(ctx, sourceImport, candidates, false)
}

// Fill is Reconcile for lower-priority data: new bookings are created as
// usual, but existing bookings only gain fields they do not have yet.
func (e *Engine) Fill(
	ctx context.Context,
	sourceImport string,
	candidates []model.CandidateBooking,
) model.ReconcileSummary {
	return e.reconcile(ctx, sourceImport, candidates, true)
}

func (e *Engine) reconcile(
	ctx context.Context,
	sourceImport string,
	candidates []model.CandidateBooking,
	fillOnly bool,
) model.ReconcileSummary {
	summary := model.ReconcileSummary{
		Created: []string{},
		Updated: []string{},
		Skipped: []model.SkippedCandidate{},
		Refs:    []string{},
	}
	known := make(map[string]bool)
	inRefs := make(map[string]bool)

	for _, c := range candidates {
		pk, err := ParseBusinessKey(c.BusinessKey)
		if err != nil {
			summary.Skipped = append(summary.Skipped, model.SkippedCandidate{
				Key:    c.BusinessKey,
				Reason: model.SkipMalformedKey,
			})
			continue
		}

		ok, cached := known[pk.Classification]
		if !cached {
			ok, err = e.store.ClassificationExists(ctx, pk.Classification)
			if err != nil {
				summary.Skipped = append(summary.Skipped, storeSkip(pk.Key, err))
				continue
			}
			known[pk.Classification] = ok
		}
		if !ok {
			summary.Skipped = append(summary.Skipped, model.SkippedCandidate{
				Key:    pk.Key,
				Reason: model.SkipUnknownClassification,
				Detail: pk.Classification,
			})
			continue
		}

		created, err := e.apply(ctx, pk, c, sourceImport, fillOnly)
		if err != nil {
			e.log.Warn("reconciling candidate",
				zap.String("business_key", pk.Key),
				zap.String("discriminator", sourceImport),
				zap.Error(err),
			)
			summary.Skipped = append(summary.Skipped, storeSkip(pk.Key, err))
			continue
		}

		// A key repeated within the batch stays in the list it first
		// landed in.
		if !inRefs[pk.Key] {
			inRefs[pk.Key] = true
			summary.Refs = append(summary.Refs, pk.Key)
			if created {
				summary.Created = append(summary.Created, pk.Key)
			} else {
				summary.Updated = append(summary.Updated, pk.Key)
			}
		}
	}

	return summary
}

// apply inserts the booking or, if (key, year) exists, patches the fields
// the candidate carries. A concurrent insert between the two statements
// surfaces as a patch.
func (e *Engine) apply(
	ctx context.Context,
	pk ParsedKey,
	c model.CandidateBooking,
	sourceImport string,
	fillOnly bool,
) (bool, error) {
	inserted, err := e.store.InsertBookingIfAbsent(ctx, model.Booking{
		BusinessKey:     pk.Key,
		Year:            pk.Year,
		Classification:  pk.Classification,
		StartDate:       c.StartDate,
		EndDate:         c.EndDate,
		Adults:          deref(c.Adults),
		Children:        deref(c.Children),
		ArrivalFlight:   c.ArrivalFlight,
		DepartureFlight: c.DepartureFlight,
		TransportRef:    c.TransportRef,
		SourceImport:    sourceImport,
	})
	if err != nil {
		return false, err
	}
	if inserted {
		return true, nil
	}

	err = e.store.PatchBooking(ctx, pk.Key, pk.Year, store.BookingPatch{
		StartDate:       c.StartDate,
		EndDate:         c.EndDate,
		ArrivalFlight:   c.ArrivalFlight,
		DepartureFlight: c.DepartureFlight,
		TransportRef:    c.TransportRef,
		SourceImport:    sourceImport,
		FillOnly:        fillOnly,
	})
	if err != nil {
		return false, err
	}
	return false, nil
}

func storeSkip(key string, err error) model.SkippedCandidate {
	detail := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		detail = "timeout"
	}
	return model.SkippedCandidate{Key: key, Reason: model.SkipStoreError, Detail: detail}
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
