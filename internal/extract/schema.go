package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/orientinsight/bookingmail/internal/model"
)

// SchemaVersion is the response layout the service is asked to produce.
const SchemaVersion = 1

const dateLayout = "2006-01-02"

// payload is schema v1. It is decoded with unknown fields disallowed so
// layout drift surfaces as a SchemaError instead of silently dropped data.
type payload struct {
	Version  int            `json:"version"`
	Bookings *[]bookingItem `json:"bookings,omitempty"`
	Error    *string        `json:"error,omitempty"`
}

type bookingItem struct {
	BookingCode     string  `json:"booking_code"`
	StartDate       *string `json:"start_date"`
	EndDate         *string `json:"end_date"`
	Adults          *int    `json:"adults"`
	Children        *int    `json:"children"`
	ArrivalFlight   *string `json:"arrival_flight"`
	DepartureFlight *string `json:"departure_flight"`
	Transport       *string `json:"transport"`
}

// decodePayload parses the service text into a Result. Models sometimes
// wrap JSON in prose or code fences, so only the outermost object is read.
func decodePayload(text string, kind model.ArtifactKind) Result {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return SchemaError{Reason: "response contains no JSON object", Retryable: true}
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(text[start : end+1])))
	dec.DisallowUnknownFields()

	var p payload
	if err := dec.Decode(&p); err != nil {
		return SchemaError{Reason: fmt.Sprintf("decoding response: %v", err), Retryable: true}
	}

	if p.Error != nil {
		reason := strings.TrimSpace(*p.Error)
		if reason == "" {
			reason = "unspecified"
		}
		return SchemaError{Reason: "service refused content: " + reason, Retryable: false}
	}

	if p.Version != SchemaVersion {
		return SchemaError{Reason: fmt.Sprintf("unsupported schema version %d", p.Version), Retryable: true}
	}
	if p.Bookings == nil {
		return SchemaError{Reason: "missing bookings", Retryable: true}
	}

	candidates := make([]model.CandidateBooking, 0, len(*p.Bookings))
	for i, item := range *p.Bookings {
		c, err := item.toCandidate()
		if err != nil {
			return SchemaError{Reason: fmt.Sprintf("booking %d: %v", i, err), Retryable: true}
		}
		candidates = append(candidates, c)
	}

	return validate(candidates, kind)
}

func (b bookingItem) toCandidate() (model.CandidateBooking, error) {
	c := model.CandidateBooking{
		BusinessKey:     strings.TrimSpace(b.BookingCode),
		Adults:          b.Adults,
		Children:        b.Children,
		ArrivalFlight:   optString(b.ArrivalFlight),
		DepartureFlight: optString(b.DepartureFlight),
		TransportRef:    optString(b.Transport),
	}

	var err error
	if c.StartDate, err = optDate(b.StartDate); err != nil {
		return c, fmt.Errorf("start_date: %w", err)
	}
	if c.EndDate, err = optDate(b.EndDate); err != nil {
		return c, fmt.Errorf("end_date: %w", err)
	}
	return c, nil
}

// validate applies the batch rules shared by every extraction path. Any
// violation rejects the whole batch.
func validate(candidates []model.CandidateBooking, kind model.ArtifactKind) Result {
	if len(candidates) == 0 {
		return EmptyResult{}
	}

	for i, c := range candidates {
		if c.BusinessKey == "" {
			return SchemaError{Reason: fmt.Sprintf("booking %d: empty booking code", i), Retryable: true}
		}
		if c.StartDate == nil && kind == model.ArtifactImageOrScan {
			return SchemaError{Reason: fmt.Sprintf("booking %s: missing start date", c.BusinessKey), Retryable: true}
		}
		if c.StartDate != nil && c.EndDate != nil && c.EndDate.Before(*c.StartDate) {
			return SchemaError{Reason: fmt.Sprintf("booking %s: end date before start date", c.BusinessKey), Retryable: true}
		}
		if (c.Adults != nil && *c.Adults < 0) || (c.Children != nil && *c.Children < 0) {
			return SchemaError{Reason: fmt.Sprintf("booking %s: negative party size", c.BusinessKey), Retryable: true}
		}
	}

	return ValidBatch{Candidates: candidates}
}

func optString(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func optDate(s *string) (*time.Time, error) {
	v := optString(s)
	if v == nil {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, *v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
