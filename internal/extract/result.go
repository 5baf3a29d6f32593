// Package extract turns raw artifact bytes into candidate bookings.
package extract

import (
	"context"
	"fmt"

	"github.com/orientinsight/bookingmail/internal/model"
)

// Result is the outcome of a successful extraction call: exactly one of
// ValidBatch, SchemaError or EmptyResult.
type Result interface {
	isResult()
}

// ValidBatch holds a fully validated, non-empty candidate list.
type ValidBatch struct {
	Candidates []model.CandidateBooking
}

// SchemaError means the content was read but did not yield a valid batch.
// Retryable is false when the service explicitly refused the content.
type SchemaError struct {
	Reason    string
	Retryable bool
}

// EmptyResult means the content was valid but carried no bookings.
type EmptyResult struct{}

func (ValidBatch) isResult()  {}
func (SchemaError) isResult() {}
func (EmptyResult) isResult() {}

func (e SchemaError) Error() string {
	return "schema error: " + e.Reason
}

// ExtractionError is a transport-level failure: network, timeout, an
// unexpected HTTP status, or an open circuit breaker.
type ExtractionError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction %s: %v", e.Op, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Extractor extracts candidates from one artifact.
type Extractor interface {
	Extract(ctx context.Context, raw []byte, kind model.ArtifactKind) (Result, error)
}
