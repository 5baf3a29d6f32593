package extract

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orientinsight/bookingmail/internal/metrics"
	"github.com/orientinsight/bookingmail/internal/model"
)

// Router dispatches by artifact kind: spreadsheets are parsed locally,
// everything else goes to the extraction service.
type Router struct {
	service Extractor
	log     *zap.Logger
}

var _ Extractor = (*Router)(nil)

// NewRouter creates a Router backed by service.
func NewRouter(service Extractor, log *zap.Logger) *Router {
	return &Router{service: service, log: log.Named("extract")}
}

// Extract implements Extractor.
func (r *Router) Extract(ctx context.Context, raw []byte, kind model.ArtifactKind) (Result, error) {
	start := time.Now()

	var (
		res Result
		err error
	)
	switch kind {
	case model.ArtifactSpreadsheet:
		res = ParseSpreadsheet(raw)
	case model.ArtifactInlineTable, model.ArtifactImageOrScan:
		res, err = r.service.Extract(ctx, raw, kind)
	default:
		err = &ExtractionError{Op: "route", Retryable: false, Err: fmt.Errorf("unknown artifact kind %q", kind)}
	}

	label := resultLabel(res, err)
	metrics.RecordExtraction(string(kind), label, time.Since(start).Seconds())
	r.log.Debug("extraction finished",
		zap.String("kind", string(kind)),
		zap.String("result", label),
		zap.Duration("took", time.Since(start)),
	)

	if err != nil {
		return nil, err
	}
	return res, nil
}

func resultLabel(res Result, err error) string {
	if err != nil {
		return "error"
	}
	switch res.(type) {
	case ValidBatch:
		return "valid"
	case EmptyResult:
		return "empty"
	case SchemaError:
		return "schema_error"
	}
	return "unknown"
}
