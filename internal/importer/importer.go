// Package importer drives an ImportRecord through its lifecycle:
// claim, extract, reconcile, record the outcome, notify.
package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orientinsight/bookingmail/internal/extract"
	"github.com/orientinsight/bookingmail/internal/metrics"
	"github.com/orientinsight/bookingmail/internal/model"
	"github.com/orientinsight/bookingmail/internal/notify"
	"github.com/orientinsight/bookingmail/internal/staging"
	"github.com/orientinsight/bookingmail/internal/store"
)

// Outcome is what one AttemptProcessing call did.
type Outcome string

const (
	// OutcomeSkipped means another handler owns the record, or it is
	// already terminal. Nothing was written.
	OutcomeSkipped      Outcome = "SKIPPED"
	OutcomeSuccess      Outcome = "SUCCESS"
	OutcomeFailed       Outcome = "FAILED"
	OutcomeManualReview Outcome = "MANUAL_REVIEW"
)

// writeTimeout bounds the outcome write, which runs even when the
// attempt's context was cancelled so no record is left PROCESSING.
const writeTimeout = 10 * time.Second

// Reconciler applies extracted candidates to the booking store. Fill
// never overwrites a field an earlier import already set.
type Reconciler interface {
	Reconcile(ctx context.Context, sourceImport string, candidates []model.CandidateBooking) model.ReconcileSummary
	Fill(ctx context.Context, sourceImport string, candidates []model.CandidateBooking) model.ReconcileSummary
}

// supersededNote marks a body table reconciled after an attachment of the
// same message had already been imported.
const supersededNote = "superseded by attachment: filled missing fields only"

// Importer owns every ImportRecord state transition.
type Importer struct {
	store      store.ImportStore
	stager     staging.Stager
	extractor  extract.Extractor
	reconciler Reconciler
	notifier   notify.Notifier
	maxRetries int
	log        *zap.Logger
}

// New creates an Importer. notifier may be nil.
func New(
	s store.ImportStore,
	stager staging.Stager,
	extractor extract.Extractor,
	reconciler Reconciler,
	notifier notify.Notifier,
	cfg model.ImporterConfig,
	log *zap.Logger,
) *Importer {
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &Importer{
		store:      s,
		stager:     stager,
		extractor:  extractor,
		reconciler: reconciler,
		notifier:   notifier,
		maxRetries: maxRetries,
		log:        log.Named("importer"),
	}
}

// GetOrCreate registers an artifact. isNew is true only for the single
// caller whose insert created the record.
func (im *Importer) GetOrCreate(
	ctx context.Context,
	discriminator string,
	meta model.ImportMetadata,
) (*model.ImportRecord, bool, error) {
	rec, isNew, err := im.store.CreateImportIfAbsent(ctx, discriminator, meta)
	if err != nil {
		return nil, false, err
	}
	if isNew {
		im.log.Info("import registered",
			zap.String("discriminator", discriminator),
			zap.String("kind", string(meta.Kind)),
		)
	}
	return rec, isNew, nil
}

// Retryable lists records a poll cycle should dispatch again: FAILED
// records below the retry threshold and PENDING records whose first
// attempt never ran.
func (im *Importer) Retryable(ctx context.Context, limit int) ([]model.ImportRecord, error) {
	return im.store.ListImports(ctx, store.ImportFilter{
		Statuses: []model.ImportStatus{model.ImportPending, model.ImportFailed},
		Limit:    limit,
	})
}

// attempt is the result of the claim-to-extract part of processing.
type attempt struct {
	summary  *model.ReconcileSummary
	errMsg   string
	terminal bool
}

// AttemptProcessing claims the record and runs one processing attempt.
// Only store failures are returned as errors; extraction and
// reconciliation problems are recorded on the record.
func (im *Importer) AttemptProcessing(ctx context.Context, rec model.ImportRecord) (Outcome, error) {
	log := im.log.With(zap.String("discriminator", rec.Discriminator))

	claimed, err := im.store.ClaimImport(ctx, rec.Discriminator)
	if err != nil {
		return "", fmt.Errorf("claiming %s: %w", rec.Discriminator, err)
	}
	if !claimed {
		log.Debug("import not claimable, skipping")
		return OutcomeSkipped, nil
	}

	a := im.run(ctx, rec, log)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	outcome := notify.OutcomeSummary{
		EventID:       uuid.NewString(),
		Discriminator: rec.Discriminator,
		Kind:          rec.ArtifactKind,
		Subject:       rec.SourceSubject,
		Sender:        rec.SourceSender,
		At:            time.Now().UTC(),
	}

	var result Outcome
	if a.summary != nil {
		if err := im.store.CompleteImport(writeCtx, rec.Discriminator, *a.summary); err != nil {
			return "", err
		}
		result = OutcomeSuccess
		outcome.Status = model.ImportSuccess
		outcome.RetryCount = rec.RetryCount
		outcome.Created = a.summary.Created
		outcome.Updated = a.summary.Updated
		outcome.Skipped = a.summary.Skipped
		log.Info("import succeeded",
			zap.Strings("created", a.summary.Created),
			zap.Strings("updated", a.summary.Updated),
			zap.Int("skipped", len(a.summary.Skipped)),
		)
	} else {
		res, err := im.store.FailImport(writeCtx, rec.Discriminator, a.errMsg, im.maxRetries, a.terminal)
		if err != nil {
			return "", err
		}
		result = Outcome(res.Status)
		outcome.Status = res.Status
		outcome.RetryCount = res.RetryCount
		outcome.Error = a.errMsg
		log.Warn("import attempt failed",
			zap.String("status", string(res.Status)),
			zap.Int("retry_count", res.RetryCount),
			zap.Bool("terminal", a.terminal),
			zap.String("error", a.errMsg),
		)
	}

	metrics.RecordOutcome(string(rec.ArtifactKind), string(outcome.Status))
	im.notify(writeCtx, outcome)

	return result, nil
}

// run loads, extracts and reconciles. A nil summary means the attempt
// failed with errMsg.
func (im *Importer) run(ctx context.Context, rec model.ImportRecord, log *zap.Logger) attempt {
	raw, err := im.stager.Get(ctx, rec.ArtifactLocation)
	if err != nil {
		return attempt{errMsg: fmt.Sprintf("reading staged artifact: %v", err)}
	}

	res, err := im.extractor.Extract(ctx, raw, rec.ArtifactKind)
	if err != nil {
		var extErr *extract.ExtractionError
		terminal := errors.As(err, &extErr) && !extErr.Retryable
		return attempt{errMsg: err.Error(), terminal: terminal}
	}

	switch r := res.(type) {
	case extract.EmptyResult:
		log.Info("artifact carried no bookings")
		return attempt{summary: &model.ReconcileSummary{
			Created: []string{},
			Updated: []string{},
			Skipped: []model.SkippedCandidate{},
			Refs:    []string{},
		}}

	case extract.SchemaError:
		return attempt{errMsg: r.Error(), terminal: !r.Retryable}

	case extract.ValidBatch:
		apply := im.reconciler.Reconcile
		superseded := false
		if rec.ArtifactKind == model.ArtifactInlineTable {
			// Attachment data wins over the body table. A body retried
			// after a sibling attachment succeeded must not overwrite it.
			superseded, err = im.attachmentImported(ctx, rec.Discriminator)
			if err != nil {
				return attempt{errMsg: fmt.Sprintf("checking sibling imports: %v", err)}
			}
			if superseded {
				log.Info("attachment already imported, body table fills missing fields only")
				apply = im.reconciler.Fill
			}
		}

		summary := apply(ctx, rec.Discriminator, r.Candidates)
		if len(summary.Refs) == 0 {
			return attempt{errMsg: allSkippedMessage(summary.Skipped)}
		}
		if superseded {
			summary.Note = supersededNote
		}
		return attempt{summary: &summary}
	}

	return attempt{errMsg: fmt.Sprintf("unexpected extraction result %T", res), terminal: true}
}

// attachmentImported reports whether any attachment of the record's
// message has reached SUCCESS.
func (im *Importer) attachmentImported(ctx context.Context, discriminator string) (bool, error) {
	msgID, _ := model.SplitDiscriminator(discriminator)
	siblings, err := im.store.ListImports(ctx, store.ImportFilter{
		Statuses:  []model.ImportStatus{model.ImportSuccess},
		MessageID: msgID,
	})
	if err != nil {
		return false, err
	}
	for _, sib := range siblings {
		if sib.ArtifactKind != model.ArtifactInlineTable {
			return true, nil
		}
	}
	return false, nil
}

func allSkippedMessage(skipped []model.SkippedCandidate) string {
	parts := make([]string, 0, len(skipped))
	for _, s := range skipped {
		parts = append(parts, fmt.Sprintf("%s: %s", s.Key, s.Reason))
	}
	return fmt.Sprintf("all %d candidates skipped (%s)", len(skipped), strings.Join(parts, "; "))
}

func (im *Importer) notify(ctx context.Context, outcome notify.OutcomeSummary) {
	if im.notifier == nil {
		return
	}
	if err := im.notifier.Notify(ctx, outcome); err != nil {
		im.log.Debug("outcome notification incomplete",
			zap.String("discriminator", outcome.Discriminator),
			zap.Error(err),
		)
	}
}

// Stage stores artifact bytes and returns their location.
func (im *Importer) Stage(ctx context.Context, discriminator string, data []byte) (string, error) {
	loc, err := im.stager.Put(ctx, discriminator, data)
	if err != nil {
		return "", fmt.Errorf("staging %s: %w", discriminator, err)
	}
	return loc, nil
}
