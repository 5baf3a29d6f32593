// Package sync runs the mailbox poll loop and dispatches import work.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/orientinsight/bookingmail/internal/classifier"
	"github.com/orientinsight/bookingmail/internal/importer"
	"github.com/orientinsight/bookingmail/internal/mailbox"
	"github.com/orientinsight/bookingmail/internal/metrics"
	"github.com/orientinsight/bookingmail/internal/model"
)

// Importer is the part of the import state machine the poller drives.
type Importer interface {
	Stage(ctx context.Context, discriminator string, data []byte) (string, error)
	GetOrCreate(ctx context.Context, discriminator string, meta model.ImportMetadata) (*model.ImportRecord, bool, error)
	AttemptProcessing(ctx context.Context, rec model.ImportRecord) (importer.Outcome, error)
	Retryable(ctx context.Context, limit int) ([]model.ImportRecord, error)
}

// CycleStats summarizes one poll cycle.
type CycleStats struct {
	Retried    int
	Candidates int
	Disallowed int
	Artifacts  int
	Dispatched int
	Errors     int
}

// Poller enumerates the mailbox on a fixed interval and feeds new
// artifacts to the worker pool.
type Poller struct {
	cfg           model.PollerConfig
	mailbox       mailbox.Client
	allowlist     mailbox.AllowlistSource
	defaultDomain string
	classifier    *classifier.Classifier
	importer      Importer
	pool          *Pool
	log           *zap.Logger

	mu      gosync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	cycles  gosync.WaitGroup

	inflightMu gosync.Mutex
	inflight   map[string]bool // discriminators queued, running or being registered
	handling   map[string]bool // message IDs a cycle is registering
}

// New creates a Poller. It does nothing until Start or RunOnce.
func New(
	cfg model.PollerConfig,
	mb mailbox.Client,
	allowlist mailbox.AllowlistSource,
	defaultDomain string,
	cls *classifier.Classifier,
	imp Importer,
	log *zap.Logger,
) *Poller {
	log = log.Named("poller")
	return &Poller{
		cfg:           cfg,
		mailbox:       mb,
		allowlist:     allowlist,
		defaultDomain: defaultDomain,
		classifier:    cls,
		importer:      imp,
		pool:          NewPool(cfg.Workers, cfg.QueueSize, log),
		log:           log,
		inflight:      make(map[string]bool),
		handling:      make(map[string]bool),
	}
}

// Start schedules poll cycles. With the poller disabled it schedules
// nothing and returns immediately.
func (p *Poller) Start(ctx context.Context) {
	if !p.cfg.Enabled {
		p.log.Info("poller disabled, not scheduling")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.pool.Start()

	go p.supervise(ctx)

	p.log.Info("poller started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Duration("startup_delay", p.cfg.StartupDelay),
		zap.Int("workers", p.cfg.Workers),
	)
}

// Stop cancels scheduling, waits for running cycles, then drains the
// worker pool. All waiting is bounded by ctx.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for poll cycles: %w", ctx.Err())
	}

	if err := p.pool.Stop(ctx); err != nil {
		return fmt.Errorf("draining worker pool: %w", err)
	}

	p.log.Info("poller stopped")
	return nil
}

// supervise waits out the startup delay, then launches a cycle on every
// tick. Each cycle runs in its own goroutine.
func (p *Poller) supervise(ctx context.Context) {
	defer close(p.done)
	defer p.cycles.Wait()

	delay := time.NewTimer(p.cfg.StartupDelay)
	defer delay.Stop()

	select {
	case <-ctx.Done():
		return
	case <-delay.C:
	}

	p.launch(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.launch(ctx)
		}
	}
}

func (p *Poller) launch(ctx context.Context) {
	p.cycles.Add(1)
	go func() {
		defer p.cycles.Done()
		defer func() {
			if r := recover(); r != nil {
				metrics.PollCyclesTotal.WithLabelValues("panic").Inc()
				p.log.Error("poll cycle panicked", zap.Any("panic", r))
			}
		}()

		if _, err := p.RunPollCycle(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("poll cycle failed", zap.Error(err))
		}
	}()
}

// RunOnce runs a single cycle and waits for every dispatched job.
func (p *Poller) RunOnce(ctx context.Context) (CycleStats, error) {
	p.pool.Start()
	stats, err := p.RunPollCycle(ctx)
	if stopErr := p.pool.Stop(ctx); stopErr != nil && err == nil {
		err = stopErr
	}
	return stats, err
}

// RunPollCycle re-dispatches retryable records, then enumerates the
// mailbox. A provider error ends the cycle without touching any record.
func (p *Poller) RunPollCycle(ctx context.Context) (CycleStats, error) {
	start := time.Now()
	var stats CycleStats

	stats.Retried = p.sweepRetryable(ctx)

	allow, err := mailbox.LoadAllowList(ctx, p.allowlist, p.defaultDomain)
	if err != nil {
		metrics.PollCyclesTotal.WithLabelValues("error").Inc()
		return stats, fmt.Errorf("loading sender allowlist: %w", err)
	}

	refs, err := p.mailbox.ListCandidates(ctx, p.cfg.SearchWindow, allow)
	if err != nil {
		metrics.PollCyclesTotal.WithLabelValues("error").Inc()
		if mailbox.IsAuthError(err) {
			p.log.Error("mailbox rejected credentials", zap.Error(err))
		}
		return stats, fmt.Errorf("listing candidates: %w", err)
	}

	stats.Candidates = len(refs)
	if len(refs) == 0 {
		p.log.Debug("no candidate messages")
	}

	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		p.handleMessage(ctx, ref, allow, &stats)
	}

	metrics.PollCycleDuration.Observe(time.Since(start).Seconds())
	metrics.PollCyclesTotal.WithLabelValues("ok").Inc()

	if stats.Candidates > 0 || stats.Retried > 0 {
		p.log.Info("poll cycle finished",
			zap.Int("candidates", stats.Candidates),
			zap.Int("disallowed", stats.Disallowed),
			zap.Int("artifacts", stats.Artifacts),
			zap.Int("dispatched", stats.Dispatched),
			zap.Int("retried", stats.Retried),
			zap.Int("errors", stats.Errors),
			zap.Duration("took", time.Since(start)),
		)
	}

	return stats, ctx.Err()
}

// handleMessage registers a message's artifacts and dispatches one job
// for them. The message is marked processed only once every artifact is
// staged and recorded, so a failure here is retried next cycle.
func (p *Poller) handleMessage(ctx context.Context, ref mailbox.MessageRef, allow mailbox.AllowList, stats *CycleStats) {
	log := p.log.With(zap.String("message_id", ref.ID))

	if !p.claimMessage(ref.ID) {
		log.Debug("message is being registered by another cycle")
		return
	}
	defer p.releaseMessage(ref.ID)

	detail, err := p.mailbox.FetchDetail(ctx, ref)
	if err != nil {
		stats.Errors++
		metrics.MessagesTotal.WithLabelValues("error").Inc()
		log.Warn("fetching message detail", zap.Error(err))
		return
	}

	if !allow.Allows(detail.Sender) {
		stats.Disallowed++
		metrics.MessagesTotal.WithLabelValues("disallowed").Inc()
		log.Info("sender not allowlisted", zap.String("sender", detail.Sender))
		p.markProcessed(ctx, ref, log)
		return
	}

	artifacts := p.classifier.Classify(detail)
	if len(artifacts) == 0 {
		metrics.MessagesTotal.WithLabelValues("no_artifacts").Inc()
		log.Debug("message carries no artifacts")
		p.markProcessed(ctx, ref, log)
		return
	}

	// Each discriminator is reserved before its record exists, so a
	// concurrent retry sweep never sees a fresh PENDING record it could
	// dispatch ahead of the rest of the message.
	var (
		fresh    []model.ImportRecord
		reserved []string
	)
	for _, a := range artifacts {
		if p.reserve(a.Discriminator) {
			reserved = append(reserved, a.Discriminator)
		}

		rec, isNew, err := p.register(ctx, detail, a)
		if err != nil {
			p.release(reserved...)
			stats.Errors++
			metrics.MessagesTotal.WithLabelValues("error").Inc()
			log.Warn("registering artifact",
				zap.String("discriminator", a.Discriminator),
				zap.Error(err),
			)
			return
		}
		if isNew {
			stats.Artifacts++
			metrics.ArtifactsTotal.WithLabelValues(string(a.Kind)).Inc()
			fresh = append(fresh, *rec)
		}
	}

	// Records that already existed belong to the sweep or an earlier job.
	p.release(withoutRecords(reserved, fresh)...)

	if len(fresh) > 0 {
		if p.dispatch(ctx, ref.ID, fresh) {
			stats.Dispatched++
		}
	}

	metrics.MessagesTotal.WithLabelValues("imported").Inc()
	p.markProcessed(ctx, ref, log)
}

// register stages one artifact's bytes and creates its record.
func (p *Poller) register(
	ctx context.Context,
	detail *mailbox.MessageDetail,
	a classifier.Artifact,
) (*model.ImportRecord, bool, error) {
	var data []byte
	if a.Kind == model.ArtifactInlineTable {
		data = []byte(detail.HTMLBody)
	} else {
		var err error
		data, err = p.mailbox.DownloadAttachment(ctx, detail.Ref, a.AttachmentID)
		if err != nil {
			return nil, false, fmt.Errorf("downloading attachment %s: %w", a.AttachmentID, err)
		}
	}

	loc, err := p.importer.Stage(ctx, a.Discriminator, data)
	if err != nil {
		return nil, false, err
	}

	return p.importer.GetOrCreate(ctx, a.Discriminator, model.ImportMetadata{
		Subject:  detail.Subject,
		Sender:   detail.Sender,
		Date:     detail.Date,
		Kind:     a.Kind,
		Location: loc,
	})
}

func (p *Poller) markProcessed(ctx context.Context, ref mailbox.MessageRef, log *zap.Logger) {
	if err := p.mailbox.MarkProcessed(ctx, ref); err != nil {
		log.Warn("marking message processed", zap.Error(err))
	}
}

// sweepRetryable dispatches FAILED and PENDING records, grouped by
// message so body tables still precede attachments. Records already
// queued, running or being registered are left alone.
func (p *Poller) sweepRetryable(ctx context.Context) int {
	recs, err := p.importer.Retryable(ctx, p.cfg.RetryBatch)
	if err != nil {
		p.log.Warn("listing retryable imports", zap.Error(err))
		return 0
	}

	groups := make(map[string][]model.ImportRecord)
	var order []string
	for _, r := range recs {
		if !p.reserve(r.Discriminator) {
			continue
		}
		msgID, _ := model.SplitDiscriminator(r.Discriminator)
		if _, ok := groups[msgID]; !ok {
			order = append(order, msgID)
		}
		groups[msgID] = append(groups[msgID], r)
	}

	n := 0
	for _, msgID := range order {
		if p.dispatch(ctx, msgID, groups[msgID]) {
			n += len(groups[msgID])
		}
	}
	return n
}

// dispatch submits one message job for records the caller has reserved.
// The reservation is released when the job finishes or cannot be queued.
// It reports whether the job was queued.
func (p *Poller) dispatch(ctx context.Context, msgID string, recs []model.ImportRecord) bool {
	body, rest := splitBodyTable(recs)
	ids := discriminators(recs)

	err := p.pool.Submit(ctx, "message "+msgID, func(jobCtx context.Context) error {
		defer p.release(ids...)
		return p.processMessage(jobCtx, body, rest)
	})
	if err != nil {
		p.release(ids...)
		p.log.Warn("dispatching message job",
			zap.String("message_id", msgID),
			zap.Error(err),
		)
		return false
	}
	return true
}

// processMessage runs the body table to completion, then the remaining
// artifacts concurrently.
func (p *Poller) processMessage(ctx context.Context, body *model.ImportRecord, rest []model.ImportRecord) error {
	var errs []error

	if body != nil {
		if _, err := p.importer.AttemptProcessing(ctx, *body); err != nil {
			errs = append(errs, err)
		}
	}

	var (
		wg gosync.WaitGroup
		mu gosync.Mutex
	)
	for _, rec := range rest {
		wg.Add(1)
		go func(rec model.ImportRecord) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("processing %s panicked: %v", rec.Discriminator, r))
					mu.Unlock()
				}
			}()
			if _, err := p.importer.AttemptProcessing(ctx, rec); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(rec)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func splitBodyTable(recs []model.ImportRecord) (*model.ImportRecord, []model.ImportRecord) {
	var body *model.ImportRecord
	rest := make([]model.ImportRecord, 0, len(recs))
	for i := range recs {
		if recs[i].ArtifactKind == model.ArtifactInlineTable && body == nil {
			body = &recs[i]
			continue
		}
		rest = append(rest, recs[i])
	}
	return body, rest
}

// reserve marks d in flight and reports whether this call did so.
func (p *Poller) reserve(d string) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if p.inflight[d] {
		return false
	}
	p.inflight[d] = true
	return true
}

func (p *Poller) release(ds ...string) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	for _, d := range ds {
		delete(p.inflight, d)
	}
}

func (p *Poller) claimMessage(id string) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if p.handling[id] {
		return false
	}
	p.handling[id] = true
	return true
}

func (p *Poller) releaseMessage(id string) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	delete(p.handling, id)
}

func discriminators(recs []model.ImportRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Discriminator
	}
	return out
}

func withoutRecords(ds []string, recs []model.ImportRecord) []string {
	keep := make(map[string]bool, len(recs))
	for _, r := range recs {
		keep[r.Discriminator] = true
	}
	var out []string
	for _, d := range ds {
		if !keep[d] {
			out = append(out, d)
		}
	}
	return out
}
