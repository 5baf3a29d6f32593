package sync_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/orientinsight/bookingmail/internal/classifier"
	"github.com/orientinsight/bookingmail/internal/extract"
	"github.com/orientinsight/bookingmail/internal/importer"
	"github.com/orientinsight/bookingmail/internal/mailbox"
	"github.com/orientinsight/bookingmail/internal/model"
	"github.com/orientinsight/bookingmail/internal/reconcile"
	"github.com/orientinsight/bookingmail/internal/staging"
	"github.com/orientinsight/bookingmail/internal/store"
	bmsync "github.com/orientinsight/bookingmail/internal/sync"
	"github.com/orientinsight/bookingmail/internal/testutil"
)

type fakeMailbox struct {
	mu        sync.Mutex
	messages  []*mailbox.MessageDetail
	files     map[string][]byte
	marked    map[string]int
	listErr   error
	markErr   error
	listCalls atomic.Int32

	// When block is set the first download closes blocked, then waits
	// for block to close.
	block     chan struct{}
	blocked   chan struct{}
	blockOnce sync.Once
}

func newFakeMailbox(msgs ...*mailbox.MessageDetail) *fakeMailbox {
	return &fakeMailbox{messages: msgs, files: map[string][]byte{}, marked: map[string]int{}}
}

func (f *fakeMailbox) ListCandidates(_ context.Context, _ time.Duration, _ mailbox.AllowList) ([]mailbox.MessageRef, error) {
	f.listCalls.Add(1)
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []mailbox.MessageRef
	for _, m := range f.messages {
		if f.marked[m.Ref.ID] == 0 {
			out = append(out, m.Ref)
		}
	}
	return out, nil
}

func (f *fakeMailbox) FetchDetail(_ context.Context, ref mailbox.MessageRef) (*mailbox.MessageDetail, error) {
	for _, m := range f.messages {
		if m.Ref.ID == ref.ID {
			return m, nil
		}
	}
	return nil, errors.New("no such message")
}

func (f *fakeMailbox) DownloadAttachment(_ context.Context, ref mailbox.MessageRef, id string) ([]byte, error) {
	if f.block != nil {
		first := false
		f.blockOnce.Do(func() { first = true })
		if first {
			close(f.blocked)
			<-f.block
		}
	}
	data, ok := f.files[ref.ID+"/"+id]
	if !ok {
		return nil, errors.New("no such attachment")
	}
	return data, nil
}

func (f *fakeMailbox) MarkProcessed(_ context.Context, ref mailbox.MessageRef) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked[ref.ID]++
	return nil
}

func (f *fakeMailbox) markedCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marked[id]
}

var (
	bodyStart  = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	sheetStart = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	bodyFlight = "HY 602"
)

// orderingExtractor records the order kinds start and finish in. Every
// kind reports booking 26CO-USB07: the body table with bodyStart and an
// arrival flight, the spreadsheet with sheetStart, scans with neither.
type orderingExtractor struct {
	mu           sync.Mutex
	events       []string
	fail         atomic.Bool
	failBodyOnce atomic.Bool
}

func (o *orderingExtractor) Extract(_ context.Context, _ []byte, kind model.ArtifactKind) (extract.Result, error) {
	o.record("start " + string(kind))
	if kind == model.ArtifactInlineTable {
		time.Sleep(30 * time.Millisecond)
	}
	defer o.record("end " + string(kind))

	if o.fail.Load() || (kind == model.ArtifactInlineTable && o.failBodyOnce.CompareAndSwap(true, false)) {
		return nil, &extract.ExtractionError{Op: "request", Retryable: true, Err: errors.New("503")}
	}

	c := model.CandidateBooking{BusinessKey: "26CO-USB07"}
	switch kind {
	case model.ArtifactInlineTable:
		start, flight := bodyStart, bodyFlight
		c.StartDate = &start
		c.ArrivalFlight = &flight
	case model.ArtifactSpreadsheet:
		start := sheetStart
		c.StartDate = &start
	}
	return extract.ValidBatch{Candidates: []model.CandidateBooking{c}}, nil
}

func (o *orderingExtractor) record(e string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *orderingExtractor) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

type harness struct {
	store  *store.SQLiteStore
	stager *staging.FSStager
	mb     *fakeMailbox
	ext    *orderingExtractor
	poller *bmsync.Poller
}

func newHarness(t *testing.T, cfg model.PollerConfig, mb *fakeMailbox) *harness {
	t.Helper()

	s := testutil.NewTestStore(t)
	testutil.SeedClassifications(t, s, "CO")

	stager, err := staging.NewFSStager(t.TempDir())
	require.NoError(t, err)

	h := &harness{store: s, stager: stager, mb: mb, ext: &orderingExtractor{}}
	h.poller = newPoller(t, cfg, h)
	return h
}

// newPoller builds a poller over the harness's store and staging area.
// RunOnce drains and stops the pool, so each RunOnce needs a fresh one.
func newPoller(t *testing.T, cfg model.PollerConfig, h *harness) *bmsync.Poller {
	log := zaptest.NewLogger(t)
	imp := importer.New(h.store, h.stager, h.ext, reconcile.New(h.store, log), nil,
		model.ImporterConfig{MaxRetries: 3}, log)
	cls := classifier.New(model.ClassifierConfig{
		TripMarkers:   []string{"tour"},
		PaxMarkers:    []string{"pax"},
		MinImageBytes: 16,
	})
	return bmsync.New(cfg, h.mb, h.store, "@orient-insight.uz", cls, imp, log)
}

func defaultPollerConfig() model.PollerConfig {
	return model.PollerConfig{
		Enabled:      true,
		Interval:     time.Hour,
		SearchWindow: 7 * 24 * time.Hour,
		Workers:      2,
		QueueSize:    4,
		RetryBatch:   10,
	}
}

func bookingMessage(id string) (*mailbox.MessageDetail, map[string][]byte) {
	detail := &mailbox.MessageDetail{
		Ref:      mailbox.MessageRef{ID: id, UID: 7},
		Subject:  "Bookings for May",
		Sender:   "ops@orient-insight.uz",
		Date:     time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC),
		HTMLBody: "<table><tr><td>Tour</td><td>Pax</td></tr><tr><td>26CO-USB07</td><td>4</td></tr></table>",
		Attachments: []mailbox.Attachment{
			{ID: "1", Ordinal: 1, Filename: "list.csv", MIMEType: "text/csv", Size: 40},
			{ID: "2", Ordinal: 2, Filename: "scan.png", MIMEType: "image/png", Size: 2048},
			{ID: "3", Ordinal: 3, Filename: "logo.png", MIMEType: "image/png", Size: 2048, ContentID: "logo"},
		},
	}
	files := map[string][]byte{
		id + "/1": []byte("booking_code\n26CO-USB07\n"),
		id + "/2": []byte("\x89PNG fake scan bytes"),
		id + "/3": []byte("\x89PNG logo"),
	}
	return detail, files
}

func TestRunOnce_ProcessesBodyTableBeforeAttachments(t *testing.T) {
	detail, files := bookingMessage("msg-1@partner")
	mb := newFakeMailbox(detail)
	mb.files = files
	h := newHarness(t, defaultPollerConfig(), mb)

	stats, err := h.poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Candidates)
	assert.Equal(t, 3, stats.Artifacts)
	assert.Equal(t, 1, stats.Dispatched)
	assert.Equal(t, 1, mb.markedCount("msg-1@partner"))

	events := h.ext.snapshot()
	require.Len(t, events, 6)
	assert.Equal(t, "start INLINE_TABLE", events[0])
	assert.Equal(t, "end INLINE_TABLE", events[1])

	recs, err := h.store.ListImports(context.Background(), store.ImportFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.Equal(t, model.ImportSuccess, r.Status, r.Discriminator)
	}

	_, err = h.store.GetImport(context.Background(), "msg-1@partner::logo.png")
	assert.ErrorIs(t, err, store.ErrNotFound, "inline logos are never artifacts")

	b, err := h.store.GetBooking(context.Background(), "26CO-USB07", 2026)
	require.NoError(t, err)
	require.NotNil(t, b.StartDate)
	assert.True(t, b.StartDate.Equal(sheetStart), "spreadsheet date wins over the body table, got %s", b.StartDate)
	require.NotNil(t, b.ArrivalFlight)
	assert.Equal(t, bodyFlight, *b.ArrivalFlight)
}

func TestRunPollCycle_DisallowedSender(t *testing.T) {
	detail, files := bookingMessage("msg-2@blocked")
	detail.Sender = "someone@blocked.example"
	mb := newFakeMailbox(detail)
	mb.files = files
	h := newHarness(t, defaultPollerConfig(), mb)

	stats, err := h.poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Disallowed)
	assert.Zero(t, stats.Artifacts)
	assert.Equal(t, 1, mb.markedCount("msg-2@blocked"), "disallowed messages are still marked")

	recs, err := h.store.ListImports(context.Background(), store.ImportFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, h.ext.snapshot())
}

func TestRunPollCycle_PersistedAllowlistOverridesDefault(t *testing.T) {
	detail, files := bookingMessage("msg-3@partner")
	detail.Sender = "Agent <agent@partner.example>"
	mb := newFakeMailbox(detail)
	mb.files = files
	h := newHarness(t, defaultPollerConfig(), mb)
	require.NoError(t, h.store.SetSenderAllowlist(context.Background(), []string{"@partner.example"}))

	stats, err := h.poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Disallowed)
	assert.Equal(t, 3, stats.Artifacts)
}

func TestRunPollCycle_ZeroCandidates(t *testing.T) {
	h := newHarness(t, defaultPollerConfig(), newFakeMailbox())

	stats, err := h.poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, bmsync.CycleStats{}, stats)
}

func TestRunPollCycle_ProviderErrorTouchesNothing(t *testing.T) {
	mb := newFakeMailbox()
	mb.listErr = &mailbox.AuthError{Username: "ops", Message: "invalid credentials"}
	h := newHarness(t, defaultPollerConfig(), mb)

	_, err := h.poller.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, mailbox.IsAuthError(err))
}

func TestRunPollCycle_RelistedMessageIsNotRedispatched(t *testing.T) {
	detail, files := bookingMessage("msg-4@partner")
	mb := newFakeMailbox(detail)
	mb.files = files
	mb.markErr = errors.New("connection reset")
	h := newHarness(t, defaultPollerConfig(), mb)

	stats, err := h.poller.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Artifacts)

	// The mark failed, so the next cycle lists the message again.
	second := newPoller(t, defaultPollerConfig(), h)

	stats, err = second.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Candidates)
	assert.Zero(t, stats.Artifacts)
	assert.Zero(t, stats.Dispatched)
	assert.Len(t, h.ext.snapshot(), 6, "no artifact is extracted twice")
}

func TestRunPollCycle_RetriesFailedRecords(t *testing.T) {
	detail, files := bookingMessage("msg-5@partner")
	detail.Attachments = detail.Attachments[:1]
	mb := newFakeMailbox(detail)
	mb.files = files
	h := newHarness(t, defaultPollerConfig(), mb)
	h.ext.fail.Store(true)

	_, err := h.poller.RunOnce(context.Background())
	require.NoError(t, err)

	rec, err := h.store.GetImport(context.Background(), "msg-5@partner::list.csv")
	require.NoError(t, err)
	assert.Equal(t, model.ImportFailed, rec.Status)

	h.ext.fail.Store(false)
	retry := newPoller(t, defaultPollerConfig(), h)
	stats, err := retry.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Retried)
	assert.Zero(t, stats.Candidates, "the message was already marked processed")

	rec, err = h.store.GetImport(context.Background(), "msg-5@partner::list.csv")
	require.NoError(t, err)
	assert.Equal(t, model.ImportSuccess, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
}

func TestRunPollCycle_RetriedBodyTableKeepsAttachmentData(t *testing.T) {
	detail, files := bookingMessage("msg-7@partner")
	detail.Attachments = detail.Attachments[:1]
	mb := newFakeMailbox(detail)
	mb.files = files
	h := newHarness(t, defaultPollerConfig(), mb)
	h.ext.failBodyOnce.Store(true)
	ctx := context.Background()

	_, err := h.poller.RunOnce(ctx)
	require.NoError(t, err)

	body, err := h.store.GetImport(ctx, "msg-7@partner::BODY_TABLE")
	require.NoError(t, err)
	assert.Equal(t, model.ImportFailed, body.Status)

	b, err := h.store.GetBooking(ctx, "26CO-USB07", 2026)
	require.NoError(t, err)
	assert.True(t, b.StartDate.Equal(sheetStart))
	assert.Nil(t, b.ArrivalFlight)

	retry := newPoller(t, defaultPollerConfig(), h)
	stats, err := retry.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)

	body, err = h.store.GetImport(ctx, "msg-7@partner::BODY_TABLE")
	require.NoError(t, err)
	assert.Equal(t, model.ImportSuccess, body.Status)
	require.NotNil(t, body.ResultSummary)
	assert.Contains(t, body.ResultSummary.Note, "superseded by attachment")

	b, err = h.store.GetBooking(ctx, "26CO-USB07", 2026)
	require.NoError(t, err)
	assert.True(t, b.StartDate.Equal(sheetStart), "retried body table must not overwrite the spreadsheet date, got %s", b.StartDate)
	require.NotNil(t, b.ArrivalFlight, "fields the attachment lacked are still filled")
	assert.Equal(t, bodyFlight, *b.ArrivalFlight)
	assert.Equal(t, "msg-7@partner::list.csv", b.SourceImport)
}

func TestRunPollCycle_OverlappingCycleLeavesRegisteringMessageAlone(t *testing.T) {
	detail, files := bookingMessage("msg-8@partner")
	mb := newFakeMailbox(detail)
	mb.files = files
	mb.block = make(chan struct{})
	mb.blocked = make(chan struct{})
	h := newHarness(t, defaultPollerConfig(), mb)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.poller.RunOnce(ctx)
		done <- err
	}()
	<-mb.blocked

	rec, err := h.store.GetImport(ctx, "msg-8@partner::BODY_TABLE")
	require.NoError(t, err)
	assert.Equal(t, model.ImportPending, rec.Status, "body is registered while attachments download")

	stats, err := h.poller.RunPollCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Retried, "the sweep must not take a record that is still being registered")
	assert.Zero(t, stats.Artifacts)
	assert.Zero(t, stats.Dispatched)

	close(mb.block)
	require.NoError(t, <-done)

	events := h.ext.snapshot()
	require.Len(t, events, 6)
	assert.Equal(t, "start INLINE_TABLE", events[0])
	assert.Equal(t, "end INLINE_TABLE", events[1])

	recs, err := h.store.ListImports(ctx, store.ImportFilter{MessageID: "msg-8@partner"})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.Equal(t, model.ImportSuccess, r.Status, r.Discriminator)
	}
}

func TestStart_DisabledSchedulesNothing(t *testing.T) {
	cfg := defaultPollerConfig()
	cfg.Enabled = false
	mb := newFakeMailbox()
	h := newHarness(t, cfg, mb)

	h.poller.Start(context.Background())
	time.Sleep(30 * time.Millisecond)

	assert.Zero(t, mb.listCalls.Load())
	assert.NoError(t, h.poller.Stop(context.Background()))
}

func TestStart_RunsOnIntervalUntilStopped(t *testing.T) {
	cfg := defaultPollerConfig()
	cfg.Interval = 10 * time.Millisecond
	mb := newFakeMailbox()
	h := newHarness(t, cfg, mb)

	h.poller.Start(context.Background())
	assert.Eventually(t, func() bool { return mb.listCalls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.poller.Stop(ctx))

	calls := mb.listCalls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, mb.listCalls.Load(), "no cycles after Stop")
}

func TestStart_WaitsForStartupDelay(t *testing.T) {
	cfg := defaultPollerConfig()
	cfg.StartupDelay = time.Hour
	mb := newFakeMailbox()
	h := newHarness(t, cfg, mb)

	h.poller.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, mb.listCalls.Load())

	require.NoError(t, h.poller.Stop(context.Background()))
}
