package recovery_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"flipbook/internal/lease"
	"flipbook/internal/models"
	"flipbook/internal/pathresolver"
	"flipbook/internal/pdf"
	"flipbook/internal/pipeline"
	"flipbook/internal/recovery"
	testhelpers "flipbook/internal/test_helpers"
)

type recordingQueue struct {
	jobs []models.Job
}

func (q *recordingQueue) Enqueue(_ context.Context, job models.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

type env struct {
	store *testhelpers.MemoryStore
	queue *recordingQueue
	tool  *testhelpers.FakeTool
	svc   *recovery.Service
}

func newEnv(t *testing.T, counter pdf.PageCounter, roots ...string) *env {
	e := &env{
		store: testhelpers.NewMemoryStore(),
		queue: &recordingQueue{},
		tool:  &testhelpers.FakeTool{Pages: 4},
	}
	locator := pipeline.LocatorFunc(func(context.Context) (pipeline.Toolchain, error) { return e.tool, nil })
	sweeper := pipeline.NewSweeper(e.store, lease.NewMemory(), e.queue, 30*time.Minute, zerolog.Nop())
	e.svc = recovery.NewService(e.store, pdf.NewResolver(counter, zerolog.Nop()), locator,
		pathresolver.New(roots, e.store, zerolog.Nop()), e.queue, sweeper, zerolog.Nop())
	return e
}

func (e *env) put(status models.ProcessingStatus, path string, totalPages int) *models.Magazine {
	m := &models.Magazine{
		ID:               uuid.New(),
		Title:            "Issue",
		Slug:             uuid.NewString()[:8],
		ProcessingStatus: status,
		TotalPages:       totalPages,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
	if path != "" {
		m.OriginalFilePath = &path
	}
	e.store.Put(m)
	return m
}

func byID(r *recovery.Report) map[uuid.UUID]recovery.Result {
	out := make(map[uuid.UUID]recovery.Result, len(r.Results))
	for _, res := range r.Results {
		out[res.MagazineID] = res
	}
	return out
}

func TestService_FixFilePaths(t *testing.T) {
	// given
	ctx := context.Background()
	oldRoot, newRoot := t.TempDir(), t.TempDir()
	e := newEnv(t, testhelpers.CountingPages{N: 1}, newRoot)

	id := uuid.NewString()
	moved := testhelpers.WritePDF(t, newRoot, filepath.Join("flipbooks", id, "issue.pdf"), 1)
	stale := e.put(models.StatusCompleted, filepath.Join(oldRoot, "flipbooks", id, "issue.pdf"), 1)
	okPath := testhelpers.WritePDF(t, oldRoot, "flipbooks/ok/ok.pdf", 1)
	ok := e.put(models.StatusCompleted, okPath, 1)
	gone := e.put(models.StatusCompleted, filepath.Join(oldRoot, "flipbooks", "gone", "gone.pdf"), 1)
	e.put(models.StatusPending, "", 0)

	// when
	report, err := e.svc.FixFilePaths(ctx)

	// then
	require.NoError(t, err)
	results := byID(report)
	require.Len(t, results, 3)
	require.Equal(t, recovery.OutcomeUpdated, results[stale.ID].Outcome)
	require.Equal(t, recovery.OutcomeOK, results[ok.ID].Outcome)
	require.Equal(t, recovery.OutcomeMissing, results[gone.ID].Outcome)
	require.Equal(t, 1, report.Count(recovery.OutcomeUpdated))

	healed, err := e.store.GetMagazine(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, moved, healed.FilePath())
	require.Equal(t, 1, e.store.PathWrites[stale.ID])
	require.Zero(t, e.store.PathWrites[ok.ID])

	t.Run("should report everything ok on a second pass", func(t *testing.T) {
		again, err := e.svc.FixFilePaths(ctx)

		require.NoError(t, err)
		require.Equal(t, 2, again.Count(recovery.OutcomeOK))
		require.Equal(t, 1, e.store.PathWrites[stale.ID])
	})
}

func TestService_IdentifyCorrupted(t *testing.T) {
	// given
	ctx := context.Background()
	dir := t.TempDir()
	e := newEnv(t, testhelpers.CountingPages{N: 1})

	valid := e.put(models.StatusCompleted, testhelpers.WritePDF(t, dir, "valid.pdf", 2), 2)
	empty := e.put(models.StatusCompleted, testhelpers.WriteFile(t, dir, "empty.pdf", nil), 2)
	header := e.put(models.StatusCompleted, testhelpers.WriteFile(t, dir, "header.pdf", []byte("GIF89a %%EOF")), 2)
	trailer := e.put(models.StatusFailed, testhelpers.WriteFile(t, dir, "trailer.pdf", []byte("%PDF-1.4\ntruncated")), 0)
	missing := e.put(models.StatusCompleted, filepath.Join(dir, "missing.pdf"), 2)

	// when
	report, err := e.svc.IdentifyCorrupted(ctx)

	// then
	require.NoError(t, err)
	results := byID(report)
	require.Equal(t, recovery.OutcomeValid, results[valid.ID].Outcome)
	for id, reason := range map[uuid.UUID]string{
		empty.ID:   "empty",
		header.ID:  "bad header",
		trailer.ID: "bad trailer",
		missing.ID: "missing",
	} {
		require.Equal(t, recovery.OutcomeCorrupted, results[id].Outcome)
		require.Equal(t, reason, results[id].Reason)
	}
	require.Empty(t, e.store.PathWrites)
	require.Empty(t, e.store.Statuses)
}

func TestService_ReprocessZeroPage(t *testing.T) {
	// given
	ctx := context.Background()
	dir := t.TempDir()
	e := newEnv(t, testhelpers.CountingPages{N: 4})

	zero := e.put(models.StatusCompleted, testhelpers.WritePDF(t, dir, "zero.pdf", 4), 0)
	broken := e.put(models.StatusCompleted, filepath.Join(dir, "gone.pdf"), 0)
	fine := e.put(models.StatusCompleted, testhelpers.WritePDF(t, dir, "fine.pdf", 2), 2)

	// when
	report, err := e.svc.ReprocessZeroPage(ctx)

	// then
	require.NoError(t, err)
	results := byID(report)
	require.Len(t, results, 2)
	require.Equal(t, recovery.OutcomeUpdated, results[zero.ID].Outcome)
	require.Equal(t, recovery.OutcomeMissing, results[broken.ID].Outcome)
	_, touched := results[fine.ID]
	require.False(t, touched)

	got, _ := e.store.GetMagazine(ctx, zero.ID)
	require.Equal(t, 4, got.TotalPages)
	require.Equal(t, models.StatusCompleted, got.ProcessingStatus)
	require.Empty(t, e.tool.Renders)
}

func TestService_ReprocessZeroPage_Fallback(t *testing.T) {
	// given
	ctx := context.Background()
	e := newEnv(t, testhelpers.CountingPages{Err: errors.New("cannot parse")})
	e.tool.Pages = 6
	m := e.put(models.StatusCompleted, testhelpers.WritePDF(t, t.TempDir(), "a.pdf", 6), 0)

	// when
	report, err := e.svc.ReprocessZeroPage(ctx)

	// then
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(recovery.OutcomeUpdated))
	got, _ := e.store.GetMagazine(ctx, m.ID)
	require.Equal(t, 6, got.TotalPages)
}

func TestService_Regenerate(t *testing.T) {
	// given
	ctx := context.Background()
	dir := t.TempDir()
	e := newEnv(t, testhelpers.CountingPages{N: 1})

	withPages := e.put(models.StatusCompleted, filepath.Join(dir, "gone.pdf"), 2)
	for page := 1; page <= 2; page++ {
		require.NoError(t, e.store.SavePage(ctx, &models.Page{MagazineID: withPages.ID, PageNumber: page}))
	}
	corrupt := e.put(models.StatusCompleted, testhelpers.WriteFile(t, dir, "bad.pdf", []byte("nope")), 1)
	require.NoError(t, e.store.SavePage(ctx, &models.Page{MagazineID: corrupt.ID, PageNumber: 1}))
	noPages := e.put(models.StatusFailed, "", 0)
	healthy := e.put(models.StatusCompleted, testhelpers.WritePDF(t, dir, "ok.pdf", 1), 1)

	// when
	report, err := e.svc.Regenerate(ctx)

	// then
	require.NoError(t, err)
	results := byID(report)
	require.Equal(t, recovery.OutcomeManual, results[withPages.ID].Outcome)
	require.Equal(t, "missing", results[withPages.ID].Reason)
	require.Equal(t, recovery.OutcomeManual, results[corrupt.ID].Outcome)
	require.Equal(t, "bad header", results[corrupt.ID].Reason)
	require.Equal(t, recovery.OutcomeSkipped, results[noPages.ID].Outcome)
	require.Equal(t, recovery.OutcomeOK, results[healthy.ID].Outcome)

	n, _ := e.store.CountPages(ctx, withPages.ID)
	require.Equal(t, 2, n)
}

func TestService_Reprocess(t *testing.T) {
	ctx := context.Background()

	t.Run("should enqueue a reprocess job with the stored path", func(t *testing.T) {
		// given
		e := newEnv(t, testhelpers.CountingPages{N: 1})
		m := e.put(models.StatusFailed, "/data/flipbooks/x/x.pdf", 0)

		// when
		res, err := e.svc.Reprocess(ctx, m.ID)

		// then
		require.NoError(t, err)
		require.Equal(t, recovery.OutcomeEnqueued, res.Outcome)
		require.Len(t, e.queue.jobs, 1)
		require.Equal(t, models.ReasonReprocess, e.queue.jobs[0].Reason)
		require.Equal(t, "/data/flipbooks/x/x.pdf", e.queue.jobs[0].FilePath)
	})

	t.Run("should refuse a magazine without a stored file", func(t *testing.T) {
		e := newEnv(t, testhelpers.CountingPages{N: 1})
		m := e.put(models.StatusPending, "", 0)

		_, err := e.svc.Reprocess(ctx, m.ID)

		require.ErrorIs(t, err, models.ErrFileNotFound)
		require.Empty(t, e.queue.jobs)
	})

	t.Run("should return not found for an unknown id", func(t *testing.T) {
		e := newEnv(t, testhelpers.CountingPages{N: 1})

		_, err := e.svc.Reprocess(ctx, uuid.New())

		require.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestService_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("should sweep stale runs and report hooks", func(t *testing.T) {
		// given
		e := newEnv(t, testhelpers.CountingPages{N: 1})
		m := e.put(models.StatusProcessing, "/data/staging/a.pdf", 0)
		stuck, _ := e.store.GetMagazine(ctx, m.ID)
		stuck.UpdatedAt = time.Now().Add(-time.Hour)
		e.store.Put(stuck)

		var started, records int
		e.svc.SetHooks(recovery.Hooks{
			OnStart:  func(_ string, total int) { started = total },
			OnRecord: func(recovery.Result) { records++ },
		})

		// when
		report, err := e.svc.Run(ctx, recovery.OpSweep)

		// then
		require.NoError(t, err)
		require.Equal(t, 1, report.Count(recovery.OutcomeEnqueued))
		require.Equal(t, 1, started)
		require.Equal(t, 1, records)
		require.Equal(t, models.ReasonSweep, e.queue.jobs[0].Reason)
	})

	t.Run("should reject an unknown operation", func(t *testing.T) {
		e := newEnv(t, testhelpers.CountingPages{N: 1})

		_, err := e.svc.Run(ctx, "defragment")

		require.ErrorIs(t, err, recovery.ErrUnknownOperation)
	})
}
