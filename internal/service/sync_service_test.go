package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dp-chatbot-go/internal/config"
	"dp-chatbot-go/internal/model"
	"dp-chatbot-go/internal/repository"
	"dp-chatbot-go/pkg/errs"
	"dp-chatbot-go/pkg/provider"
	"dp-chatbot-go/pkg/tasks"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryFiles struct {
	mu        sync.Mutex
	byExt     map[string]*model.SyncedFile
	nextID    uint
	upsertErr map[string]error

	released  map[uint]*string
	processed map[uint]string
	reclaims  int
	// claimFailures 次 ClaimBatch 返回瞬时错误
	claimFailures int
	claimCalls    int
}

func newMemoryFiles() *memoryFiles {
	return &memoryFiles{
		byExt:     map[string]*model.SyncedFile{},
		upsertErr: map[string]error{},
		released:  map[uint]*string{},
		processed: map[uint]string{},
	}
}

func (m *memoryFiles) seed(f model.SyncedFile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	f.ID = m.nextID
	m.byExt[f.ExternalID] = &f
}

func (m *memoryFiles) FindByExternalIDs(ctx context.Context, ids []string) (map[string]*model.SyncedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]*model.SyncedFile{}
	for _, id := range ids {
		if f, ok := m.byExt[id]; ok {
			cp := *f
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *memoryFiles) FindByID(ctx context.Context, id uint) (*model.SyncedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.byExt {
		if f.ID == id {
			cp := *f
			return &cp, nil
		}
	}
	return nil, errs.NotFound("synced_files.get", "file not found")
}

func (m *memoryFiles) Upsert(ctx context.Context, f *model.SyncedFile) (repository.UpsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.upsertErr[f.ExternalID]; err != nil {
		return repository.UpsertOutcome{}, err
	}
	cur, ok := m.byExt[f.ExternalID]
	if !ok {
		m.nextID++
		cp := *f
		cp.ID = m.nextID
		cp.SyncStatus, cp.NeedsProcessing = model.SyncStatusPending, true
		m.byExt[f.ExternalID] = &cp
		return repository.UpsertOutcome{Record: &cp, WasInserted: true}, nil
	}
	cur.ModifiedTime = f.ModifiedTime
	cur.NeedsProcessing = true
	if cur.SyncStatus != model.SyncStatusProcessing {
		cur.SyncStatus = model.SyncStatusPending
	}
	return repository.UpsertOutcome{Record: cur}, nil
}

func (m *memoryFiles) ClaimBatch(ctx context.Context, limit int) ([]model.SyncedFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimCalls++
	if m.claimFailures > 0 {
		m.claimFailures--
		return nil, errs.Transient("synced_files.claim_batch", errors.New("driver: bad connection"))
	}
	var out []model.SyncedFile
	for id := uint(1); id <= m.nextID && len(out) < limit; id++ {
		for _, f := range m.byExt {
			if f.ID == id && f.NeedsProcessing && f.SyncStatus != model.SyncStatusProcessing {
				f.SyncStatus, f.NeedsProcessing = model.SyncStatusProcessing, false
				out = append(out, *f)
			}
		}
	}
	return out, nil
}

func (m *memoryFiles) Release(ctx context.Context, id uint, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released[id] = errMsg
	for _, f := range m.byExt {
		if f.ID == id {
			if errMsg == nil {
				f.SyncStatus, f.NeedsProcessing = model.SyncStatusPending, true
			} else {
				f.SyncStatus = model.SyncStatusError
			}
		}
	}
	return nil
}

func (m *memoryFiles) MarkProcessed(ctx context.Context, id uint, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[id] = documentID
	for _, f := range m.byExt {
		if f.ID == id {
			f.SyncStatus = model.SyncStatusSynced
		}
	}
	return nil
}

func (m *memoryFiles) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reclaims++
	return 0, nil
}

type memoryLocks struct {
	mu      sync.Mutex
	holders map[string]string
}

func (l *memoryLocks) Acquire(ctx context.Context, folderID, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.holders[folderID]; ok && cur != holder {
		return false, nil
	}
	l.holders[folderID] = holder
	return true, nil
}

func (l *memoryLocks) Release(ctx context.Context, folderID, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[folderID] == holder {
		delete(l.holders, folderID)
	}
	return nil
}

type listingProvider struct {
	files   map[string][]provider.SourceFile
	listErr error
}

func (p *listingProvider) ListFiles(ctx context.Context, folderID string, recursive bool) ([]provider.SourceFile, error) {
	return p.files[folderID], p.listErr
}

func (p *listingProvider) FetchTabular(ctx context.Context, fileID string) (*provider.TabularContent, error) {
	return nil, errs.NotFound("fake.fetch", "not used")
}

func (p *listingProvider) FetchText(ctx context.Context, fileID string) (*provider.TextContent, error) {
	return nil, errs.NotFound("fake.fetch", "not used")
}

type scriptedProcessor struct {
	fail   map[string]error
	panics map[string]bool
	calls  []string
}

func (p *scriptedProcessor) Process(ctx context.Context, src provider.Provider, f *model.SyncedFile) (string, error) {
	p.calls = append(p.calls, f.ExternalID)
	if p.panics[f.ExternalID] {
		panic("boom")
	}
	if err := p.fail[f.ExternalID]; err != nil {
		return "", err
	}
	return model.DocumentIDFor(f.ExternalID), nil
}

type spyPublisher struct {
	mu    sync.Mutex
	tasks []tasks.ProcessPendingTask
}

func (p *spyPublisher) PublishProcessTask(ctx context.Context, task tasks.ProcessPendingTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	return nil
}

type spyDocs struct {
	fakeDocs
	deleteErr error
	deleted   []string
}

func (d *spyDocs) Delete(ctx context.Context, id string) error {
	if d.deleteErr != nil {
		return d.deleteErr
	}
	d.deleted = append(d.deleted, id)
	return nil
}

type syncFixture struct {
	files     *memoryFiles
	locks     *memoryLocks
	docs      *spyDocs
	index     *spyIndex
	src       *listingProvider
	processor *scriptedProcessor
	publisher *spyPublisher
	svc       SyncService
}

func newSyncFixture(cfg config.SyncConfig) *syncFixture {
	f := &syncFixture{
		files:     newMemoryFiles(),
		locks:     &memoryLocks{holders: map[string]string{}},
		docs:      &spyDocs{},
		index:     &spyIndex{},
		src:       &listingProvider{files: map[string][]provider.SourceFile{}},
		processor: &scriptedProcessor{fail: map[string]error{}, panics: map[string]bool{}},
		publisher: &spyPublisher{},
	}
	f.svc = NewSyncService(f.files, f.locks, f.docs, f.index, provider.Static(f.src), f.processor, f.publisher, cfg)
	return f
}

var modified = time.Date(2026, 3, 2, 10, 30, 0, 123000000, time.UTC)

func TestDiscoverAndReconcile(t *testing.T) {
	fx := newSyncFixture(config.SyncConfig{Folders: []config.FolderConfig{{ID: "root", Team: "planning"}}})
	// 同一时间点，不同时区表示
	fx.files.seed(model.SyncedFile{ExternalID: "same", SyncStatus: model.SyncStatusSynced, ModifiedTime: modified})
	fx.files.seed(model.SyncedFile{ExternalID: "changed", SyncStatus: model.SyncStatusSynced, ModifiedTime: modified.Add(-time.Hour)})
	fx.files.seed(model.SyncedFile{ExternalID: "failed-before", SyncStatus: model.SyncStatusError, ModifiedTime: modified})
	fx.files.upsertErr["broken"] = errs.Validation("synced_files.upsert", "bad row")

	shanghai := time.FixedZone("CST", 8*3600)
	fx.src.files["root"] = []provider.SourceFile{
		{ID: "same", Name: "a", Kind: provider.KindTabular, ModifiedTime: modified.In(shanghai)},
		{ID: "changed", Name: "b", Kind: provider.KindTabular, ModifiedTime: modified},
		{ID: "failed-before", Name: "c", Kind: provider.KindText, ModifiedTime: modified},
		{ID: "fresh", Name: "d", Kind: provider.KindText, ModifiedTime: modified},
		{ID: "broken", Name: "e", Kind: provider.KindText, ModifiedTime: modified},
	}

	res, err := fx.svc.DiscoverAndReconcile(context.Background(), "root", provider.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, IngestResult{FolderID: "root", New: 1, Updated: 2, Skipped: 1, Errors: 1}, *res)

	fresh := fx.files.byExt["fresh"]
	assert.Equal(t, "planning", fresh.Team)
	assert.Equal(t, "root", fresh.FolderID)
	assert.True(t, fresh.NeedsProcessing)
}

func TestDiscoverAndReconcileListingFailure(t *testing.T) {
	fx := newSyncFixture(config.SyncConfig{})
	fx.src.listErr = errs.NotFound("gdrive.list", "folder not found")

	_, err := fx.svc.DiscoverAndReconcile(context.Background(), "missing", provider.Credentials{})
	assert.True(t, errs.IsNotFound(err))

	_, err = fx.svc.DiscoverAndReconcile(context.Background(), "", provider.Credentials{})
	assert.True(t, errs.IsValidation(err))
}

func TestIngestFolderHoldsLock(t *testing.T) {
	fx := newSyncFixture(config.SyncConfig{})
	fx.src.files["root"] = []provider.SourceFile{{ID: "f1", Kind: provider.KindText, ModifiedTime: modified}}

	// 其他进程持有锁
	fx.locks.holders["root"] = "someone-else"
	_, err := fx.svc.IngestFolder(context.Background(), "root", provider.Credentials{})
	require.Error(t, err)
	assert.True(t, errs.IsConflict(err))
	assert.Equal(t, "someone-else", fx.locks.holders["root"], "a failed acquire never releases another holder's lock")

	delete(fx.locks.holders, "root")
	res, err := fx.svc.IngestFolder(context.Background(), "root", provider.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.New)
	assert.Empty(t, fx.locks.holders, "lock is released after the sync")
}

func TestFolderLockTokensAreUniquePerAcquisition(t *testing.T) {
	fx := newSyncFixture(config.SyncConfig{})
	ctx := context.Background()

	first, ok, err := fx.svc.AcquireFolderLock(ctx, "root", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, first)
	_, ok, err = fx.svc.AcquireFolderLock(ctx, "root", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, fx.svc.ReleaseFolderLock(ctx, "root", first))
	assert.Empty(t, fx.locks.holders)
	assert.NoError(t, fx.svc.ReleaseFolderLock(ctx, "root", first), "releasing twice is a no-op")
}

func TestFolderLockExpiredTokenCannotReleaseNewHolder(t *testing.T) {
	fx := newSyncFixture(config.SyncConfig{})
	ctx := context.Background()

	first, ok, err := fx.svc.AcquireFolderLock(ctx, "root", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// 第一次的锁过期后被重新获取
	delete(fx.locks.holders, "root")
	second, ok, err := fx.svc.AcquireFolderLock(ctx, "root", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, first, second)

	require.NoError(t, fx.svc.ReleaseFolderLock(ctx, "root", first))
	assert.Equal(t, second, fx.locks.holders["root"], "stale token leaves the new lock in place")

	require.NoError(t, fx.svc.ReleaseFolderLock(ctx, "root", second))
	assert.Empty(t, fx.locks.holders)
}

func TestProcessPendingIsolatesFailures(t *testing.T) {
	fx := newSyncFixture(config.SyncConfig{})
	for _, id := range []string{"ok", "bad", "explodes"} {
		fx.files.seed(model.SyncedFile{ExternalID: id, Name: id, SyncStatus: model.SyncStatusPending, NeedsProcessing: true})
	}
	fx.processor.fail["bad"] = errs.Validation("pipeline.process", "file produced no chunks")
	fx.processor.panics["explodes"] = true

	res, err := fx.svc.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, fx.files.reclaims)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Results, 3)
	assert.Equal(t, []string{"ok", "bad", "explodes"}, fx.processor.calls, "one bad file does not stop the batch")

	byName := map[string]FileResult{}
	for _, r := range res.Results {
		byName[r.ExternalID] = r
	}
	assert.Equal(t, FileStatusProcessed, byName["ok"].Status)
	assert.Equal(t, model.DocumentIDFor("ok"), byName["ok"].DocumentID)
	assert.Equal(t, model.DocumentIDFor("ok"), fx.files.processed[byName["ok"].FileID])

	assert.Equal(t, "file produced no chunks", byName["bad"].Error)
	bad := fx.files.released[byName["bad"].FileID]
	require.NotNil(t, bad)
	assert.Contains(t, *bad, "file produced no chunks")
	assert.Equal(t, "internal error", byName["explodes"].Error)
	boom := fx.files.released[byName["explodes"].FileID]
	require.NotNil(t, boom)
	assert.Equal(t, "panic: boom", *boom)
	assert.Equal(t, model.SyncStatusError, fx.files.byExt["explodes"].SyncStatus)
}

func TestProcessPendingKeepsInternalErrorsOutOfResults(t *testing.T) {
	fx := newSyncFixture(config.SyncConfig{})
	fx.files.seed(model.SyncedFile{ExternalID: "leaky", Name: "leaky", SyncStatus: model.SyncStatusPending, NeedsProcessing: true})
	fx.processor.fail["leaky"] = errs.Internal("documents.create",
		fmt.Errorf("dial tcp: lookup db.internal: root:s3cret@tcp(db.internal:3306)/dp"))

	res, err := fx.svc.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	fr := res.Results[0]
	assert.Equal(t, FileStatusFailed, fr.Status)
	assert.Equal(t, "internal error", fr.Error)
	assert.NotContains(t, fr.Error, "s3cret")

	stored := fx.files.released[fr.FileID]
	require.NotNil(t, stored)
	assert.Contains(t, *stored, "db.internal:3306", "full cause is kept in error_message")
}

func TestProcessPendingRetriesTransientClaimFailure(t *testing.T) {
	fx := newSyncFixture(config.SyncConfig{})
	fx.files.seed(model.SyncedFile{ExternalID: "a", SyncStatus: model.SyncStatusPending, NeedsProcessing: true})
	fx.files.claimFailures = 1

	res, err := fx.svc.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, fx.files.claimCalls)
	assert.Equal(t, 1, res.Processed)
}

func TestProcessPendingOpensProviderWithServerCredentials(t *testing.T) {
	fx := newSyncFixture(config.SyncConfig{})
	fx.files.seed(model.SyncedFile{ExternalID: "a", SyncStatus: model.SyncStatusPending, NeedsProcessing: true})
	var got []provider.Credentials
	factory := provider.FactoryFunc(func(ctx context.Context, creds provider.Credentials) (provider.Provider, error) {
		got = append(got, creds)
		return fx.src, nil
	})
	svc := NewSyncService(fx.files, fx.locks, fx.docs, fx.index, factory, fx.processor, nil, config.SyncConfig{})

	_, err := svc.ProcessPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsZero())
}

func TestProcessPendingEmptyQueue(t *testing.T) {
	fx := newSyncFixture(config.SyncConfig{})
	res, err := fx.svc.ProcessPending(context.Background(), 5)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
	assert.Empty(t, res.Results)
}

func TestProcessTaskDrainsQueue(t *testing.T) {
	fx := newSyncFixture(config.SyncConfig{})
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		fx.files.seed(model.SyncedFile{ExternalID: id, SyncStatus: model.SyncStatusPending, NeedsProcessing: true})
	}
	err := fx.svc.ProcessTask(context.Background(), tasks.ProcessPendingTask{TaskID: "t1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, fx.files.processed, 5)
}

func TestSyncTick(t *testing.T) {
	fx := newSyncFixture(config.SyncConfig{
		BatchSize: 7,
		Workers:   2,
		Folders:   []config.FolderConfig{{ID: "f1", Team: "planning"}, {ID: "f2", Team: "finance"}, {ID: "f3"}},
	})
	fx.src.files["f1"] = []provider.SourceFile{{ID: "x1", Kind: provider.KindText, ModifiedTime: modified}}
	fx.src.files["f2"] = []provider.SourceFile{{ID: "x2", Kind: provider.KindText, ModifiedTime: modified}}
	fx.locks.holders["f3"] = "scheduled-elsewhere"

	res, err := fx.svc.SyncTick(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Folders, 2)
	assert.Equal(t, []string{"f3"}, res.InProgress)
	assert.Empty(t, res.Failed)
	assert.True(t, res.Published)
	require.Len(t, fx.publisher.tasks, 1)
	assert.Equal(t, 7, fx.publisher.tasks[0].Limit)
	assert.Equal(t, "tick", fx.publisher.tasks[0].TriggeredBy)
	assert.Equal(t, "finance", fx.files.byExt["x2"].Team)
}

func TestDeleteDocument(t *testing.T) {
	fx := newSyncFixture(config.SyncConfig{})
	require.NoError(t, fx.svc.DeleteDocument(context.Background(), "doc-1"))
	assert.Equal(t, []string{"doc-1"}, fx.docs.deleted)
	assert.Equal(t, []string{"doc-1"}, fx.index.deletedDocs)

	fx.docs.deleteErr = errs.NotFound("documents.delete", "document not found")
	err := fx.svc.DeleteDocument(context.Background(), "doc-2")
	assert.True(t, errs.IsNotFound(err))
	assert.Equal(t, []string{"doc-1"}, fx.index.deletedDocs)
}

func TestSameInstant(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 0, 123456789, time.UTC)
	assert.True(t, sameInstant(a, a.Truncate(time.Millisecond).In(time.FixedZone("X", -5*3600))))
	assert.False(t, sameInstant(a, a.Add(time.Millisecond)))
	assert.False(t, sameInstant(a, time.Time{}))
}
