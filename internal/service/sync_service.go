package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dp-chatbot-go/internal/config"
	"dp-chatbot-go/internal/model"
	"dp-chatbot-go/internal/repository"
	"dp-chatbot-go/pkg/errs"
	"dp-chatbot-go/pkg/log"
	"dp-chatbot-go/pkg/provider"
	"dp-chatbot-go/pkg/resilience"
	"dp-chatbot-go/pkg/tasks"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

// 处理结果状态
const (
	FileStatusProcessed = "processed"
	FileStatusFailed    = "failed"
)

// IngestResult 是一次文件夹同步的统计。
type IngestResult struct {
	FolderID string `json:"folderId"`
	New      int    `json:"new"`
	Updated  int    `json:"updated"`
	Skipped  int    `json:"skipped"`
	Errors   int    `json:"errors"`
}

// FileResult 是批处理中单个文件的结果。
type FileResult struct {
	FileID     uint   `json:"fileId"`
	ExternalID string `json:"externalId"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	DocumentID string `json:"documentId,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ProcessResult 是一次批处理的结果。Failed > 0 时是部分失败，各文件的状态见 Results。
type ProcessResult struct {
	Processed int          `json:"processed"`
	Failed    int          `json:"failed"`
	Reclaimed int64        `json:"reclaimed"`
	Results   []FileResult `json:"perFileResult"`
}

// TickResult 是一次定时同步的结果，InProgress 列出因锁被占用而跳过的文件夹。
type TickResult struct {
	Folders    []IngestResult `json:"folders"`
	InProgress []string       `json:"inProgress"`
	Failed     []string       `json:"failed"`
	Published  bool           `json:"published"`
}

// FileProcessor 处理一个已认领的文件，返回生成的文档 ID。
type FileProcessor interface {
	Process(ctx context.Context, src provider.Provider, f *model.SyncedFile) (string, error)
}

// TaskPublisher 发布待处理任务。
type TaskPublisher interface {
	PublishProcessTask(ctx context.Context, task tasks.ProcessPendingTask) error
}

// SyncService 接口定义了文件同步、认领与处理相关的业务操作。
type SyncService interface {
	DiscoverAndReconcile(ctx context.Context, folderID string, creds provider.Credentials) (*IngestResult, error)
	ClaimBatch(ctx context.Context, limit int) ([]model.SyncedFile, error)
	Release(ctx context.Context, fileID uint, errMsg *string) error
	MarkProcessed(ctx context.Context, fileID uint, documentID string) error
	AcquireFolderLock(ctx context.Context, folderID string, ttl time.Duration) (token string, ok bool, err error)
	ReleaseFolderLock(ctx context.Context, folderID, token string) error
	IngestFolder(ctx context.Context, folderID string, creds provider.Credentials) (*IngestResult, error)
	ProcessPending(ctx context.Context, limit int) (*ProcessResult, error)
	SyncTick(ctx context.Context) (*TickResult, error)
	DeleteDocument(ctx context.Context, documentID string) error
	ProcessTask(ctx context.Context, task tasks.ProcessPendingTask) error
}

type syncService struct {
	files      repository.SyncedFileRepository
	locks      repository.FolderLockRepository
	docs       repository.DocumentRepository
	chunkIndex repository.ChunkIndexRepository
	providers  provider.Factory
	processor  FileProcessor
	publisher  TaskPublisher
	cfg        config.SyncConfig
}

// NewSyncService 创建一个新的 SyncService 实例。publisher 为 nil 时定时同步直接在进程内处理。
func NewSyncService(
	files repository.SyncedFileRepository,
	locks repository.FolderLockRepository,
	docs repository.DocumentRepository,
	chunkIndex repository.ChunkIndexRepository,
	providers provider.Factory,
	processor FileProcessor,
	publisher TaskPublisher,
	cfg config.SyncConfig,
) SyncService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &syncService{
		files:      files,
		locks:      locks,
		docs:       docs,
		chunkIndex: chunkIndex,
		providers:  providers,
		processor:  processor,
		publisher:  publisher,
		cfg:        cfg,
	}
}

// DiscoverAndReconcile 列出文件夹下的所有文件并与已同步记录比对。
// 修改时间按时间点比较，未变化且已同步的文件跳过；其余每个文件执行一次原子 upsert。
func (s *syncService) DiscoverAndReconcile(ctx context.Context, folderID string, creds provider.Credentials) (*IngestResult, error) {
	if folderID == "" {
		return nil, errs.Validation("sync.discover", "folderId is required")
	}
	log.Infof("[SyncService] 开始同步文件夹, FolderID: %s", folderID)

	src, err := s.providers.Open(ctx, creds)
	if err != nil {
		return nil, err
	}
	listed, err := resilience.Call(ctx, resilience.FetchPolicy, "provider.list_files", func(ctx context.Context) ([]provider.SourceFile, error) {
		return src.ListFiles(ctx, folderID, true)
	})
	if err != nil {
		log.Errorf("[SyncService] 列出文件失败, FolderID: %s, Error: %v", folderID, err)
		return nil, err
	}

	ids := make([]string, 0, len(listed))
	for _, f := range listed {
		ids = append(ids, f.ID)
	}
	existing, err := resilience.Call(ctx, resilience.StorePolicy, "synced_files.find_by_external_ids", func(ctx context.Context) (map[string]*model.SyncedFile, error) {
		return s.files.FindByExternalIDs(ctx, ids)
	})
	if err != nil {
		return nil, err
	}

	team := s.cfg.TeamForFolder(folderID)
	result := &IngestResult{FolderID: folderID}
	for _, f := range listed {
		if cur, ok := existing[f.ID]; ok && cur.SyncStatus == model.SyncStatusSynced && sameInstant(cur.ModifiedTime, f.ModifiedTime) {
			result.Skipped++
			continue
		}
		rec := &model.SyncedFile{
			ExternalID:   f.ID,
			Name:         f.Name,
			Kind:         string(f.Kind),
			MimeType:     f.MimeType,
			FolderID:     folderID,
			Team:         team,
			SourceURL:    f.URL,
			Owners:       f.Owners,
			ModifiedTime: f.ModifiedTime.UTC(),
		}
		out, err := resilience.Call(ctx, resilience.StorePolicy, "synced_files.upsert", func(ctx context.Context) (repository.UpsertOutcome, error) {
			return s.files.Upsert(ctx, rec)
		})
		if err != nil {
			result.Errors++
			log.Errorf("[SyncService] 写入同步记录失败, ExternalID: %s, Error: %v", f.ID, err)
			continue
		}
		if out.WasInserted {
			result.New++
		} else {
			result.Updated++
		}
	}
	log.Infof("[SyncService] 文件夹同步完成, FolderID: %s, 新增: %d, 更新: %d, 跳过: %d, 失败: %d",
		folderID, result.New, result.Updated, result.Skipped, result.Errors)
	return result, nil
}

// sameInstant 以毫秒精度比较两个时间点，与 datetime(3) 列一致。
func sameInstant(a, b time.Time) bool {
	return a.Truncate(time.Millisecond).Equal(b.Truncate(time.Millisecond))
}

// ClaimBatch 认领一批待处理文件。数据库的瞬时错误会按 StorePolicy 重试，
// 重试前已提交的认领由 ReclaimStale 在超时后回收。
func (s *syncService) ClaimBatch(ctx context.Context, limit int) ([]model.SyncedFile, error) {
	return resilience.Call(ctx, resilience.StorePolicy, "synced_files.claim_batch", func(ctx context.Context) ([]model.SyncedFile, error) {
		return s.files.ClaimBatch(ctx, limit)
	})
}

func (s *syncService) Release(ctx context.Context, fileID uint, errMsg *string) error {
	return resilience.Do(ctx, resilience.StorePolicy, "synced_files.release", func(ctx context.Context) error {
		return s.files.Release(ctx, fileID, errMsg)
	})
}

func (s *syncService) MarkProcessed(ctx context.Context, fileID uint, documentID string) error {
	return resilience.Do(ctx, resilience.StorePolicy, "synced_files.mark_processed", func(ctx context.Context) error {
		return s.files.MarkProcessed(ctx, fileID, documentID)
	})
}

// AcquireFolderLock 尝试获取文件夹锁，锁被其他持有者占用且未过期时 ok 为 false。
// 每次获取生成新的令牌，释放时必须带回同一个令牌。
func (s *syncService) AcquireFolderLock(ctx context.Context, folderID string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = s.cfg.LockTTL
	}
	token := uuid.NewString()
	// 同一令牌重复加锁是幂等的，可以安全重试
	ok, err := resilience.Call(ctx, resilience.StorePolicy, "folder_locks.acquire", func(ctx context.Context) (bool, error) {
		return s.locks.Acquire(ctx, folderID, token, ttl)
	})
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseFolderLock 释放 token 对应的文件夹锁。锁已过期被他人接管时不会误删。
func (s *syncService) ReleaseFolderLock(ctx context.Context, folderID, token string) error {
	if token == "" {
		return nil
	}
	return resilience.Do(ctx, resilience.StorePolicy, "folder_locks.release", func(ctx context.Context) error {
		return s.locks.Release(ctx, folderID, token)
	})
}

// IngestFolder 在文件夹锁保护下同步文件夹。锁已被占用时返回 Conflict。
func (s *syncService) IngestFolder(ctx context.Context, folderID string, creds provider.Credentials) (*IngestResult, error) {
	if folderID == "" {
		return nil, errs.Validation("sync.ingest", "folderId is required")
	}
	token, ok, err := s.AcquireFolderLock(ctx, folderID, s.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Infof("[SyncService] 文件夹正在同步中, 跳过, FolderID: %s", folderID)
		return nil, errs.Conflict("sync.ingest", "already in progress")
	}
	defer func() {
		// 调用方取消后仍要释放锁
		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseBudget())
		defer cancel()
		if err := s.ReleaseFolderLock(releaseCtx, folderID, token); err != nil {
			log.Errorf("[SyncService] 释放文件夹锁失败, FolderID: %s, Error: %v", folderID, err)
		}
	}()
	return s.DiscoverAndReconcile(ctx, folderID, creds)
}

// ProcessPending 先回收超时的认领，再认领一批文件逐个处理。
// 单个文件失败不会中断批处理；每个认领的文件在任何退出路径上都会被标记完成或释放。
func (s *syncService) ProcessPending(ctx context.Context, limit int) (*ProcessResult, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	result := &ProcessResult{Results: []FileResult{}}

	reclaimed, err := resilience.Call(ctx, resilience.StorePolicy, "synced_files.reclaim_stale", func(ctx context.Context) (int64, error) {
		return s.files.ReclaimStale(ctx, s.cfg.ClaimTTL)
	})
	if err != nil {
		log.Warnf("[SyncService] 回收超时认领失败: %v", err)
	} else if reclaimed > 0 {
		log.Infof("[SyncService] 回收了 %d 个超时认领的文件", reclaimed)
		result.Reclaimed = reclaimed
	}

	claimed, err := s.ClaimBatch(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return result, nil
	}
	log.Infof("[SyncService] 认领了 %d 个待处理文件", len(claimed))

	// 批处理与请求无关，只使用服务端配置的凭据；调用方凭据仅用于发现阶段，不落库
	src, err := s.providers.Open(ctx, provider.Credentials{})
	if err != nil {
		// 无法打开内容源时把整批放回 pending
		for i := range claimed {
			s.release(claimed[i].ID, nil)
		}
		return nil, err
	}

	for i := range claimed {
		fr := s.processOne(ctx, src, &claimed[i])
		if fr.Status == FileStatusProcessed {
			result.Processed++
		} else {
			result.Failed++
		}
		result.Results = append(result.Results, fr)
	}
	log.Infof("[SyncService] 批处理完成, 成功: %d, 失败: %d", result.Processed, result.Failed)
	return result, nil
}

// processOne 处理单个已认领文件，panic 也会被捕获并释放认领。
// 完整错误只写入日志和同步记录的 error_message，结果中只带 errs.Public 的公开描述。
func (s *syncService) processOne(ctx context.Context, src provider.Provider, f *model.SyncedFile) (fr FileResult) {
	fr = FileResult{FileID: f.ID, ExternalID: f.ExternalID, Name: f.Name, Status: FileStatusFailed}
	settled := false
	detail := ""
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[SyncService] 处理文件时发生 panic, FileID: %d, panic: %v", f.ID, r)
			fr.Status, fr.DocumentID = FileStatusFailed, ""
			fr.Error = errs.Public(nil)
			detail = fmt.Sprintf("panic: %v", r)
		}
		if !settled {
			s.release(f.ID, &detail)
		}
	}()

	documentID, err := s.processor.Process(ctx, src, f)
	if err != nil {
		log.Errorf("[SyncService] 处理文件失败, FileID: %d, ExternalID: %s, Error: %v", f.ID, f.ExternalID, err)
		fr.Error, detail = errs.Public(err), err.Error()
		if ctx.Err() != nil {
			// 调用方取消时放回 pending，下次重试
			s.release(f.ID, nil)
			settled = true
		}
		return fr
	}
	if err := s.MarkProcessed(ctx, f.ID, documentID); err != nil {
		log.Errorf("[SyncService] 标记文件已处理失败, FileID: %d, Error: %v", f.ID, err)
		fr.Error, detail = errs.Public(err), err.Error()
		return fr
	}
	settled = true
	fr.Status, fr.DocumentID = FileStatusProcessed, documentID
	return fr
}

// release 使用独立的 context 释放认领，失败只记录日志，超时的认领会被 ReclaimStale 回收。
func (s *syncService) release(fileID uint, errMsg *string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseBudget())
	defer cancel()
	if err := s.Release(ctx, fileID, errMsg); err != nil {
		log.Errorf("[SyncService] 释放文件认领失败, FileID: %d, Error: %v", fileID, err)
	}
}

// releaseBudget 覆盖 StorePolicy 的全部重试次数。
func releaseBudget() time.Duration {
	return time.Duration(resilience.StorePolicy.MaxAttempts) * resilience.StorePolicy.Timeout
}

// SyncTick 并发同步所有配置的文件夹，然后发布一个处理任务。
func (s *syncService) SyncTick(ctx context.Context) (*TickResult, error) {
	result := &TickResult{Folders: []IngestResult{}, InProgress: []string{}, Failed: []string{}}
	if len(s.cfg.Folders) == 0 {
		log.Info("[SyncService] 未配置定时同步的文件夹")
		return result, nil
	}

	pool, err := ants.NewPool(s.cfg.Workers)
	if err != nil {
		return nil, errs.Internal("sync.tick", err)
	}
	defer pool.Release()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, folder := range s.cfg.Folders {
		folderID := folder.ID
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			res, err := s.IngestFolder(ctx, folderID, provider.Credentials{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errs.IsConflict(err):
				result.InProgress = append(result.InProgress, folderID)
			case err != nil:
				log.Errorf("[SyncService] 定时同步文件夹失败, FolderID: %s, Error: %v", folderID, err)
				result.Failed = append(result.Failed, folderID)
			default:
				result.Folders = append(result.Folders, *res)
			}
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			result.Failed = append(result.Failed, folderID)
			mu.Unlock()
			log.Errorf("[SyncService] 提交同步任务失败, FolderID: %s, Error: %v", folderID, submitErr)
		}
	}
	wg.Wait()

	task := tasks.ProcessPendingTask{
		TaskID:      uuid.NewString(),
		Limit:       s.cfg.BatchSize,
		TriggeredBy: "tick",
		CreatedAt:   time.Now(),
	}
	if s.publisher == nil {
		if _, err := s.ProcessPending(ctx, task.Limit); err != nil {
			log.Errorf("[SyncService] 定时处理待处理文件失败: %v", err)
		}
		return result, nil
	}
	if err := s.publisher.PublishProcessTask(ctx, task); err != nil {
		log.Errorf("[SyncService] 发布处理任务失败, TaskID: %s, Error: %v", task.TaskID, err)
		return result, nil
	}
	result.Published = true
	log.Infof("[SyncService] 已发布处理任务, TaskID: %s", task.TaskID)
	return result, nil
}

// DeleteDocument 删除文档及其分块、记录、关系与索引。
func (s *syncService) DeleteDocument(ctx context.Context, documentID string) error {
	if err := s.docs.Delete(ctx, documentID); err != nil {
		return err
	}
	if err := s.chunkIndex.DeleteDocument(ctx, documentID); err != nil {
		// 关系库已删除，残留的索引命中会因找不到文档被检索丢弃
		log.Warnf("[SyncService] 删除文档索引失败, DocumentID: %s, Error: %v", documentID, err)
	}
	log.Infof("[SyncService] 文档已删除, DocumentID: %s", documentID)
	return nil
}

// ProcessTask 实现 kafka.TaskProcessor，循环处理直到没有可认领的文件。
// 只有认领或打开内容源失败会返回错误，单个文件失败已记录在同步记录上。
func (s *syncService) ProcessTask(ctx context.Context, task tasks.ProcessPendingTask) error {
	limit := task.Limit
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	log.Infof("[SyncService] 收到处理任务, TaskID: %s, TriggeredBy: %s, Limit: %d", task.TaskID, task.TriggeredBy, limit)
	for {
		res, err := s.ProcessPending(ctx, limit)
		if err != nil {
			return fmt.Errorf("处理任务 %s 失败: %w", task.TaskID, err)
		}
		if len(res.Results) < limit {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
