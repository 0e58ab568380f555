// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"time"

	"dp-chatbot-go/internal/model"
	"dp-chatbot-go/pkg/errs"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// newRowWindow 是无法从 affected rows 判断时，created_at 与 updated_at 的容差。
const newRowWindow = 2 * time.Second

// maxErrorMessage 是 error_message 的最大长度。
const maxErrorMessage = 2000

// UpsertOutcome 描述一次 upsert 的结果。
type UpsertOutcome struct {
	Record      *model.SyncedFile
	WasInserted bool
}

// SyncedFileRepository 接口定义了同步文件记录及其处理队列的持久化操作。
type SyncedFileRepository interface {
	FindByExternalIDs(ctx context.Context, externalIDs []string) (map[string]*model.SyncedFile, error)
	FindByID(ctx context.Context, id uint) (*model.SyncedFile, error)
	// Upsert 以 external_id 为键执行一次原子 upsert，并标记需要处理。
	Upsert(ctx context.Context, f *model.SyncedFile) (UpsertOutcome, error)
	// ClaimBatch 原子地认领最多 limit 个待处理文件，并发调用之间不会返回同一行。
	ClaimBatch(ctx context.Context, limit int) ([]model.SyncedFile, error)
	// Release 将已认领的文件放回 pending（errMsg 为 nil）或标记为 error。
	Release(ctx context.Context, id uint, errMsg *string) error
	MarkProcessed(ctx context.Context, id uint, documentID string) error
	// ReclaimStale 把认领时间早于 olderThan 的 processing 记录放回 pending。
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type syncedFileRepository struct {
	db *gorm.DB
}

// NewSyncedFileRepository 创建一个新的 SyncedFileRepository 实例。
func NewSyncedFileRepository(db *gorm.DB) SyncedFileRepository {
	return &syncedFileRepository{db: db}
}

func (r *syncedFileRepository) FindByExternalIDs(ctx context.Context, externalIDs []string) (map[string]*model.SyncedFile, error) {
	out := make(map[string]*model.SyncedFile, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}
	// IN 列表分批，避免单条 SQL 过长
	const batch = 500
	for start := 0; start < len(externalIDs); start += batch {
		end := start + batch
		if end > len(externalIDs) {
			end = len(externalIDs)
		}
		var rows []*model.SyncedFile
		if err := r.db.WithContext(ctx).Where("external_id IN ?", externalIDs[start:end]).Find(&rows).Error; err != nil {
			return nil, dbErr("synced_files.find", err)
		}
		for _, row := range rows {
			out[row.ExternalID] = row
		}
	}
	return out, nil
}

func (r *syncedFileRepository) FindByID(ctx context.Context, id uint) (*model.SyncedFile, error) {
	var row model.SyncedFile
	if err := r.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, dbErr("synced_files.get", err)
	}
	return &row, nil
}

func (r *syncedFileRepository) Upsert(ctx context.Context, f *model.SyncedFile) (UpsertOutcome, error) {
	f.SyncStatus = model.SyncStatusPending
	f.NeedsProcessing = true

	// 正在处理中的行保持 processing，只置 needs_processing，避免被重复认领
	updates := clause.AssignmentColumns([]string{
		"name", "kind", "mime_type", "folder_id", "team", "source_url", "owners", "modified_time", "updated_at",
	})
	updates = append(updates, clause.Assignments(map[string]interface{}{
		"needs_processing": true,
		"sync_status":      gorm.Expr("IF(sync_status = ?, sync_status, ?)", model.SyncStatusProcessing, model.SyncStatusPending),
		"error_message":    gorm.Expr("IF(sync_status = ?, error_message, NULL)", model.SyncStatusProcessing),
	})...)

	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_id"}},
		DoUpdates: updates,
	}).Create(f)
	if res.Error != nil {
		return UpsertOutcome{}, dbErr("synced_files.upsert", res.Error)
	}

	var stored model.SyncedFile
	if err := r.db.WithContext(ctx).Where("external_id = ?", f.ExternalID).First(&stored).Error; err != nil {
		return UpsertOutcome{}, dbErr("synced_files.upsert", err)
	}
	return UpsertOutcome{Record: &stored, WasInserted: wasInserted(res.RowsAffected, &stored)}, nil
}

// wasInserted 根据 MySQL 的 affected rows 判断是否新增：1 为插入，2 为更新。
// 其他取值（例如开启 clientFoundRows）退回到 created_at/updated_at 的时间差判断。
func wasInserted(rowsAffected int64, stored *model.SyncedFile) bool {
	switch rowsAffected {
	case 1:
		return true
	case 2:
		return false
	}
	diff := stored.UpdatedAt.Sub(stored.CreatedAt)
	if diff < 0 {
		diff = -diff
	}
	return diff <= newRowWindow
}

func (r *syncedFileRepository) ClaimBatch(ctx context.Context, limit int) ([]model.SyncedFile, error) {
	if limit <= 0 {
		return nil, errs.Validation("synced_files.claim", "limit must be positive")
	}

	var claimed []model.SyncedFile
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("needs_processing = ? AND sync_status <> ?", true, model.SyncStatusProcessing).
			Order("modified_time ASC").
			Limit(limit).
			Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		ids := make([]uint, 0, len(claimed))
		for _, c := range claimed {
			ids = append(ids, c.ID)
		}
		if err := tx.Model(&model.SyncedFile{}).Where("id IN ?", ids).Updates(map[string]interface{}{
			"sync_status":           model.SyncStatusProcessing,
			"needs_processing":      false,
			"claimed_at":            gorm.Expr("NOW(3)"),
			"claimed_modified_time": gorm.Expr("modified_time"),
		}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Order("modified_time ASC").Find(&claimed).Error
	})
	if err != nil {
		return nil, dbErr("synced_files.claim", err)
	}
	return claimed, nil
}

func (r *syncedFileRepository) Release(ctx context.Context, id uint, errMsg *string) error {
	updates := map[string]interface{}{
		"claimed_at": nil,
	}
	if errMsg == nil {
		updates["sync_status"] = model.SyncStatusPending
		updates["needs_processing"] = true
		updates["error_message"] = nil
	} else {
		msg := *errMsg
		if len(msg) > maxErrorMessage {
			msg = msg[:maxErrorMessage]
		}
		updates["sync_status"] = model.SyncStatusError
		updates["error_message"] = msg
		// 处理期间源文件又被修改时仍需重新处理
		updates["needs_processing"] = gorm.Expr("COALESCE(modified_time > claimed_modified_time, FALSE)")
	}

	res := r.db.WithContext(ctx).Model(&model.SyncedFile{}).
		Where("id = ? AND sync_status = ?", id, model.SyncStatusProcessing).
		Updates(updates)
	if res.Error != nil {
		return dbErr("synced_files.release", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.Conflict("synced_files.release", "file is not claimed")
	}
	return nil
}

func (r *syncedFileRepository) MarkProcessed(ctx context.Context, id uint, documentID string) error {
	res := r.db.WithContext(ctx).Model(&model.SyncedFile{}).
		Where("id = ? AND sync_status = ?", id, model.SyncStatusProcessing).
		Updates(map[string]interface{}{
			"sync_status":       model.SyncStatusSynced,
			"needs_processing":  gorm.Expr("COALESCE(modified_time > claimed_modified_time, FALSE)"),
			"last_processed_at": gorm.Expr("NOW(3)"),
			"document_id":       documentID,
			"error_message":     nil,
			"claimed_at":        nil,
		})
	if res.Error != nil {
		return dbErr("synced_files.mark_processed", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.Conflict("synced_files.mark_processed", "file is not claimed")
	}
	return nil
}

func (r *syncedFileRepository) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.SyncedFile{}).
		Where("sync_status = ? AND claimed_at < DATE_SUB(NOW(3), INTERVAL ? MICROSECOND)", model.SyncStatusProcessing, olderThan.Microseconds()).
		Updates(map[string]interface{}{
			"sync_status":      model.SyncStatusPending,
			"needs_processing": true,
			"claimed_at":       nil,
		})
	if res.Error != nil {
		return 0, dbErr("synced_files.reclaim", res.Error)
	}
	return res.RowsAffected, nil
}
