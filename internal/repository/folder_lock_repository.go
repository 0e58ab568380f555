package repository

import (
	"context"
	"time"

	"dp-chatbot-go/internal/model"

	"gorm.io/gorm"
)

// FolderLockRepository 提供以数据库时钟判断过期的文件夹互斥锁。
type FolderLockRepository interface {
	// Acquire 在锁不存在或已过期时为 holder 加锁，返回是否获得。
	Acquire(ctx context.Context, folderID, holder string, ttl time.Duration) (bool, error)
	// Release 仅释放 holder 自己持有的锁。
	Release(ctx context.Context, folderID, holder string) error
}

type folderLockRepository struct {
	db *gorm.DB
}

// NewFolderLockRepository 创建一个新的 FolderLockRepository 实例。
func NewFolderLockRepository(db *gorm.DB) FolderLockRepository {
	return &folderLockRepository{db: db}
}

// acquireSQL 在单条语句内完成“插入或接管过期锁”。
// MySQL 按从左到右的顺序赋值，expires_at 必须最后更新，前面的 IF 才能读到旧值。
const acquireSQL = `INSERT INTO folder_locks (folder_id, holder, acquired_at, expires_at)
VALUES (?, ?, NOW(3), DATE_ADD(NOW(3), INTERVAL ? MICROSECOND))
ON DUPLICATE KEY UPDATE
	holder = IF(expires_at < NOW(3), VALUES(holder), holder),
	acquired_at = IF(expires_at < NOW(3), VALUES(acquired_at), acquired_at),
	expires_at = IF(expires_at < NOW(3), VALUES(expires_at), expires_at)`

func (r *folderLockRepository) Acquire(ctx context.Context, folderID, holder string, ttl time.Duration) (bool, error) {
	if err := r.db.WithContext(ctx).Exec(acquireSQL, folderID, holder, ttl.Microseconds()).Error; err != nil {
		return false, dbErr("folder_locks.acquire", err)
	}
	var lock model.FolderLock
	if err := r.db.WithContext(ctx).Where("folder_id = ?", folderID).First(&lock).Error; err != nil {
		return false, dbErr("folder_locks.acquire", err)
	}
	return lock.Holder == holder, nil
}

func (r *folderLockRepository) Release(ctx context.Context, folderID, holder string) error {
	err := r.db.WithContext(ctx).
		Where("folder_id = ? AND holder = ?", folderID, holder).
		Delete(&model.FolderLock{}).Error
	return dbErr("folder_locks.release", err)
}
