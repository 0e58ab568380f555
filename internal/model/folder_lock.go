package model

import "time"

// FolderLock 对应 folder_locks 表。过期判断以数据库时钟为准。
type FolderLock struct {
	FolderID   string    `gorm:"type:varchar(191);primaryKey" json:"folderId"`
	Holder     string    `gorm:"type:varchar(64);not null" json:"holder"`
	AcquiredAt time.Time `gorm:"type:datetime(3);not null" json:"acquiredAt"`
	ExpiresAt  time.Time `gorm:"type:datetime(3);not null" json:"expiresAt"`
}

func (FolderLock) TableName() string {
	return "folder_locks"
}
