package model

import (
	"time"

	"gorm.io/datatypes"
)

// 同步状态
const (
	SyncStatusPending    = "pending"
	SyncStatusProcessing = "processing"
	SyncStatusSynced     = "synced"
	SyncStatusError      = "error"
)

// SyncedFile 对应 synced_files 表，是外部文件在本地的投影，同时充当处理队列。
// 每个外部文件一行，只更新不删除。
type SyncedFile struct {
	ID                  uint                        `gorm:"primaryKey;autoIncrement" json:"id"`
	ExternalID          string                      `gorm:"type:varchar(191);not null;uniqueIndex" json:"externalId"`
	Name                string                      `gorm:"type:varchar(512);not null" json:"name"`
	Kind                string                      `gorm:"type:varchar(16);not null" json:"kind"`
	MimeType            string                      `gorm:"type:varchar(128)" json:"mimeType"`
	FolderID            string                      `gorm:"type:varchar(191);index" json:"folderId"`
	Team                string                      `gorm:"type:varchar(64)" json:"team"`
	SourceURL           string                      `gorm:"type:varchar(1024)" json:"sourceUrl"`
	Owners              datatypes.JSONSlice[string] `json:"owners"`
	ModifiedTime        time.Time                   `gorm:"type:datetime(3);not null" json:"modifiedTime"`
	SyncStatus          string                      `gorm:"type:varchar(16);not null;default:pending;index:idx_synced_claim,priority:2" json:"syncStatus"`
	NeedsProcessing     bool                        `gorm:"not null;default:true;index:idx_synced_claim,priority:1" json:"needsProcessing"`
	ErrorMessage        *string                     `gorm:"type:text" json:"errorMessage"`
	DocumentID          *string                     `gorm:"type:char(36);index" json:"documentId"`
	ClaimedAt           *time.Time                  `gorm:"type:datetime(3)" json:"claimedAt"`
	ClaimedModifiedTime *time.Time                  `gorm:"type:datetime(3)" json:"-"`
	LastProcessedAt     *time.Time                  `gorm:"type:datetime(3)" json:"lastProcessedAt"`
	CreatedAt           time.Time                   `gorm:"type:datetime(3)" json:"createdAt"`
	UpdatedAt           time.Time                   `gorm:"type:datetime(3)" json:"updatedAt"`
}

func (SyncedFile) TableName() string {
	return "synced_files"
}
