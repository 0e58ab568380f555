package repository

import (
	"dp-chatbot-go/internal/model"

	"gorm.io/gorm"
)

// AutoMigrate 创建或更新全部业务表。
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Document{},
		&model.Chunk{},
		&model.StructuredRecord{},
		&model.Relationship{},
		&model.SyncedFile{},
		&model.FolderLock{},
		&model.AnalysisCache{},
	)
}
