package model

import (
	"time"

	"gorm.io/datatypes"
)

// AnalysisCache 对应 analysis_cache 表。内容指纹变化后写入新行，旧行不会再被命中。
type AnalysisCache struct {
	ID          uint           `gorm:"primaryKey;autoIncrement"`
	DocumentID  string         `gorm:"type:char(36);not null;uniqueIndex:idx_analysis_key,priority:1"`
	SheetName   string         `gorm:"type:varchar(255);not null;uniqueIndex:idx_analysis_key,priority:2"`
	ContentHash string         `gorm:"type:char(64);not null;uniqueIndex:idx_analysis_key,priority:3"`
	Analysis    datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"type:datetime(3)"`
}

func (AnalysisCache) TableName() string {
	return "analysis_cache"
}
