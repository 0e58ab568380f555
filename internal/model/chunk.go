package model

import (
	"time"

	"gorm.io/datatypes"
)

// 分块层级
const (
	LevelSection   = "section"
	LevelGroup     = "group"
	LevelParagraph = "paragraph"
)

// Chunk 对应 chunks 表。每个文档（表格按工作表）恰有一个 parent_chunk_id 为空的根分块。
// 向量保存在 Elasticsearch 中，按 chunk ID 关联。
type Chunk struct {
	ID            string         `gorm:"type:char(36);primaryKey" json:"id"`
	DocumentID    string         `gorm:"type:char(36);not null;index" json:"documentId"`
	ParentChunkID *string        `gorm:"type:char(36);index" json:"parentChunkId"`
	Level         string         `gorm:"type:varchar(16);not null" json:"level"`
	Ordinal       int            `gorm:"not null" json:"ordinal"`
	SheetName     string         `gorm:"type:varchar(255)" json:"sheetName,omitempty"`
	SectionTitle  string         `gorm:"type:varchar(512)" json:"sectionTitle"`
	Content       string         `gorm:"type:mediumtext;not null" json:"content"`
	Metadata      datatypes.JSON `json:"metadata"`
	CreatedAt     time.Time      `gorm:"type:datetime(3)" json:"createdAt"`
}

func (Chunk) TableName() string {
	return "chunks"
}

// IsRoot 判断是否为根（摘要）分块。
func (c *Chunk) IsRoot() bool {
	return c.ParentChunkID == nil
}
