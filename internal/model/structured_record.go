package model

import (
	"time"

	"gorm.io/datatypes"
)

// StructuredRecord 对应 structured_records 表，一行表格数据的规范化结果。
type StructuredRecord struct {
	ID         uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	DocumentID string         `gorm:"type:char(36);not null;index:idx_record_doc_sheet" json:"documentId"`
	SheetName  string         `gorm:"type:varchar(255);not null;index:idx_record_doc_sheet" json:"sheetName"`
	SheetType  string         `gorm:"type:varchar(64)" json:"sheetType"`
	RowIndex   int            `gorm:"not null" json:"rowIndex"`
	EntityKey  *string        `gorm:"type:varchar(191);index" json:"entityKey"`
	Category   *string        `gorm:"type:varchar(191)" json:"category"`
	RecordDate *string        `gorm:"type:varchar(64)" json:"date"`
	Week       *string        `gorm:"type:varchar(32)" json:"week"`
	Fields     datatypes.JSON `json:"fields"`
	RawText    string         `gorm:"type:mediumtext" json:"rawText"`
	Team       string         `gorm:"type:varchar(64);index" json:"team"`
	CreatedAt  time.Time      `gorm:"type:datetime(3)" json:"createdAt"`
}

func (StructuredRecord) TableName() string {
	return "structured_records"
}
