package model

import "time"

// 关系类型
const (
	RelDrives      = "drives"
	RelReferences  = "references"
	RelSummarizes  = "summarizes"
	RelDerivesFrom = "derives_from"
	RelSupplements = "supplements"
)

// RelationshipTypes 列出所有合法的关系类型。
var RelationshipTypes = []string{RelDrives, RelReferences, RelSummarizes, RelDerivesFrom, RelSupplements}

// Relationship 对应 relationships 表，文档/工作表之间的有向边，仅用于检索扩展。
type Relationship struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SourceDocumentID string    `gorm:"type:char(36);not null;index" json:"sourceDocumentId"`
	SourceSheet      string    `gorm:"type:varchar(255)" json:"sourceSheet"`
	TargetDocumentID string    `gorm:"type:char(36);not null;index" json:"targetDocumentId"`
	TargetSheet      string    `gorm:"type:varchar(255)" json:"targetSheet"`
	Type             string    `gorm:"type:varchar(32);not null" json:"type"`
	Confidence       float64   `gorm:"not null" json:"confidence"`
	Description      string    `gorm:"type:varchar(1024)" json:"description"`
	CreatedAt        time.Time `gorm:"type:datetime(3)" json:"createdAt"`
}

func (Relationship) TableName() string {
	return "relationships"
}
