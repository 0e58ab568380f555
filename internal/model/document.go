// Package model 定义了与数据库表对应的 Go 结构体。
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// 文档类型
const (
	KindTabular = "tabular"
	KindText    = "text"
)

// documentNamespace 用于从外部文件 ID 派生确定性的文档 ID。
var documentNamespace = uuid.MustParse("6f1d2c1e-4a57-4d0b-9b53-2b8f0c7a9e11")

// DocumentIDFor 返回外部文件对应的文档 ID，同一外部 ID 总是得到同一个文档 ID。
func DocumentIDFor(externalID string) string {
	return uuid.NewSHA1(documentNamespace, []byte(externalID)).String()
}

// Document 是检索面向的逻辑文档。删除文档会级联删除其分块、结构化记录与关系。
type Document struct {
	ID               string         `gorm:"type:char(36);primaryKey" json:"id"`
	ExternalID       string         `gorm:"type:varchar(191);not null;uniqueIndex" json:"externalId"`
	Title            string         `gorm:"type:varchar(512);not null" json:"title"`
	Kind             string         `gorm:"type:varchar(16);not null" json:"kind"`
	SourceURL        string         `gorm:"type:varchar(1024)" json:"sourceUrl"`
	Team             string         `gorm:"type:varchar(64);index" json:"team"`
	Metadata         datatypes.JSON `json:"metadata"`
	Generation       int64          `gorm:"not null;default:0" json:"generation"` // 当前生效的分块索引版本
	SourceModifiedAt time.Time      `gorm:"type:datetime(3);index" json:"sourceModifiedAt"`
	CreatedAt        time.Time      `gorm:"type:datetime(3)" json:"createdAt"`
	UpdatedAt        time.Time      `gorm:"type:datetime(3)" json:"updatedAt"`

	Chunks        []Chunk            `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE" json:"-"`
	Records       []StructuredRecord `gorm:"foreignKey:DocumentID;constraint:OnDelete:CASCADE" json:"-"`
	Relationships []Relationship     `gorm:"foreignKey:SourceDocumentID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}
