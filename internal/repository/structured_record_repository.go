package repository

import (
	"context"
	"strings"
	"time"

	"dp-chatbot-go/internal/model"

	"gorm.io/gorm"
)

// RecordQuery 描述一次结构化记录的关键词检索范围。
type RecordQuery struct {
	Keywords []string
	// Team 为空时跨团队检索
	Team string
	// ModifiedSince 非空时只检索近期更新的文档
	ModifiedSince *time.Time
	Limit         int
}

// StructuredRecordRepository 提供结构化记录的检索操作，写入由 DocumentRepository.ReplaceContent 完成。
type StructuredRecordRepository interface {
	Search(ctx context.Context, q RecordQuery) ([]model.StructuredRecord, error)
	// SampleRows 返回某个工作表的前 limit 行，用于关系扩展。
	SampleRows(ctx context.Context, documentID, sheetName string, limit int) ([]model.StructuredRecord, error)
	ListByDocument(ctx context.Context, documentID string) ([]model.StructuredRecord, error)
}

type structuredRecordRepository struct {
	db *gorm.DB
}

// NewStructuredRecordRepository 创建一个新的 StructuredRecordRepository 实例。
func NewStructuredRecordRepository(db *gorm.DB) StructuredRecordRepository {
	return &structuredRecordRepository{db: db}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (r *structuredRecordRepository) Search(ctx context.Context, q RecordQuery) ([]model.StructuredRecord, error) {
	if len(q.Keywords) == 0 {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}

	conds := make([]string, 0, len(q.Keywords)*2)
	args := make([]interface{}, 0, len(q.Keywords)*2)
	for _, kw := range q.Keywords {
		conds = append(conds, "structured_records.raw_text LIKE ?", "structured_records.entity_key = ?")
		args = append(args, "%"+likeEscaper.Replace(kw)+"%", kw)
	}

	tx := r.db.WithContext(ctx).
		Select("structured_records.*").
		Joins("JOIN documents ON documents.id = structured_records.document_id").
		Where(strings.Join(conds, " OR "), args...)
	if q.Team != "" {
		tx = tx.Where("structured_records.team = ?", q.Team)
	}
	if q.ModifiedSince != nil {
		tx = tx.Where("documents.source_modified_at >= ?", *q.ModifiedSince)
	}

	var rows []model.StructuredRecord
	err := tx.Order("documents.source_modified_at DESC").Limit(limit).Find(&rows).Error
	return rows, dbErr("structured_records.search", err)
}

func (r *structuredRecordRepository) SampleRows(ctx context.Context, documentID, sheetName string, limit int) ([]model.StructuredRecord, error) {
	var rows []model.StructuredRecord
	tx := r.db.WithContext(ctx).Where("document_id = ?", documentID)
	if sheetName != "" {
		tx = tx.Where("sheet_name = ?", sheetName)
	}
	err := tx.Order("row_index ASC").Limit(limit).Find(&rows).Error
	return rows, dbErr("structured_records.sample", err)
}

func (r *structuredRecordRepository) ListByDocument(ctx context.Context, documentID string) ([]model.StructuredRecord, error) {
	var rows []model.StructuredRecord
	err := r.db.WithContext(ctx).Where("document_id = ?", documentID).Order("sheet_name ASC, row_index ASC").Find(&rows).Error
	return rows, dbErr("structured_records.list", err)
}
