package repository

import (
	"context"

	"dp-chatbot-go/internal/model"
	"dp-chatbot-go/pkg/errs"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const insertBatchSize = 200

// DocumentRepository 接口定义了文档及其分块、结构化记录的持久化操作。
type DocumentRepository interface {
	// Upsert 以确定性 ID 写入文档，返回是否为新插入。generation 不会被覆盖。
	Upsert(ctx context.Context, doc *model.Document) (bool, error)
	FindByID(ctx context.Context, id string) (*model.Document, error)
	FindByIDs(ctx context.Context, ids []string) (map[string]*model.Document, error)
	ListChunks(ctx context.Context, documentID string) ([]model.Chunk, error)
	// ReplaceContent 在一个事务内替换文档的全部分块、结构化记录与出边关系，并切换 generation。
	ReplaceContent(ctx context.Context, documentID string, generation int64, chunks []model.Chunk, records []model.StructuredRecord, rels []model.Relationship) error
	// Delete 删除文档并级联删除其分块、记录、关系与分析缓存。
	Delete(ctx context.Context, id string) error
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) Upsert(ctx context.Context, doc *model.Document) (bool, error) {
	res := r.db.WithContext(ctx).Omit("Chunks", "Records", "Relationships").Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "kind", "source_url", "team", "metadata", "source_modified_at", "updated_at",
		}),
	}).Create(doc)
	if res.Error != nil {
		return false, dbErr("documents.upsert", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *documentRepository) FindByID(ctx context.Context, id string) (*model.Document, error) {
	var doc model.Document
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error; err != nil {
		return nil, dbErr("documents.get", err)
	}
	return &doc, nil
}

func (r *documentRepository) FindByIDs(ctx context.Context, ids []string) (map[string]*model.Document, error) {
	out := make(map[string]*model.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var docs []*model.Document
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&docs).Error; err != nil {
		return nil, dbErr("documents.find", err)
	}
	for _, d := range docs {
		out[d.ID] = d
	}
	return out, nil
}

func (r *documentRepository) ListChunks(ctx context.Context, documentID string) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := r.db.WithContext(ctx).Where("document_id = ?", documentID).Order("ordinal ASC").Find(&chunks).Error
	return chunks, dbErr("chunks.list", err)
}

func (r *documentRepository) ReplaceContent(ctx context.Context, documentID string, generation int64, chunks []model.Chunk, records []model.StructuredRecord, rels []model.Relationship) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&model.Chunk{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", documentID).Delete(&model.StructuredRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("source_document_id = ?", documentID).Delete(&model.Relationship{}).Error; err != nil {
			return err
		}
		if len(chunks) > 0 {
			if err := tx.CreateInBatches(chunks, insertBatchSize).Error; err != nil {
				return err
			}
		}
		if len(records) > 0 {
			if err := tx.CreateInBatches(records, insertBatchSize).Error; err != nil {
				return err
			}
		}
		if len(rels) > 0 {
			if err := tx.CreateInBatches(rels, insertBatchSize).Error; err != nil {
				return err
			}
		}
		res := tx.Model(&model.Document{}).Where("id = ?", documentID).Update("generation", generation)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.NotFound("documents.replace_content", "document not found")
		}
		return nil
	})
	if errs.IsNotFound(err) {
		return err
	}
	return dbErr("documents.replace_content", err)
}

func (r *documentRepository) Delete(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.SyncedFile{}).Where("document_id = ?", id).Update("document_id", nil).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", id).Delete(&model.AnalysisCache{}).Error; err != nil {
			return err
		}
		if err := tx.Where("source_document_id = ? OR target_document_id = ?", id, id).Delete(&model.Relationship{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", id).Delete(&model.StructuredRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", id).Delete(&model.Chunk{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&model.Document{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errs.NotFound("documents.delete", "document not found")
		}
		return nil
	})
	if errs.IsNotFound(err) {
		return err
	}
	return dbErr("documents.delete", err)
}
