package repository

import (
	"context"

	"dp-chatbot-go/internal/model"

	"gorm.io/gorm"
)

// RelationshipRepository 查询文档/工作表之间的关系，用于检索扩展。
type RelationshipRepository interface {
	// FindForDocuments 返回以这些文档为起点或终点的关系，按置信度降序。
	FindForDocuments(ctx context.Context, documentIDs []string) ([]model.Relationship, error)
}

type relationshipRepository struct {
	db *gorm.DB
}

// NewRelationshipRepository 创建一个新的 RelationshipRepository 实例。
func NewRelationshipRepository(db *gorm.DB) RelationshipRepository {
	return &relationshipRepository{db: db}
}

func (r *relationshipRepository) FindForDocuments(ctx context.Context, documentIDs []string) ([]model.Relationship, error) {
	if len(documentIDs) == 0 {
		return nil, nil
	}
	var rels []model.Relationship
	err := r.db.WithContext(ctx).
		Where("source_document_id IN ? OR target_document_id IN ?", documentIDs, documentIDs).
		Order("confidence DESC").
		Find(&rels).Error
	return rels, dbErr("relationships.find", err)
}
