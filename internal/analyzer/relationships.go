package analyzer

import (
	"context"
	"encoding/json"

	"dp-chatbot-go/internal/model"
	"dp-chatbot-go/pkg/llm"
	"dp-chatbot-go/pkg/log"
	"dp-chatbot-go/pkg/provider"
)

type relationshipCandidate struct {
	SourceSheet string  `json:"sourceSheet" validate:"required"`
	TargetSheet string  `json:"targetSheet" validate:"required,nefield=SourceSheet"`
	Type        string  `json:"type" validate:"oneof=drives references summarizes derives_from supplements"`
	Confidence  float64 `json:"confidence" validate:"gte=0,lte=1"`
	Description string  `json:"description" validate:"max=1024"`
}

// AnalyzeRelationships 推断同一工作簿内工作表之间的关系。
// 少于两张工作表或推断失败时返回空列表。无效或引用未知工作表的条目被丢弃。
func (a *Analyzer) AnalyzeRelationships(ctx context.Context, documentID, documentTitle string, sheets []provider.Sheet) []model.Relationship {
	if len(sheets) < 2 || a.llm == nil {
		return nil
	}
	byName := make(map[string][][]string, len(sheets))
	order := make([]string, 0, len(sheets))
	for _, s := range sheets {
		if _, dup := byName[s.Name]; dup {
			continue
		}
		byName[s.Name] = s.Rows
		order = append(order, s.Name)
	}
	if len(order) < 2 {
		return nil
	}

	text, err := a.llm.Complete(ctx, buildRelationshipPrompt(byName, order, documentTitle), relationshipMaxTokens, inferenceTemperature)
	if err != nil {
		log.Warnf("[Analyzer] 工作表关系推断失败, doc: %s, error: %v", documentID, err)
		return nil
	}
	var candidates []relationshipCandidate
	if err := json.Unmarshal([]byte(llm.StripCodeFence(text)), &candidates); err != nil {
		log.Warnf("[Analyzer] 工作表关系推断结果无法解析, doc: %s, error: %v", documentID, err)
		return nil
	}

	rels := make([]model.Relationship, 0, len(candidates))
	for _, c := range candidates {
		if err := validate.Struct(c); err != nil {
			continue
		}
		if _, ok := byName[c.SourceSheet]; !ok {
			continue
		}
		if _, ok := byName[c.TargetSheet]; !ok {
			continue
		}
		rels = append(rels, model.Relationship{
			SourceDocumentID: documentID,
			SourceSheet:      c.SourceSheet,
			TargetDocumentID: documentID,
			TargetSheet:      c.TargetSheet,
			Type:             c.Type,
			Confidence:       c.Confidence,
			Description:      c.Description,
		})
	}
	log.Infof("[Analyzer] 工作表关系推断完成, doc: %s, 关系数: %d", documentID, len(rels))
	return rels
}
