package model

import "time"

// EsChunk 定义了存储在 Elasticsearch 中的分块文档结构。
// Generation 与 documents.generation 不一致的命中在检索时丢弃。
type EsChunk struct {
	ChunkID          string    `json:"chunk_id"`
	DocumentID       string    `json:"document_id"`
	Generation       int64     `json:"generation"`
	Level            string    `json:"level"`
	SheetName        string    `json:"sheet_name,omitempty"`
	SectionTitle     string    `json:"section_title"`
	Title            string    `json:"title"`
	SourceURL        string    `json:"source_url"`
	Team             string    `json:"team"`
	Content          string    `json:"content"`
	SourceModifiedAt time.Time `json:"source_modified_at"`
	Vector           []float32 `json:"vector,omitempty"`
	ModelVersion     string    `json:"model_version"`
}

// ChunkHit 是一次向量检索命中，Similarity 已换算为余弦相似度。
type ChunkHit struct {
	EsChunk
	Similarity float64
}
