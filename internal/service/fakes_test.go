package service

import (
	"context"
	"fmt"
	"sync"

	"dp-chatbot-go/internal/model"
	"dp-chatbot-go/internal/repository"
	"dp-chatbot-go/pkg/errs"
)

// fakeDocs 是只读的内存文档仓库。
type fakeDocs struct {
	docs map[string]*model.Document
}

func (f *fakeDocs) Upsert(ctx context.Context, doc *model.Document) (bool, error) { return true, nil }

func (f *fakeDocs) FindByID(ctx context.Context, id string) (*model.Document, error) {
	if d, ok := f.docs[id]; ok {
		return d, nil
	}
	return nil, errs.NotFound("documents.get", "document not found")
}

func (f *fakeDocs) FindByIDs(ctx context.Context, ids []string) (map[string]*model.Document, error) {
	out := make(map[string]*model.Document)
	for _, id := range ids {
		if d, ok := f.docs[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

func (f *fakeDocs) ListChunks(ctx context.Context, documentID string) ([]model.Chunk, error) {
	return nil, nil
}

func (f *fakeDocs) ReplaceContent(ctx context.Context, documentID string, generation int64, chunks []model.Chunk, records []model.StructuredRecord, rels []model.Relationship) error {
	return nil
}

func (f *fakeDocs) Delete(ctx context.Context, id string) error { return nil }

// spyIndex 记录向量检索的调用，按层级返回预设命中。
type spyIndex struct {
	mu          sync.Mutex
	queries     []repository.KNNQuery
	hits        func(q repository.KNNQuery) ([]model.ChunkHit, error)
	deletedDocs []string
}

func (s *spyIndex) IndexChunks(ctx context.Context, chunks []model.EsChunk) error { return nil }

func (s *spyIndex) DeleteStaleGenerations(ctx context.Context, documentID string, keep int64) error {
	return nil
}

func (s *spyIndex) DeleteGeneration(ctx context.Context, documentID string, generation int64) error {
	return nil
}

func (s *spyIndex) DeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedDocs = append(s.deletedDocs, documentID)
	return nil
}

func (s *spyIndex) Search(ctx context.Context, q repository.KNNQuery) ([]model.ChunkHit, error) {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()
	if s.hits == nil {
		return nil, nil
	}
	return s.hits(q)
}

// spyRecords 记录结构化检索的调用。
type spyRecords struct {
	queries []repository.RecordQuery
	search  func(q repository.RecordQuery) ([]model.StructuredRecord, error)
	samples map[string][]model.StructuredRecord
}

func (s *spyRecords) Search(ctx context.Context, q repository.RecordQuery) ([]model.StructuredRecord, error) {
	s.queries = append(s.queries, q)
	if s.search == nil {
		return nil, nil
	}
	return s.search(q)
}

func (s *spyRecords) SampleRows(ctx context.Context, documentID, sheetName string, limit int) ([]model.StructuredRecord, error) {
	rows := s.samples[documentID+"|"+sheetName]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *spyRecords) ListByDocument(ctx context.Context, documentID string) ([]model.StructuredRecord, error) {
	return nil, nil
}

type fakeRelationships struct {
	rels []model.Relationship
}

func (f *fakeRelationships) FindForDocuments(ctx context.Context, documentIDs []string) ([]model.Relationship, error) {
	return f.rels, nil
}

type countingEmbedder struct {
	calls int
	err   error
}

func (e *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type fixedClassifier string

func (c fixedClassifier) Classify(ctx context.Context, query string) string { return string(c) }

type countingLLM struct {
	reply string
	err   error
	calls int
}

func (l *countingLLM) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	l.calls++
	return l.reply, l.err
}

func record(doc, sheet string, row int, raw string) model.StructuredRecord {
	return model.StructuredRecord{DocumentID: doc, SheetName: sheet, RowIndex: row, RawText: raw}
}

func hit(doc string, gen int64, content string, similarity float64) model.ChunkHit {
	return model.ChunkHit{
		EsChunk: model.EsChunk{
			ChunkID:    fmt.Sprintf("%s-%d", doc, len(content)),
			DocumentID: doc,
			Generation: gen,
			Title:      "Handbook",
			SourceURL:  "https://example.test/" + doc,
			Content:    content,
		},
		Similarity: similarity,
	}
}
