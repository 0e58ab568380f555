// Package pipeline 定义了文件处理的核心流程。
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dp-chatbot-go/internal/analyzer"
	"dp-chatbot-go/internal/chunker"
	"dp-chatbot-go/internal/extractor"
	"dp-chatbot-go/internal/model"
	"dp-chatbot-go/internal/repository"
	"dp-chatbot-go/pkg/embedding"
	"dp-chatbot-go/pkg/errs"
	"dp-chatbot-go/pkg/log"
	"dp-chatbot-go/pkg/provider"
	"dp-chatbot-go/pkg/resilience"

	"gorm.io/datatypes"
)

// Processor 封装了文件处理的所有依赖和逻辑。
type Processor struct {
	analyzer     *analyzer.Analyzer
	chunker      *chunker.Chunker
	embedder     embedding.Embedder
	docRepo      repository.DocumentRepository
	chunkIndex   repository.ChunkIndexRepository
	modelVersion string
	now          func() time.Time
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	a *analyzer.Analyzer,
	c *chunker.Chunker,
	embedder embedding.Embedder,
	docRepo repository.DocumentRepository,
	chunkIndex repository.ChunkIndexRepository,
	modelVersion string,
) *Processor {
	return &Processor{
		analyzer:     a,
		chunker:      c,
		embedder:     embedder,
		docRepo:      docRepo,
		chunkIndex:   chunkIndex,
		modelVersion: modelVersion,
		now:          time.Now,
	}
}

// content 是一次处理产出的全部待持久化数据。
type content struct {
	chunks        []model.Chunk
	records       []model.StructuredRecord
	relationships []model.Relationship
}

// Process 处理一个已认领的文件，返回生成的文档 ID。
// 分块先以新的 generation 写入索引，再在一个事务内替换关系库中的分块与记录并切换 generation。
// 任一步骤失败时清理本次写入的索引；本次新建的文档会被删除，避免检索看到没有分块的文档。
func (p *Processor) Process(ctx context.Context, src provider.Provider, f *model.SyncedFile) (string, error) {
	log.Infof("[Processor] 开始处理文件, ExternalID: %s, Name: %s, Kind: %s", f.ExternalID, f.Name, f.Kind)
	documentID := model.DocumentIDFor(f.ExternalID)

	// 1. 从内容源拉取文件内容
	log.Infof("[Processor] 步骤1: 拉取文件内容, ExternalID: %s", f.ExternalID)
	var (
		tabular *provider.TabularContent
		text    *provider.TextContent
		err     error
	)
	switch f.Kind {
	case model.KindTabular:
		tabular, err = resilience.Call(ctx, resilience.FetchPolicy, "provider.fetch_tabular", func(ctx context.Context) (*provider.TabularContent, error) {
			return src.FetchTabular(ctx, f.ExternalID)
		})
	case model.KindText:
		text, err = resilience.Call(ctx, resilience.FetchPolicy, "provider.fetch_text", func(ctx context.Context) (*provider.TextContent, error) {
			return src.FetchText(ctx, f.ExternalID)
		})
	default:
		return "", errs.Validation("pipeline.process", fmt.Sprintf("unsupported file kind %q", f.Kind))
	}
	if err != nil {
		log.Errorf("[Processor] 拉取文件内容失败, ExternalID: %s, Error: %v", f.ExternalID, err)
		return "", err
	}

	title := f.Name
	var sheetNames []string
	if tabular != nil {
		if tabular.Title != "" {
			title = tabular.Title
		}
		sheetNames = tabular.SheetNames()
	} else if text.Title != "" {
		title = text.Title
	}
	title = model.TruncateRunes(title, model.TitleMaxLen)

	// 2. 写入文档（确定性 ID，重复导入幂等）
	log.Infof("[Processor] 步骤2: 写入文档, DocumentID: %s", documentID)
	doc := &model.Document{
		ID:               documentID,
		ExternalID:       f.ExternalID,
		Title:            title,
		Kind:             f.Kind,
		SourceURL:        f.SourceURL,
		Team:             f.Team,
		Metadata:         documentMetadata(f, sheetNames),
		SourceModifiedAt: f.ModifiedTime,
	}
	inserted, err := resilience.Call(ctx, resilience.StorePolicy, "documents.upsert", func(ctx context.Context) (bool, error) {
		return p.docRepo.Upsert(ctx, doc)
	})
	if err != nil {
		log.Errorf("[Processor] 写入文档失败, DocumentID: %s, Error: %v", documentID, err)
		return "", err
	}

	generation := p.now().UnixNano()
	indexed := false
	fail := func(stage string, cause error) (string, error) {
		log.Errorf("[Processor] %s失败, DocumentID: %s, Error: %v", stage, documentID, cause)
		p.rollback(documentID, generation, indexed, inserted)
		return "", cause
	}

	// 3. 结构分析、结构化抽取与分块
	log.Info("[Processor] 步骤3: 结构分析与分块")
	var c *content
	if tabular != nil {
		c = p.buildTabular(ctx, documentID, title, f.Team, tabular)
	} else {
		c = &content{chunks: p.chunker.ChunkProse(documentID, title, text.Text, chunker.Meta{Team: f.Team})}
	}
	if len(c.chunks) == 0 {
		return fail("分块", errs.Validation("pipeline.process", "file produced no chunks"))
	}
	for i := range c.chunks {
		c.chunks[i].Ordinal = i
	}
	log.Infof("[Processor] 步骤3: 完成, 分块: %d, 结构化记录: %d, 关系: %d", len(c.chunks), len(c.records), len(c.relationships))

	// 4. 向量化
	log.Infof("[Processor] 步骤4: 向量化 %d 个分块", len(c.chunks))
	texts := make([]string, len(c.chunks))
	for i, ch := range c.chunks {
		texts[i] = ch.Content
	}
	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return fail("向量化", err)
	}

	// 5. 以新的 generation 写入索引
	log.Infof("[Processor] 步骤5: 写入向量索引, Generation: %d", generation)
	esChunks := make([]model.EsChunk, 0, len(c.chunks))
	for i, ch := range c.chunks {
		if i >= len(vectors) || len(vectors[i]) == 0 {
			continue
		}
		esChunks = append(esChunks, model.EsChunk{
			ChunkID:          ch.ID,
			DocumentID:       documentID,
			Generation:       generation,
			Level:            ch.Level,
			SheetName:        ch.SheetName,
			SectionTitle:     ch.SectionTitle,
			Title:            title,
			SourceURL:        f.SourceURL,
			Team:             f.Team,
			Content:          ch.Content,
			SourceModifiedAt: f.ModifiedTime,
			Vector:           vectors[i],
			ModelVersion:     p.modelVersion,
		})
	}
	indexed = true
	if err := resilience.Do(ctx, resilience.StorePolicy, "chunks.index", func(ctx context.Context) error {
		return p.chunkIndex.IndexChunks(ctx, esChunks)
	}); err != nil {
		return fail("写入向量索引", err)
	}

	// 6. 事务内替换分块、记录与关系，并切换 generation
	log.Info("[Processor] 步骤6: 替换文档内容")
	if err := resilience.Do(ctx, resilience.StorePolicy, "documents.replace_content", func(ctx context.Context) error {
		return p.docRepo.ReplaceContent(ctx, documentID, generation, c.chunks, c.records, c.relationships)
	}); err != nil {
		return fail("替换文档内容", err)
	}

	// 7. 清理旧 generation，失败不影响结果，下次处理会再次清理
	if err := p.chunkIndex.DeleteStaleGenerations(ctx, documentID, generation); err != nil {
		log.Warnf("[Processor] 清理旧的索引版本失败, DocumentID: %s, Error: %v", documentID, err)
	}

	log.Infof("[Processor] 文件处理完成, ExternalID: %s, DocumentID: %s, Inserted: %t", f.ExternalID, documentID, inserted)
	return documentID, nil
}

// buildTabular 逐张工作表做结构分析、抽取记录并分块，然后推断工作表之间的关系。
func (p *Processor) buildTabular(ctx context.Context, documentID, title, team string, t *provider.TabularContent) *content {
	c := &content{}
	seen := make(map[string]bool, len(t.Sheets))
	sheets := make([]provider.Sheet, 0, len(t.Sheets))
	for _, s := range t.Sheets {
		// 工作表名在各表中都按列宽存储，截断后再去重
		s.Name = model.TruncateRunes(s.Name, model.SheetNameMaxLen)
		if seen[s.Name] {
			log.Warnf("[Processor] 忽略重名工作表, DocumentID: %s, Sheet: %s", documentID, s.Name)
			continue
		}
		seen[s.Name] = true
		sheets = append(sheets, s)
	}

	for _, s := range sheets {
		siblings := make([]string, 0, len(sheets)-1)
		for _, o := range sheets {
			if o.Name != s.Name {
				siblings = append(siblings, o.Name)
			}
		}
		analysis := p.analyzer.GetOrCreateAnalysis(ctx, documentID, s.Name, s.Rows, title, siblings)
		c.records = append(c.records, extractor.Extract(s.Rows, s.Name, analysis, extractor.DocumentMeta{DocumentID: documentID, Team: team})...)
		c.chunks = append(c.chunks, p.chunker.ChunkTabular(documentID, title, s, analysis, chunker.Meta{Team: team})...)
	}
	c.relationships = p.analyzer.AnalyzeRelationships(ctx, documentID, title, sheets)
	return c
}

// rollback 清理失败的处理留下的数据。使用独立的 context，调用方取消后仍能完成清理。
func (p *Processor) rollback(documentID string, generation int64, indexed, inserted bool) {
	ctx, cancel := context.WithTimeout(context.Background(), resilience.StorePolicy.Timeout)
	defer cancel()

	if indexed {
		if err := p.chunkIndex.DeleteGeneration(ctx, documentID, generation); err != nil {
			log.Warnf("[Processor] 回滚索引失败, DocumentID: %s, Generation: %d, Error: %v", documentID, generation, err)
		}
	}
	if !inserted {
		return
	}
	if err := p.docRepo.Delete(ctx, documentID); err != nil && !errs.IsNotFound(err) {
		log.Errorf("[Processor] 回滚新建文档失败, DocumentID: %s, Error: %v", documentID, err)
		return
	}
	log.Infof("[Processor] 已回滚新建文档, DocumentID: %s", documentID)
}

func documentMetadata(f *model.SyncedFile, sheetNames []string) datatypes.JSON {
	meta := map[string]interface{}{
		"mimeType": f.MimeType,
		"folderId": f.FolderID,
		"owners":   []string(f.Owners),
	}
	if len(sheetNames) > 0 {
		meta["sheetNames"] = sheetNames
	}
	b, _ := json.Marshal(meta)
	return datatypes.JSON(b)
}
