// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"dp-chatbot-go/internal/config"
	"dp-chatbot-go/internal/model"
	"dp-chatbot-go/internal/repository"
	"dp-chatbot-go/pkg/embedding"
	"dp-chatbot-go/pkg/errs"
	"dp-chatbot-go/pkg/log"
	"dp-chatbot-go/pkg/resilience"
)

const maxKeywords = 8

// Classifier 判断查询类型。
type Classifier interface {
	Classify(ctx context.Context, query string) string
}

// RetrievalService 接口定义了分层检索操作。
type RetrievalService interface {
	Retrieve(ctx context.Context, query string, user model.UserContext) (*model.RetrievalResponse, error)
}

type retrievalService struct {
	records    repository.StructuredRecordRepository
	chunks     repository.ChunkIndexRepository
	docs       repository.DocumentRepository
	rels       repository.RelationshipRepository
	embedder   embedding.Embedder
	classifier Classifier
	cfg        config.RetrievalConfig
	now        func() time.Time
}

// NewRetrievalService 创建一个新的 RetrievalService 实例。
func NewRetrievalService(
	records repository.StructuredRecordRepository,
	chunks repository.ChunkIndexRepository,
	docs repository.DocumentRepository,
	rels repository.RelationshipRepository,
	embedder embedding.Embedder,
	classifier Classifier,
	cfg config.RetrievalConfig,
) RetrievalService {
	return &retrievalService{
		records:    records,
		chunks:     chunks,
		docs:       docs,
		rels:       rels,
		embedder:   embedder,
		classifier: classifier,
		cfg:        withRetrievalDefaults(cfg),
		now:        time.Now,
	}
}

func withRetrievalDefaults(c config.RetrievalConfig) config.RetrievalConfig {
	if c.MinResults <= 0 {
		c.MinResults = 5
	}
	if c.HotWindow <= 0 {
		c.HotWindow = 7 * 24 * time.Hour
	}
	if c.HotFloor <= 0 {
		c.HotFloor = 0.75
	}
	if c.WarmFloor <= 0 {
		c.WarmFloor = 0.60
	}
	if c.ColdFloor <= 0 {
		c.ColdFloor = 0.45
	}
	if c.HotBoost <= 0 {
		c.HotBoost = 1.2
	}
	if c.ColdPenalty <= 0 {
		c.ColdPenalty = 0.7
	}
	if c.RelatedFactor <= 0 {
		c.RelatedFactor = 0.5
	}
	if c.RelatedSampleRows <= 0 {
		c.RelatedSampleRows = 3
	}
	if c.RelatedMaxDocs <= 0 {
		c.RelatedMaxDocs = 5
	}
	if c.TopK <= 0 {
		c.TopK = 20
	}
	if c.DedupPrefix <= 0 {
		c.DedupPrefix = 120
	}
	return c
}

// tier 是一个检索层级的范围与打分参数。
type tier struct {
	name  string
	team  string
	since *time.Time
	floor float64
	// factor 乘到该层级所有命中的分数上
	factor float64
}

func (s *retrievalService) tiers(user model.UserContext) []tier {
	since := s.now().Add(-s.cfg.HotWindow)
	return []tier{
		{name: model.TierHot, team: user.Team, since: &since, floor: s.cfg.HotFloor, factor: s.cfg.HotBoost},
		{name: model.TierWarm, team: user.Team, floor: s.cfg.WarmFloor, factor: 1},
		{name: model.TierCold, floor: s.cfg.ColdFloor, factor: s.cfg.ColdPenalty},
	}
}

// request 保存一次检索过程中的中间状态。
type request struct {
	query     string
	queryType string
	keywords  []string
	vector    []float32
	// embedded 表示已尝试过向量化，失败时不再重复
	embedded bool
	embedErr error
	failures int
	lastErr  error
	calls    int
}

// Retrieve 依次在 hot、warm、cold 层级检索，累计去重后的结果达到阈值即停止升级，
// 然后用关系扩展补充相关工作表的样例行。
func (s *retrievalService) Retrieve(ctx context.Context, query string, user model.UserContext) (*model.RetrievalResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errs.Validation("retrieval.retrieve", "query is empty")
	}
	req := &request{
		query:     query,
		queryType: s.classifier.Classify(ctx, query),
		keywords:  extractKeywords(query),
	}
	if req.queryType == QueryStructured && len(req.keywords) == 0 {
		req.queryType = QueryHybrid
	}
	log.Infof("[RetrievalService] 开始检索, query: '%s', type: %s, keywords: %v, team: %s", query, req.queryType, req.keywords, user.Team)

	var (
		results   []model.RetrievalResult
		tiersUsed []string
	)
	for _, t := range s.tiers(user) {
		found := s.searchTier(ctx, req, t)
		tiersUsed = append(tiersUsed, t.name)
		results = s.dedupe(append(results, found...))
		log.Infof("[RetrievalService] 层级 %s 完成, 新增 %d 条, 累计去重后 %d 条", t.name, len(found), len(results))
		if len(results) >= s.cfg.MinResults {
			break
		}
	}
	if req.calls > 0 && req.failures == req.calls {
		log.Errorf("[RetrievalService] 所有子检索均失败, query: '%s', error: %v", query, req.lastErr)
		return nil, req.lastErr
	}

	if err := s.attachSources(ctx, results); err != nil {
		log.Warnf("[RetrievalService] 补充文档信息失败: %v", err)
	}
	related := s.expand(ctx, results)
	results = s.dedupe(append(results, related...))
	sortResults(results)

	resp := &model.RetrievalResponse{Results: results, TiersUsed: tiersUsed, QueryType: req.queryType}
	if resp.Results == nil {
		resp.Results = []model.RetrievalResult{}
	}
	for _, r := range results {
		switch r.Type {
		case model.ResultStructured:
			resp.StructuredCount++
		case model.ResultSemantic:
			resp.SemanticCount++
		case model.ResultRelated:
			resp.RelatedCount++
		}
	}
	log.Infof("[RetrievalService] 检索完成, 结构化: %d, 语义: %d, 关联: %d, 层级: %v", resp.StructuredCount, resp.SemanticCount, resp.RelatedCount, tiersUsed)
	return resp, nil
}

// searchTier 在一个层级内按查询类型运行结构化和/或语义子检索。
func (s *retrievalService) searchTier(ctx context.Context, req *request, t tier) []model.RetrievalResult {
	var out []model.RetrievalResult
	if req.queryType != QuerySemantic && len(req.keywords) > 0 {
		req.calls++
		found, err := s.searchStructured(ctx, req, t)
		if err != nil {
			req.failures++
			req.lastErr = err
			log.Warnf("[RetrievalService] 层级 %s 结构化检索失败: %v", t.name, err)
		}
		out = append(out, found...)
	}
	if req.queryType != QueryStructured {
		req.calls++
		found, err := s.searchSemantic(ctx, req, t)
		if err != nil {
			req.failures++
			req.lastErr = err
			log.Warnf("[RetrievalService] 层级 %s 语义检索失败: %v", t.name, err)
		}
		out = append(out, found...)
	}
	return out
}

// searchStructured 以关键词检索结构化记录，分数为命中关键词的比例。
func (s *retrievalService) searchStructured(ctx context.Context, req *request, t tier) ([]model.RetrievalResult, error) {
	q := repository.RecordQuery{
		Keywords:      req.keywords,
		Team:          t.team,
		ModifiedSince: t.since,
		Limit:         s.cfg.TopK * 10,
	}
	rows, err := resilience.Call(ctx, resilience.StorePolicy, "structured_records.search", func(ctx context.Context) ([]model.StructuredRecord, error) {
		return s.records.Search(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.RetrievalResult, 0, len(rows))
	for _, r := range rows {
		score := keywordScore(r, req.keywords)
		if score == 0 {
			continue
		}
		out = append(out, recordResult(r, model.ResultStructured, score*t.factor, t.name))
	}
	return out, nil
}

// searchSemantic 以查询向量做 kNN 检索，丢弃 generation 已失效的命中。
func (s *retrievalService) searchSemantic(ctx context.Context, req *request, t tier) ([]model.RetrievalResult, error) {
	if !req.embedded {
		req.embedded = true
		vectors, err := s.embedder.Embed(ctx, []string{req.query})
		if len(vectors) > 0 {
			req.vector = vectors[0]
		}
		req.embedErr = err
	}
	if req.embedErr != nil {
		return nil, req.embedErr
	}
	if len(req.vector) == 0 {
		return nil, nil
	}

	knn := repository.KNNQuery{
		Vector:        req.vector,
		K:             s.cfg.TopK,
		MinSimilarity: t.floor,
		Team:          t.team,
		ModifiedSince: t.since,
	}
	hits, err := resilience.Call(ctx, resilience.StorePolicy, "chunk_index.search", func(ctx context.Context) ([]model.ChunkHit, error) {
		return s.chunks.Search(ctx, knn)
	})
	if err != nil || len(hits) == 0 {
		return nil, err
	}

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.DocumentID)
	}
	docs, err := s.findDocuments(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]model.RetrievalResult, 0, len(hits))
	for _, h := range hits {
		doc, ok := docs[h.DocumentID]
		if !ok || doc.Generation != h.Generation {
			continue
		}
		out = append(out, model.RetrievalResult{
			Type:       model.ResultSemantic,
			Source:     sourceLabel(h.Title, h.SheetName, h.SectionTitle),
			SourceURL:  h.SourceURL,
			Content:    h.Content,
			Score:      h.Similarity * t.factor,
			Tier:       t.name,
			DocumentID: h.DocumentID,
			SheetName:  h.SheetName,
		})
	}
	return out, nil
}

// expand 查找结果中文档/工作表的关系，把关联工作表的少量样例行以降低的分数追加进来。
func (s *retrievalService) expand(ctx context.Context, results []model.RetrievalResult) []model.RetrievalResult {
	if len(results) == 0 {
		return nil
	}
	type sheetKey struct{ doc, sheet string }
	type origin struct {
		score float64
		tier  string
	}
	best := make(map[sheetKey]origin)
	seenDoc := make(map[string]bool)
	var docIDs []string
	for _, r := range results {
		k := sheetKey{r.DocumentID, r.SheetName}
		if r.Score > best[k].score {
			best[k] = origin{r.Score, r.Tier}
		}
		if !seenDoc[r.DocumentID] {
			seenDoc[r.DocumentID] = true
			docIDs = append(docIDs, r.DocumentID)
		}
	}
	// 命中的文档没有工作表信息时按整篇文档匹配
	originOf := func(doc, sheet string) (origin, bool) {
		if v, ok := best[sheetKey{doc, sheet}]; ok {
			return v, true
		}
		v, ok := best[sheetKey{doc, ""}]
		return v, ok
	}

	rels, err := resilience.Call(ctx, resilience.StorePolicy, "relationships.find", func(ctx context.Context) ([]model.Relationship, error) {
		return s.rels.FindForDocuments(ctx, docIDs)
	})
	if err != nil {
		log.Warnf("[RetrievalService] 查询文档关系失败: %v", err)
		return nil
	}

	var out []model.RetrievalResult
	expanded := make(map[sheetKey]bool)
	for _, rel := range rels {
		if len(expanded) >= s.cfg.RelatedMaxDocs {
			break
		}
		var (
			target sheetKey
			from   origin
		)
		if v, ok := originOf(rel.SourceDocumentID, rel.SourceSheet); ok {
			target, from = sheetKey{rel.TargetDocumentID, rel.TargetSheet}, v
		} else if v, ok := originOf(rel.TargetDocumentID, rel.TargetSheet); ok {
			target, from = sheetKey{rel.SourceDocumentID, rel.SourceSheet}, v
		} else {
			continue
		}
		if expanded[target] || target.sheet == "" {
			continue
		}
		expanded[target] = true

		rows, err := resilience.Call(ctx, resilience.StorePolicy, "structured_records.sample_rows", func(ctx context.Context) ([]model.StructuredRecord, error) {
			return s.records.SampleRows(ctx, target.doc, target.sheet, s.cfg.RelatedSampleRows)
		})
		if err != nil {
			log.Warnf("[RetrievalService] 读取关联工作表样例行失败, doc: %s, sheet: %s, error: %v", target.doc, target.sheet, err)
			continue
		}
		label := rel.Type
		if rel.Description != "" {
			label = rel.Type + ": " + rel.Description
		}
		for _, r := range rows {
			res := recordResult(r, model.ResultRelated, from.score*s.cfg.RelatedFactor, from.tier)
			res.Relationship = label
			out = append(out, res)
		}
	}
	if len(out) > 0 {
		if err := s.attachSources(ctx, out); err != nil {
			log.Warnf("[RetrievalService] 补充关联文档信息失败: %v", err)
		}
		log.Infof("[RetrievalService] 关系扩展完成, 关联工作表: %d, 追加 %d 行", len(expanded), len(out))
	}
	return out
}

func (s *retrievalService) findDocuments(ctx context.Context, ids []string) (map[string]*model.Document, error) {
	return resilience.Call(ctx, resilience.StorePolicy, "documents.find_by_ids", func(ctx context.Context) (map[string]*model.Document, error) {
		return s.docs.FindByIDs(ctx, ids)
	})
}

// attachSources 为结构化结果补充文档标题与链接，语义结果自带这些信息。
func (s *retrievalService) attachSources(ctx context.Context, results []model.RetrievalResult) error {
	var ids []string
	for _, r := range results {
		if r.Type != model.ResultSemantic && r.SourceURL == "" {
			ids = append(ids, r.DocumentID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	docs, err := s.findDocuments(ctx, ids)
	if err != nil {
		return err
	}
	for i := range results {
		r := &results[i]
		if r.Type == model.ResultSemantic {
			continue
		}
		if d, ok := docs[r.DocumentID]; ok {
			r.Source = sourceLabel(d.Title, r.SheetName, "")
			r.SourceURL = d.SourceURL
		}
	}
	return nil
}

// dedupe 结构化行按 文档+工作表+行号 去重，语义分块按内容前缀去重，冲突时保留分数高的。
func (s *retrievalService) dedupe(results []model.RetrievalResult) []model.RetrievalResult {
	index := make(map[string]int, len(results))
	out := make([]model.RetrievalResult, 0, len(results))
	for _, r := range results {
		key := s.dedupeKey(r)
		if i, ok := index[key]; ok {
			if r.Score > out[i].Score {
				out[i] = r
			}
			continue
		}
		index[key] = len(out)
		out = append(out, r)
	}
	return out
}

func (s *retrievalService) dedupeKey(r model.RetrievalResult) string {
	if r.RowIndex != nil {
		return fmt.Sprintf("row\x1f%s\x1f%s\x1f%d", r.DocumentID, r.SheetName, *r.RowIndex)
	}
	return "text\x1f" + prefix(strings.TrimSpace(r.Content), s.cfg.DedupPrefix)
}

func sortResults(results []model.RetrievalResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}

func recordResult(r model.StructuredRecord, kind string, score float64, tierName string) model.RetrievalResult {
	row := r.RowIndex
	return model.RetrievalResult{
		Type:       kind,
		Source:     r.SheetName,
		Content:    r.RawText,
		Score:      score,
		Tier:       tierName,
		DocumentID: r.DocumentID,
		SheetName:  r.SheetName,
		RowIndex:   &row,
	}
}

// keywordScore 返回记录原文或实体键中包含的关键词比例。
func keywordScore(r model.StructuredRecord, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	text := strings.ToLower(r.RawText)
	entity := ""
	if r.EntityKey != nil {
		entity = strings.ToLower(*r.EntityKey)
	}
	matched := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) || entity == kw {
			matched++
		}
	}
	return float64(matched) / float64(len(keywords))
}

func sourceLabel(title, sheet, section string) string {
	parts := []string{title}
	if sheet != "" {
		parts = append(parts, sheet)
	}
	if section != "" && section != sheet {
		parts = append(parts, section)
	}
	return strings.Join(parts, " / ")
}

func prefix(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

var (
	nonWord    = regexp.MustCompile(`[^\p{Han}\p{L}\p{N}\-_\s]+`)
	whitespace = regexp.MustCompile(`\s+`)
)

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true, "for": true, "in": true,
	"on": true, "to": true, "is": true, "are": true, "was": true, "were": true, "what": true, "which": true,
	"who": true, "how": true, "many": true, "much": true, "do": true, "does": true, "did": true, "we": true,
	"our": true, "me": true, "show": true, "tell": true, "give": true, "about": true, "with": true, "by": true,
	"from": true, "at": true, "this": true, "that": true, "it": true, "be": true, "have": true, "has": true,
	"please": true, "can": true, "you": true, "i": true, "all": true, "list": true,
	"请问": true, "是什么": true, "多少": true, "怎么": true, "如何": true, "的": true,
}

// extractKeywords 去掉标点与常见功能词，保留最多 maxKeywords 个去重后的小写关键词。
func extractKeywords(q string) []string {
	lower := strings.ToLower(q)
	lower = nonWord.ReplaceAllString(lower, " ")
	lower = strings.TrimSpace(whitespace.ReplaceAllString(lower, " "))
	if lower == "" {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.Split(lower, " ") {
		w = strings.Trim(w, "-_")
		if utf8.RuneCountInString(w) < 2 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}
