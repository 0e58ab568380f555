package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"dp-chatbot-go/internal/config"
	"dp-chatbot-go/internal/model"
	"dp-chatbot-go/internal/repository"
	"dp-chatbot-go/pkg/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var retrievalNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type retrievalFixture struct {
	records  *spyRecords
	index    *spyIndex
	docs     *fakeDocs
	rels     *fakeRelationships
	embedder *countingEmbedder
}

func newRetrievalFixture() *retrievalFixture {
	return &retrievalFixture{
		records:  &spyRecords{samples: map[string][]model.StructuredRecord{}},
		index:    &spyIndex{},
		docs:     &fakeDocs{docs: map[string]*model.Document{}},
		rels:     &fakeRelationships{},
		embedder: &countingEmbedder{},
	}
}

func (f *retrievalFixture) service(queryType string) *retrievalService {
	svc := NewRetrievalService(f.records, f.index, f.docs, f.rels, f.embedder, fixedClassifier(queryType), config.RetrievalConfig{}).(*retrievalService)
	svc.now = func() time.Time { return retrievalNow }
	return svc
}

func (f *retrievalFixture) addDoc(id string, generation int64) {
	f.docs.docs[id] = &model.Document{ID: id, Title: "Plan " + id, SourceURL: "https://example.test/" + id, Generation: generation}
}

func tierOf(since *time.Time, team string) string {
	switch {
	case since != nil:
		return model.TierHot
	case team != "":
		return model.TierWarm
	}
	return model.TierCold
}

var planner = model.UserContext{UserID: "u1", Team: "planning"}

func TestRetrieveStopsAtHotTier(t *testing.T) {
	fx := newRetrievalFixture()
	fx.addDoc("d1", 1)
	fx.records.search = func(q repository.RecordQuery) ([]model.StructuredRecord, error) {
		var out []model.StructuredRecord
		for i := 0; i < 5; i++ {
			out = append(out, record("d1", "Forecast", i+1, fmt.Sprintf("SKU: A100 | Week: W%d | Units: 10", i)))
		}
		return out, nil
	}

	resp, err := fx.service(QueryStructured).Retrieve(context.Background(), "units for A100", planner)
	require.NoError(t, err)

	assert.Equal(t, []string{model.TierHot}, resp.TiersUsed)
	require.Len(t, fx.records.queries, 1, "warm and cold tiers are never searched")
	assert.Equal(t, model.TierHot, tierOf(fx.records.queries[0].ModifiedSince, fx.records.queries[0].Team))
	assert.Equal(t, retrievalNow.Add(-7*24*time.Hour), *fx.records.queries[0].ModifiedSince)
	assert.Equal(t, "planning", fx.records.queries[0].Team)
	assert.Empty(t, fx.index.queries, "structured queries skip semantic search")
	assert.Zero(t, fx.embedder.calls)

	assert.Equal(t, 5, resp.StructuredCount)
	for _, r := range resp.Results {
		assert.InDelta(t, 1.2, r.Score, 1e-9, "all keywords matched, hot boost applied")
		assert.Equal(t, model.TierHot, r.Tier)
		assert.Equal(t, "Plan d1 / Forecast", r.Source)
		assert.Equal(t, "https://example.test/d1", r.SourceURL)
	}
}

func TestRetrieveEscalatesThroughTiers(t *testing.T) {
	fx := newRetrievalFixture()
	fx.addDoc("d1", 1)
	fx.addDoc("d2", 3)
	fx.records.search = func(q repository.RecordQuery) ([]model.StructuredRecord, error) {
		switch tierOf(q.ModifiedSince, q.Team) {
		case model.TierHot:
			return []model.StructuredRecord{record("d1", "Forecast", 1, "SKU: A100 | Units: 10")}, nil
		case model.TierWarm:
			return []model.StructuredRecord{
				record("d1", "Forecast", 1, "SKU: A100 | Units: 10"),
				record("d1", "Forecast", 2, "SKU: A100 | Units: 12"),
			}, nil
		}
		return []model.StructuredRecord{record("d1", "Forecast", 3, "SKU: A100 | Units: 14")}, nil
	}
	fx.index.hits = func(q repository.KNNQuery) ([]model.ChunkHit, error) {
		switch tierOf(q.ModifiedSince, q.Team) {
		case model.TierWarm:
			return []model.ChunkHit{hit("d2", 3, "Units for A100 are planned weekly by the analyst.", 0.8)}, nil
		case model.TierCold:
			return []model.ChunkHit{hit("d2", 2, "Superseded text about A100 units.", 0.9)}, nil
		}
		return nil, nil
	}

	resp, err := fx.service(QueryHybrid).Retrieve(context.Background(), "A100 units", planner)
	require.NoError(t, err)

	assert.Equal(t, []string{model.TierHot, model.TierWarm, model.TierCold}, resp.TiersUsed)
	require.Len(t, fx.index.queries, 3)
	assert.Equal(t, []float64{0.75, 0.60, 0.45}, []float64{fx.index.queries[0].MinSimilarity, fx.index.queries[1].MinSimilarity, fx.index.queries[2].MinSimilarity})
	assert.Equal(t, "", fx.index.queries[2].Team, "cold tier is cross-team")
	assert.Equal(t, 1, fx.embedder.calls, "the query is embedded once")

	assert.Equal(t, 3, resp.StructuredCount)
	assert.Equal(t, 1, resp.SemanticCount, "hits from a stale generation are dropped")

	byRow := map[int]model.RetrievalResult{}
	for _, r := range resp.Results {
		if r.RowIndex != nil {
			byRow[*r.RowIndex] = r
		}
	}
	assert.Equal(t, model.TierHot, byRow[1].Tier, "the boosted hot copy wins the duplicate")
	assert.InDelta(t, 1.2, byRow[1].Score, 1e-9)
	assert.InDelta(t, 1.0, byRow[2].Score, 1e-9)
	assert.InDelta(t, 0.7, byRow[3].Score, 1e-9)
	assert.Equal(t, model.TierCold, byRow[3].Tier)

	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].Score, resp.Results[i].Score)
	}
}

func TestRetrieveDeduplicatesSemanticByContentPrefix(t *testing.T) {
	fx := newRetrievalFixture()
	fx.addDoc("d2", 1)
	long := "The forecast review happens every Tuesday with category managers and finance signs off the final numbers before noon on Wednesday."
	fx.index.hits = func(q repository.KNNQuery) ([]model.ChunkHit, error) {
		return []model.ChunkHit{
			hit("d2", 1, long+" Version one.", 0.7),
			hit("d2", 1, long+" Version two.", 0.9),
		}, nil
	}

	resp, err := fx.service(QuerySemantic).Retrieve(context.Background(), "how is the forecast reviewed", planner)
	require.NoError(t, err)
	require.Equal(t, 1, resp.SemanticCount)
	assert.Contains(t, resp.Results[0].Content, "Version two.")
	assert.Empty(t, fx.records.queries, "semantic queries skip structured search")
}

func TestRetrieveExpandsRelatedSheets(t *testing.T) {
	fx := newRetrievalFixture()
	fx.addDoc("d1", 1)
	fx.records.search = func(q repository.RecordQuery) ([]model.StructuredRecord, error) {
		if q.ModifiedSince == nil {
			return nil, nil
		}
		return []model.StructuredRecord{record("d1", "Forecast", 1, "SKU: A100 | Units: 10")}, nil
	}
	fx.rels.rels = []model.Relationship{
		{SourceDocumentID: "d1", SourceSheet: "Forecast", TargetDocumentID: "d1", TargetSheet: "Inventory", Type: model.RelDrives, Confidence: 0.9, Description: "forecast drives replenishment"},
		{SourceDocumentID: "d9", SourceSheet: "Other", TargetDocumentID: "d8", TargetSheet: "Unrelated", Type: model.RelReferences, Confidence: 0.5},
	}
	fx.records.samples["d1|Inventory"] = []model.StructuredRecord{
		record("d1", "Inventory", 1, "SKU: A100 | On Hand: 40"),
		record("d1", "Inventory", 2, "SKU: B200 | On Hand: 5"),
		record("d1", "Inventory", 3, "SKU: C300 | On Hand: 9"),
		record("d1", "Inventory", 4, "SKU: D400 | On Hand: 1"),
	}

	resp, err := fx.service(QueryStructured).Retrieve(context.Background(), "A100 units", planner)
	require.NoError(t, err)

	assert.Equal(t, 1, resp.StructuredCount)
	assert.Equal(t, 3, resp.RelatedCount, "related sample is capped")
	for _, r := range resp.Results {
		if r.Type != model.ResultRelated {
			continue
		}
		assert.Equal(t, "Inventory", r.SheetName)
		assert.Equal(t, "drives: forecast drives replenishment", r.Relationship)
		assert.InDelta(t, 1.2*0.5, r.Score, 1e-9)
		assert.Equal(t, "Plan d1 / Inventory", r.Source)
	}
	assert.Equal(t, model.ResultStructured, resp.Results[0].Type)
}

func TestRetrieveValidationAndFailures(t *testing.T) {
	fx := newRetrievalFixture()
	_, err := fx.service(QueryHybrid).Retrieve(context.Background(), "   ", planner)
	assert.True(t, errs.IsValidation(err))

	fx.records.search = func(q repository.RecordQuery) ([]model.StructuredRecord, error) {
		return nil, errs.Transient("structured_records.search", errors.New("connection reset"))
	}
	fx.embedder.err = errs.Timeout("embedding.create", errors.New("deadline exceeded"))
	_, err = fx.service(QueryHybrid).Retrieve(context.Background(), "A100 units", planner)
	require.Error(t, err, "every sub-search failed")
	assert.Zero(t, len(fx.index.queries))

	// 只有语义检索失败时降级为结构化结果
	fx.records.search = func(q repository.RecordQuery) ([]model.StructuredRecord, error) {
		return []model.StructuredRecord{record("d1", "Forecast", 1, "SKU: A100 | Units: 10")}, nil
	}
	resp, err := fx.service(QueryHybrid).Retrieve(context.Background(), "A100 units", planner)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.StructuredCount)
}

func TestRetrieveRetriesTransientStoreErrors(t *testing.T) {
	fx := newRetrievalFixture()
	fx.addDoc("d1", 1)
	failed := false
	fx.records.search = func(q repository.RecordQuery) ([]model.StructuredRecord, error) {
		if !failed {
			failed = true
			return nil, errs.Transient("structured_records.search", errors.New("connection reset"))
		}
		var out []model.StructuredRecord
		for i := 0; i < 5; i++ {
			out = append(out, record("d1", "Forecast", i+1, "SKU: A100 | Units: 10"))
		}
		return out, nil
	}

	resp, err := fx.service(QueryStructured).Retrieve(context.Background(), "units for A100", planner)
	require.NoError(t, err)
	assert.Len(t, fx.records.queries, 2, "hot tier query is retried once")
	assert.Equal(t, []string{model.TierHot}, resp.TiersUsed)
	assert.Equal(t, 5, resp.StructuredCount)
}

func TestRetrieveStructuredWithoutKeywordsFallsBackToHybrid(t *testing.T) {
	fx := newRetrievalFixture()
	resp, err := fx.service(QueryStructured).Retrieve(context.Background(), "how many?", planner)
	require.NoError(t, err)
	assert.Equal(t, QueryHybrid, resp.QueryType)
	assert.Len(t, fx.index.queries, 3)
	assert.NotNil(t, resp.Results)
}

func TestKeywordScore(t *testing.T) {
	sku := "A100"
	r := model.StructuredRecord{RawText: "Week: W1 | Units: 10", EntityKey: &sku}
	assert.InDelta(t, 1.0, keywordScore(r, []string{"a100", "units"}), 1e-9)
	assert.InDelta(t, 0.5, keywordScore(r, []string{"a100", "revenue"}), 1e-9)
	assert.Zero(t, keywordScore(r, nil))
}

func TestExtractKeywords(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"How many units of SKU-A100 in week 12?", []string{"units", "sku-a100", "week", "12"}},
		{"What is the forecast, for A100 and B200?", []string{"forecast", "a100", "b200"}},
		{"the the THE", nil},
		{"库存 多少", []string{"库存"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, extractKeywords(tt.in))
		})
	}
}
