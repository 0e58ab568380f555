package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"dp-chatbot-go/internal/model"
	"dp-chatbot-go/pkg/errs"
	"dp-chatbot-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// KNNQuery 描述一次向量检索。
type KNNQuery struct {
	Vector []float32
	K      int
	// MinSimilarity 是余弦相似度下限
	MinSimilarity float64
	// Team 为空时不做团队过滤
	Team          string
	ModifiedSince *time.Time
}

// ChunkIndexRepository 管理 Elasticsearch 中带 generation 标记的分块向量。
type ChunkIndexRepository interface {
	IndexChunks(ctx context.Context, chunks []model.EsChunk) error
	// DeleteStaleGenerations 删除文档中 generation 不等于 keep 的全部分块。
	DeleteStaleGenerations(ctx context.Context, documentID string, keep int64) error
	DeleteGeneration(ctx context.Context, documentID string, generation int64) error
	DeleteDocument(ctx context.Context, documentID string) error
	Search(ctx context.Context, q KNNQuery) ([]model.ChunkHit, error)
}

type chunkIndexRepository struct {
	client    *elasticsearch.Client
	indexName string
}

// NewChunkIndexRepository 创建一个新的 ChunkIndexRepository 实例。
func NewChunkIndexRepository(client *elasticsearch.Client, indexName string) ChunkIndexRepository {
	return &chunkIndexRepository{client: client, indexName: indexName}
}

// esDocID 同一分块在不同 generation 下是不同的 ES 文档。
func esDocID(chunkID string, generation int64) string {
	return fmt.Sprintf("%s_%d", chunkID, generation)
}

func (r *chunkIndexRepository) IndexChunks(ctx context.Context, chunks []model.EsChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, c := range chunks {
		meta := map[string]interface{}{
			"index": map[string]interface{}{"_index": r.indexName, "_id": esDocID(c.ChunkID, c.Generation)},
		}
		if err := enc.Encode(meta); err != nil {
			return errs.Internal("chunk_index.bulk", err)
		}
		if err := enc.Encode(c); err != nil {
			return errs.Internal("chunk_index.bulk", err)
		}
	}

	res, err := r.client.Bulk(
		&buf,
		r.client.Bulk.WithContext(ctx),
		r.client.Bulk.WithRefresh("wait_for"),
	)
	if err != nil {
		return errs.Transient("chunk_index.bulk", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return esErr("chunk_index.bulk", res)
	}

	var body struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return errs.Internal("chunk_index.bulk", err)
	}
	if !body.Errors {
		return nil
	}
	failed := 0
	retryable := true
	var first string
	for _, item := range body.Items {
		for _, result := range item {
			if result.Error == nil {
				continue
			}
			failed++
			if result.Status != http.StatusTooManyRequests && result.Status < 500 {
				retryable = false
			}
			if first == "" {
				first = fmt.Sprintf("%s: %s", result.Error.Type, result.Error.Reason)
			}
		}
	}
	log.Errorf("[ChunkIndex] 批量索引部分失败, 失败数: %d, 首个错误: %s", failed, first)
	cause := fmt.Errorf("%d of %d chunks failed: %s", failed, len(chunks), first)
	if retryable {
		return errs.Transient("chunk_index.bulk", cause)
	}
	return errs.Internal("chunk_index.bulk", cause)
}

func (r *chunkIndexRepository) DeleteStaleGenerations(ctx context.Context, documentID string, keep int64) error {
	return r.deleteByQuery(ctx, "chunk_index.delete_stale", map[string]interface{}{
		"bool": map[string]interface{}{
			"filter":   []interface{}{termQuery("document_id", documentID)},
			"must_not": []interface{}{termQuery("generation", keep)},
		},
	})
}

func (r *chunkIndexRepository) DeleteGeneration(ctx context.Context, documentID string, generation int64) error {
	return r.deleteByQuery(ctx, "chunk_index.delete_generation", map[string]interface{}{
		"bool": map[string]interface{}{
			"filter": []interface{}{termQuery("document_id", documentID), termQuery("generation", generation)},
		},
	})
}

func (r *chunkIndexRepository) DeleteDocument(ctx context.Context, documentID string) error {
	return r.deleteByQuery(ctx, "chunk_index.delete_document", termQuery("document_id", documentID))
}

func (r *chunkIndexRepository) deleteByQuery(ctx context.Context, op string, query map[string]interface{}) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(map[string]interface{}{"query": query}); err != nil {
		return errs.Internal(op, err)
	}
	res, err := r.client.DeleteByQuery(
		[]string{r.indexName},
		&buf,
		r.client.DeleteByQuery.WithContext(ctx),
		r.client.DeleteByQuery.WithConflicts("proceed"),
		r.client.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return errs.Transient(op, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return esErr(op, res)
	}
	return nil
}

func (r *chunkIndexRepository) Search(ctx context.Context, q KNNQuery) ([]model.ChunkHit, error) {
	if len(q.Vector) == 0 {
		return nil, errs.Validation("chunk_index.search", "query vector is empty")
	}
	k := q.K
	if k <= 0 {
		k = 20
	}

	filters := make([]interface{}, 0, 2)
	if q.Team != "" {
		filters = append(filters, termQuery("team", q.Team))
	}
	if q.ModifiedSince != nil {
		filters = append(filters, map[string]interface{}{
			"range": map[string]interface{}{
				"source_modified_at": map[string]interface{}{"gte": q.ModifiedSince.UTC().Format(time.RFC3339Nano)},
			},
		})
	}
	knn := map[string]interface{}{
		"field":          "vector",
		"query_vector":   q.Vector,
		"k":              k,
		"num_candidates": k * 10,
		// cosine 的 similarity 参数作用于原始余弦值，而不是 _score
		"similarity": q.MinSimilarity,
	}
	if len(filters) > 0 {
		knn["filter"] = map[string]interface{}{"bool": map[string]interface{}{"filter": filters}}
	}
	esQuery := map[string]interface{}{
		"knn":     knn,
		"size":    k,
		"_source": map[string]interface{}{"excludes": []string{"vector"}},
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, errs.Internal("chunk_index.search", err)
	}
	res, err := r.client.Search(
		r.client.Search.WithContext(ctx),
		r.client.Search.WithIndex(r.indexName),
		r.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, errs.Transient("chunk_index.search", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, esErr("chunk_index.search", res)
	}

	var body struct {
		Hits struct {
			Hits []struct {
				Score  float64       `json:"_score"`
				Source model.EsChunk `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, errs.Internal("chunk_index.search", err)
	}
	hits := make([]model.ChunkHit, 0, len(body.Hits.Hits))
	for _, h := range body.Hits.Hits {
		hits = append(hits, model.ChunkHit{EsChunk: h.Source, Similarity: cosineFromScore(h.Score)})
	}
	return hits, nil
}

// cosineFromScore 把 ES cosine 的 _score = (1+cos)/2 换算回余弦相似度。
func cosineFromScore(score float64) float64 {
	return 2*score - 1
}

func termQuery(field string, value interface{}) map[string]interface{} {
	return map[string]interface{}{"term": map[string]interface{}{field: value}}
}

// esErr 将 ES 错误响应归类：429 与 5xx 可重试，404 为不存在，其余为内部错误。
func esErr(op string, res *esapi.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	log.Errorf("[ChunkIndex] Elasticsearch 返回错误, op: %s, status: %s, body: %s", op, res.Status(), string(body))
	cause := fmt.Errorf("elasticsearch status %d", res.StatusCode)
	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return errs.Transient(op, cause)
	case res.StatusCode == http.StatusNotFound:
		return errs.NotFound(op, "index not found")
	default:
		return errs.Internal(op, cause)
	}
}
