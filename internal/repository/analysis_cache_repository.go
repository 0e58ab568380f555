package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dp-chatbot-go/internal/model"
	"dp-chatbot-go/pkg/codec"
	"dp-chatbot-go/pkg/log"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AnalysisCacheRepository 以 (documentId, sheetName, contentHash) 为键缓存表格分析结果。
// MySQL 是持久层，Redis 是可选的读穿透层，Redis 故障只记录日志。
type AnalysisCacheRepository interface {
	Get(ctx context.Context, documentID, sheetName, contentHash string) ([]byte, bool, error)
	Put(ctx context.Context, documentID, sheetName, contentHash string, payload []byte) error
}

type analysisCacheRepository struct {
	db    *gorm.DB
	rdb   *redis.Client
	codec *codec.Zstd
	ttl   time.Duration
}

// NewAnalysisCacheRepository 创建一个新的 AnalysisCacheRepository 实例。rdb 可以为 nil。
func NewAnalysisCacheRepository(db *gorm.DB, rdb *redis.Client, zstd *codec.Zstd, ttl time.Duration) AnalysisCacheRepository {
	return &analysisCacheRepository{db: db, rdb: rdb, codec: zstd, ttl: ttl}
}

func (r *analysisCacheRepository) redisKey(documentID, sheetName, contentHash string) string {
	return fmt.Sprintf("analysis:%s:%s:%s", documentID, sheetName, contentHash)
}

func (r *analysisCacheRepository) Get(ctx context.Context, documentID, sheetName, contentHash string) ([]byte, bool, error) {
	key := r.redisKey(documentID, sheetName, contentHash)
	if payload, ok := r.getRedis(ctx, key); ok {
		return payload, true, nil
	}

	var entry model.AnalysisCache
	err := r.db.WithContext(ctx).
		Where("document_id = ? AND sheet_name = ? AND content_hash = ?", documentID, sheetName, contentHash).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, dbErr("analysis_cache.get", err)
	}
	r.setRedis(ctx, key, entry.Analysis)
	return entry.Analysis, true, nil
}

func (r *analysisCacheRepository) Put(ctx context.Context, documentID, sheetName, contentHash string, payload []byte) error {
	entry := model.AnalysisCache{
		DocumentID:  documentID,
		SheetName:   sheetName,
		ContentHash: contentHash,
		Analysis:    payload,
	}
	// 并发写入同一指纹时保留先写入的结果
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error
	if err != nil {
		return dbErr("analysis_cache.put", err)
	}
	r.setRedis(ctx, r.redisKey(documentID, sheetName, contentHash), payload)
	return nil
}

func (r *analysisCacheRepository) getRedis(ctx context.Context, key string) ([]byte, bool) {
	if r.rdb == nil {
		return nil, false
	}
	packed, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warnf("[AnalysisCache] 读取 Redis 缓存失败, key: %s, error: %v", key, err)
		}
		return nil, false
	}
	payload, err := r.codec.Decompress(packed)
	if err != nil {
		log.Warnf("[AnalysisCache] 解压 Redis 缓存失败, key: %s, error: %v", key, err)
		return nil, false
	}
	return payload, true
}

func (r *analysisCacheRepository) setRedis(ctx context.Context, key string, payload []byte) {
	if r.rdb == nil {
		return
	}
	if err := r.rdb.Set(ctx, key, r.codec.Compress(payload), r.ttl).Err(); err != nil {
		log.Warnf("[AnalysisCache] 写入 Redis 缓存失败, key: %s, error: %v", key, err)
	}
}
