// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dp-chatbot-go/internal/analyzer"
	"dp-chatbot-go/internal/chunker"
	"dp-chatbot-go/internal/config"
	"dp-chatbot-go/internal/handler"
	"dp-chatbot-go/internal/middleware"
	"dp-chatbot-go/internal/pipeline"
	"dp-chatbot-go/internal/repository"
	"dp-chatbot-go/internal/service"
	"dp-chatbot-go/pkg/codec"
	"dp-chatbot-go/pkg/database"
	"dp-chatbot-go/pkg/embedding"
	"dp-chatbot-go/pkg/es"
	"dp-chatbot-go/pkg/kafka"
	"dp-chatbot-go/pkg/llm"
	"dp-chatbot-go/pkg/log"
	"dp-chatbot-go/pkg/provider"
	"dp-chatbot-go/pkg/provider/gdrive"
	"dp-chatbot-go/pkg/resilience"
	"dp-chatbot-go/pkg/storage"
	"dp-chatbot-go/pkg/tika"
	"dp-chatbot-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 加载 .env（可选）和配置文件
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "加载 .env 失败: %v\n", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	resilience.Configure(cfg.Timeouts.Fetch, cfg.Timeouts.Inference, cfg.Timeouts.Embedding, cfg.Timeouts.Persistence)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 初始化 MySQL、Redis 和 Elasticsearch
	db, err := database.NewMySQL(cfg.Database.MySQL.DSN)
	if err != nil {
		log.Fatal("MySQL 初始化失败", err)
	}
	if err := repository.AutoMigrate(db); err != nil {
		log.Fatal("数据表迁移失败", err)
	}
	rdb, err := database.NewRedis(ctx, cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	if err != nil {
		log.Fatal("Redis 初始化失败", err)
	}
	esClient, err := es.NewClient(cfg.Elasticsearch)
	if err != nil {
		log.Fatal("Elasticsearch 初始化失败", err)
	}
	if err := es.EnsureIndex(ctx, esClient, cfg.Elasticsearch.IndexName, cfg.Embedding.Dimensions); err != nil {
		log.Fatal("Elasticsearch 索引初始化失败", err)
	}

	// 4. 初始化模型客户端。推理服务未配置时分析器与查询分类器退化为启发式规则
	llmClient, err := llm.NewClient(cfg.LLM)
	switch {
	case errors.Is(err, llm.ErrNotConfigured):
		log.Warnf("LLM 未配置，表格分析与查询分类使用启发式规则")
	case err != nil:
		log.Fatal("LLM 客户端初始化失败", err)
	}
	embeddingClient, err := embedding.NewClient(cfg.Embedding)
	if err != nil {
		log.Fatal("Embedding 客户端初始化失败", err)
	}
	embedder := embedding.NewBatcher(embeddingClient, cfg.Embedding)

	// 5. 内容源
	providers, err := newProviderFactory(ctx, cfg)
	if err != nil {
		log.Fatal("内容源初始化失败", err)
	}

	// 6. 初始化 Repository
	zstd, err := codec.NewZstd()
	if err != nil {
		log.Fatal("zstd 编码器初始化失败", err)
	}
	fileRepo := repository.NewSyncedFileRepository(db)
	lockRepo := repository.NewFolderLockRepository(db)
	docRepo := repository.NewDocumentRepository(db)
	recordRepo := repository.NewStructuredRecordRepository(db)
	relRepo := repository.NewRelationshipRepository(db)
	cacheRepo := repository.NewAnalysisCacheRepository(db, rdb, zstd, cfg.Analyzer.CacheTTL)
	chunkIndex := repository.NewChunkIndexRepository(esClient, cfg.Elasticsearch.IndexName)

	// 7. 处理管道与 Service
	processor := pipeline.NewProcessor(
		analyzer.New(llmClient, cacheRepo, cfg.Analyzer),
		chunker.New(cfg.Chunker),
		embedder,
		docRepo,
		chunkIndex,
		cfg.Embedding.Model,
	)

	var publisher service.TaskPublisher
	var producer *kafka.Producer
	if cfg.Kafka.Brokers != "" {
		producer = kafka.NewProducer(cfg.Kafka)
		publisher = producer
	} else {
		log.Warnf("Kafka 未配置，定时同步在请求内直接处理待处理文件")
	}

	syncService := service.NewSyncService(fileRepo, lockRepo, docRepo, chunkIndex, providers, processor, publisher, cfg.Sync)
	retrievalService := service.NewRetrievalService(
		recordRepo,
		chunkIndex,
		docRepo,
		relRepo,
		embedder,
		service.NewQueryClassifier(llmClient, cfg.Retrieval.ClassifierCacheTTL),
		cfg.Retrieval,
	)

	// 8. 启动后台 Kafka 消费者
	consumerDone := make(chan struct{})
	if producer != nil {
		consumer := kafka.NewConsumer(cfg.Kafka, rdb)
		go func() {
			defer close(consumerDone)
			consumer.Run(ctx, syncService)
		}()
	} else {
		close(consumerDone)
	}

	// 9. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.RequestLogger(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	ingestHandler := handler.NewIngestHandler(syncService)
	retrievalHandler := handler.NewRetrievalHandler(retrievalService)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(jwtManager))
	{
		apiV1.POST("/retrieve", retrievalHandler.Retrieve)

		// 同步、处理与删除需要管理员权限
		admin := apiV1.Group("")
		admin.Use(middleware.AdminAuthMiddleware())
		{
			admin.POST("/ingest/folders/:folderId", ingestHandler.IngestFolder)
			admin.POST("/ingest/process", ingestHandler.ProcessPending)
			admin.POST("/sync/tick", ingestHandler.SyncTick)
			admin.DELETE("/documents/:id", ingestHandler.DeleteDocument)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}
	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s", err)
		}
	}()

	<-ctx.Done()
	log.Info("接收到停机信号，正在关闭服务...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	<-consumerDone
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	if err := rdb.Close(); err != nil {
		log.Errorf("关闭 Redis 连接失败: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info("服务已优雅关闭")
}

// newProviderFactory 按 sync.provider 选择内容源。
func newProviderFactory(ctx context.Context, cfg *config.Config) (provider.Factory, error) {
	switch cfg.Sync.Provider {
	case "minio":
		client, err := storage.NewMinIO(ctx, cfg.MinIO)
		if err != nil {
			return nil, err
		}
		return provider.Static(storage.NewProvider(client, cfg.MinIO, tika.NewClient(cfg.Tika))), nil
	default:
		return gdrive.NewFactory(cfg.Google), nil
	}
}
