// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Google        GoogleConfig        `mapstructure:"google"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Sync          SyncConfig          `mapstructure:"sync"`
	Chunker       ChunkerConfig       `mapstructure:"chunker"`
	Analyzer      AnalyzerConfig      `mapstructure:"analyzer"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	Timeouts      TimeoutsConfig      `mapstructure:"timeouts"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port" validate:"required,numeric"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers     string `mapstructure:"brokers"`
	Topic       string `mapstructure:"topic"`
	GroupID     string `mapstructure:"group_id"`
	MaxAttempts int64  `mapstructure:"max_attempts"`
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// GoogleConfig 存储 Google Drive / Sheets 内容源的配置。
// AccessToken/RefreshToken 是定时同步使用的服务凭据，手动同步可在请求中覆盖。
type GoogleConfig struct {
	ClientID          string  `mapstructure:"client_id"`
	ClientSecret      string  `mapstructure:"client_secret"`
	AccessToken       string  `mapstructure:"access_token"`
	RefreshToken      string  `mapstructure:"refresh_token"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	Model             string  `mapstructure:"model"`
	Dimensions        int     `mapstructure:"dimensions"`
	BatchSize         int     `mapstructure:"batch_size"`
	MaxChars          int     `mapstructure:"max_chars"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// SyncConfig 存储文件同步与处理的配置。
type SyncConfig struct {
	// Provider 取值 gdrive 或 minio
	Provider  string         `mapstructure:"provider" validate:"oneof=gdrive minio"`
	Folders   []FolderConfig `mapstructure:"folders" validate:"dive"`
	BatchSize int            `mapstructure:"batch_size"`
	LockTTL   time.Duration  `mapstructure:"lock_ttl"`
	ClaimTTL  time.Duration  `mapstructure:"claim_ttl"`
	Workers   int            `mapstructure:"workers"`
}

// FolderConfig 描述一个定时同步的文件夹及其所属团队。
type FolderConfig struct {
	ID   string `mapstructure:"id" validate:"required"`
	Team string `mapstructure:"team"`
}

// ChunkerConfig 存储分块参数。
type ChunkerConfig struct {
	MinChars      int `mapstructure:"min_chars"`
	MaxChars      int `mapstructure:"max_chars"`
	RowBatch      int `mapstructure:"row_batch"`
	IntroMinChars int `mapstructure:"intro_min_chars"`
}

// AnalyzerConfig 存储表格结构分析的配置。
type AnalyzerConfig struct {
	SampleRows int           `mapstructure:"sample_rows"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// RetrievalConfig 存储分层检索的阈值与打分参数。
type RetrievalConfig struct {
	MinResults         int           `mapstructure:"min_results" validate:"gt=0"`
	HotWindow          time.Duration `mapstructure:"hot_window"`
	HotFloor           float64       `mapstructure:"hot_floor" validate:"gte=0,lte=1"`
	WarmFloor          float64       `mapstructure:"warm_floor" validate:"gte=0,lte=1"`
	ColdFloor          float64       `mapstructure:"cold_floor" validate:"gte=0,lte=1"`
	HotBoost           float64       `mapstructure:"hot_boost"`
	ColdPenalty        float64       `mapstructure:"cold_penalty"`
	RelatedFactor      float64       `mapstructure:"related_factor"`
	RelatedSampleRows  int           `mapstructure:"related_sample_rows"`
	RelatedMaxDocs     int           `mapstructure:"related_max_docs"`
	TopK               int           `mapstructure:"top_k"`
	DedupPrefix        int           `mapstructure:"dedup_prefix"`
	ClassifierCacheTTL time.Duration `mapstructure:"classifier_cache_ttl"`
}

// TimeoutsConfig 存储外部调用的超时预算。
type TimeoutsConfig struct {
	Fetch       time.Duration `mapstructure:"fetch"`
	Inference   time.Duration `mapstructure:"inference"`
	Embedding   time.Duration `mapstructure:"embedding"`
	Persistence time.Duration `mapstructure:"persistence"`
	Generation  time.Duration `mapstructure:"generation"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("jwt.access_token_expire_hours", 24)
	v.SetDefault("kafka.topic", "dp-process-pending")
	v.SetDefault("kafka.group_id", "dp-chatbot-go-consumer")
	v.SetDefault("kafka.max_attempts", 3)
	v.SetDefault("elasticsearch.index_name", "dp_chunks")
	v.SetDefault("google.requests_per_second", 8.0)
	v.SetDefault("google.burst", 10)
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.max_chars", 8000)
	v.SetDefault("embedding.requests_per_second", 5.0)
	v.SetDefault("llm.generation.temperature", 0.1)
	v.SetDefault("llm.generation.max_tokens", 2000)
	v.SetDefault("sync.provider", "gdrive")
	v.SetDefault("sync.batch_size", 10)
	v.SetDefault("sync.lock_ttl", "10m")
	v.SetDefault("sync.claim_ttl", "30m")
	v.SetDefault("sync.workers", 4)
	v.SetDefault("chunker.min_chars", 50)
	v.SetDefault("chunker.max_chars", 2000)
	v.SetDefault("chunker.row_batch", 25)
	v.SetDefault("chunker.intro_min_chars", 100)
	v.SetDefault("analyzer.sample_rows", 50)
	v.SetDefault("analyzer.cache_ttl", "24h")
	v.SetDefault("retrieval.min_results", 5)
	v.SetDefault("retrieval.hot_window", "168h")
	v.SetDefault("retrieval.hot_floor", 0.75)
	v.SetDefault("retrieval.warm_floor", 0.60)
	v.SetDefault("retrieval.cold_floor", 0.45)
	v.SetDefault("retrieval.hot_boost", 1.2)
	v.SetDefault("retrieval.cold_penalty", 0.7)
	v.SetDefault("retrieval.related_factor", 0.5)
	v.SetDefault("retrieval.related_sample_rows", 3)
	v.SetDefault("retrieval.related_max_docs", 5)
	v.SetDefault("retrieval.top_k", 20)
	v.SetDefault("retrieval.dedup_prefix", 120)
	v.SetDefault("retrieval.classifier_cache_ttl", "10m")
	v.SetDefault("timeouts.fetch", "45s")
	v.SetDefault("timeouts.inference", "60s")
	v.SetDefault("timeouts.embedding", "30s")
	v.SetDefault("timeouts.persistence", "15s")
	v.SetDefault("timeouts.generation", "90s")
}

// Load 从指定的路径读取 YAML 文件，叠加 DPC_ 前缀的环境变量，返回解析后的配置。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	if c.Chunker.MinChars <= 0 || c.Chunker.MaxChars <= c.Chunker.MinChars {
		return fmt.Errorf("chunker.min_chars/max_chars 配置非法: %d/%d", c.Chunker.MinChars, c.Chunker.MaxChars)
	}
	return nil
}

// TeamForFolder 返回文件夹配置的团队，未配置时返回空字符串。
func (c SyncConfig) TeamForFolder(folderID string) string {
	for _, f := range c.Folders {
		if f.ID == folderID {
			return f.Team
		}
	}
	return ""
}
