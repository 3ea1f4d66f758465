package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
	Ingestion IngestionConfig
	Retrieval RetrievalConfig
	Vector    VectorConfig
	Metadata  MetadataConfig
	SQLite    SQLiteConfig
	Neo4j     Neo4jConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
	// Development disables HSTS for plain-HTTP local runs.
	Development bool
}

type AuthConfig struct {
	Tokens []TokenConfig
}

// TokenConfig binds a static bearer token to a user id.
type TokenConfig struct {
	Token  string
	UserID string
}

type CORSConfig struct {
	AllowOrigins string
}

type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
}

type IngestionConfig struct {
	AllowedTypes     []string
	MaxFileSizeBytes int64
	ChunkSize        int
	ChunkOverlap     int
	TimeoutSec       int
}

type RetrievalConfig struct {
	TopK           int
	MinScore       float32
	MaxQueryLength int
	ExcerptLength  int
}

type VectorConfig struct {
	// Provider is one of memory, qdrant, zilliz.
	Provider string
	Qdrant   QdrantConfig
	Zilliz   ZillizConfig
}

type QdrantConfig struct {
	URL        string
	APIKey     string
	TimeoutSec int
	BatchSize  int
}

type ZillizConfig struct {
	Endpoint string
	APIKey   string
	Username string
	Password string
}

type MetadataConfig struct {
	// Provider is one of sqlite, neo4j.
	Provider string
}

type SQLiteConfig struct {
	Path string
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLHours int
}

type LLMConfig struct {
	Provider            string
	BaseURL             string
	Model               string
	APIKey              string
	Temperature         float32
	MaxTokens           int
	TimeoutSec          int
	EmbeddingModel      string
	EmbeddingDim        int
	EmbeddingTimeoutSec int
	EmbeddingBatchSize  int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/knowledge-assistant")

	v.SetEnvPrefix("KNOWLEDGE_ASSISTANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks invariants viper cannot express.
func (c *Config) Validate() error {
	switch c.Vector.Provider {
	case "memory", "qdrant", "zilliz":
	default:
		return fmt.Errorf("invalid vector provider %q", c.Vector.Provider)
	}
	switch c.Metadata.Provider {
	case "sqlite", "neo4j":
	default:
		return fmt.Errorf("invalid metadata provider %q", c.Metadata.Provider)
	}
	if c.Ingestion.ChunkSize <= 0 {
		return fmt.Errorf("ingestion.chunkSize must be positive")
	}
	if c.Ingestion.ChunkOverlap < 0 || c.Ingestion.ChunkOverlap >= c.Ingestion.ChunkSize {
		return fmt.Errorf("ingestion.chunkOverlap must be in [0, chunkSize)")
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.topK must be positive")
	}
	if c.LLM.EmbeddingDim <= 0 {
		return fmt.Errorf("llm.embeddingDim must be positive")
	}
	// multipart overhead on top of the largest accepted file
	if minBody := c.Ingestion.MaxFileSizeBytes + 1<<20; int64(c.Server.BodyLimit) < minBody {
		c.Server.BodyLimit = int(minBody)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 11*1024*1024)
	v.SetDefault("server.development", false)

	v.SetDefault("cors.allowOrigins", "*")

	v.SetDefault("rateLimit.enabled", true)
	v.SetDefault("rateLimit.requestsPerSecond", 5)
	v.SetDefault("rateLimit.burst", 20)

	v.SetDefault("ingestion.allowedTypes", []string{"pdf", "txt", "docx", "md", "html"})
	v.SetDefault("ingestion.maxFileSizeBytes", 10*1024*1024)
	v.SetDefault("ingestion.chunkSize", 1000)
	v.SetDefault("ingestion.chunkOverlap", 150)
	v.SetDefault("ingestion.timeoutSec", 300)

	v.SetDefault("retrieval.topK", 5)
	v.SetDefault("retrieval.minScore", 0.25)
	v.SetDefault("retrieval.maxQueryLength", 5000)
	v.SetDefault("retrieval.excerptLength", 500)

	v.SetDefault("vector.provider", "qdrant")
	v.SetDefault("vector.qdrant.url", "http://localhost:6333")
	v.SetDefault("vector.qdrant.timeoutSec", 30)
	v.SetDefault("vector.qdrant.batchSize", 128)
	v.SetDefault("vector.zilliz.endpoint", "localhost:19530")

	v.SetDefault("metadata.provider", "sqlite")
	v.SetDefault("sqlite.path", "./data/knowledge.db")

	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttlHours", 168)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.timeoutSec", 60)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.embeddingDim", 1536)
	v.SetDefault("llm.embeddingTimeoutSec", 30)
	v.SetDefault("llm.embeddingBatchSize", 100)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
