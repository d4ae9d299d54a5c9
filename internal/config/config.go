package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	MongoURI    string
	DBName      string
	Port        string
	GinMode     string
	CORSOrigins []string

	GeminiAPIKey          string
	GeminiTier            string
	ExtractionModel       string
	GoogleEmbeddingsModel string
	VectorDimensions      int

	MaxFileSize    int64
	FileStorageDir string

	// Redis Configuration (asynq broker)
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Consensus extraction
	LargeDocThreshold int           // dual-pass disabled above this page count
	BatchWindow       int           // pages per checkpointed invocation
	InterPageDelay    time.Duration // applied between extraction calls
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	MaxRetryAttempts  int

	// Chunking
	ChunkTokenBudget int
	MinChunkTokens   int
	OverlapSentences int

	// Embedding gateway
	EmbedBatchSize  int
	EmbedBatchDelay time.Duration
	EmbedMaxChars   int

	// Retrieval
	SearchFetchCap       int
	DefaultSearchLimit   int
	DefaultMinSimilarity float64
	ContextTotalLimit    int
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := &Config{
		MongoURI:    getEnv("MONGO_URI", "mongodb://localhost:27017/knowledge_engine"),
		DBName:      getEnv("DB_NAME", "knowledge_engine"),
		Port:        getEnv("PORT", "8080"),
		GinMode:     getEnv("GIN_MODE", "debug"),
		CORSOrigins: strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:8080"), ","),

		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		GeminiTier:            getEnv("GEMINI_TIER", "free"),
		ExtractionModel:       getEnv("EXTRACTION_MODEL", "gemini-2.0-flash"),
		GoogleEmbeddingsModel: getEnv("GOOGLE_EMBEDDINGS_MODEL", "text-embedding-004"),
		VectorDimensions:      getEnvInt("VECTOR_DIM", 768),

		MaxFileSize:    getEnvInt64("MAX_FILE_SIZE", 104857600), // 100MB
		FileStorageDir: getEnv("FILE_STORAGE_DIR", "./storage"),

		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		LargeDocThreshold: getEnvInt("LARGE_DOC_THRESHOLD", 40),
		BatchWindow:       getEnvInt("BATCH_WINDOW", 15),
		InterPageDelay:    getEnvDuration("INTER_PAGE_DELAY", 2*time.Second),
		BackoffMin:        getEnvDuration("BACKOFF_MIN", 5*time.Second),
		BackoffMax:        getEnvDuration("BACKOFF_MAX", 60*time.Second),
		MaxRetryAttempts:  getEnvInt("MAX_RETRY_ATTEMPTS", 4),

		ChunkTokenBudget: getEnvInt("CHUNK_TOKEN_BUDGET", 500),
		MinChunkTokens:   getEnvInt("MIN_CHUNK_TOKENS", 100),
		OverlapSentences: getEnvInt("OVERLAP_SENTENCES", 2),

		EmbedBatchSize:  getEnvInt("EMBED_BATCH_SIZE", 10),
		EmbedBatchDelay: getEnvDuration("EMBED_BATCH_DELAY", time.Second),
		EmbedMaxChars:   getEnvInt("EMBED_MAX_CHARS", 8000),

		SearchFetchCap:       getEnvInt("SEARCH_FETCH_CAP", 500),
		DefaultSearchLimit:   getEnvInt("DEFAULT_SEARCH_LIMIT", 10),
		DefaultMinSimilarity: getEnvFloat64("DEFAULT_MIN_SIMILARITY", 0.5),
		ContextTotalLimit:    getEnvInt("CONTEXT_TOTAL_LIMIT", 10),
	}

	// Validate required fields
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required - set it in .env file")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
