package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// App
	Port string
	Env  string

	// Store
	StoreBackend string // "sqlite" or "neo4j"
	SQLitePath   string

	// Neo4j (used when StoreBackend is "neo4j")
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	// AI providers (OpenAI-compatible endpoint)
	LLMBaseURL       string
	LLMAPIKey        string
	ModelID          string
	EmbeddingModelID string

	// Resolution
	SimilarityThreshold float64 // global default when neither field nor type sets one
	ResolveConcurrency  int     // bound on concurrent provider calls

	// Cascade
	CascadeMaxDepth    int
	CascadeMaxEntities int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Env:                 getEnv("ENV", "development"),
		StoreBackend:        getEnv("STORE_BACKEND", "sqlite"),
		SQLitePath:          getEnv("SQLITE_PATH", "loom.db"),
		Neo4jURI:            getEnv("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:           getEnv("NEO4J_USER", "neo4j"),
		Neo4jPassword:       getEnv("NEO4J_PASSWORD", "password"),
		LLMBaseURL:          getEnv("LLM_BASE_URL", "https://api.openai.com"),
		LLMAPIKey:           getEnv("LLM_API_KEY", ""),
		ModelID:             getEnv("MODEL_ID", "gpt-4o-mini"),
		EmbeddingModelID:    getEnv("EMBEDDING_MODEL_ID", "text-embedding-3-small"),
		SimilarityThreshold: getEnvFloat("SIMILARITY_THRESHOLD", 0.7),
		ResolveConcurrency:  getEnvInt("RESOLVE_CONCURRENCY", 4),
		CascadeMaxDepth:     getEnvInt("CASCADE_MAX_DEPTH", 3),
		CascadeMaxEntities:  getEnvInt("CASCADE_MAX_ENTITIES", 100),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite backend")
		}
	case "neo4j":
		if c.Neo4jURI == "" {
			return fmt.Errorf("NEO4J_URI is required for the neo4j backend")
		}
		if c.Neo4jUser == "" {
			return fmt.Errorf("NEO4J_USER is required for the neo4j backend")
		}
		if c.Neo4jPassword == "" {
			return fmt.Errorf("NEO4J_PASSWORD is required for the neo4j backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND: %s", c.StoreBackend)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("SIMILARITY_THRESHOLD must be in [0,1], got %f", c.SimilarityThreshold)
	}
	if c.ResolveConcurrency < 1 {
		return fmt.Errorf("RESOLVE_CONCURRENCY must be at least 1")
	}
	if c.CascadeMaxDepth < 0 {
		return fmt.Errorf("CASCADE_MAX_DEPTH must not be negative")
	}
	// LLM API key is optional for development against local gateways
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var result float64
		if _, err := fmt.Sscanf(value, "%f", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}
