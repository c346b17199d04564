package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	GeminiAPIKey string
	DatabaseURL  string
	HTTPPort     string
	LogLevel     string
	JWTSecret    string

	RedisHost     string
	RedisPort     int
	RedisPassword string
	VectorStore   string // "redis" or "memory"

	ChatModel           string
	EmbeddingModel      string
	HistoryTimeout      time.Duration
	HistoryLength       int
	ContextLength       int
	SimilarityThreshold float64
	LLMTimeout          time.Duration
	CacheEnabled        bool
	CacheThreshold      float64
	EmbedRate           float64 // embedding calls per second during ingestion

	UploadDir   string
	PromptsFile string
}

var AppConfig Config

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	AppConfig = Config{
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		DatabaseURL:  getEnv("DATABASE_URL", "minipilot.db"),
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		LogLevel:     getEnv("LOG_LEVEL", "INFO"),
		JWTSecret:    getEnv("JWT_SECRET", ""),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnvAsInt("REDIS_PORT", 6379),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		VectorStore:   strings.ToLower(getEnv("VECTOR_STORE", "redis")),

		ChatModel:           getEnv("MINIPILOT_MODEL", "gemini-1.5-flash-latest"),
		EmbeddingModel:      getEnv("MINIPILOT_EMBEDDING_MODEL", "text-embedding-004"),
		HistoryTimeout:      time.Duration(getEnvAsInt("MINIPILOT_HISTORY_TIMEOUT", 86400)) * time.Second,
		HistoryLength:       getEnvAsInt("MINIPILOT_HISTORY_LENGTH", 20),
		ContextLength:       getEnvAsInt("MINIPILOT_CONTEXT_LENGTH", 5),
		SimilarityThreshold: getEnvAsFloat("MINIPILOT_SIMILARITY_THRESHOLD", 0.7),
		LLMTimeout:          time.Duration(getEnvAsInt("MINIPILOT_LLM_TIMEOUT", 30)) * time.Second,
		CacheEnabled:        getEnvAsBool("MINIPILOT_CACHE_ENABLED", false),
		CacheThreshold:      getEnvAsFloat("MINIPILOT_CACHE_THRESHOLD", 0.1),
		EmbedRate:           getEnvAsFloat("MINIPILOT_EMBED_RATE", 25),

		UploadDir:   getEnv("UPLOAD_DIR", "uploads"),
		PromptsFile: getEnv("PROMPTS_FILE", "prompts.yaml"),
	}

	if AppConfig.GeminiAPIKey == "" {
		log.Fatal("GEMINI_API_KEY environment variable is required")
	}

	if AppConfig.JWTSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}

	if AppConfig.VectorStore != "redis" && AppConfig.VectorStore != "memory" {
		log.Fatalf("VECTOR_STORE must be redis or memory, got %q", AppConfig.VectorStore)
	}
}

// RedisAddr returns host:port of the Redis Stack instance.
func (c Config) RedisAddr() string {
	return c.RedisHost + ":" + strconv.Itoa(c.RedisPort)
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
