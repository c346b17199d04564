package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "key")
	t.Setenv("JWT_SECRET", "secret")

	LoadConfig()

	assert.Equal(t, "8080", AppConfig.HTTPPort)
	assert.Equal(t, "redis", AppConfig.VectorStore)
	assert.Equal(t, "localhost:6379", AppConfig.RedisAddr())
	assert.Equal(t, 24*time.Hour, AppConfig.HistoryTimeout)
	assert.Equal(t, 20, AppConfig.HistoryLength)
	assert.Equal(t, 5, AppConfig.ContextLength)
	assert.InDelta(t, 0.7, AppConfig.SimilarityThreshold, 1e-9)
	assert.False(t, AppConfig.CacheEnabled)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "key")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("VECTOR_STORE", "MEMORY")
	t.Setenv("MINIPILOT_CACHE_ENABLED", "true")
	t.Setenv("MINIPILOT_LLM_TIMEOUT", "5")
	t.Setenv("MINIPILOT_CACHE_THRESHOLD", "0.25")
	t.Setenv("REDIS_PORT", "not-a-number")

	LoadConfig()

	assert.Equal(t, "memory", AppConfig.VectorStore)
	assert.True(t, AppConfig.CacheEnabled)
	assert.Equal(t, 5*time.Second, AppConfig.LLMTimeout)
	assert.InDelta(t, 0.25, AppConfig.CacheThreshold, 1e-9)
	assert.Equal(t, 6379, AppConfig.RedisPort)
}
