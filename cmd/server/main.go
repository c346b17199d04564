package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/minipilot/minipilot/internal/api"
	"github.com/minipilot/minipilot/internal/config"
	"github.com/minipilot/minipilot/internal/core"
	"github.com/minipilot/minipilot/internal/store"
	"github.com/minipilot/minipilot/internal/vectorstore"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	config.LoadConfig()

	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if config.AppConfig.LogLevel == "DEBUG" {
		log.Println("Service starting in DEBUG mode")
	}

	// Command line flag for data ingestion
	ingestFile := flag.String("ingest", "", "Ingest the given CSV file into a new index and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	// RediSearch replies are parsed in their RESP2 form
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.AppConfig.RedisAddr(),
		Password: config.AppConfig.RedisPassword,
		Protocol: 2,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis at %s is unreachable: %v", config.AppConfig.RedisAddr(), err)
	}

	var index vectorstore.Index
	switch config.AppConfig.VectorStore {
	case "memory":
		log.Println("Using the in-memory vector index; data is lost on restart.")
		index = vectorstore.NewMemoryIndex()
	default:
		index = vectorstore.NewRedisIndex(redisClient)
	}

	// Initialize LLM service
	llmService, err := core.NewLLMService(ctx, config.AppConfig.GeminiAPIKey, config.AppConfig.ChatModel, config.AppConfig.EmbeddingModel)
	if err != nil {
		log.Fatalf("Failed to initialize LLM service: %v", err)
	}
	defer llmService.Close()

	ingestService := core.NewIngestService(dbStore, index, llmService, config.AppConfig.UploadDir, config.AppConfig.EmbedRate)

	// Handle data ingestion if flag is set
	if *ingestFile != "" {
		log.Printf("Starting data ingestion of %s...", *ingestFile)
		upload, err := ingestService.IngestFile(ctx, *ingestFile)
		if err != nil {
			log.Fatalf("Data ingestion failed: %v", err)
		}
		log.Printf("Data ingestion complete. Ingested %d rows (%d chunks) into %s. Exiting.", upload.Rows, upload.Chunks, upload.IndexName)
		return
	}

	promptDefaults, err := core.LoadPromptDefaults(config.AppConfig.PromptsFile)
	if err != nil {
		log.Fatalf("Failed to load prompts: %v", err)
	}
	promptService := core.NewPromptService(dbStore, promptDefaults)
	if err := promptService.EnsureDefaults(); err != nil {
		log.Fatalf("Failed to seed prompts: %v", err)
	}

	ragService := core.NewRAGService(index, llmService, config.AppConfig.ContextLength, config.AppConfig.SimilarityThreshold)

	var cache *core.SemanticCache
	if config.AppConfig.CacheEnabled {
		log.Printf("Semantic cache enabled (distance threshold %.2f)", config.AppConfig.CacheThreshold)
		cache = core.NewSemanticCache(index, llmService, config.AppConfig.CacheThreshold)
	}

	history := store.NewRedisHistory(redisClient, config.AppConfig.HistoryTimeout, config.AppConfig.HistoryLength)
	chatService := core.NewChatService(dbStore, history, ragService, cache, promptService, llmService, config.AppConfig.LLMTimeout)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(chatService, ragService, promptService, ingestService, map[string]api.HealthCheck{
		"sqlite": func(ctx context.Context) error { return dbStore.Ping() },
		"redis":  history.Ping,
		"vector": index.Ping,
	})
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: config.AppConfig.LLMTimeout + 60*time.Second, // streamed answers extend it per chunk
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ingestService.Run(gctx)
	})
	g.Go(func() error {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")

		// Give active connections time to finish.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server stopped with error: %v", err)
	}
	log.Println("Server exiting gracefully")
}
