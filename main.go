// vidnet/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vidnet/api"
	"vidnet/cache"
	"vidnet/config"
	"vidnet/extract"
	"vidnet/files"
	"vidnet/task"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := os.MkdirAll(cfg.DownloadsDir, 0o755); err != nil {
		log.Fatalf("Failed to create downloads directory: %v", err)
	}

	// 2. Initialize the extraction adapter (verifies yt-dlp and ffmpeg)
	adapter, err := extract.NewAdapter(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize extraction adapter: %v", err)
	}

	// 3. Cache store, falling back to in-process memory without Redis
	store := cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer store.Close()
	if store.Degraded() {
		log.Println("Redis unavailable, caching in process memory")
	}

	// 4. File lifecycle manager and task manager
	fileManager := files.NewManager(cfg.SweepInterval)
	registry := task.NewRegistry(store, cfg.TaskTTL())
	taskManager := task.NewManager(cfg, registry, adapter, fileManager)

	// 5. Set up router and server
	router := api.SetupRouter(cfg, taskManager, adapter, store, fileManager)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// 6. Start background services and HTTP server
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fileManager.Start(ctx)
	taskManager.Start(ctx)

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 7. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()

	stop()
	log.Println("Shutting down gracefully, press Ctrl+C again to force")

	// In-flight requests get 5 seconds to finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	log.Println("Server exiting")
}
