package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/yummysource/clipforge-sub000/api"
	"github.com/yummysource/clipforge-sub000/config"
	"github.com/yummysource/clipforge-sub000/ffmpeg"
	"github.com/yummysource/clipforge-sub000/task"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize the ffmpeg engine and prober
	engine, err := ffmpeg.NewEngine(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize ffmpeg engine: %v", err)
	}
	prober := ffmpeg.NewProber(cfg)

	// 3. Shared task registry; handlers and controllers all write through it
	registry := task.NewRegistry()

	// 4. Set up router and server
	h := api.NewHandler(cfg, registry, engine, prober)
	router := api.SetupRouter(h, cfg)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 5. Wait for interrupt signal for graceful shutdown
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
