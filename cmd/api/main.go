package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"campusattend/internal/attendance"
	"campusattend/internal/cloudinary"
	"campusattend/internal/config"
	"campusattend/internal/faceverify"
	"campusattend/internal/httpapi"
	"campusattend/internal/metrics"
	"campusattend/internal/queue"
	"campusattend/internal/stats"
	"campusattend/internal/store"
	"campusattend/internal/visionclient"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

// timedComparer wraps the vision client so comparison latency lands in the
// Prometheus histogram.
type timedComparer struct {
	inner faceverify.Comparer
}

func (t timedComparer) Compare(ctx context.Context, imageBase64 string, descriptor json.RawMessage) (faceverify.Comparison, error) {
	start := time.Now()
	cmp, err := t.inner.Compare(ctx, imageBase64, descriptor)
	metrics.ObserveComparison(time.Since(start))
	return cmp, err
}

func runHTTP(cfg config.App) error {
	ctx := context.Background()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if db == nil {
		return err
	}
	if err != nil {
		// Startup proceeds with a dead pool: /healthz reports it and the pool
		// re-dials per query once postgres returns.
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "")
	}

	repo := attendance.NewRepository(db.Client)
	svc := attendance.NewService(repo)

	vision := visionclient.New(cfg.VisionBaseURL, cfg.VisionAPIKey, cfg.VisionModel, cfg.VisionTimeout, cfg.VisionSkip)
	verifier := faceverify.New(repo, timedComparer{inner: vision})

	agg := stats.New(redisClient.Client)

	var cdnClient *cloudinary.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		cdnClient = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("Cloudinary configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("Cloudinary not configured, face reference photos disabled")
	}

	server := httpapi.New(cfg, repo, svc, verifier, agg, q, db, redisClient, cdnClient)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      server.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}
