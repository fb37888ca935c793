package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"campusattend/internal/config"
	"campusattend/internal/queue"
	"campusattend/internal/stats"
	"campusattend/internal/store"
)

// Worker consumes recorded-attendance events and folds them into the
// per-class aggregates professors read on their dashboards.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	// The in-memory queue lives inside a single process; a standalone worker
	// can only see events the api published to redis.
	if cfg.QueueBackend == "memory" {
		log.Fatal("QUEUE_BACKEND=memory does not deliver across processes, run the worker with the redis backend")
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	q := queue.NewRedisQueue(redisClient.Client, "")

	agg := stats.New(redisClient.Client)

	events, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for events...")
	for evt := range events {
		if evt.ClassID == "" {
			continue
		}
		if err := agg.Apply(ctx, evt); err != nil {
			log.Printf("apply event for class %s failed: %v", evt.ClassID, err)
			continue
		}
		log.Printf("class %s: recorded %s check-in for session %s", evt.ClassID, evt.Method, evt.SessionID)
	}

	log.Println("worker stopped")
}
