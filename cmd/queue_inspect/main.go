package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/xelth-com/foodlens/internal/cache"
	"github.com/xelth-com/foodlens/internal/config"
	"github.com/xelth-com/foodlens/internal/models"
	"github.com/xelth-com/foodlens/internal/queue"
	"github.com/xelth-com/foodlens/internal/storage"
)

func main() {
	retryFailed := flag.Bool("retry-failed", false, "reset failed and retry-scheduled operations to pending")
	purge := flag.Bool("purge", false, "remove expired product cache entries")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	ctx := context.Background()

	store, err := storage.Open(cfg.Storage, nil, nil)
	if err != nil {
		fmt.Printf("Failed to open storage: %v\n", err)
		fmt.Println("\nStart the server once or check STORAGE_PATH.")
		os.Exit(1)
	}
	defer store.Close()

	q := queue.New(store, nil, queue.Options{MaxRetries: cfg.Queue.MaxRetries})
	if *retryFailed {
		n, err := q.RetryAll(ctx)
		if err != nil {
			log.Fatalf("Retry failed: %v", err)
		}
		fmt.Printf("Reset %d operations\n\n", n)
	}
	products := cache.NewProductCache(store, cfg.Cache.ProductTTL, nil)
	if *purge {
		fmt.Printf("Purged %d expired products\n\n", products.PurgeExpired(ctx))
	}

	fmt.Println("FOODLENS LOCAL STORAGE REPORT")
	fmt.Println(strings.Repeat("-", 60))

	size, err := store.Size(ctx)
	if err != nil {
		log.Fatalf("Failed to read storage size: %v", err)
	}
	fmt.Printf("  Backend:   %s (%s)\n", cfg.Storage.Backend, cfg.Storage.Path)
	fmt.Printf("  Size:      %d / %d bytes\n", size, cfg.Storage.MaxBytes)

	keys, err := store.ListKeys(ctx, cache.ProductKeyPrefix)
	if err != nil {
		log.Fatalf("Failed to list cache keys: %v", err)
	}
	fresh := 0
	for _, key := range keys {
		if _, ok := products.Load(ctx, strings.TrimPrefix(key, cache.ProductKeyPrefix)); ok {
			fresh++
		}
	}
	fmt.Printf("  Products:  %d cached, %d fresh\n", len(keys), fresh)

	pending, err := q.CountPending(ctx)
	if err != nil {
		log.Fatalf("Failed to read queue: %v", err)
	}
	failed, _ := q.CountFailed(ctx)
	fmt.Printf("  Queue:     %d pending, %d failed\n", pending, failed)
	fmt.Println()

	ops, err := q.List(ctx)
	if err != nil {
		log.Fatalf("Failed to read queue: %v", err)
	}
	if len(ops) == 0 {
		fmt.Println("Queue is empty.")
		return
	}

	fmt.Println("OPERATIONS")
	fmt.Println(strings.Repeat("-", 60))
	for _, op := range ops {
		id := op.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Printf("  [%s] %-15s %-11s retries %d/%d  created %s\n",
			id, op.Type, op.Status, op.RetryCount, op.MaxRetries,
			time.UnixMilli(op.CreatedAt).Format(time.RFC3339))
		if op.Status == models.StatusRetry && op.NextRetryTime > 0 {
			fmt.Printf("      next retry %s\n", time.UnixMilli(op.NextRetryTime).Format(time.RFC3339))
		}
		if op.LastError != "" {
			fmt.Printf("      last error: %s\n", op.LastError)
		}
	}
}
