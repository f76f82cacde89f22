package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tonglam/letletme-data-sub003/internal/config"
	"github.com/tonglam/letletme-data-sub003/internal/logger"
	"github.com/tonglam/letletme-data-sub003/internal/queue"
	"github.com/tonglam/letletme-data-sub003/internal/redisx"
	"github.com/tonglam/letletme-data-sub003/internal/scheduler"
	"github.com/tonglam/letletme-data-sub003/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if !cfg.Scheduler.Enabled {
		log.Println("Scheduler disabled by config, exiting")
		return
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.SetDefault(lg)
	defer func() {
		_ = lg.Close()
	}()

	fmt.Println("Scheduler starting...")
	fmt.Printf("Queue: %s (prefix %s)\n", cfg.Queue.Name, cfg.Queue.Prefix)
	fmt.Printf("Tick interval: %s\n", cfg.Scheduler.TickInterval)
	fmt.Printf("Leader TTL: %s\n", cfg.Scheduler.LeaderTTL)
	fmt.Printf("Connecting to Redis: %s\n", cfg.Redis.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := redisx.NewClient(ctx, redisx.Options{
		URL:             cfg.Redis.URL,
		Host:            cfg.Redis.Host,
		Port:            cfg.Redis.Port,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		TLS:             cfg.Redis.TLS,
		RetryBackoffMax: cfg.Redis.RetryBackoffMax,
		RetryAttempts:   cfg.Redis.RetryAttempts,
	})
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	st := store.New(client, cfg.Queue.Prefix)
	q := queue.New(st, queue.Options{Name: cfg.Queue.Name})

	sched := scheduler.New(st, q, scheduler.Options{
		TickInterval: cfg.Scheduler.TickInterval,
		LeaderTTL:    cfg.Scheduler.LeaderTTL,
		CatchupMax:   cfg.Scheduler.CatchupMax,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sched.Start(ctx)

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	sched.Stop()
	cancel()

	log.Println("Scheduler shut down successfully")
}
