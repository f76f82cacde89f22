package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/tonglam/letletme-data-sub003/internal/config"
	"github.com/tonglam/letletme-data-sub003/internal/logger"
	"github.com/tonglam/letletme-data-sub003/internal/monitor"
	"github.com/tonglam/letletme-data-sub003/internal/redisx"
	"github.com/tonglam/letletme-data-sub003/internal/store"
	"github.com/tonglam/letletme-data-sub003/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.SetDefault(lg)
	defer func() {
		_ = lg.Close()
	}()

	fmt.Println("Worker starting...")
	fmt.Printf("Queue: %s (prefix %s)\n", cfg.Queue.Name, cfg.Queue.Prefix)
	fmt.Printf("Worker concurrency: %d\n", cfg.Worker.Concurrency)
	fmt.Printf("Job timeout: %s\n", cfg.Worker.JobTimeout)
	fmt.Printf("Connecting to Redis: %s\n", cfg.Redis.URL)

	// Start pprof server on separate port for profiling
	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6061"
	}
	go func() {
		fmt.Printf("pprof server: http://localhost:%s/debug/pprof/\n", pprofPort)
		if err := http.ListenAndServe(":"+pprofPort, nil); err != nil {
			log.Printf("pprof server failed: %v", err)
		}
	}()

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

	registry := worker.NewRegistry()

	// Handlers are registered by the deployment; see docs for the
	// handler contract. Nothing is registered by default.
	fmt.Printf("Registered %d job handlers\n", registry.Count())

	w := worker.New(st, registry, worker.Options{
		Queue:           cfg.Queue.Name,
		Concurrency:     cfg.Worker.Concurrency,
		LockTTL:         cfg.Worker.LockTTL,
		StalledInterval: cfg.Worker.StalledInterval,
		MaxStalledCount: cfg.Worker.MaxStalledCount,
		JobTimeout:      cfg.Worker.JobTimeout,
	})

	var mon *monitor.Monitor
	if cfg.Monitor.Enabled {
		mon = monitor.New(st, cfg.Queue.Name, monitor.Options{
			PollInterval: cfg.Monitor.PollInterval,
			HistorySize:  cfg.Monitor.HistorySize,
		})
		mon.Start(ctx)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := w.Start(ctx); err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	if err := w.Close(cfg.Worker.ShutdownGrace); err != nil {
		log.Printf("Worker shutdown error: %v", err)
	}
	if mon != nil {
		mon.Stop()
	}
	cancel()

	log.Println("Worker shut down successfully")
}
