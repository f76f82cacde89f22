// queuectl is the operator CLI for the queue runtime: inspect queues,
// pause and resume dispatch, drain, peek at jobs, and list schedulers.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/tonglam/letletme-data-sub003/internal/config"
	"github.com/tonglam/letletme-data-sub003/internal/job"
	"github.com/tonglam/letletme-data-sub003/internal/logger"
	"github.com/tonglam/letletme-data-sub003/internal/queue"
	"github.com/tonglam/letletme-data-sub003/internal/redisx"
	"github.com/tonglam/letletme-data-sub003/internal/scheduler"
	"github.com/tonglam/letletme-data-sub003/internal/store"
)

const usage = `Usage: queuectl <command> [arguments]

Commands:
  queue list               list known queues with their job counts
  queue pause <name>       stop dispatch on a queue
  queue resume <name>      re-enable dispatch on a queue
  queue drain <name>       remove all waiting and delayed jobs
  scheduler list           list schedulers of the configured queue
  job peek <id>            print one job record of the configured queue
  worker stats             print job counts of the configured queue

The target queue for scheduler/job/worker commands comes from QUEUE_NAME.
Exit codes: 0 success, 2 invalid arguments, 1 runtime failure.`

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "queuectl: failed to load config: %v\n", err)
		os.Exit(1)
	}

	// The CLI is a one-shot tool; keep its own logs quiet
	logger.SetDefault(&logger.NoOpLogger{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := redisx.NewClient(ctx, redisx.Options{
		URL:      cfg.Redis.URL,
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TLS:      cfg.Redis.TLS,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "queuectl: failed to connect to Redis: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = client.Close()
	}()

	st := store.New(client, cfg.Queue.Prefix)

	if err := run(ctx, st, cfg, args); err != nil {
		if _, invalid := err.(*usageError); invalid {
			fmt.Fprintf(os.Stderr, "queuectl: %v\n\n%s\n", err, usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "queuectl: %v\n", err)
		os.Exit(1)
	}
}

// usageError marks invalid invocations, which exit with code 2
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func badUsage(format string, args ...interface{}) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func run(ctx context.Context, st *store.Store, cfg *config.Config, args []string) error {
	switch args[0] {
	case "queue":
		return runQueue(ctx, st, args[1:])
	case "scheduler":
		return runScheduler(ctx, st, cfg, args[1:])
	case "job":
		return runJob(ctx, st, cfg, args[1:])
	case "worker":
		return runWorker(ctx, st, cfg, args[1:])
	default:
		return badUsage("unknown command %q", args[0])
	}
}

func runQueue(ctx context.Context, st *store.Store, args []string) error {
	if len(args) < 1 {
		return badUsage("queue requires a subcommand")
	}

	switch args[0] {
	case "list":
		queues, err := st.ListQueues(ctx)
		if err != nil {
			return err
		}
		if len(queues) == 0 {
			fmt.Println("no queues found")
			return nil
		}
		for _, name := range queues {
			counts, err := st.Counts(ctx, name)
			if err != nil {
				return err
			}
			printCounts(name, counts)
		}
		return nil

	case "pause", "resume", "drain":
		if len(args) < 2 {
			return badUsage("queue %s requires a queue name", args[0])
		}
		name := args[1]
		q := queue.New(st, queue.Options{Name: name})

		switch args[0] {
		case "pause":
			if err := q.Pause(ctx); err != nil {
				return err
			}
			fmt.Printf("queue %s paused\n", name)
		case "resume":
			if err := q.Resume(ctx); err != nil {
				return err
			}
			fmt.Printf("queue %s resumed\n", name)
		case "drain":
			removed, err := q.Drain(ctx, false)
			if err != nil {
				return err
			}
			fmt.Printf("queue %s drained, %d jobs removed\n", name, removed)
		}
		return nil

	default:
		return badUsage("unknown queue subcommand %q", args[0])
	}
}

func runScheduler(ctx context.Context, st *store.Store, cfg *config.Config, args []string) error {
	if len(args) < 1 || args[0] != "list" {
		return badUsage("scheduler requires the list subcommand")
	}

	q := queue.New(st, queue.Options{Name: cfg.Queue.Name})
	sched := scheduler.New(st, q, scheduler.Options{})

	records, err := sched.List(ctx, 0, -1, true)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("no schedulers on queue %s\n", cfg.Queue.Name)
		return nil
	}

	for _, rec := range records {
		spec := rec.Pattern
		if spec == "" {
			spec = "every " + rec.Every.String()
		}
		limit := "unlimited"
		if rec.Limit > 0 {
			limit = fmt.Sprintf("%d/%d fires", rec.FiresSoFar, rec.Limit)
		}
		fmt.Printf("%-24s %-20s next %s  %s\n",
			rec.ID, spec, rec.NextRun.Format(time.RFC3339), limit)
	}
	return nil
}

func runJob(ctx context.Context, st *store.Store, cfg *config.Config, args []string) error {
	if len(args) < 2 || args[0] != "peek" {
		return badUsage("job requires: peek <id>")
	}

	j, err := st.GetJob(ctx, cfg.Queue.Name, args[1])
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("job %s not found on queue %s", args[1], cfg.Queue.Name)
	}

	out, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runWorker(ctx context.Context, st *store.Store, cfg *config.Config, args []string) error {
	if len(args) < 1 || args[0] != "stats" {
		return badUsage("worker requires the stats subcommand")
	}

	counts, err := st.Counts(ctx, cfg.Queue.Name)
	if err != nil {
		return err
	}
	printCounts(cfg.Queue.Name, counts)
	return nil
}

func printCounts(name string, counts store.Counts) {
	state := color.GreenString("running")
	if counts.Paused {
		state = color.YellowString("paused")
	}
	fmt.Printf("%-24s %s  waiting=%d delayed=%d %s=%d completed=%d %s=%d\n",
		name, state,
		counts.Waiting, counts.Delayed,
		color.CyanString(string(job.StateActive)), counts.Active,
		counts.Completed,
		color.RedString(string(job.StateFailed)), counts.Failed)
}
