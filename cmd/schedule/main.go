// Command schedule loads a recipient CSV and schedules it as one batch for
// an existing sender, using the same Postgres and Redis as the server.
//
//	schedule -sender <id> -file recipients.csv -start 2030-01-01T09:00:00Z -delay 3 -limit 100
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"PacedSend/internal/config"
	"PacedSend/internal/csvparser"
	"PacedSend/internal/db"
	"PacedSend/internal/queue"
	"PacedSend/internal/scheduler"
)

func main() {
	var (
		senderID = flag.String("sender", "", "sender id (required)")
		file     = flag.String("file", "", "CSV file with an Email column (required)")
		start    = flag.String("start", "", "RFC 3339 time of the first send (default now)")
		delay    = flag.Int("delay", scheduler.DefaultDelaySeconds, "seconds between consecutive sends")
		limit    = flag.Int("limit", scheduler.DefaultHourlyLimit, "hourly send limit for the sender")
		subject  = flag.String("subject", "", "subject for rows without one")
		body     = flag.String("body", "", "body for rows without one")
	)
	flag.Parse()

	if *senderID == "" || *file == "" {
		flag.Usage()
		os.Exit(2)
	}

	startAt := time.Now()
	if *start != "" {
		t, err := time.Parse(time.RFC3339, *start)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -start: %v\n", err)
			os.Exit(2)
		}
		startAt = t
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, scheduler.Request{
		SenderID:       *senderID,
		StartTime:      startAt,
		DelaySeconds:   *delay,
		HourlyLimit:    *limit,
		DefaultSubject: *subject,
		DefaultBody:    *body,
	}, *file); err != nil {
		logger.Fatal("scheduling failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger, req scheduler.Request, file string) error {
	if cfg.Storage != "postgres" {
		return fmt.Errorf("STORAGE=%s: the schedule command needs postgres", cfg.Storage)
	}

	rows, err := csvparser.ParseFile(file, cfg.MaxBatchRows)
	if err != nil {
		return err
	}
	for _, row := range rows {
		req.Rows = append(req.Rows, scheduler.Row{
			Recipient: row.Email,
			Subject:   row.Subject,
			Body:      row.Body,
		})
	}

	store, err := db.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	rdb, err := db.NewRedis(ctx, cfg.RedisURL, logger)
	if err != nil {
		return err
	}
	defer rdb.Close()

	q := queue.NewRedisQueue(rdb, cfg.QueueName, queue.Options{
		LeaseTimeout: cfg.LeaseTimeout,
		PollInterval: cfg.PollInterval,
		MaxAttempts:  cfg.MaxRetries,
		BackoffBase:  cfg.RetryBackoff,
	})

	svc := scheduler.New(store, q, logger, scheduler.WithMaxRetries(cfg.MaxRetries))

	res, err := svc.Schedule(ctx, req)
	if err != nil {
		return err
	}

	last := res.Jobs[len(res.Jobs)-1]
	logger.Info("batch scheduled",
		zap.Int("count", res.Count),
		zap.Time("first", res.Jobs[0].ScheduledAt),
		zap.Time("last", last.ScheduledAt),
	)
	return nil
}
