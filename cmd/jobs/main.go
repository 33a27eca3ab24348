// The jobs binary runs the periodic jobs of the scheduling core: the daily
// precompute job, the dispatch job, and the recovery job, each on its own
// cron schedule. With -job it runs a single job once and exits, which is how
// ad-hoc backfills and smoke tests are done.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/robfig/cron/v3"

	"occasio/internal/config"
	"occasio/internal/db"
	"occasio/internal/metrics"
	"occasio/internal/ops"
	"occasio/internal/queue"
	"occasio/internal/scheduler"
	"occasio/internal/trigger"
	"occasio/internal/types"
)

func main() {
	jobName := flag.String("job", "", "run a single job once (precompute|dispatch|recovery) and exit")
	flag.Parse()

	if err := run(*jobName); err != nil {
		slog.Error("jobs runner exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(jobName string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return err
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	var recorder metrics.Recorder = metrics.Noop{}
	if cfg.Environment != "local" {
		recorder = metrics.NewCloudWatch(cloudwatch.NewFromConfig(awsCfg), cfg.Environment, logger)
	}

	clock := types.RealClock{}
	deliveries := db.NewDeliveryRepository(pool)
	users := db.NewUserRepository(pool)
	history := db.NewJobHistoryRepository(pool)
	publisher := queue.NewDeliveryPublisher(sqsClient, cfg.AWS.DeliveryQueue, clock)
	registry := trigger.DefaultRegistry(cfg.Trigger.SendHour, cfg.Trigger.SendMinute)

	precompute := scheduler.NewPrecomputeJob(users, deliveries, registry, history,
		recorder, clock, logger, cfg.Trigger)
	dispatch := scheduler.NewDispatchJob(deliveries, publisher, history,
		recorder, clock, logger, cfg.Jobs.DispatchLookahead, cfg.Jobs.DispatchBatchSize)
	recovery := scheduler.NewRecoveryJob(deliveries, history,
		recorder, clock, logger, cfg.Jobs, cfg.Worker.MaxAttempts)

	jobs := map[string]func(context.Context) error{
		"precompute": precompute.Run,
		"dispatch":   dispatch.Run,
		"recovery":   recovery.Run,
	}

	runOnce := func(name string) error {
		runCtx, cancel := context.WithTimeout(ctx, cfg.Jobs.RunTimeout)
		defer cancel()
		return jobs[name](runCtx)
	}

	if jobName != "" {
		if _, ok := jobs[jobName]; !ok {
			return fmt.Errorf("unknown job %q", jobName)
		}
		return runOnce(jobName)
	}

	c := cron.New()
	schedules := map[string]string{
		"precompute": cfg.Jobs.PrecomputeSchedule,
		"dispatch":   cfg.Jobs.DispatchSchedule,
		"recovery":   cfg.Jobs.RecoverySchedule,
	}
	for name, expr := range schedules {
		if _, err := c.AddFunc(expr, func() {
			// Run outcomes are logged and recorded by the job itself.
			_ = runOnce(name)
		}); err != nil {
			return fmt.Errorf("invalid cron spec for %s job: %w", name, err)
		}
	}

	opsSrv := ops.NewServer(cfg.Ops.Port, []ops.Probe{
		ops.PoolProbe{Pool: pool},
		ops.QueueProbe{Client: sqsClient, QueueURL: cfg.AWS.DeliveryQueue},
	}, logger)
	opsErr := make(chan error, 1)
	go func() { opsErr <- opsSrv.Serve(ctx) }()

	logger.InfoContext(ctx, "jobs runner starting",
		slog.String("precompute_schedule", cfg.Jobs.PrecomputeSchedule),
		slog.String("dispatch_schedule", cfg.Jobs.DispatchSchedule),
		slog.String("recovery_schedule", cfg.Jobs.RecoverySchedule))
	c.Start()

	select {
	case err := <-opsErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	// Let any in-flight job run finish before exiting.
	<-c.Stop().Done()
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).With(
		slog.String("service", cfg.Service),
		slog.String("component", "jobs"),
		slog.String("env", cfg.Environment),
	)
}
