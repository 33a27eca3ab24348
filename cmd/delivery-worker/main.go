// The delivery-worker binary consumes delivery messages from the queue and
// sends them through the notify service. It runs a bounded pool of message
// handlers plus the ops HTTP listener, and shuts down gracefully on SIGINT
// or SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"golang.org/x/sync/errgroup"

	"occasio/internal/config"
	"occasio/internal/db"
	"occasio/internal/external"
	"occasio/internal/metrics"
	"occasio/internal/ops"
	"occasio/internal/queue"
	"occasio/internal/types"
	"occasio/internal/worker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("delivery worker exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
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
	notify := external.NewNotifyClient(cfg.Notifier, nil)
	policy := worker.RetryPolicy{
		MaxAttempts: cfg.Worker.MaxAttempts,
		Base:        cfg.Worker.BackoffBase,
		Max:         cfg.Worker.BackoffMax,
		Jitter:      cfg.Worker.JitterFraction,
	}
	handler := worker.NewHandler(deliveries, notify, policy, recorder, clock, logger)
	consumer := queue.NewConsumer(sqsClient, cfg.AWS.DeliveryQueue, handler,
		cfg.Worker.Prefetch, cfg.Worker.WaitTime, logger)

	opsSrv := ops.NewServer(cfg.Ops.Port, []ops.Probe{
		ops.PoolProbe{Pool: pool},
		ops.QueueProbe{Client: sqsClient, QueueURL: cfg.AWS.DeliveryQueue},
	}, logger)

	logger.InfoContext(ctx, "delivery worker starting",
		slog.Int("prefetch", cfg.Worker.Prefetch),
		slog.String("queue_url", cfg.AWS.DeliveryQueue))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return opsSrv.Serve(gctx) })
	return g.Wait()
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.LogLevel))
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).With(
		slog.String("service", cfg.Service),
		slog.String("component", "delivery-worker"),
		slog.String("env", cfg.Environment),
	)
}
