// Package metrics emits operational metrics to CloudWatch. Emission is
// best-effort: a metrics failure is logged and never propagated, because no
// delivery decision may depend on the observability pipeline.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const namespace = "Occasio"

// Recorder is the metrics surface used by the workers and jobs.
type Recorder interface {
	// RecordDelivery counts one delivery outcome (sent, failed, dead_letter,
	// retried, deferred) for a trigger kind.
	RecordDelivery(ctx context.Context, kind, result string)

	// RecordDeliveryLatency records how far past the scheduled send instant
	// a message was actually delivered.
	RecordDeliveryLatency(ctx context.Context, kind string, latency time.Duration)

	// RecordQueueLag records the time a message spent in the queue beyond
	// its intended delay.
	RecordQueueLag(ctx context.Context, lag time.Duration)

	// RecordJobItems records per-run item tallies for a periodic job.
	RecordJobItems(ctx context.Context, job string, ok, failed int)
}

// CloudWatchClient is the subset of the CloudWatch client the recorder uses.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch implements Recorder against the CloudWatch API.
type CloudWatch struct {
	client      CloudWatchClient
	environment string
	logger      *slog.Logger
}

// NewCloudWatch creates a CloudWatch-backed recorder.
func NewCloudWatch(client CloudWatchClient, environment string, logger *slog.Logger) *CloudWatch {
	return &CloudWatch{
		client:      client,
		environment: environment,
		logger:      logger,
	}
}

func (c *CloudWatch) RecordDelivery(ctx context.Context, kind, result string) {
	c.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String("DeliveryCount"),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: append(c.baseDimensions(),
			cwtypes.Dimension{Name: aws.String("TriggerKind"), Value: aws.String(kind)},
			cwtypes.Dimension{Name: aws.String("Result"), Value: aws.String(result)},
		),
	})
}

func (c *CloudWatch) RecordDeliveryLatency(ctx context.Context, kind string, latency time.Duration) {
	c.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String("DeliveryLatency"),
		Value:      aws.Float64(latency.Seconds()),
		Unit:       cwtypes.StandardUnitSeconds,
		Dimensions: append(c.baseDimensions(),
			cwtypes.Dimension{Name: aws.String("TriggerKind"), Value: aws.String(kind)},
		),
	})
}

func (c *CloudWatch) RecordQueueLag(ctx context.Context, lag time.Duration) {
	c.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String("QueueLag"),
		Value:      aws.Float64(lag.Seconds()),
		Unit:       cwtypes.StandardUnitSeconds,
		Dimensions: c.baseDimensions(),
	})
}

func (c *CloudWatch) RecordJobItems(ctx context.Context, job string, ok, failed int) {
	dims := append(c.baseDimensions(),
		cwtypes.Dimension{Name: aws.String("Job"), Value: aws.String(job)},
	)
	c.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String("JobItemsOK"),
			Value:      aws.Float64(float64(ok)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String("JobItemsFailed"),
			Value:      aws.Float64(float64(failed)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		},
	)
}

func (c *CloudWatch) baseDimensions() []cwtypes.Dimension {
	return []cwtypes.Dimension{
		{Name: aws.String("Environment"), Value: aws.String(c.environment)},
	}
}

func (c *CloudWatch) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(namespace),
		MetricData: data,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "failed to put metric data",
			slog.String("error", err.Error()))
	}
}

// Noop implements Recorder without emitting anything. Used in local
// development and tests.
type Noop struct{}

func (Noop) RecordDelivery(context.Context, string, string)                {}
func (Noop) RecordDeliveryLatency(context.Context, string, time.Duration) {}
func (Noop) RecordQueueLag(context.Context, time.Duration)                {}
func (Noop) RecordJobItems(context.Context, string, int, int)             {}
