// Package metrics emits operational telemetry to AWS CloudWatch. One
// publisher serves both the API middleware (request latency/count) and the
// workers (execution outcomes, queue lag). Publishing is best-effort: a
// metric failure is logged and never propagates into request or execution
// paths.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"snapfarm/internal/core"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Publisher publishes snapfarm metrics to a CloudWatch namespace.
//
// Metrics emitted:
//   - APIRequest / APIRequestLatency: Dims {Method, Endpoint, Status}
//   - ExecutionOutcome: Dims {OperationType, Status}
//   - ExecutionDuration: Dims {OperationType}
//   - ExecutionQueueLag: no dims
type Publisher struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// Compile-time assertion that Publisher satisfies the API middleware's
// collector contract.
var _ core.MetricsCollector = (*Publisher)(nil)

// NewPublisher creates a Publisher for the given namespace.
func NewPublisher(client CloudWatchClient, namespace string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: client, namespace: namespace, logger: logger}
}

// RecordRequest implements core.MetricsCollector for the API middleware.
func (p *Publisher) RecordRequest(method, endpoint, status string, duration time.Duration) {
	dims := []cwtypes.Dimension{
		{Name: aws.String("Method"), Value: aws.String(method)},
		{Name: aws.String("Endpoint"), Value: aws.String(endpoint)},
		{Name: aws.String("Status"), Value: aws.String(status)},
	}
	p.put(context.Background(), []cwtypes.MetricDatum{
		{
			MetricName: aws.String("APIRequest"),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		},
		{
			MetricName: aws.String("APIRequestLatency"),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: dims,
		},
	})
}

// RecordExecution emits the outcome and duration of one execution.
func (p *Publisher) RecordExecution(ctx context.Context, opType string, status string, duration time.Duration) {
	p.put(ctx, []cwtypes.MetricDatum{
		{
			MetricName: aws.String("ExecutionOutcome"),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String("OperationType"), Value: aws.String(opType)},
				{Name: aws.String("Status"), Value: aws.String(status)},
			},
		},
		{
			MetricName: aws.String("ExecutionDuration"),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String("OperationType"), Value: aws.String(opType)},
			},
		},
	})
}

// RecordQueueLag emits the delay between enqueue and worker pickup.
func (p *Publisher) RecordQueueLag(ctx context.Context, lag time.Duration) {
	p.put(ctx, []cwtypes.MetricDatum{
		{
			MetricName: aws.String("ExecutionQueueLag"),
			Value:      aws.Float64(float64(lag.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
		},
	})
}

func (p *Publisher) put(ctx context.Context, data []cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(p.namespace),
		MetricData: data,
	}
	if _, err := p.client.PutMetricData(ctx, input); err != nil {
		p.logger.Warn("failed to publish metrics", "error", err)
	}
}
