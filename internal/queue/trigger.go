// Package queue provides the SQS producer that hands executions from the
// dispatcher (or the manual trigger endpoint) to the worker fleet.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"snapfarm/internal/config"
	"snapfarm/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ExecutionTrigger serializes ExecutionMessages onto the execution queue.
// The message carries routing only; the worker re-reads the execution row
// for the configuration snapshot, so a redelivered or delayed message can
// never act on stale configuration.
type ExecutionTrigger struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewExecutionTrigger creates a producer bound to the configured execution
// queue.
func NewExecutionTrigger(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *ExecutionTrigger {
	return &ExecutionTrigger{
		client:   client,
		queueURL: awsCfg.ExecutionQueueURL,
		logger:   logger,
	}
}

// Enqueue sends one execution message. Message attributes carry the operation
// type and agency so queue tooling can filter without parsing bodies.
func (t *ExecutionTrigger) Enqueue(ctx context.Context, msg types.ExecutionMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal ExecutionMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"operation_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Type)),
			},
			"agency_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.AgencyID),
			},
		},
	}

	if _, err := t.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send ExecutionMessage for %s: %w", msg.ExecutionID, err)
	}

	t.logger.DebugContext(ctx, "enqueued execution",
		"execution_id", msg.ExecutionID,
		"type", string(msg.Type),
		"trace_id", msg.TraceID,
	)
	return nil
}
