package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client the queue uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

var _ Queue = (*sqsQueue)(nil)

type sqsQueue struct {
	queueURL          string
	client            SQSAPI
	waitTime          time.Duration
	visibilityTimeout time.Duration
}

type SQSConfig struct {
	QueueURL string
	Client   SQSAPI
	// WaitTime is the long-poll duration, at most 20s.
	WaitTime time.Duration
	// VisibilityTimeout must cover a whole drain, otherwise the message is
	// redelivered while it is still being handled.
	VisibilityTimeout time.Duration
}

func NewSQSQueue(cfg *SQSConfig) Queue {
	return &sqsQueue{
		queueURL:          cfg.QueueURL,
		client:            cfg.Client,
		waitTime:          cfg.WaitTime,
		visibilityTimeout: cfg.VisibilityTimeout,
	}
}

func (q *sqsQueue) Pop(ctx context.Context, size int32) ([]*Message, error) {
	resp, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: size,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
		VisibilityTimeout: int32(q.visibilityTimeout.Seconds()),
		WaitTimeSeconds:   int32(q.waitTime.Seconds()),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}

	msgs := make([]*Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		var received int
		if v := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; v != "" {
			received, _ = strconv.Atoi(v)
		}
		msgs = append(msgs, &Message{
			receiptHandle: aws.ToString(m.ReceiptHandle),
			ID:            aws.ToString(m.MessageId),
			Body:          []byte(aws.ToString(m.Body)),
			ReceiveCount:  received,
		})
	}
	return msgs, nil
}

func (q *sqsQueue) Retry(ctx context.Context, msg *Message, delay int32) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(msg.receiptHandle),
		VisibilityTimeout: delay,
	})
	return err
}

func (q *sqsQueue) Remove(ctx context.Context, msg *Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(msg.receiptHandle),
	})
	return err
}
