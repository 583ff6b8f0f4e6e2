package queue

import (
	"context"
)

// Message is one lifecycle notification received from the queue.
type Message struct {
	receiptHandle string

	ID   string
	Body []byte

	// ReceiveCount is how many times the message has been delivered,
	// including this one.
	ReceiveCount int
}

type Queue interface {
	Pop(ctx context.Context, size int32) ([]*Message, error)

	// Retry makes the message visible again after delay.
	Retry(ctx context.Context, msg *Message, delay int32) error
	Remove(ctx context.Context, msg *Message) error
}
