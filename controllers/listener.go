package controllers

import (
	"context"
	"errors"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/myorg/nodedrainer/api/v1alpha1"
	"github.com/myorg/nodedrainer/pkg/metrics"
	"github.com/myorg/nodedrainer/pkg/queue"
)

// Listener feeds lifecycle notifications from a queue to a handler, one at a
// time. A message is deleted once handled; when the handler fails it is made
// visible again after RetryDelay.
type Listener struct {
	Queue       queue.Queue
	Handler     EventHandler
	MaxMessages int32
	RetryDelay  time.Duration
	Metrics     *metrics.Collector
}

func (l *Listener) Run(ctx context.Context) error {
	lg := log.FromContext(ctx)
	lg.Info("listening for lifecycle notifications")
	for {
		if ctx.Err() != nil {
			lg.Info("listener stopped")
			return nil
		}

		msgs, err := l.Queue.Pop(ctx, l.MaxMessages)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			lg.Error(err, "cannot receive messages")
			select {
			case <-ctx.Done():
			case <-time.After(l.RetryDelay):
			}
			continue
		}
		for _, msg := range msgs {
			l.process(ctx, msg)
		}
	}
}

func (l *Listener) process(ctx context.Context, msg *queue.Message) {
	lg := log.FromContext(ctx).WithValues("message", msg.ID, "receiveCount", msg.ReceiveCount)
	ctx = log.IntoContext(ctx, lg)

	action, err := v1alpha1.ParseLifecycleAction(msg.Body)
	if err != nil {
		// a malformed message will never parse; drop it
		lg.Error(err, "discarding malformed lifecycle notification")
		l.Metrics.EventReceived("malformed")
		l.remove(ctx, msg)
		return
	}

	report, err := l.Handler.Handle(ctx, action)
	if err != nil {
		lg.Error(err, "lifecycle notification not handled, leaving it for redelivery")
		delay := int32(l.RetryDelay.Seconds())
		// a cancelled context would fail the request
		if err := l.Queue.Retry(context.Background(), msg, delay); err != nil {
			lg.Error(err, "cannot reschedule message")
		}
		return
	}
	if report.Ignored {
		lg.Info("lifecycle notification ignored", "reason", report.Note)
	} else {
		lg.Info("lifecycle notification handled", "result", report.Result, "node", report.NodeName)
	}
	l.remove(ctx, msg)
}

func (l *Listener) remove(ctx context.Context, msg *queue.Message) {
	if err := l.Queue.Remove(context.Background(), msg); err != nil {
		log.FromContext(ctx).Error(err, "cannot delete message")
	}
}
