package controllers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/myorg/nodedrainer/api/v1alpha1"
	"github.com/myorg/nodedrainer/pkg/queue"
)

// fakeQueue hands out one batch per Pop and cancels the listener once empty.
type fakeQueue struct {
	mu      sync.Mutex
	batches [][]*queue.Message
	popErrs []error
	cancel  context.CancelFunc

	removed []string
	retried map[string]int32
}

func (q *fakeQueue) Pop(_ context.Context, size int32) ([]*queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.popErrs) > 0 {
		err := q.popErrs[0]
		q.popErrs = q.popErrs[1:]
		return nil, err
	}
	if len(q.batches) == 0 {
		q.cancel()
		return nil, nil
	}
	b := q.batches[0]
	q.batches = q.batches[1:]
	if int32(len(b)) > size {
		panic("batch larger than requested")
	}
	return b, nil
}

func (q *fakeQueue) Retry(_ context.Context, msg *queue.Message, delay int32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried[msg.ID] = delay
	return nil
}

func (q *fakeQueue) Remove(_ context.Context, msg *queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, msg.ID)
	return nil
}

type fakeHandler struct {
	failFor map[string]error
	handled []string
}

func (h *fakeHandler) Handle(_ context.Context, action *v1alpha1.LifecycleAction) (*v1alpha1.HandleReport, error) {
	h.handled = append(h.handled, action.InstanceID)
	if err := h.failFor[action.InstanceID]; err != nil {
		return nil, err
	}
	return &v1alpha1.HandleReport{Action: *action, Result: v1alpha1.LifecycleContinue}, nil
}

func notification(id, instance string) *queue.Message {
	return &queue.Message{
		ID:           id,
		ReceiveCount: 1,
		Body: []byte(`{"detail-type":"EC2 Instance-terminate Lifecycle Action","detail":{` +
			`"AutoScalingGroupName":"workers","LifecycleHookName":"drain",` +
			`"EC2InstanceId":"` + instance + `","LifecycleTransition":"autoscaling:EC2_INSTANCE_TERMINATING"}}`),
	}
}

func TestListenerProcessesMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := &fakeQueue{
		batches: [][]*queue.Message{
			{notification("m1", "i-1"), {ID: "m2", Body: []byte("not json")}},
			{notification("m3", "i-3")},
		},
		cancel:  cancel,
		retried: map[string]int32{},
	}
	h := &fakeHandler{failFor: map[string]error{"i-3": ErrLeaseHeld}}
	l := &Listener{Queue: q, Handler: h, MaxMessages: 2, RetryDelay: 30 * time.Second}

	require.NoError(t, l.Run(ctx))

	require.Equal(t, []string{"i-1", "i-3"}, h.handled)
	require.Equal(t, []string{"m1", "m2"}, q.removed)
	require.Equal(t, map[string]int32{"m3": 30}, q.retried)
}

func TestListenerSurvivesReceiveErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := &fakeQueue{
		popErrs: []error{errors.New("throttled")},
		batches: [][]*queue.Message{{notification("m1", "i-1")}},
		cancel:  cancel,
		retried: map[string]int32{},
	}
	h := &fakeHandler{}
	l := &Listener{Queue: q, Handler: h, MaxMessages: 1, RetryDelay: time.Millisecond}

	require.NoError(t, l.Run(ctx))

	require.Equal(t, []string{"i-1"}, h.handled)
	require.Equal(t, []string{"m1"}, q.removed)
}
