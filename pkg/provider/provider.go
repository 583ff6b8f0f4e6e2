package provider

import (
	"context"

	"github.com/myorg/nodedrainer/api/v1alpha1"
)

// LifecycleRef identifies one pending lifecycle action.
type LifecycleRef struct {
	AutoScalingGroupName string
	LifecycleHookName    string
	LifecycleActionToken string
	InstanceID           string
}

func RefFor(a *v1alpha1.LifecycleAction) LifecycleRef {
	return LifecycleRef{
		AutoScalingGroupName: a.AutoScalingGroupName,
		LifecycleHookName:    a.LifecycleHookName,
		LifecycleActionToken: a.LifecycleActionToken,
		InstanceID:           a.InstanceID,
	}
}

// Gateway reports a drain outcome back to whatever triggered the removal.
type Gateway interface {
	RecordHeartbeat(ctx context.Context, ref LifecycleRef) error
	CompleteLifecycleAction(ctx context.Context, ref LifecycleRef, result v1alpha1.LifecycleResult) error
	SignalResource(ctx context.Context, sig v1alpha1.StackSignal, status v1alpha1.SignalStatus) error
}

// InstanceResolver maps a cloud instance to the cluster node running on it.
type InstanceResolver interface {
	NodeName(ctx context.Context, instanceID string) (string, error)
}

type Provider interface {
	Gateway
	InstanceResolver
}
