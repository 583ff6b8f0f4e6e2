package k8s

import (
	"context"
	"time"

	coordv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/myorg/nodedrainer/pkg/util"
)

// LeaseLock guards a node against concurrent drains, e.g. from a redelivered
// lifecycle notification. An expired lease may be taken over.
type LeaseLock struct {
	Client    client.Client
	Namespace string
	TTL       time.Duration
}

func (l *LeaseLock) key(nodeName string) types.NamespacedName {
	return types.NamespacedName{Namespace: l.Namespace, Name: util.LeaseName(nodeName)}
}

func (l *LeaseLock) Acquire(ctx context.Context, holder, nodeName string) (bool, error) {
	key := l.key(nodeName)
	now := metav1.NowMicro()

	lease := &coordv1.Lease{}
	err := l.Client.Get(ctx, key, lease)
	if apierrors.IsNotFound(err) {
		newLease := &coordv1.Lease{
			ObjectMeta: metav1.ObjectMeta{
				Namespace: key.Namespace,
				Name:      key.Name,
				Labels:    map[string]string{"app.kubernetes.io/managed-by": "nodedrainer"},
			},
			Spec: coordv1.LeaseSpec{
				HolderIdentity:       &holder,
				LeaseDurationSeconds: int32Ptr(int32(l.TTL.Seconds())),
				AcquireTime:          &now,
				RenewTime:            &now,
			},
		}
		if err := l.Client.Create(ctx, newLease); err != nil {
			if apierrors.IsAlreadyExists(err) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if lease.Spec.HolderIdentity != nil && *lease.Spec.HolderIdentity == holder {
		lease.Spec.RenewTime = &now
		return true, l.Client.Update(ctx, lease)
	}

	if expired(lease, now.Time) {
		lease.Spec.HolderIdentity = &holder
		lease.Spec.AcquireTime = &now
		lease.Spec.RenewTime = &now
		lease.Spec.LeaseDurationSeconds = int32Ptr(int32(l.TTL.Seconds()))
		if err := l.Client.Update(ctx, lease); err != nil {
			if apierrors.IsConflict(err) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (l *LeaseLock) Release(ctx context.Context, holder, nodeName string) error {
	lease := &coordv1.Lease{}
	if err := l.Client.Get(ctx, l.key(nodeName), lease); err != nil {
		return client.IgnoreNotFound(err)
	}
	if lease.Spec.HolderIdentity != nil && *lease.Spec.HolderIdentity == holder {
		return client.IgnoreNotFound(l.Client.Delete(ctx, lease))
	}
	return nil
}

func expired(lease *coordv1.Lease, now time.Time) bool {
	if lease.Spec.RenewTime == nil || lease.Spec.LeaseDurationSeconds == nil {
		return true
	}
	exp := lease.Spec.RenewTime.Add(time.Duration(*lease.Spec.LeaseDurationSeconds) * time.Second)
	return now.After(exp)
}

func int32Ptr(v int32) *int32 { return &v }
