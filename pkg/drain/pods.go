package drain

import (
	"context"
	"errors"
	"fmt"
	"net"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	policyv1beta1 "k8s.io/api/policy/v1beta1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	utilnet "k8s.io/apimachinery/pkg/util/net"
	"k8s.io/client-go/kubernetes"
)

const PodSourceName = "pods"

// PodMembership is a pod scheduled on the node being drained.
type PodMembership struct {
	Namespace string
	Name      string
	UID       types.UID
	NodeName  string
	Phase     corev1.PodPhase
	Deleting  bool
}

func (p *PodMembership) ID() string       { return fmt.Sprintf("%s/%s/%s", p.Namespace, p.Name, p.UID) }
func (p *PodMembership) Identity() string { return p.NodeName }

// Actionable is always true: a pod either exists on the node or it does not.
func (p *PodMembership) Actionable() bool { return true }

func (p *PodMembership) Health() Health {
	switch {
	case p.Deleting:
		return HealthDraining
	case p.Phase == corev1.PodRunning || p.Phase == corev1.PodPending:
		return HealthHealthy
	case p.Phase == corev1.PodFailed || p.Phase == corev1.PodSucceeded:
		return HealthUnhealthy
	}
	return HealthUnknown
}

// PodSource evicts pods through the Eviction API so disruption budgets apply.
type PodSource struct {
	Client kubernetes.Interface
	// EvictionVersion selects policy/v1 or policy/v1beta1. Zero means policy/v1.
	EvictionVersion schema.GroupVersion
	// GracePeriodSeconds overrides the pod's grace period when set.
	GracePeriodSeconds *int64
}

var (
	_ Source = (*PodSource)(nil)

	policyV1beta1 = schema.GroupVersion{Group: "policy", Version: "v1beta1"}
)

func (s *PodSource) Name() string { return PodSourceName }

func (s *PodSource) Resolve(ctx context.Context, nodeName string) ([]Membership, error) {
	pods, err := s.Client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", nodeName).String(),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Membership, 0, len(pods.Items))
	for i := range pods.Items {
		p := &pods.Items[i]
		// field selectors are not honoured by every client
		if p.Spec.NodeName != nodeName {
			continue
		}
		out = append(out, &PodMembership{
			Namespace: p.Namespace,
			Name:      p.Name,
			UID:       p.UID,
			NodeName:  nodeName,
			Phase:     p.Status.Phase,
			Deleting:  p.DeletionTimestamp != nil,
		})
	}
	return out, nil
}

func (s *PodSource) Remove(ctx context.Context, m Membership) RemovalOutcome {
	pod, ok := m.(*PodMembership)
	if !ok {
		return FatalRejection(fmt.Errorf("%w: %T", ErrWrongMembership, m))
	}
	return classifyEviction(s.evict(ctx, pod))
}

func (s *PodSource) evict(ctx context.Context, pod *PodMembership) error {
	meta := metav1.ObjectMeta{Name: pod.Name, Namespace: pod.Namespace}
	opts := &metav1.DeleteOptions{
		GracePeriodSeconds: s.GracePeriodSeconds,
		// never evict a replacement that reused the name
		Preconditions: &metav1.Preconditions{UID: &pod.UID},
	}
	if s.EvictionVersion == policyV1beta1 {
		return s.Client.PolicyV1beta1().Evictions(pod.Namespace).Evict(ctx, &policyv1beta1.Eviction{
			ObjectMeta:    meta,
			DeleteOptions: opts,
		})
	}
	return s.Client.PolicyV1().Evictions(pod.Namespace).Evict(ctx, &policyv1.Eviction{
		ObjectMeta:    meta,
		DeleteOptions: opts,
	})
}

// classifyEviction maps an eviction response to a removal result. 429 is what
// the API server returns when a disruption budget denies the eviction.
func classifyEviction(err error) RemovalOutcome {
	switch {
	case err == nil:
		return Accepted()
	case apierrors.IsNotFound(err), apierrors.IsConflict(err):
		// already gone, or the UID precondition failed because it was replaced
		return Accepted()
	case apierrors.IsTooManyRequests(err):
		return Retryable(err)
	case unanswered(err):
		return Retryable(err)
	}
	return FatalRejection(err)
}

// unanswered reports whether the API server never ruled on the request: the
// context ended, the connection failed, or the server was unavailable.
func unanswered(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if apierrors.IsServerTimeout(err) || apierrors.IsTimeout(err) || apierrors.IsServiceUnavailable(err) {
		return true
	}
	if utilnet.IsConnectionReset(err) || utilnet.IsProbableEOF(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (s *PodSource) Check(ctx context.Context, m Membership) (State, error) {
	pod, ok := m.(*PodMembership)
	if !ok {
		return StatePresent, fmt.Errorf("%w: %T", ErrWrongMembership, m)
	}
	cur, err := s.Client.CoreV1().Pods(pod.Namespace).Get(ctx, pod.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return StateAbsent, nil
	}
	if err != nil {
		return StatePresent, err
	}
	if cur.UID != pod.UID {
		return StateReplaced, nil
	}
	return StatePresent, nil
}
