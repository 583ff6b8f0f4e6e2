package k8s

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes"
	"k8s.io/kubectl/pkg/drain"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Cordon marks the node unschedulable so evicted pods are not placed back on it.
func Cordon(ctx context.Context, clientset kubernetes.Interface, node *corev1.Node) error {
	helper := &drain.Helper{
		Ctx:    ctx,
		Client: clientset,
	}
	if err := drain.RunCordonOrUncordon(helper, node, true); err != nil {
		return fmt.Errorf("cordon node %s: %w", node.Name, err)
	}
	return nil
}

// EvictionVersion asks discovery which policy group version serves pod
// evictions. Discovery failures fall back to policy/v1.
func EvictionVersion(ctx context.Context, clientset kubernetes.Interface) schema.GroupVersion {
	lg := log.FromContext(ctx)
	gv, err := drain.CheckEvictionSupport(clientset)
	if err != nil {
		lg.Info("eviction discovery failed, assuming policy/v1", "error", err)
		return policyv1.SchemeGroupVersion
	}
	if gv.Empty() {
		lg.Info("server does not advertise pods/eviction, assuming policy/v1")
		return policyv1.SchemeGroupVersion
	}
	return gv
}
