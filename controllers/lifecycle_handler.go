package controllers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/myorg/nodedrainer/api/v1alpha1"
	"github.com/myorg/nodedrainer/pkg/config"
	"github.com/myorg/nodedrainer/pkg/drain"
	"github.com/myorg/nodedrainer/pkg/k8s"
	"github.com/myorg/nodedrainer/pkg/metrics"
	"github.com/myorg/nodedrainer/pkg/provider"
)

// ErrLeaseHeld means another process is draining the node. Nothing was
// completed; the notification should be redelivered later.
var ErrLeaseHeld = errors.New("node drain lease is held by another process")

type EventHandler interface {
	Handle(ctx context.Context, action *v1alpha1.LifecycleAction) (*v1alpha1.HandleReport, error)
}

// LifecycleHandler drains the instance named by one lifecycle notification
// and reports the outcome to the lifecycle hook and, if configured, the
// CloudFormation stack.
type LifecycleHandler struct {
	Provider provider.Provider
	// Kube is required when pod draining is enabled.
	Kube *k8s.Clients
	// LoadBalancers is required when target group draining is enabled.
	LoadBalancers drain.ELBv2API

	Config  *config.Config
	Metrics *metrics.Collector
	// Holder identifies this process in drain leases.
	Holder string
}

var _ EventHandler = (*LifecycleHandler)(nil)

// +kubebuilder:rbac:groups="",resources=nodes,verbs=get;list;patch;update
// +kubebuilder:rbac:groups="",resources=pods,verbs=get;list
// +kubebuilder:rbac:groups="",resources=pods/eviction,verbs=create
// +kubebuilder:rbac:groups=coordination.k8s.io,resources=leases,verbs=get;create;update;delete

func (h *LifecycleHandler) Handle(ctx context.Context, action *v1alpha1.LifecycleAction) (*v1alpha1.HandleReport, error) {
	report := &v1alpha1.HandleReport{Action: *action}
	if action.IsTestNotification() {
		h.Metrics.EventReceived("test")
		report.Ignored = true
		report.Note = "test notification"
		return report, nil
	}
	if !action.Terminating() {
		h.Metrics.EventReceived("ignored")
		report.Ignored = true
		report.Note = fmt.Sprintf("transition %q is not drained", action.Transition)
		return report, nil
	}
	h.Metrics.EventReceived("terminating")

	lg := log.FromContext(ctx).WithValues("instance", action.InstanceID,
		"autoScalingGroup", action.AutoScalingGroupName, "hook", action.LifecycleHookName)
	ctx = log.IntoContext(ctx, lg)
	ref := provider.RefFor(action)

	stopHeartbeat := h.startHeartbeat(ctx, ref)
	result, err := h.drain(ctx, action, report)
	stopHeartbeat()
	if err != nil {
		return report, err
	}
	report.Result = result

	lg.Info("completing lifecycle action", "result", result)
	if err := h.Provider.CompleteLifecycleAction(ctx, ref, result); err != nil {
		return report, fmt.Errorf("complete lifecycle action %s: %w", action, err)
	}
	h.Metrics.LifecycleCompleted(string(result))

	if sig := h.stackSignal(action); sig != nil {
		status := v1alpha1.SignalFor(result)
		lg.Info("signalling stack", "stack", sig.StackName, "resource", sig.LogicalResourceID, "status", status)
		if err := h.Provider.SignalResource(ctx, *sig, status); err != nil {
			return report, fmt.Errorf("signal stack %s: %w", sig.StackName, err)
		}
	}
	return report, nil
}

// drain runs every enabled drain flow and decides the lifecycle result. It
// only returns an error when the lifecycle action must be left pending.
func (h *LifecycleHandler) drain(ctx context.Context, action *v1alpha1.LifecycleAction, report *v1alpha1.HandleReport) (v1alpha1.LifecycleResult, error) {
	lg := log.FromContext(ctx)
	result := v1alpha1.LifecycleContinue

	var node *nodeDrain
	if h.Config.Pods.Enabled {
		var err error
		node, err = h.prepareNode(ctx, action.InstanceID)
		if err != nil {
			return "", err
		}
		if node.release != nil {
			defer node.release()
		}
		report.NodeName = node.name
		if node.abandon != "" {
			lg.Info("abandoning lifecycle action", "reason", node.abandon)
			report.Note = node.abandon
			result = v1alpha1.LifecycleAbandon
		}
	}

	if h.Config.TargetGroups.Enabled {
		o, err := drain.NewOrchestrator(&drain.TargetGroupSource{Client: h.LoadBalancers}, h.Config.TargetGroupBudget(), h.Metrics)
		if err != nil {
			return "", err
		}
		out := o.Drain(ctx, action.InstanceID)
		report.Drains = append(report.Drains, out.Report())
		if !out.Succeeded() {
			result = v1alpha1.LifecycleAbandon
		}
	}

	if node != nil && node.abandon == "" {
		out, err := h.drainPods(ctx, node)
		if err != nil {
			lg.Error(err, "cannot drain node", "node", node.name)
			report.Note = err.Error()
			return v1alpha1.LifecycleAbandon, nil
		}
		report.Drains = append(report.Drains, out.Report())
		if !out.Succeeded() {
			result = v1alpha1.LifecycleAbandon
		}
	}
	return result, nil
}

type nodeDrain struct {
	name string
	// abandon is set when the node cannot be drained at all.
	abandon string
	release func()
}

// prepareNode maps the instance to its node and takes the node's drain lease.
func (h *LifecycleHandler) prepareNode(ctx context.Context, instanceID string) (*nodeDrain, error) {
	lg := log.FromContext(ctx)

	name, err := h.Provider.NodeName(ctx, instanceID)
	if err != nil {
		return &nodeDrain{abandon: fmt.Sprintf("cannot resolve node name: %v", err)}, nil
	}
	nd := &nodeDrain{name: name}

	n, err := k8s.GetNode(ctx, h.Kube.Client, name)
	if err != nil {
		nd.abandon = fmt.Sprintf("cannot read node %s: %v", name, err)
		return nd, nil
	}
	if n == nil {
		nd.abandon = fmt.Sprintf("node %s is not registered in the cluster", name)
		return nd, nil
	}
	if !k8s.IsNodeReady(n) {
		lg.Info("node is not ready, draining anyway", "node", name)
	}

	lock := &k8s.LeaseLock{Client: h.Kube.Client, Namespace: h.Config.Kubernetes.LeaseNamespace, TTL: h.Config.Kubernetes.LeaseTTL}
	ok, err := lock.Acquire(ctx, h.Holder, name)
	if err != nil {
		return nil, fmt.Errorf("acquire drain lease for %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, name)
	}
	nd.release = func() {
		// the handler context may already be cancelled
		if err := lock.Release(context.Background(), h.Holder, name); err != nil {
			lg.Error(err, "cannot release drain lease", "node", name)
		}
	}
	return nd, nil
}

func (h *LifecycleHandler) drainPods(ctx context.Context, nd *nodeDrain) (*drain.Outcome, error) {
	n, err := k8s.GetNode(ctx, h.Kube.Client, nd.name)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("node %s disappeared before cordoning", nd.name)
	}
	if err := k8s.Cordon(ctx, h.Kube.Clientset, n); err != nil {
		return nil, err
	}

	src := &drain.PodSource{
		Client:             h.Kube.Clientset,
		EvictionVersion:    k8s.EvictionVersion(ctx, h.Kube.Clientset),
		GracePeriodSeconds: h.Config.GracePeriod(),
	}
	o, err := drain.NewOrchestrator(src, h.Config.PodBudget(), h.Metrics)
	if err != nil {
		return nil, err
	}
	return o.Drain(ctx, nd.name), nil
}

func (h *LifecycleHandler) stackSignal(action *v1alpha1.LifecycleAction) *v1alpha1.StackSignal {
	if sig := action.StackSignal(); sig != nil {
		return sig
	}
	if h.Config.Stack.Name == "" {
		return nil
	}
	return &v1alpha1.StackSignal{
		StackName:         h.Config.Stack.Name,
		LogicalResourceID: h.Config.Stack.LogicalResourceID,
		UniqueID:          action.InstanceID,
	}
}

// startHeartbeat keeps the lifecycle action alive while draining. The
// returned func stops the loop and waits for it to exit.
func (h *LifecycleHandler) startHeartbeat(ctx context.Context, ref provider.LifecycleRef) func() {
	interval := h.Config.Lifecycle.HeartbeatInterval
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lg := log.FromContext(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := h.Provider.RecordHeartbeat(ctx, ref); err != nil && ctx.Err() == nil {
					lg.Error(err, "lifecycle heartbeat failed")
					continue
				}
				lg.V(1).Info("lifecycle heartbeat recorded")
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
