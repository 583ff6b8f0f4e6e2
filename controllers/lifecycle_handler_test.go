package controllers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbv2types "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/stretchr/testify/require"
	coordv1 "k8s.io/api/coordination/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	"sigs.k8s.io/controller-runtime/pkg/client"
	crfake "sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/myorg/nodedrainer/api/v1alpha1"
	"github.com/myorg/nodedrainer/pkg/config"
	"github.com/myorg/nodedrainer/pkg/k8s"
	"github.com/myorg/nodedrainer/pkg/provider"
	"github.com/myorg/nodedrainer/pkg/util"
)

const (
	testInstance = "i-0abc"
	testNode     = "ip-10-0-0-1.ec2.internal"
)

type completion struct {
	ref    provider.LifecycleRef
	result v1alpha1.LifecycleResult
}

type signal struct {
	sig    v1alpha1.StackSignal
	status v1alpha1.SignalStatus
}

type fakeProvider struct {
	mu sync.Mutex

	nodes       map[string]string
	completeErr error

	completes  []completion
	signals    []signal
	heartbeats int
}

func (f *fakeProvider) NodeName(_ context.Context, instanceID string) (string, error) {
	if name, ok := f.nodes[instanceID]; ok {
		return name, nil
	}
	return "", errors.New("instance not found")
}

func (f *fakeProvider) RecordHeartbeat(_ context.Context, _ provider.LifecycleRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeProvider) CompleteLifecycleAction(_ context.Context, ref provider.LifecycleRef, result v1alpha1.LifecycleResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completes = append(f.completes, completion{ref: ref, result: result})
	return nil
}

func (f *fakeProvider) SignalResource(_ context.Context, sig v1alpha1.StackSignal, status v1alpha1.SignalStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, signal{sig: sig, status: status})
	return nil
}

func (f *fakeProvider) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

// fakeLoadBalancer routes one target group to the test instance until it is
// deregistered.
type fakeLoadBalancer struct {
	mu           sync.Mutex
	deregistered int
}

const testTargetGroup = "arn:aws:elasticloadbalancing:us-east-1:123456789012:targetgroup/web/1"

func (f *fakeLoadBalancer) DescribeTargetGroups(_ context.Context, _ *elbv2.DescribeTargetGroupsInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeTargetGroupsOutput, error) {
	return &elbv2.DescribeTargetGroupsOutput{TargetGroups: []elbv2types.TargetGroup{{
		TargetGroupArn:  aws.String(testTargetGroup),
		TargetGroupName: aws.String("web"),
	}}}, nil
}

func (f *fakeLoadBalancer) DescribeTargetHealth(_ context.Context, _ *elbv2.DescribeTargetHealthInput, _ ...func(*elbv2.Options)) (*elbv2.DescribeTargetHealthOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := elbv2types.TargetHealthStateEnumHealthy
	if f.deregistered > 0 {
		state = elbv2types.TargetHealthStateEnumUnused
	}
	return &elbv2.DescribeTargetHealthOutput{TargetHealthDescriptions: []elbv2types.TargetHealthDescription{{
		Target:       &elbv2types.TargetDescription{Id: aws.String(testInstance), Port: aws.Int32(80)},
		TargetHealth: &elbv2types.TargetHealth{State: state},
	}}}, nil
}

func (f *fakeLoadBalancer) DeregisterTargets(_ context.Context, _ *elbv2.DeregisterTargetsInput, _ ...func(*elbv2.Options)) (*elbv2.DeregisterTargetsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered++
	return &elbv2.DeregisterTargetsOutput{}, nil
}

func testConfig(pods, targetGroups bool) *config.Config {
	return &config.Config{
		Region: "us-east-1",
		Kubernetes: config.KubernetesConfig{
			LeaseNamespace: "kube-system",
			LeaseTTL:       time.Minute,
		},
		Pods: config.PodsConfig{
			Enabled:            pods,
			PollInterval:       5 * time.Millisecond,
			Timeout:            time.Second,
			GracePeriodSeconds: -1,
		},
		TargetGroups: config.TargetGroupsConfig{
			Enabled:      targetGroups,
			PollInterval: 5 * time.Millisecond,
			MaxAttempts:  10,
		},
	}
}

func terminating() *v1alpha1.LifecycleAction {
	return &v1alpha1.LifecycleAction{
		AutoScalingGroupName: "workers",
		LifecycleHookName:    "drain",
		LifecycleActionToken: "token-1",
		InstanceID:           testInstance,
		Transition:           v1alpha1.TransitionTerminating,
	}
}

func readyNode() *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: testNode},
		Status: corev1.NodeStatus{Conditions: []corev1.NodeCondition{
			{Type: corev1.NodeReady, Status: corev1.ConditionTrue},
		}},
	}
}

func podOn(name string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: name, UID: types.UID("uid-" + name)},
		Spec:       corev1.PodSpec{NodeName: testNode},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}
}

type testCluster struct {
	clientset *fake.Clientset
	client    client.Client
}

func newTestCluster(objs ...client.Object) *testCluster {
	runtimeObjs := make([]runtime.Object, 0, len(objs))
	var nodes []client.Object
	for _, o := range objs {
		runtimeObjs = append(runtimeObjs, o)
		if _, ok := o.(*corev1.Node); ok {
			nodes = append(nodes, o.DeepCopyObject().(client.Object))
		}
	}
	return &testCluster{
		clientset: fake.NewSimpleClientset(runtimeObjs...),
		client:    crfake.NewClientBuilder().WithObjects(nodes...).Build(),
	}
}

// evictPods deletes a pod on every eviction request.
func (c *testCluster) evictPods() {
	c.clientset.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if action.GetSubresource() != "eviction" {
			return false, nil, nil
		}
		ns := action.GetNamespace()
		name := action.(k8stesting.CreateAction).GetObject().(metav1.Object).GetName()
		gvr := corev1.SchemeGroupVersion.WithResource("pods")
		return true, nil, c.clientset.Tracker().Delete(gvr, ns, name)
	})
}

// blockEvictions denies every eviction as a disruption budget would.
func (c *testCluster) blockEvictions() {
	c.clientset.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if action.GetSubresource() != "eviction" {
			return false, nil, nil
		}
		return true, nil, apierrors.NewTooManyRequests("Cannot evict pod as it would violate the pod's disruption budget.", 1)
	})
}

// forbidEvictions refuses every eviction as missing RBAC would.
func (c *testCluster) forbidEvictions() {
	c.clientset.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if action.GetSubresource() != "eviction" {
			return false, nil, nil
		}
		name := action.(k8stesting.CreateAction).GetObject().(metav1.Object).GetName()
		return true, nil, apierrors.NewForbidden(corev1.Resource("pods/eviction"), name, errors.New("cannot create resource"))
	})
}

func newTestHandler(cfg *config.Config, prov *fakeProvider, cluster *testCluster) *LifecycleHandler {
	h := &LifecycleHandler{
		Provider:      prov,
		LoadBalancers: &fakeLoadBalancer{},
		Config:        cfg,
		Holder:        "test-holder",
	}
	if cluster != nil {
		h.Kube = &k8s.Clients{Clientset: cluster.clientset, Client: cluster.client}
	}
	return h
}

func TestHandleIgnoresTestNotifications(t *testing.T) {
	prov := &fakeProvider{}
	h := newTestHandler(testConfig(true, false), prov, nil)

	report, err := h.Handle(context.Background(), &v1alpha1.LifecycleAction{Event: v1alpha1.TestNotification})

	require.NoError(t, err)
	require.True(t, report.Ignored)
	require.Empty(t, prov.completes)
}

func TestHandleIgnoresLaunchingInstances(t *testing.T) {
	prov := &fakeProvider{}
	h := newTestHandler(testConfig(true, false), prov, nil)
	action := terminating()
	action.Transition = v1alpha1.TransitionLaunching

	report, err := h.Handle(context.Background(), action)

	require.NoError(t, err)
	require.True(t, report.Ignored)
	require.Contains(t, report.Note, "EC2_INSTANCE_LAUNCHING")
	require.Empty(t, prov.completes)
}

func TestHandleDrainsPodsAndContinues(t *testing.T) {
	prov := &fakeProvider{nodes: map[string]string{testInstance: testNode}}
	cluster := newTestCluster(readyNode(), podOn("web-1"), podOn("web-2"))
	cluster.evictPods()
	h := newTestHandler(testConfig(true, false), prov, cluster)
	action := terminating()
	action.NotificationMetadata = `{"stackName":"cluster","logicalResourceId":"Workers"}`

	report, err := h.Handle(context.Background(), action)

	require.NoError(t, err)
	require.Equal(t, v1alpha1.LifecycleContinue, report.Result)
	require.Equal(t, testNode, report.NodeName)
	require.Len(t, report.Drains, 1)
	require.Equal(t, v1alpha1.DrainPhaseDone, report.Drains[0].Phase)
	require.Len(t, report.Drains[0].Confirmed, 2)

	require.Len(t, prov.completes, 1)
	require.Equal(t, v1alpha1.LifecycleContinue, prov.completes[0].result)
	require.Equal(t, "token-1", prov.completes[0].ref.LifecycleActionToken)
	require.Len(t, prov.signals, 1)
	require.Equal(t, v1alpha1.SignalSuccess, prov.signals[0].status)
	require.Equal(t, v1alpha1.StackSignal{StackName: "cluster", LogicalResourceID: "Workers", UniqueID: testInstance}, prov.signals[0].sig)

	node, err := cluster.clientset.CoreV1().Nodes().Get(context.Background(), testNode, metav1.GetOptions{})
	require.NoError(t, err)
	require.True(t, node.Spec.Unschedulable)

	// the lease is released afterwards
	lease := &coordv1.Lease{}
	err = cluster.client.Get(context.Background(), client.ObjectKey{Namespace: "kube-system", Name: util.LeaseName(testNode)}, lease)
	require.True(t, apierrors.IsNotFound(err))
}

func TestHandleAbandonsWhenNodeIsMissing(t *testing.T) {
	prov := &fakeProvider{nodes: map[string]string{testInstance: testNode}}
	h := newTestHandler(testConfig(true, false), prov, newTestCluster())

	report, err := h.Handle(context.Background(), terminating())

	require.NoError(t, err)
	require.Equal(t, v1alpha1.LifecycleAbandon, report.Result)
	require.Contains(t, report.Note, "not registered")
	require.Empty(t, report.Drains)
	require.Len(t, prov.completes, 1)
	require.Equal(t, v1alpha1.LifecycleAbandon, prov.completes[0].result)
}

func TestHandleLeavesActionPendingWhileLeaseIsHeld(t *testing.T) {
	prov := &fakeProvider{nodes: map[string]string{testInstance: testNode}}
	cluster := newTestCluster(readyNode())
	now := metav1.NowMicro()
	other := "other-holder"
	ttl := int32(600)
	require.NoError(t, cluster.client.Create(context.Background(), &coordv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Namespace: "kube-system", Name: util.LeaseName(testNode)},
		Spec: coordv1.LeaseSpec{
			HolderIdentity:       &other,
			LeaseDurationSeconds: &ttl,
			AcquireTime:          &now,
			RenewTime:            &now,
		},
	}))
	h := newTestHandler(testConfig(true, true), prov, cluster)
	lb := h.LoadBalancers.(*fakeLoadBalancer)

	_, err := h.Handle(context.Background(), terminating())

	require.ErrorIs(t, err, ErrLeaseHeld)
	require.Empty(t, prov.completes)
	require.Empty(t, prov.signals)
	require.Zero(t, lb.deregistered)
}

func TestHandleAbandonsPartialDrain(t *testing.T) {
	prov := &fakeProvider{nodes: map[string]string{testInstance: testNode}}
	cluster := newTestCluster(readyNode(), podOn("guarded"))
	cluster.blockEvictions()
	cfg := testConfig(true, false)
	cfg.Pods.Timeout = 100 * time.Millisecond
	cfg.Lifecycle.HeartbeatInterval = 10 * time.Millisecond
	cfg.Stack = config.StackConfig{Name: "cluster", LogicalResourceID: "Workers"}
	h := newTestHandler(cfg, prov, cluster)

	report, err := h.Handle(context.Background(), terminating())

	require.NoError(t, err)
	require.Equal(t, v1alpha1.LifecycleAbandon, report.Result)
	require.Len(t, report.Drains, 1)
	require.Equal(t, v1alpha1.DrainPhasePartial, report.Drains[0].Phase)
	require.Len(t, report.Drains[0].Pending, 1)
	require.Len(t, prov.completes, 1)
	require.Equal(t, v1alpha1.LifecycleAbandon, prov.completes[0].result)
	require.Len(t, prov.signals, 1)
	require.Equal(t, v1alpha1.SignalFailure, prov.signals[0].status)
	require.Equal(t, testInstance, prov.signals[0].sig.UniqueID)
	require.NotZero(t, prov.heartbeatCount())
}

func TestHandleAbandonsWhenEvictionsAreRefused(t *testing.T) {
	prov := &fakeProvider{nodes: map[string]string{testInstance: testNode}}
	cluster := newTestCluster(readyNode(), podOn("web-1"), podOn("web-2"))
	cluster.forbidEvictions()
	h := newTestHandler(testConfig(true, false), prov, cluster)

	report, err := h.Handle(context.Background(), terminating())

	require.NoError(t, err)
	require.Equal(t, v1alpha1.LifecycleAbandon, report.Result)
	require.Len(t, report.Drains, 1)
	require.Equal(t, v1alpha1.DrainPhaseDone, report.Drains[0].Phase)
	require.Len(t, report.Drains[0].Rejected, 2)
	require.Len(t, prov.completes, 1)
	require.Equal(t, v1alpha1.LifecycleAbandon, prov.completes[0].result)

	pods, err := cluster.clientset.CoreV1().Pods("default").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, pods.Items, 2)
}

func TestHandleTargetGroupsOnly(t *testing.T) {
	prov := &fakeProvider{}
	h := newTestHandler(testConfig(false, true), prov, nil)
	lb := h.LoadBalancers.(*fakeLoadBalancer)

	report, err := h.Handle(context.Background(), terminating())

	require.NoError(t, err)
	require.Equal(t, v1alpha1.LifecycleContinue, report.Result)
	require.Empty(t, report.NodeName)
	require.Len(t, report.Drains, 1)
	require.Equal(t, "target-groups", report.Drains[0].Source)
	require.Equal(t, v1alpha1.DrainPhaseDone, report.Drains[0].Phase)
	require.Equal(t, 1, lb.deregistered)
	require.Len(t, prov.completes, 1)
	require.Empty(t, prov.signals)
}

func TestHandleReportsCompletionFailure(t *testing.T) {
	prov := &fakeProvider{completeErr: errors.New("throttled")}
	h := newTestHandler(testConfig(false, true), prov, nil)
	h.Config.Stack = config.StackConfig{Name: "cluster", LogicalResourceID: "Workers"}

	report, err := h.Handle(context.Background(), terminating())

	require.ErrorContains(t, err, "throttled")
	require.Equal(t, v1alpha1.LifecycleContinue, report.Result)
	require.Empty(t, prov.signals)
}
