package v1alpha1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	TransitionLaunching   = "autoscaling:EC2_INSTANCE_LAUNCHING"
	TransitionTerminating = "autoscaling:EC2_INSTANCE_TERMINATING"
	TestNotification      = "autoscaling:TEST_NOTIFICATION"
)

// +kubebuilder:validation:Enum=CONTINUE;ABANDON
type LifecycleResult string

const (
	LifecycleContinue LifecycleResult = "CONTINUE"
	LifecycleAbandon  LifecycleResult = "ABANDON"
)

// +kubebuilder:validation:Enum=SUCCESS;FAILURE
type SignalStatus string

const (
	SignalSuccess SignalStatus = "SUCCESS"
	SignalFailure SignalStatus = "FAILURE"
)

// SignalFor maps a lifecycle result to the matching stack signal status.
func SignalFor(r LifecycleResult) SignalStatus {
	if r == LifecycleContinue {
		return SignalSuccess
	}
	return SignalFailure
}

// LifecycleAction is the body of an autoscaling lifecycle hook notification,
// either delivered directly (SQS target) or as the detail of an EventBridge event.
type LifecycleAction struct {
	AutoScalingGroupName string `json:"AutoScalingGroupName"`
	LifecycleHookName    string `json:"LifecycleHookName"`
	LifecycleActionToken string `json:"LifecycleActionToken,omitempty"`
	InstanceID           string `json:"EC2InstanceId"`
	Transition           string `json:"LifecycleTransition"`
	// +optional
	NotificationMetadata string `json:"NotificationMetadata,omitempty"`
	// set only on test notifications
	// +optional
	Event string `json:"Event,omitempty"`
}

// LifecycleEvent is the EventBridge envelope around a LifecycleAction.
type LifecycleEvent struct {
	ID         string          `json:"id,omitempty"`
	DetailType string          `json:"detail-type,omitempty"`
	Source     string          `json:"source,omitempty"`
	Region     string          `json:"region,omitempty"`
	Detail     LifecycleAction `json:"detail"`
}

// StackSignal identifies the CloudFormation resource waiting on this instance.
type StackSignal struct {
	StackName         string `json:"stackName"`
	LogicalResourceID string `json:"logicalResourceId"`
	// +optional
	UniqueID string `json:"uniqueId,omitempty"`
}

func (s *StackSignal) Empty() bool {
	return s == nil || s.StackName == "" || s.LogicalResourceID == ""
}

// ParseLifecycleAction decodes either an EventBridge envelope or a bare
// lifecycle hook notification.
func ParseLifecycleAction(data []byte) (*LifecycleAction, error) {
	var probe struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode lifecycle notification: %w", err)
	}
	body := data
	if len(probe.Detail) > 0 && string(probe.Detail) != "null" {
		body = probe.Detail
	}
	action := &LifecycleAction{}
	if err := json.Unmarshal(body, action); err != nil {
		return nil, fmt.Errorf("decode lifecycle action: %w", err)
	}
	if action.IsTestNotification() {
		return action, nil
	}
	if action.InstanceID == "" {
		return nil, errors.New("lifecycle action has no EC2InstanceId")
	}
	return action, nil
}

func (a *LifecycleAction) IsTestNotification() bool {
	return a.Event == TestNotification
}

func (a *LifecycleAction) Terminating() bool {
	return a.Transition == TransitionTerminating
}

// StackSignal reads stackName/logicalResourceId from NotificationMetadata when
// it carries a JSON object. The unique id is always the instance id.
func (a *LifecycleAction) StackSignal() *StackSignal {
	md := strings.TrimSpace(a.NotificationMetadata)
	if !strings.HasPrefix(md, "{") {
		return nil
	}
	sig := &StackSignal{}
	if err := json.Unmarshal([]byte(md), sig); err != nil || sig.Empty() {
		return nil
	}
	sig.UniqueID = a.InstanceID
	return sig
}

func (a *LifecycleAction) String() string {
	return fmt.Sprintf("%s/%s/%s", a.AutoScalingGroupName, a.LifecycleHookName, a.InstanceID)
}
