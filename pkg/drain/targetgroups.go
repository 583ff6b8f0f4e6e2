package drain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbv2types "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
)

const TargetGroupSourceName = "target-groups"

// ELBv2API is the subset of the load balancer client the target group source uses.
type ELBv2API interface {
	DescribeTargetGroups(ctx context.Context, in *elbv2.DescribeTargetGroupsInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetGroupsOutput, error)
	DescribeTargetHealth(ctx context.Context, in *elbv2.DescribeTargetHealthInput, optFns ...func(*elbv2.Options)) (*elbv2.DescribeTargetHealthOutput, error)
	DeregisterTargets(ctx context.Context, in *elbv2.DeregisterTargetsInput, optFns ...func(*elbv2.Options)) (*elbv2.DeregisterTargetsOutput, error)
}

// TargetGroupMembership is an instance registered in one target group. The
// instance may be registered on several ports; all of them are tracked together.
type TargetGroupMembership struct {
	TargetGroupARN  string
	TargetGroupName string
	InstanceID      string
	Targets         []elbv2types.TargetDescription
	// State is the raw state reported by the load balancer.
	State elbv2types.TargetHealthStateEnum
}

func (t *TargetGroupMembership) ID() string       { return t.TargetGroupARN }
func (t *TargetGroupMembership) Identity() string { return t.InstanceID }
func (t *TargetGroupMembership) Health() Health   { return healthFromState(t.State) }

func (t *TargetGroupMembership) Actionable() bool {
	h := t.Health()
	return h == HealthHealthy || h == HealthDraining
}

func healthFromState(s elbv2types.TargetHealthStateEnum) Health {
	switch s {
	case elbv2types.TargetHealthStateEnumHealthy:
		return HealthHealthy
	case elbv2types.TargetHealthStateEnumDraining:
		return HealthDraining
	case elbv2types.TargetHealthStateEnumUnhealthy, elbv2types.TargetHealthStateEnumUnhealthyDraining:
		return HealthUnhealthy
	}
	return HealthUnknown
}

// TargetGroupSource deregisters an instance from every target group routing to it.
type TargetGroupSource struct {
	Client ELBv2API
}

var (
	_ Source = (*TargetGroupSource)(nil)
	_ Waiter = (*TargetGroupSource)(nil)
)

func (s *TargetGroupSource) Name() string { return TargetGroupSourceName }

func (s *TargetGroupSource) Resolve(ctx context.Context, instanceID string) ([]Membership, error) {
	var out []Membership
	pages := elbv2.NewDescribeTargetGroupsPaginator(s.Client, &elbv2.DescribeTargetGroupsInput{})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe target groups: %w", err)
		}
		for _, tg := range page.TargetGroups {
			m, err := s.membership(ctx, tg, instanceID)
			if err != nil {
				return nil, err
			}
			if m != nil {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func (s *TargetGroupSource) membership(ctx context.Context, tg elbv2types.TargetGroup, instanceID string) (*TargetGroupMembership, error) {
	arn := aws.ToString(tg.TargetGroupArn)
	th, err := s.Client.DescribeTargetHealth(ctx, &elbv2.DescribeTargetHealthInput{TargetGroupArn: tg.TargetGroupArn})
	if err != nil {
		var gone *elbv2types.TargetGroupNotFoundException
		if errors.As(err, &gone) {
			return nil, nil
		}
		return nil, fmt.Errorf("describe target health of %s: %w", arn, err)
	}

	var m *TargetGroupMembership
	for _, d := range th.TargetHealthDescriptions {
		if d.Target == nil || aws.ToString(d.Target.Id) != instanceID {
			continue
		}
		state := elbv2types.TargetHealthStateEnum("")
		if d.TargetHealth != nil {
			state = d.TargetHealth.State
		}
		if m == nil {
			m = &TargetGroupMembership{
				TargetGroupARN:  arn,
				TargetGroupName: aws.ToString(tg.TargetGroupName),
				InstanceID:      instanceID,
				State:           state,
			}
		}
		if !actionableState(state) {
			continue
		}
		if !actionableState(m.State) {
			m.State = state
		}
		m.Targets = append(m.Targets, *d.Target)
	}
	return m, nil
}

func actionableState(s elbv2types.TargetHealthStateEnum) bool {
	h := healthFromState(s)
	return h == HealthHealthy || h == HealthDraining
}

// Remove deregisters the instance. There is no budget concept here so every
// failure is fatal; waiting is left to convergence.
func (s *TargetGroupSource) Remove(ctx context.Context, m Membership) RemovalOutcome {
	tg, ok := m.(*TargetGroupMembership)
	if !ok {
		return FatalRejection(fmt.Errorf("%w: %T", ErrWrongMembership, m))
	}
	_, err := s.Client.DeregisterTargets(ctx, &elbv2.DeregisterTargetsInput{
		TargetGroupArn: aws.String(tg.TargetGroupARN),
		Targets:        tg.targets(),
	})
	if err == nil || notRegistered(err) {
		return Accepted()
	}
	return FatalRejection(err)
}

func (s *TargetGroupSource) Check(ctx context.Context, m Membership) (State, error) {
	tg, ok := m.(*TargetGroupMembership)
	if !ok {
		return StatePresent, fmt.Errorf("%w: %T", ErrWrongMembership, m)
	}
	out, err := s.Client.DescribeTargetHealth(ctx, &elbv2.DescribeTargetHealthInput{
		TargetGroupArn: aws.String(tg.TargetGroupARN),
		Targets:        tg.targets(),
	})
	if err != nil {
		if notRegistered(err) {
			return StateAbsent, nil
		}
		return StatePresent, err
	}
	for _, d := range out.TargetHealthDescriptions {
		if d.TargetHealth == nil {
			continue
		}
		if d.TargetHealth.State != elbv2types.TargetHealthStateEnumUnused {
			return StatePresent, nil
		}
	}
	return StateAbsent, nil
}

// ErrWaitTimeout is returned by WaitUntilRemoved when the budget runs out.
var ErrWaitTimeout = errors.New("timed out waiting for removal")

// WaitUntilRemoved uses the SDK's TargetDeregistered waiter with a fixed delay.
func (s *TargetGroupSource) WaitUntilRemoved(ctx context.Context, m Membership, interval time.Duration, maxAttempts int) error {
	tg, ok := m.(*TargetGroupMembership)
	if !ok {
		return fmt.Errorf("%w: %T", ErrWrongMembership, m)
	}
	maxWait := interval * time.Duration(maxAttempts)
	if maxAttempts <= 0 {
		dl, ok := ctx.Deadline()
		if !ok {
			return fmt.Errorf("%w: native wait needs max attempts or a deadline", ErrInvalidConfig)
		}
		maxWait = time.Until(dl)
	}
	w := elbv2.NewTargetDeregisteredWaiter(s.Client, func(o *elbv2.TargetDeregisteredWaiterOptions) {
		o.MinDelay = interval
		o.MaxDelay = interval
	})
	err := w.Wait(ctx, &elbv2.DescribeTargetHealthInput{
		TargetGroupArn: aws.String(tg.TargetGroupARN),
		Targets:        tg.targets(),
	}, maxWait)
	if err != nil && strings.Contains(err.Error(), "exceeded max wait time") {
		return fmt.Errorf("%w: %s: %v", ErrWaitTimeout, tg.TargetGroupARN, err)
	}
	return err
}

func (t *TargetGroupMembership) targets() []elbv2types.TargetDescription {
	if len(t.Targets) > 0 {
		return t.Targets
	}
	return []elbv2types.TargetDescription{{Id: aws.String(t.InstanceID)}}
}

func notRegistered(err error) bool {
	var invalid *elbv2types.InvalidTargetException
	return errors.As(err, &invalid)
}
