package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/myorg/nodedrainer/api/v1alpha1"
	"github.com/myorg/nodedrainer/pkg/drain"
	"github.com/myorg/nodedrainer/pkg/k8s"
	"github.com/myorg/nodedrainer/pkg/provider"
	"github.com/myorg/nodedrainer/pkg/queue"
)

type EC2API interface {
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

type AutoScalingAPI interface {
	CompleteLifecycleAction(ctx context.Context, in *autoscaling.CompleteLifecycleActionInput, optFns ...func(*autoscaling.Options)) (*autoscaling.CompleteLifecycleActionOutput, error)
	RecordLifecycleActionHeartbeat(ctx context.Context, in *autoscaling.RecordLifecycleActionHeartbeatInput, optFns ...func(*autoscaling.Options)) (*autoscaling.RecordLifecycleActionHeartbeatOutput, error)
}

type CloudFormationAPI interface {
	SignalResource(ctx context.Context, in *cloudformation.SignalResourceInput, optFns ...func(*cloudformation.Options)) (*cloudformation.SignalResourceOutput, error)
}

var ErrInstanceNotFound = errors.New("instance not found")

// Provider talks to AWS for one region. Gateway calls are retried; lookups
// are not.
type Provider struct {
	ec2 EC2API
	asg AutoScalingAPI
	cfn CloudFormationAPI

	elb *elbv2.Client
	eks *eks.Client
	s3  *s3.Client
	sqs *sqs.Client
	sts *sts.PresignClient

	region        string
	retryAttempts uint
	retryDelay    time.Duration
}

var _ provider.Provider = (*Provider)(nil)

func New(cfg aws.Config, region string) *Provider {
	return &Provider{
		ec2:           ec2.NewFromConfig(cfg, func(o *ec2.Options) { o.Region = region }),
		asg:           autoscaling.NewFromConfig(cfg, func(o *autoscaling.Options) { o.Region = region }),
		cfn:           cloudformation.NewFromConfig(cfg, func(o *cloudformation.Options) { o.Region = region }),
		elb:           elbv2.NewFromConfig(cfg, func(o *elbv2.Options) { o.Region = region }),
		eks:           eks.NewFromConfig(cfg, func(o *eks.Options) { o.Region = region }),
		s3:            s3.NewFromConfig(cfg, func(o *s3.Options) { o.Region = region }),
		sqs:           sqs.NewFromConfig(cfg, func(o *sqs.Options) { o.Region = region }),
		sts:           sts.NewPresignClient(sts.NewFromConfig(cfg, func(o *sts.Options) { o.Region = region })),
		region:        region,
		retryAttempts: 3,
		retryDelay:    time.Second,
	}
}

func (p *Provider) Region() string { return p.region }

// LoadBalancers is the client behind the target group drain source.
func (p *Provider) LoadBalancers() drain.ELBv2API { return p.elb }

func (p *Provider) Queue(url string, waitTime, visibilityTimeout time.Duration) queue.Queue {
	return queue.NewSQSQueue(&queue.SQSConfig{
		QueueURL:          url,
		Client:            p.sqs,
		WaitTime:          waitTime,
		VisibilityTimeout: visibilityTimeout,
	})
}

// Kubeconfig returns a loader wired to this region's S3, EKS and STS clients.
func (p *Provider) Kubeconfig(path, bucket, key, cluster, cachePath string) *k8s.KubeconfigLoader {
	return &k8s.KubeconfigLoader{
		Path:        path,
		S3:          p.s3,
		Bucket:      bucket,
		Key:         key,
		EKS:         p.eks,
		Presigner:   p.sts,
		ClusterName: cluster,
		CachePath:   cachePath,
	}
}

// NodeName returns the instance's private DNS name, which is the node name
// EKS nodes register with.
func (p *Provider) NodeName(ctx context.Context, instanceID string) (string, error) {
	out, err := p.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return "", fmt.Errorf("DescribeInstances %s: %w", instanceID, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) != instanceID {
				continue
			}
			name := aws.ToString(inst.PrivateDnsName)
			if name == "" {
				return "", fmt.Errorf("instance %s has no private DNS name", instanceID)
			}
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
}

func (p *Provider) RecordHeartbeat(ctx context.Context, ref provider.LifecycleRef) error {
	return p.retry(ctx, "RecordLifecycleActionHeartbeat", func() error {
		_, err := p.asg.RecordLifecycleActionHeartbeat(ctx, &autoscaling.RecordLifecycleActionHeartbeatInput{
			AutoScalingGroupName: aws.String(ref.AutoScalingGroupName),
			LifecycleHookName:    aws.String(ref.LifecycleHookName),
			InstanceId:           aws.String(ref.InstanceID),
			LifecycleActionToken: optional(ref.LifecycleActionToken),
		})
		return err
	})
}

func (p *Provider) CompleteLifecycleAction(ctx context.Context, ref provider.LifecycleRef, result v1alpha1.LifecycleResult) error {
	return p.retry(ctx, "CompleteLifecycleAction", func() error {
		_, err := p.asg.CompleteLifecycleAction(ctx, &autoscaling.CompleteLifecycleActionInput{
			AutoScalingGroupName:  aws.String(ref.AutoScalingGroupName),
			LifecycleHookName:     aws.String(ref.LifecycleHookName),
			InstanceId:            aws.String(ref.InstanceID),
			LifecycleActionToken:  optional(ref.LifecycleActionToken),
			LifecycleActionResult: aws.String(string(result)),
		})
		return err
	})
}

func (p *Provider) SignalResource(ctx context.Context, sig v1alpha1.StackSignal, status v1alpha1.SignalStatus) error {
	return p.retry(ctx, "SignalResource", func() error {
		_, err := p.cfn.SignalResource(ctx, &cloudformation.SignalResourceInput{
			StackName:         aws.String(sig.StackName),
			LogicalResourceId: aws.String(sig.LogicalResourceID),
			UniqueId:          aws.String(sig.UniqueID),
			Status:            cfntypes.ResourceSignalStatus(status),
		})
		return err
	})
}

func (p *Provider) retry(ctx context.Context, op string, fn func() error) error {
	lg := log.FromContext(ctx).WithValues("operation", op)
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(p.retryAttempts),
		retry.Delay(p.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(transient),
		retry.OnRetry(func(attempt uint, err error) {
			lg.Info("aws call failed, retrying", "attempt", attempt+1, "error", err)
		}),
	)
}

// transient reports whether a failed call may succeed when repeated. A
// validation error (e.g. no active lifecycle action for the token) never will.
func transient(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ValidationError", "AccessDenied", "AccessDeniedException":
			return false
		}
	}
	return true
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}
