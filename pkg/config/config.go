package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/myorg/nodedrainer/pkg/drain"
)

const EnvPrefix = "NODEDRAINER"

type Config struct {
	Region       string             `mapstructure:"region"`
	Kubernetes   KubernetesConfig   `mapstructure:"kubernetes"`
	Pods         PodsConfig         `mapstructure:"pods"`
	TargetGroups TargetGroupsConfig `mapstructure:"target-groups"`
	Lifecycle    LifecycleConfig    `mapstructure:"lifecycle"`
	Stack        StackConfig        `mapstructure:"stack"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

type KubernetesConfig struct {
	// Kubeconfig is an explicit kubeconfig file. When empty the kubeconfig is
	// downloaded from S3, generated from the EKS cluster, or taken from the
	// in-cluster environment, in that order.
	Kubeconfig  string `mapstructure:"kubeconfig"`
	Bucket      string `mapstructure:"bucket"`
	Key         string `mapstructure:"key"`
	ClusterName string `mapstructure:"cluster-name"`
	CachePath   string `mapstructure:"cache-path"`

	LeaseNamespace string        `mapstructure:"lease-namespace"`
	LeaseTTL       time.Duration `mapstructure:"lease-ttl"`
}

type PodsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll-interval"`
	// Timeout bounds pod convergence and has no default.
	Timeout time.Duration `mapstructure:"timeout"`
	// GracePeriodSeconds overrides pod grace periods; negative keeps the pod's own.
	GracePeriodSeconds int64 `mapstructure:"grace-period-seconds"`
}

type TargetGroupsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll-interval"`
	MaxAttempts  int           `mapstructure:"max-attempts"`
	NativeWait   bool          `mapstructure:"native-wait"`
}

type LifecycleConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat-interval"`
}

// StackConfig names the CloudFormation resource to signal when the lifecycle
// notification metadata does not.
type StackConfig struct {
	Name              string `mapstructure:"name"`
	LogicalResourceID string `mapstructure:"logical-resource-id"`
}

type QueueConfig struct {
	URL               string        `mapstructure:"url"`
	WaitTime          time.Duration `mapstructure:"wait-time"`
	VisibilityTimeout time.Duration `mapstructure:"visibility-timeout"`
	RetryDelay        time.Duration `mapstructure:"retry-delay"`
	MaxMessages       int32         `mapstructure:"max-messages"`
}

type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

var ErrInvalid = errors.New("invalid configuration")

// SetDefaults registers every key with viper so environment variables are
// honoured by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("region", "")
	v.SetDefault("kubernetes.kubeconfig", "")
	v.SetDefault("kubernetes.bucket", "")
	v.SetDefault("kubernetes.key", "")
	v.SetDefault("kubernetes.cluster-name", "")
	v.SetDefault("kubernetes.cache-path", "/tmp/nodedrainer/kubeconfig")
	v.SetDefault("kubernetes.lease-namespace", "kube-system")
	v.SetDefault("kubernetes.lease-ttl", 30*time.Minute)
	v.SetDefault("pods.enabled", true)
	v.SetDefault("pods.poll-interval", drain.DefaultPodPollInterval)
	v.SetDefault("pods.timeout", time.Duration(0))
	v.SetDefault("pods.grace-period-seconds", int64(-1))
	v.SetDefault("target-groups.enabled", false)
	v.SetDefault("target-groups.poll-interval", drain.DefaultTargetGroupPollInterval)
	v.SetDefault("target-groups.max-attempts", drain.DefaultTargetGroupMaxAttempts)
	v.SetDefault("target-groups.native-wait", true)
	v.SetDefault("lifecycle.heartbeat-interval", time.Minute)
	v.SetDefault("stack.name", "")
	v.SetDefault("stack.logical-resource-id", "")
	v.SetDefault("queue.url", "")
	v.SetDefault("queue.wait-time", 20*time.Second)
	v.SetDefault("queue.visibility-timeout", 15*time.Minute)
	v.SetDefault("queue.retry-delay", 30*time.Second)
	v.SetDefault("queue.max-messages", int32(1))
	v.SetDefault("metrics.address", ":9090")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// the SDK's own region variable works too
	_ = v.BindEnv("region", EnvPrefix+"_REGION", "AWS_REGION")
}

func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Region == "" {
		return fmt.Errorf("%w: region is required", ErrInvalid)
	}
	if !c.Pods.Enabled && !c.TargetGroups.Enabled {
		return fmt.Errorf("%w: neither pod nor target group draining is enabled", ErrInvalid)
	}
	if c.Pods.Enabled {
		if c.Pods.Timeout <= 0 {
			return fmt.Errorf("%w: pods.timeout is required when pod draining is enabled", ErrInvalid)
		}
		budget := c.PodBudget()
		if err := budget.CheckAndSetDefaults(); err != nil {
			return err
		}
	}
	if c.TargetGroups.Enabled {
		budget := c.TargetGroupBudget()
		if err := budget.CheckAndSetDefaults(); err != nil {
			return err
		}
	}
	if (c.Kubernetes.Bucket == "") != (c.Kubernetes.Key == "") {
		return fmt.Errorf("%w: kubernetes.bucket and kubernetes.key go together", ErrInvalid)
	}
	if (c.Stack.Name == "") != (c.Stack.LogicalResourceID == "") {
		return fmt.Errorf("%w: stack.name and stack.logical-resource-id go together", ErrInvalid)
	}
	if c.Lifecycle.HeartbeatInterval < 0 {
		return fmt.Errorf("%w: negative heartbeat interval", ErrInvalid)
	}
	if c.Queue.MaxMessages <= 0 || c.Queue.MaxMessages > 10 {
		c.Queue.MaxMessages = 1
	}
	return nil
}

func (c *Config) PodBudget() drain.Budget {
	return drain.Budget{Interval: c.Pods.PollInterval, Timeout: c.Pods.Timeout}
}

func (c *Config) TargetGroupBudget() drain.Budget {
	return drain.Budget{
		Interval:    c.TargetGroups.PollInterval,
		MaxAttempts: c.TargetGroups.MaxAttempts,
		NativeWait:  c.TargetGroups.NativeWait,
	}
}

// GracePeriod returns the eviction grace period override, or nil to keep the
// pod's own.
func (c *Config) GracePeriod() *int64 {
	if c.Pods.GracePeriodSeconds < 0 {
		return nil
	}
	v := c.Pods.GracePeriodSeconds
	return &v
}
