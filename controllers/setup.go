package controllers

import (
	"context"
	"fmt"

	"github.com/myorg/nodedrainer/pkg/config"
	"github.com/myorg/nodedrainer/pkg/k8s"
	"github.com/myorg/nodedrainer/pkg/metrics"
)

// NewLifecycleHandler wires a handler from configuration: the region's AWS
// provider, and cluster clients when pods are drained.
func NewLifecycleHandler(ctx context.Context, pf *ProviderFactory, cfg *config.Config, m *metrics.Collector, holder string) (*LifecycleHandler, error) {
	prov, err := pf.Get(ctx, cfg.Region)
	if err != nil {
		return nil, fmt.Errorf("provider init: %w", err)
	}
	h := &LifecycleHandler{
		Provider: prov,
		Config:   cfg,
		Metrics:  m,
		Holder:   holder,
	}
	if cfg.TargetGroups.Enabled {
		h.LoadBalancers = prov.LoadBalancers()
	}
	if cfg.Pods.Enabled {
		kc := cfg.Kubernetes
		rc, err := prov.Kubeconfig(kc.Kubeconfig, kc.Bucket, kc.Key, kc.ClusterName, kc.CachePath).RESTConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("kubeconfig: %w", err)
		}
		clients, err := k8s.NewClients(rc)
		if err != nil {
			return nil, fmt.Errorf("kubernetes clients: %w", err)
		}
		h.Kube = clients
	}
	return h, nil
}
