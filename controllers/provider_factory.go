package controllers

import (
	"context"
	"errors"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"

	awsprov "github.com/myorg/nodedrainer/pkg/provider/aws"
)

// ProviderFactory builds AWS providers lazily and reuses them per region, so
// a warm process does not reload credentials for every notification.
type ProviderFactory struct {
	mu    sync.Mutex
	cache map[string]*awsprov.Provider
}

func NewProviderFactory() *ProviderFactory {
	return &ProviderFactory{cache: map[string]*awsprov.Provider{}}
}

func (f *ProviderFactory) Get(ctx context.Context, region string) (*awsprov.Provider, error) {
	if region == "" {
		return nil, errors.New("aws provider requires a region")
	}
	f.mu.Lock()
	if p, ok := f.cache[region]; ok {
		f.mu.Unlock()
		return p, nil
	}
	f.mu.Unlock()

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	p := awsprov.New(cfg, region)

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.cache[region]; ok {
		return existing, nil
	}
	f.cache[region] = p
	return p, nil
}
