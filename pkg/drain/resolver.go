package drain

import (
	"context"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/myorg/nodedrainer/pkg/metrics"
)

// Resolver discovers the memberships a removal must be requested for.
type Resolver struct {
	Source  Source
	Metrics *metrics.Collector
}

// Resolve returns the actionable memberships of identity sorted by collection
// id. Any listing error is returned as a *ResolutionError and no partial
// result is produced.
func (r *Resolver) Resolve(ctx context.Context, identity string) ([]Membership, error) {
	lg := log.FromContext(ctx).WithValues("source", r.Source.Name(), "identity", identity)

	found, err := r.Source.Resolve(ctx, identity)
	if err != nil {
		return nil, &ResolutionError{Source: r.Source.Name(), Identity: identity, Err: err}
	}

	seen := make(map[string]struct{}, len(found))
	out := make([]Membership, 0, len(found))
	for _, m := range found {
		if _, dup := seen[m.ID()]; dup {
			continue
		}
		seen[m.ID()] = struct{}{}
		if !m.Actionable() {
			lg.Info("skipping membership in non-actionable state", "collection", m.ID(), "health", m.Health())
			r.Metrics.MembershipSkipped(r.Source.Name(), string(m.Health()))
			continue
		}
		out = append(out, m)
	}
	sortMemberships(out)

	r.Metrics.MembershipsResolved(r.Source.Name(), len(out))
	lg.Info("resolved memberships", "count", len(out))
	return out, nil
}
