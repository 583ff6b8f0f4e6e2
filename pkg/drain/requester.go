package drain

import (
	"context"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/myorg/nodedrainer/pkg/metrics"
)

// Requester fires removal requests. It never waits for a removal to complete.
type Requester struct {
	Source  Source
	Metrics *metrics.Collector
}

func (r *Requester) Request(ctx context.Context, m Membership) RemovalOutcome {
	lg := log.FromContext(ctx).WithValues("source", r.Source.Name(), "identity", m.Identity(), "collection", m.ID())

	out := r.Source.Remove(ctx, m)
	if out.Result == RemovalFatal && ctx.Err() != nil {
		// the call was cut short, not refused
		out.Result = RemovalRetryable
	}
	r.Metrics.RemovalRequested(r.Source.Name(), out.Result.String())

	switch out.Result {
	case RemovalAccepted:
		lg.Info("removal requested")
	case RemovalRetryable:
		lg.Info("removal rejected, will retry", "error", out.Err)
	case RemovalFatal:
		lg.Error(out.Err, "removal failed, no longer tracking membership")
	}
	return out
}

// RequestAll requests removal of every membership and returns the ones to
// track plus those rejected permanently.
func (r *Requester) RequestAll(ctx context.Context, ms []Membership) (*PendingSet, []Rejection) {
	pending := NewPendingSet()
	var rejected []Rejection
	for _, m := range ms {
		out := r.Request(ctx, m)
		switch out.Result {
		case RemovalAccepted:
			pending.Add(m, false)
		case RemovalRetryable:
			pending.Add(m, true)
		default:
			rejected = append(rejected, Rejection{Membership: m, Err: out.Err})
		}
	}
	return pending, rejected
}
