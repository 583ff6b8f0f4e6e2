package drain

import (
	"context"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/myorg/nodedrainer/api/v1alpha1"
	"github.com/myorg/nodedrainer/pkg/metrics"
)

// Outcome is the terminal record of one drain run.
type Outcome struct {
	Source   string
	Identity string
	Phase    v1alpha1.DrainPhase

	Confirmed []Membership
	// Pending is non-empty only for DrainPhasePartial.
	Pending  []Membership
	Rejected []Rejection

	Rounds   int
	Duration time.Duration
	// Err is the resolution failure for DrainPhaseFailed.
	Err error
}

// Succeeded reports whether every membership was confirmed removed. A Done
// run with rejections still left something in place.
func (o *Outcome) Succeeded() bool {
	return o.Phase == v1alpha1.DrainPhaseDone && len(o.Rejected) == 0
}

func (o *Outcome) Report() v1alpha1.DrainReport {
	r := v1alpha1.DrainReport{
		Source:   o.Source,
		Identity: o.Identity,
		Phase:    o.Phase,
		Rounds:   o.Rounds,
		Duration: metav1.Duration{Duration: o.Duration},
	}
	for _, m := range o.Confirmed {
		r.Confirmed = append(r.Confirmed, membershipReport(m, nil))
	}
	for _, m := range o.Pending {
		r.Pending = append(r.Pending, membershipReport(m, nil))
	}
	for _, rej := range o.Rejected {
		r.Rejected = append(r.Rejected, membershipReport(rej.Membership, rej.Err))
	}
	if o.Err != nil {
		r.LastError = o.Err.Error()
	}
	return r
}

func membershipReport(m Membership, err error) v1alpha1.MembershipReport {
	r := v1alpha1.MembershipReport{
		Collection: m.ID(),
		Identity:   m.Identity(),
		Health:     string(m.Health()),
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Orchestrator drains one identity from every collection of a single Source.
// A run is never retried as a whole; the caller decides what to do with a
// Failed or Partial outcome.
type Orchestrator struct {
	Source  Source
	Budget  Budget
	Metrics *metrics.Collector
}

func NewOrchestrator(src Source, budget Budget, m *metrics.Collector) (*Orchestrator, error) {
	if err := budget.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Orchestrator{Source: src, Budget: budget, Metrics: m}, nil
}

func (o *Orchestrator) Drain(ctx context.Context, identity string) *Outcome {
	lg := log.FromContext(ctx).WithValues("source", o.Source.Name(), "identity", identity)
	ctx = log.IntoContext(ctx, lg)

	start := time.Now()
	out := &Outcome{Source: o.Source.Name(), Identity: identity, Phase: v1alpha1.DrainPhasePending}
	defer func() {
		out.Duration = time.Since(start)
		o.Metrics.DrainFinished(out.Source, string(out.Phase), out.Duration)
		lg.Info("drain finished", "phase", out.Phase, "confirmed", len(out.Confirmed),
			"pending", len(out.Pending), "rejected", len(out.Rejected), "rounds", out.Rounds)
	}()

	o.transition(ctx, out, v1alpha1.DrainPhaseResolving)
	resolver := &Resolver{Source: o.Source, Metrics: o.Metrics}
	ms, err := resolver.Resolve(ctx, identity)
	if err != nil {
		lg.Error(err, "cannot resolve memberships, nothing was removed")
		out.Err = err
		o.transition(ctx, out, v1alpha1.DrainPhaseFailed)
		return out
	}
	if len(ms) == 0 {
		o.transition(ctx, out, v1alpha1.DrainPhaseDone)
		return out
	}

	o.transition(ctx, out, v1alpha1.DrainPhaseRequesting)
	requester := &Requester{Source: o.Source, Metrics: o.Metrics}
	pending, rejected := requester.RequestAll(ctx, ms)
	out.Rejected = rejected
	if pending.Len() == 0 {
		o.transition(ctx, out, v1alpha1.DrainPhaseDone)
		return out
	}

	o.transition(ctx, out, v1alpha1.DrainPhaseConverging)
	poller := &Poller{Source: o.Source, Requester: requester, Budget: o.Budget, Metrics: o.Metrics}
	conv := poller.Converge(ctx, pending)
	out.Confirmed = conv.Confirmed
	out.Rejected = append(out.Rejected, conv.Rejected...)
	out.Rounds = conv.Rounds
	if conv.Exhausted {
		out.Pending = conv.Pending
		o.transition(ctx, out, v1alpha1.DrainPhasePartial)
		return out
	}
	o.transition(ctx, out, v1alpha1.DrainPhaseDone)
	return out
}

func (o *Orchestrator) transition(ctx context.Context, out *Outcome, to v1alpha1.DrainPhase) {
	log.FromContext(ctx).V(1).Info("drain phase", "from", out.Phase, "to", to)
	out.Phase = to
}
