package drain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/myorg/nodedrainer/pkg/metrics"
)

const (
	DefaultPodPollInterval         = 5 * time.Second
	DefaultTargetGroupPollInterval = 10 * time.Second
	// 12 x 10s, about two minutes
	DefaultTargetGroupMaxAttempts = 12
)

// Budget bounds convergence. At least one of MaxAttempts or Timeout must be
// set; convergence never assumes unlimited time.
type Budget struct {
	Interval    time.Duration
	MaxAttempts int
	Timeout     time.Duration
	// NativeWait uses the source's Waiter, if it has one, instead of polling.
	NativeWait bool
}

func (b *Budget) CheckAndSetDefaults() error {
	if b.Interval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	}
	if b.MaxAttempts < 0 || b.Timeout < 0 {
		return fmt.Errorf("%w: negative budget", ErrInvalidConfig)
	}
	if b.MaxAttempts == 0 && b.Timeout == 0 {
		return fmt.Errorf("%w: either max attempts or a timeout is required", ErrInvalidConfig)
	}
	return nil
}

// Convergence is the result of polling a pending set.
type Convergence struct {
	Confirmed []Membership
	Pending   []Membership
	Rejected  []Rejection
	Rounds    int
	// Exhausted is set when the budget ran out with memberships still pending.
	Exhausted bool
}

// Poller re-checks pending memberships round-robin until they are all gone
// or the budget is spent.
type Poller struct {
	Source    Source
	Requester *Requester
	Budget    Budget
	Metrics   *metrics.Collector
}

func (p *Poller) Converge(ctx context.Context, pending *PendingSet) *Convergence {
	if p.Budget.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Budget.Timeout)
		defer cancel()
	}
	if w, ok := p.Source.(Waiter); ok && p.Budget.NativeWait {
		return p.wait(ctx, w, pending)
	}

	lg := log.FromContext(ctx).WithValues("source", p.Source.Name())
	conv := &Convergence{}
	for round := 1; ; round++ {
		conv.Rounds = round
		p.Metrics.ConvergenceRound(p.Source.Name())

		for _, m := range pending.Memberships() {
			state, err := p.Source.Check(ctx, m)
			if err != nil {
				lg.Error(err, "cannot read membership state, keeping it pending", "identity", m.Identity(), "collection", m.ID())
				continue
			}
			if state == StatePresent {
				continue
			}
			lg.V(1).Info("removal confirmed", "identity", m.Identity(), "collection", m.ID(), "state", state.String())
			pending.Remove(m.ID())
			conv.Confirmed = append(conv.Confirmed, m)
		}

		if ctx.Err() != nil && pending.Len() > 0 {
			lg.Info("convergence deadline reached", "rounds", round, "pending", pending.Len(), "reason", ctx.Err())
			conv.Exhausted = true
			conv.Pending = pending.Memberships()
			return conv
		}
		for _, m := range pending.Memberships() {
			if !pending.NeedsRetry(m.ID()) {
				continue
			}
			out := p.Requester.Request(ctx, m)
			switch out.Result {
			case RemovalAccepted:
				pending.setRetry(m.ID(), false)
			case RemovalFatal:
				pending.Remove(m.ID())
				conv.Rejected = append(conv.Rejected, Rejection{Membership: m, Err: out.Err})
			}
		}

		if pending.Len() == 0 {
			return conv
		}
		if p.Budget.MaxAttempts > 0 && round >= p.Budget.MaxAttempts {
			lg.Info("attempts exhausted", "rounds", round, "pending", pending.Len())
			break
		}
		lg.V(1).Info("waiting for removals", "round", round, "pending", pending.Len())
		select {
		case <-ctx.Done():
			lg.Info("convergence deadline reached", "rounds", round, "pending", pending.Len(), "reason", ctx.Err())
			conv.Exhausted = true
			conv.Pending = pending.Memberships()
			return conv
		case <-time.After(p.Budget.Interval):
		}
	}
	conv.Exhausted = true
	conv.Pending = pending.Memberships()
	return conv
}

// wait confirms memberships one at a time through the native wait primitive.
func (p *Poller) wait(ctx context.Context, w Waiter, pending *PendingSet) *Convergence {
	lg := log.FromContext(ctx).WithValues("source", p.Source.Name())
	conv := &Convergence{Rounds: 1}
	for _, m := range pending.Memberships() {
		lg.Info("waiting for removal", "identity", m.Identity(), "collection", m.ID())
		err := w.WaitUntilRemoved(ctx, m, p.Budget.Interval, p.Budget.MaxAttempts)
		if err != nil {
			if errors.Is(err, ErrWaitTimeout) {
				lg.Info("removal not confirmed within budget", "identity", m.Identity(), "collection", m.ID())
			} else {
				lg.Error(err, "waiting for removal failed", "identity", m.Identity(), "collection", m.ID())
			}
			continue
		}
		pending.Remove(m.ID())
		conv.Confirmed = append(conv.Confirmed, m)
	}
	if pending.Len() > 0 {
		conv.Exhausted = true
		conv.Pending = pending.Memberships()
	}
	return conv
}
