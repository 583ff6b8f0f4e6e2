package drain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Health is the state a collection reports for the workload at resolution time.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDraining  Health = "draining"
	HealthUnhealthy Health = "unhealthy"
	HealthUnknown   Health = "unknown"
)

// Membership ties a workload identity to one collection it is part of.
type Membership interface {
	// ID is the collection id; memberships are ordered and keyed by it.
	ID() string
	// Identity is the workload (node name or instance id).
	Identity() string
	Health() Health
	// Actionable reports whether a removal should be requested at all.
	Actionable() bool
}

// State is what a re-check observes for a pending membership.
type State int

const (
	StatePresent State = iota
	StateAbsent
	// StateReplaced: an object with the same name but another identity token
	// exists, so the original is gone.
	StateReplaced
)

func (s State) String() string {
	switch s {
	case StatePresent:
		return "present"
	case StateAbsent:
		return "absent"
	case StateReplaced:
		return "replaced"
	}
	return "unknown"
}

// RemovalResult classifies the immediate response to a removal request.
type RemovalResult int

const (
	RemovalAccepted RemovalResult = iota
	RemovalRetryable
	RemovalFatal
)

func (r RemovalResult) String() string {
	switch r {
	case RemovalAccepted:
		return "accepted"
	case RemovalRetryable:
		return "retryable"
	case RemovalFatal:
		return "fatal"
	}
	return "unknown"
}

type RemovalOutcome struct {
	Result RemovalResult
	Err    error
}

func Accepted() RemovalOutcome                { return RemovalOutcome{Result: RemovalAccepted} }
func Retryable(err error) RemovalOutcome      { return RemovalOutcome{Result: RemovalRetryable, Err: err} }
func FatalRejection(err error) RemovalOutcome { return RemovalOutcome{Result: RemovalFatal, Err: err} }

// Source is a kind of collection a workload can belong to: pods on a node,
// or load balancer target groups routing to an instance.
type Source interface {
	Name() string
	// Resolve lists every membership of identity, actionable or not.
	Resolve(ctx context.Context, identity string) ([]Membership, error)
	// Remove issues exactly one removal call and does not wait for completion.
	Remove(ctx context.Context, m Membership) RemovalOutcome
	// Check re-reads the membership. An error means the state is unknown.
	Check(ctx context.Context, m Membership) (State, error)
}

// Waiter is implemented by sources with a native "removed" wait primitive.
type Waiter interface {
	WaitUntilRemoved(ctx context.Context, m Membership, interval time.Duration, maxAttempts int) error
}

var (
	ErrInvalidConfig   = errors.New("invalid drain configuration")
	ErrWrongMembership = errors.New("membership does not belong to source")
)

// ResolutionError means memberships could not be enumerated; nothing may be
// removed when it is returned.
type ResolutionError struct {
	Source   string
	Identity string
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s memberships of %q: %v", e.Source, e.Identity, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Rejection is a membership whose removal failed permanently.
type Rejection struct {
	Membership Membership
	Err        error
}

func sortMemberships(ms []Membership) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].ID() < ms[j].ID() })
}
