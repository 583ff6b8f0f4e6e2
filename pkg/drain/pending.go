package drain

import "sort"

type pendingEntry struct {
	membership Membership
	// retry marks a disruption-budget style rejection to re-request next round.
	retry bool
}

// PendingSet holds memberships whose removal has not been confirmed yet,
// keyed by collection id.
type PendingSet struct {
	entries map[string]*pendingEntry
}

func NewPendingSet() *PendingSet {
	return &PendingSet{entries: map[string]*pendingEntry{}}
}

func (s *PendingSet) Add(m Membership, retry bool) {
	s.entries[m.ID()] = &pendingEntry{membership: m, retry: retry}
}

func (s *PendingSet) Remove(id string) {
	delete(s.entries, id)
}

func (s *PendingSet) Len() int { return len(s.entries) }

func (s *PendingSet) NeedsRetry(id string) bool {
	e, ok := s.entries[id]
	return ok && e.retry
}

func (s *PendingSet) setRetry(id string, retry bool) {
	if e, ok := s.entries[id]; ok {
		e.retry = retry
	}
}

// Memberships returns the pending memberships sorted by collection id.
func (s *PendingSet) Memberships() []Membership {
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Membership, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.entries[id].membership)
	}
	return out
}
