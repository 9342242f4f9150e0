package shared

import "sort"

// Capability names an atomic permission checked by the engine itself.
// Capabilities travel with every call instead of being looked up ad hoc, so
// the state machines stay independent of how authorization is sourced.
type Capability string

const (
	// CapPeriodBypass allows writing into closed periods. Bypass never means
	// a silent write: hard-closed periods still demand approval.
	CapPeriodBypass Capability = "finance.period.bypass"
	// CapPeriodCloseOverride allows soft-closing before the cutoff date and
	// hard-closing before the hard-close date.
	CapPeriodCloseOverride Capability = "finance.period.close_override"
	// CapPeriodReopen allows reopening a closed period.
	CapPeriodReopen Capability = "finance.period.reopen"
	// CapApprovalDecide allows deciding approvals and revision requests.
	CapApprovalDecide Capability = "finance.approval.decide"
)

// CapabilitySet is the set of capabilities held by an actor.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from capability names.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// List returns the capability names in sorted order.
func (s CapabilitySet) List() []string {
	names := make([]string, 0, len(s))
	for c := range s {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return names
}

// Has reports whether the capability is present.
func (s CapabilitySet) Has(c Capability) bool {
	if s == nil {
		return false
	}
	_, ok := s[c]
	return ok
}

// Actor identifies the user performing an operation together with the
// capabilities resolved for them.
type Actor struct {
	ID           int64
	Capabilities CapabilitySet
}

// Can reports whether the actor holds the capability.
func (a Actor) Can(c Capability) bool {
	return a.Capabilities.Has(c)
}
