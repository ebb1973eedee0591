package mesh

// NegotiationStatus is the state of a negotiation
type NegotiationStatus string

const (
	NegotiationProposed    NegotiationStatus = "proposed"
	NegotiationNegotiating NegotiationStatus = "negotiating"
	NegotiationAccepted    NegotiationStatus = "accepted"
	NegotiationRejected    NegotiationStatus = "rejected"
)

// Terminal reports whether no further transition is allowed
func (s NegotiationStatus) Terminal() bool {
	return s == NegotiationAccepted || s == NegotiationRejected
}

func (s NegotiationStatus) rank() int {
	switch s {
	case NegotiationProposed:
		return 0
	case NegotiationNegotiating:
		return 1
	case NegotiationAccepted, NegotiationRejected:
		return 2
	}
	return -1
}

// CanTransition reports whether a negotiation may move from s to next.
// negotiating -> negotiating is allowed so counter-offers can go back and forth.
func (s NegotiationStatus) CanTransition(next NegotiationStatus) bool {
	if s.Terminal() || next.rank() < 0 || s.rank() < 0 {
		return false
	}
	if s == NegotiationNegotiating && next == NegotiationNegotiating {
		return true
	}
	return next.rank() > s.rank()
}

// ConsortiumStatus is the lifecycle state of a consortium
type ConsortiumStatus string

const (
	ConsortiumForming   ConsortiumStatus = "forming"
	ConsortiumActive    ConsortiumStatus = "active"
	ConsortiumExecuting ConsortiumStatus = "executing"
	ConsortiumDissolved ConsortiumStatus = "dissolved"
)

func (s ConsortiumStatus) rank() int {
	switch s {
	case ConsortiumForming:
		return 0
	case ConsortiumActive:
		return 1
	case ConsortiumExecuting:
		return 2
	case ConsortiumDissolved:
		return 3
	}
	return -1
}

// CanTransition reports whether a consortium may move from s to next.
// Steps may be skipped but never reversed; dissolved is final.
func (s ConsortiumStatus) CanTransition(next ConsortiumStatus) bool {
	if s.rank() < 0 || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// OptimizationStatus is the phase of an optimization run
type OptimizationStatus string

const (
	OptimizationAnalyzing  OptimizationStatus = "analyzing"
	OptimizationOptimizing OptimizationStatus = "optimizing"
	OptimizationTesting    OptimizationStatus = "testing"
	OptimizationDeployed   OptimizationStatus = "deployed"
	OptimizationRolledBack OptimizationStatus = "rolled-back"
)

// Terminal reports whether the run has finished
func (s OptimizationStatus) Terminal() bool {
	return s == OptimizationDeployed || s == OptimizationRolledBack
}

// Next returns the phase following s. Testing has two outcomes and is resolved by the caller.
func (s OptimizationStatus) Next() (OptimizationStatus, bool) {
	switch s {
	case OptimizationAnalyzing:
		return OptimizationOptimizing, true
	case OptimizationOptimizing:
		return OptimizationTesting, true
	}
	return "", false
}
