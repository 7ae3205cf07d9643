package order

import (
	"fmt"
	"time"
)

// edges is the complete transition table. No other moves exist.
var edges = map[State][]State{
	StatePending:   {StateConfirmed, StateFunded, StateRejected, StateCanceled},
	StateConfirmed: {StateFunded, StateRejected, StateCanceled},
	StateFunded:    {StateFulfilled, StateRejected, StateCanceled, StateDisputed},
	StateFulfilled: {StateComplete, StateDisputed},
	StateDisputed:  {StateDecided},
	StateDecided:   {StateResolved},
	StateComplete:  nil,
	StateRejected:  nil,
	StateCanceled:  nil,
	StateResolved:  nil,
}

// CanTransition reports whether from → to is an edge.
func CanTransition(from, to State) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing edges.
func IsTerminal(s State) bool {
	next, ok := edges[s]
	return ok && len(next) == 0
}

// Reachable reports whether to can be reached from from in one or more steps.
func Reachable(from, to State) bool {
	seen := map[State]bool{}
	stack := append([]State(nil), edges[from]...)
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if s == to {
			return true
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		stack = append(stack, edges[s]...)
	}
	return false
}

// Position classifies a replica's state relative to an event's target.
type Position int

const (
	// PositionApply means the event's transition is a direct edge.
	PositionApply Position = iota
	// PositionApplied means the replica is already at or past the target.
	PositionApplied
	// PositionBehind means the target lies ahead but not one edge away.
	PositionBehind
	// PositionInvalid means the target can never be reached from here.
	PositionInvalid
)

func (p Position) String() string {
	switch p {
	case PositionApply:
		return "apply"
	case PositionApplied:
		return "applied"
	case PositionBehind:
		return "behind"
	}
	return "invalid"
}

// Locate places current relative to target.
func Locate(current, target State) Position {
	switch {
	case current == target:
		return PositionApplied
	case CanTransition(current, target):
		return PositionApply
	case Reachable(target, current):
		return PositionApplied
	case Reachable(current, target):
		return PositionBehind
	}
	return PositionInvalid
}

// transition moves o to next and records the step.
func (o *Order) transition(next State, cause string, now time.Time) error {
	if !CanTransition(o.State, next) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, o.State, next)
	}
	o.History = append(o.History, Transition{From: o.State, To: next, Cause: cause, At: now})
	o.State = next
	o.UpdatedAt = now
	return nil
}
