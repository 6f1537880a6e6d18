// Package statemachine implements the discussion phase graph from spec
// §4.2: a small, data-only transition table with a transition log. It
// holds no domain data — the Orchestrator is the sole caller.
package statemachine

import (
	"time"

	"roundtable/internal/discussion"
	"roundtable/internal/rterrors"
)

// Transition records one phase change.
type Transition struct {
	From discussion.Phase
	To   discussion.Phase
	At   time.Time
}

// transitions enumerates every legal edge from spec §4.2.
var transitions = map[discussion.Phase]map[discussion.Phase]bool{
	discussion.PhaseIdle: {
		discussion.PhaseInitializing: true,
	},
	discussion.PhaseInitializing: {
		discussion.PhaseTurnA: true,
		discussion.PhaseError:  true,
	},
	discussion.PhaseTurnA: {
		discussion.PhaseTurnB:   true,
		discussion.PhaseError:   true,
		discussion.PhaseAborted: true,
	},
	discussion.PhaseTurnB: {
		discussion.PhaseConsensusA: true,
		discussion.PhaseTurnA:      true,
		discussion.PhaseError:      true,
		discussion.PhaseAborted:    true,
	},
	discussion.PhaseConsensusA: {
		discussion.PhaseConsensusB: true,
		discussion.PhaseError:      true,
		discussion.PhaseAborted:    true,
	},
	discussion.PhaseConsensusB: {
		discussion.PhaseTurnA:    true,
		discussion.PhaseCompleted: true,
		discussion.PhaseError:    true,
		discussion.PhaseAborted:  true,
	},
	discussion.PhaseCompleted: {},
	discussion.PhaseError: {
		discussion.PhaseIdle: true,
	},
	discussion.PhaseAborted: {
		discussion.PhaseIdle: true,
	},
}

// Machine is the phase state machine. The zero value has an empty phase
// with no legal transitions; construct with New.
type Machine struct {
	phase discussion.Phase
	log   []Transition
}

// New returns a machine in PhaseIdle.
func New() *Machine {
	return &Machine{phase: discussion.PhaseIdle}
}

// Phase returns the current phase.
func (m *Machine) Phase() discussion.Phase {
	return m.phase
}

// Log returns a copy of the recorded transitions.
func (m *Machine) Log() []Transition {
	out := make([]Transition, len(m.log))
	copy(out, m.log)
	return out
}

// CanTransition reports whether from->to is a legal edge.
func CanTransition(from, to discussion.Phase) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// IsActive reports whether phase is neither idle nor terminal.
func IsActive(phase discussion.Phase) bool {
	return !IsTerminal(phase) && phase != discussion.PhaseIdle
}

// IsTerminal reports whether phase ends a run (no further domain
// transitions; error and aborted keep only the reset edge back to idle,
// completed has no outgoing edge).
func IsTerminal(phase discussion.Phase) bool {
	switch phase {
	case discussion.PhaseCompleted, discussion.PhaseError, discussion.PhaseAborted:
		return true
	default:
		return false
	}
}

// Transition moves the machine from its current phase to to, recording
// the transition. It returns rterrors.ErrIllegalTransition (wrapped in a
// *rterrors.Error with Code STATE_INVALID) if the edge is not permitted.
func (m *Machine) Transition(to discussion.Phase) error {
	return m.TransitionAt(to, time.Now())
}

// TransitionAt is Transition with an explicit timestamp, exposed for
// deterministic tests.
func (m *Machine) TransitionAt(to discussion.Phase, at time.Time) error {
	if !CanTransition(m.phase, to) {
		err := rterrors.New(rterrors.CodeStateInvalid, "illegal transition from "+string(m.phase)+" to "+string(to))
		err.Cause = rterrors.ErrIllegalTransition
		return err
	}
	m.log = append(m.log, Transition{From: m.phase, To: to, At: at})
	m.phase = to
	return nil
}

// Reset returns the machine to PhaseIdle. Only legal from a terminal
// phase (error or aborted) per spec §4.2; completed discussions are not
// resumable/resettable (Non-goal: no resumption after process restart —
// a fresh Machine should be constructed for a new run instead).
func (m *Machine) Reset() error {
	if m.phase != discussion.PhaseError && m.phase != discussion.PhaseAborted && m.phase != discussion.PhaseIdle {
		err := rterrors.New(rterrors.CodeStateInvalid, "cannot reset from phase "+string(m.phase))
		err.Cause = rterrors.ErrIllegalTransition
		return err
	}
	if m.phase == discussion.PhaseIdle {
		return nil
	}
	return m.TransitionAt(discussion.PhaseIdle, time.Now())
}
