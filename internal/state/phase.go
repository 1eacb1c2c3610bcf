package state

import "fmt"

// Phase identifies a stage of the delivery run.
type Phase string

const (
	PhaseIntake        Phase = "INTAKE"
	PhasePlanning      Phase = "PLANNING"
	PhaseDevelopment   Phase = "DEVELOPMENT"
	PhaseTesting       Phase = "TESTING"
	PhaseDeployment    Phase = "DEPLOYMENT"
	PhaseAwaitingHuman Phase = "AWAITING_HUMAN"
	PhaseComplete      Phase = "COMPLETE"
	PhaseError         Phase = "ERROR"
)

// validTransitions is the phase edge set. AWAITING_HUMAN targets are not
// listed here: leaving it is only valid toward the phase the run was
// suspended from, which is checked against the state.
var validTransitions = map[Phase][]Phase{
	PhaseIntake:      {PhasePlanning, PhaseAwaitingHuman, PhaseError},
	PhasePlanning:    {PhaseDevelopment, PhaseAwaitingHuman, PhaseError},
	PhaseDevelopment: {PhaseTesting, PhaseError},
	PhaseTesting:     {PhaseDeployment, PhaseDevelopment, PhaseAwaitingHuman, PhaseError},
	PhaseDeployment:  {PhaseComplete, PhaseError},
}

// Terminal reports whether the phase ends the run.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseIntake, PhasePlanning, PhaseDevelopment, PhaseTesting,
		PhaseDeployment, PhaseAwaitingHuman, PhaseComplete, PhaseError:
		return true
	}
	return false
}

// CanTransition reports whether the edge from→to exists in the machine.
// Edges out of AWAITING_HUMAN must be checked by the state, which knows
// the suspended-from phase.
func CanTransition(from, to Phase) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

func (p Phase) String() string { return string(p) }

// ParsePhase converts a string into a Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}
