package sessionsync

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownState         = errors.New("unknown session state")
	ErrTransitionNotAllowed = errors.New("transition not allowed")
)

// State is one of the six named states of a session flow. It is derived from
// the (current_step, approval_type) pair of the stored record.
type State int

const (
	StateIntake State = iota + 1
	StateSecondaryInput
	StateWaiting
	StateVerifyPrimary
	StateVerifyAlternate
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateIntake:
		return "intake"
	case StateSecondaryInput:
		return "secondary_input"
	case StateWaiting:
		return "waiting"
	case StateVerifyPrimary:
		return "verify_primary"
	case StateVerifyAlternate:
		return "verify_alternate"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Step returns the step a state lives on
func (s State) Step() (Step, error) {
	switch s {
	case StateIntake:
		return StepIntake, nil
	case StateSecondaryInput, StateWaiting:
		return StepSecondaryInput, nil
	case StateVerifyPrimary, StateVerifyAlternate:
		return StepVerification, nil
	case StateTerminal:
		return StepTerminal, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownState, int(s))
	}
}

// StateOf derives the named state of a session
func StateOf(s *Session) (State, error) {
	switch s.CurrentStep {
	case StepIntake:
		return StateIntake, nil
	case StepSecondaryInput:
		if s.ApprovalType == ApprovalWaiting {
			return StateWaiting, nil
		}
		return StateSecondaryInput, nil
	case StepVerification:
		if s.ApprovalType == ApprovalPendingAlternate {
			return StateVerifyAlternate, nil
		}
		return StateVerifyPrimary, nil
	case StepTerminal:
		return StateTerminal, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidStep, s.CurrentStep)
	}
}

// Actor identifies who is asking for a transition
type Actor int

const (
	ActorClient Actor = iota + 1
	ActorAdmin
)

func (a Actor) String() string {
	switch a {
	case ActorClient:
		return "client"
	case ActorAdmin:
		return "admin"
	default:
		return fmt.Sprintf("actor(%d)", int(a))
	}
}

// clientEdges are the only transitions a client commits on its own
var clientEdges = map[State]State{
	StateIntake:         StateSecondaryInput,
	StateSecondaryInput: StateWaiting,
}

// Plan returns the patch moving a session from one state to another.
//
// Clients may only take the intake and submission edges. Admins may move a
// session to any state, including backwards out of terminal.
func Plan(from, to State, actor Actor) (*Patch, error) {
	if _, err := from.Step(); err != nil {
		return nil, err
	}
	if _, err := to.Step(); err != nil {
		return nil, err
	}

	switch actor {
	case ActorClient:
		if next, ok := clientEdges[from]; !ok || next != to {
			return nil, fmt.Errorf("%w: %s cannot move %s -> %s", ErrTransitionNotAllowed, actor, from, to)
		}
	case ActorAdmin:
	default:
		return nil, fmt.Errorf("%w: unknown actor %d", ErrTransitionNotAllowed, int(actor))
	}

	p := NewPatch()

	switch to {
	case StateIntake:
		p.SetStep(StepIntake).ClearApproval().ClearMessage()
	case StateSecondaryInput:
		p.SetStep(StepSecondaryInput).ClearApproval()
	case StateWaiting:
		p.SetStep(StepSecondaryInput).SetApproval(ApprovalWaiting)
	case StateVerifyPrimary:
		p.SetStep(StepVerification).ClearApproval().ClearVerificationCode()
	case StateVerifyAlternate:
		p.SetStep(StepVerification).SetApproval(ApprovalPendingAlternate).ClearVerificationCode()
	case StateTerminal:
		p.SetStep(StepTerminal).SetApproval(confirmedVia(from))
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownState, int(to))
	}

	return p, nil
}

// confirmedVia returns the terminal marker for the verification channel used
func confirmedVia(from State) ApprovalType {
	switch from {
	case StateVerifyAlternate:
		return ApprovalConfirmedAlternate
	default:
		return ApprovalConfirmedPrimary
	}
}
