package sequence

import (
	"fmt"
	"time"
)

// StateKind is the enrollment state after one advancement.
type StateKind string

const (
	// StateAwaiting means the enrollment is positioned at StepIndex waiting
	// for its next evaluation (possibly gated by a wake time).
	StateAwaiting StateKind = "awaiting_evaluation"
	// StateCompleted means the pointer ran off the end of the sequence.
	// Running off the end is normal termination, never a fault.
	StateCompleted StateKind = "completed"
	// StateTerminated means an end_sequence action fired.
	StateTerminated StateKind = "terminated"
)

// Decision is the outcome of advancing an enrollment past one step.
type Decision struct {
	State     StateKind
	StepIndex int        // next step pointer, meaningful for StateAwaiting
	WakeAt    *time.Time // earliest time the next evaluation is due, nil for "now"
	Trace     []string   // evaluator trace for condition steps
}

// EvalFunc evaluates a branch configuration against whatever subscriber
// snapshot the caller has resolved. The walker never builds snapshots itself.
type EvalFunc func(cfg BranchConfig) (passed bool, trace []string, err error)

// Advance computes the next enrollment state after the step at currentIndex
// completes. It is pure: the step list is treated as an immutable snapshot,
// no I/O happens, and the only side channel is evalFn for condition steps.
//
// A ConfigurationError leaves the enrollment conceptually at currentIndex;
// callers must not persist any advancement when err is non-nil.
func Advance(steps []Step, currentIndex int, evalFn EvalFunc, now time.Time) (Decision, error) {
	if currentIndex < 0 {
		return Decision{}, &ConfigurationError{Detail: fmt.Sprintf("negative step index %d", currentIndex)}
	}
	if currentIndex >= len(steps) {
		return Decision{State: StateCompleted}, nil
	}

	step := steps[currentIndex]
	switch step.Type {
	case StepEmail:
		return resolveIndex(steps, currentIndex+1, nil), nil

	case StepDelay:
		if step.Delay == nil {
			return Decision{}, &ConfigurationError{Detail: fmt.Sprintf("step %s: delay payload is required", step.ID)}
		}
		if err := step.Delay.Validate(); err != nil {
			return Decision{}, err
		}
		wake := now.Add(step.Delay.Duration())
		return resolveIndex(steps, currentIndex+1, &wake), nil

	case StepCondition:
		if step.Condition == nil {
			return Decision{}, &ConfigurationError{Detail: fmt.Sprintf("step %s: condition payload is required", step.ID)}
		}
		branch, err := step.Condition.Branch()
		if err != nil {
			return Decision{}, err
		}
		passed, trace, err := evalFn(branch)
		if err != nil {
			return Decision{Trace: trace}, err
		}
		action := branch.IfFalse
		if passed {
			action = branch.IfTrue
		}
		decision, err := applyAction(steps, currentIndex, action)
		decision.Trace = trace
		return decision, err

	default:
		return Decision{}, &ConfigurationError{Detail: fmt.Sprintf("step %s: unknown step type %q", step.ID, step.Type)}
	}
}

// AdvanceDue is Advance gated by a stored wake time: asked before the wake
// time it returns ErrNotDue and no advancement happens.
func AdvanceDue(steps []Step, currentIndex int, wakeAt *time.Time, evalFn EvalFunc, now time.Time) (Decision, error) {
	if wakeAt != nil && now.Before(*wakeAt) {
		return Decision{State: StateAwaiting, StepIndex: currentIndex, WakeAt: wakeAt}, ErrNotDue
	}
	return Advance(steps, currentIndex, evalFn, now)
}

// applyAction maps one ActionSpec to a concrete next state.
func applyAction(steps []Step, currentIndex int, action ActionSpec) (Decision, error) {
	switch action.Action {
	case ActionContinue:
		return resolveIndex(steps, currentIndex+1, nil), nil
	case ActionSkipNext:
		// Clamped: skipping past the end is normal completion.
		return resolveIndex(steps, currentIndex+2, nil), nil
	case ActionSkipToStep:
		if action.SkipToStepIndex == nil {
			return Decision{}, &ConfigurationError{Detail: "skip_to_step requires skip_to_step_index"}
		}
		target := *action.SkipToStepIndex
		// Index len(steps) is a valid "jump to end"; anything larger is a
		// configuration error, never clamped.
		if target < 0 || target > len(steps) {
			return Decision{}, &ConfigurationError{
				Detail: fmt.Sprintf("skip_to_step_index %d out of range for %d steps", target, len(steps)),
			}
		}
		return resolveIndex(steps, target, nil), nil
	case ActionEndSequence:
		return Decision{State: StateTerminated}, nil
	default:
		return Decision{}, &ConfigurationError{Detail: fmt.Sprintf("unknown action %q", action.Action)}
	}
}

func resolveIndex(steps []Step, next int, wakeAt *time.Time) Decision {
	if next >= len(steps) {
		return Decision{State: StateCompleted}
	}
	return Decision{State: StateAwaiting, StepIndex: next, WakeAt: wakeAt}
}
