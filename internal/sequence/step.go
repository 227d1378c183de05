package sequence

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StepType discriminates the three step kinds of a sequence.
type StepType string

const (
	StepEmail     StepType = "email"
	StepDelay     StepType = "delay"
	StepCondition StepType = "condition"
)

// DelayUnit is the authoring unit of a delay step. The canonical internal
// representation is total minutes.
type DelayUnit string

const (
	UnitMinutes DelayUnit = "minutes"
	UnitHours   DelayUnit = "hours"
	UnitDays    DelayUnit = "days"
)

// ABVariant is an alternate subject/body for an email step's A/B test.
type ABVariant struct {
	ID      uuid.UUID `json:"id"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
}

// EmailPayload is the type-specific payload of an email step.
type EmailPayload struct {
	Subject  string     `json:"subject"`
	Body     string     `json:"body"`
	FromName string     `json:"from_name"`
	IsHTML   bool       `json:"is_html"`
	Variant  *ABVariant `json:"ab_variant,omitempty"`
}

// DelayPayload is the type-specific payload of a delay step.
type DelayPayload struct {
	Amount int       `json:"amount"`
	Unit   DelayUnit `json:"unit"`
}

// Minutes converts the delay to its canonical total-minutes form.
func (d DelayPayload) Minutes() int {
	switch d.Unit {
	case UnitMinutes:
		return d.Amount
	case UnitHours:
		return d.Amount * 60
	case UnitDays:
		return d.Amount * 24 * 60
	}
	return 0
}

// Duration converts the delay to a time.Duration.
func (d DelayPayload) Duration() time.Duration {
	return time.Duration(d.Minutes()) * time.Minute
}

func (d DelayPayload) Validate() error {
	if d.Unit != UnitMinutes && d.Unit != UnitHours && d.Unit != UnitDays {
		return &ConfigurationError{Detail: fmt.Sprintf("invalid delay unit %q", d.Unit)}
	}
	if d.Amount <= 0 {
		return &ConfigurationError{Detail: fmt.Sprintf("delay amount must be positive, got %d", d.Amount)}
	}
	return nil
}

// SimpleCondition is the legacy single-condition form of a condition step:
// one predicate, and one action applied when it does not hold. A passing
// evaluation always continues.
type SimpleCondition struct {
	Condition
	OnFalse ActionType `json:"on_false"`
}

// ConditionPayload is the type-specific payload of a condition step. It keeps
// both the legacy simple form and the advanced branch config; UseAdvanced
// selects which one is authoritative, and the other is retained but inert.
type ConditionPayload struct {
	UseAdvanced bool             `json:"use_advanced"`
	Simple      *SimpleCondition `json:"simple,omitempty"`
	Advanced    *BranchConfig    `json:"branch_config,omitempty"`
}

// Branch normalizes whichever form is authoritative into a BranchConfig, so
// the walker and evaluator only ever see one representation.
func (p ConditionPayload) Branch() (BranchConfig, error) {
	if p.UseAdvanced {
		if p.Advanced == nil {
			return BranchConfig{}, &ConfigurationError{Detail: "condition step set to advanced mode but branch_config is missing"}
		}
		return *p.Advanced, nil
	}
	if p.Simple == nil {
		return BranchConfig{}, &ConfigurationError{Detail: "condition step has no simple condition"}
	}
	onFalse := p.Simple.OnFalse
	if onFalse == "" {
		onFalse = ActionContinue
	}
	return BranchConfig{
		Groups: []ConditionGroup{{
			ID:         p.Simple.ID,
			Logic:      LogicAnd,
			Conditions: []Condition{p.Simple.Condition},
		}},
		GroupLogic: LogicAnd,
		IfTrue:     ActionSpec{Action: ActionContinue},
		IfFalse:    ActionSpec{Action: onFalse},
	}, nil
}

// Step is one unit of a sequence. StepOrder values are dense, unique and
// 0-based within a sequence; they are the enrollment pointer's addressing
// space.
type Step struct {
	ID         uuid.UUID `json:"id"`
	SequenceID uuid.UUID `json:"sequence_id"`
	StepOrder  int       `json:"step_order"`
	Type       StepType  `json:"step_type"`

	Email     *EmailPayload     `json:"email,omitempty"`
	Delay     *DelayPayload     `json:"delay,omitempty"`
	Condition *ConditionPayload `json:"condition,omitempty"`
}

// Validate checks the step's payload against its declared type. stepCount is
// the total number of steps in the sequence, used to bound skip targets.
func (s Step) Validate(stepCount int) error {
	switch s.Type {
	case StepEmail:
		if s.Email == nil {
			return &ConfigurationError{Detail: fmt.Sprintf("step %s: email payload is required", s.ID)}
		}
	case StepDelay:
		if s.Delay == nil {
			return &ConfigurationError{Detail: fmt.Sprintf("step %s: delay payload is required", s.ID)}
		}
		return s.Delay.Validate()
	case StepCondition:
		if s.Condition == nil {
			return &ConfigurationError{Detail: fmt.Sprintf("step %s: condition payload is required", s.ID)}
		}
		branch, err := s.Condition.Branch()
		if err != nil {
			return err
		}
		return branch.Validate(stepCount)
	default:
		return &ConfigurationError{Detail: fmt.Sprintf("step %s: unknown step type %q", s.ID, s.Type)}
	}
	return nil
}

// ValidateSteps checks every step and the dense 0-based step_order invariant.
func ValidateSteps(steps []Step) error {
	for i, s := range steps {
		if s.StepOrder != i {
			return &ConfigurationError{
				Detail: fmt.Sprintf("step %s: step_order %d at position %d breaks dense ordering", s.ID, s.StepOrder, i),
			}
		}
		if err := s.Validate(len(steps)); err != nil {
			return err
		}
	}
	return nil
}
