// Package sequence implements the branching model for automated email
// sequences: the condition/branch data model, the condition evaluator, and
// the step-advancement state machine that drives one enrollment through a
// sequence of email, delay and condition steps.
package sequence

import (
	"fmt"
	"strconv"
)

// Logic combines conditions within a group, or groups within a branch.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// ConditionType identifies a single boolean predicate over subscriber state.
type ConditionType string

const (
	// Email engagement
	CondOpenedPrevious      ConditionType = "opened_previous"
	CondNotOpenedPrevious   ConditionType = "not_opened_previous"
	CondClickedAnyLink      ConditionType = "clicked_any_link"
	CondClickedSpecificLink ConditionType = "clicked_specific_link"
	CondNotClickedAnyLink   ConditionType = "not_clicked_any_link"

	// Time based
	CondWeekdaysOnly        ConditionType = "weekdays_only"
	CondBusinessHours       ConditionType = "business_hours"
	CondNotReceivedRecently ConditionType = "not_received_recently"

	// Subscriber attribute
	CondHasTag       ConditionType = "has_tag"
	CondNotHasTag    ConditionType = "not_has_tag"
	CondScoreAbove   ConditionType = "score_above"
	CondScoreBelow   ConditionType = "score_below"
	CondInSegment    ConditionType = "in_segment"
	CondNotInSegment ConditionType = "not_in_segment"
)

// ConditionTypes lists every supported condition type.
func ConditionTypes() []ConditionType {
	return []ConditionType{
		CondOpenedPrevious, CondNotOpenedPrevious,
		CondClickedAnyLink, CondClickedSpecificLink, CondNotClickedAnyLink,
		CondWeekdaysOnly, CondBusinessHours, CondNotReceivedRecently,
		CondHasTag, CondNotHasTag,
		CondScoreAbove, CondScoreBelow,
		CondInSegment, CondNotInSegment,
	}
}

// ActionType is the resolved behavior for one evaluation outcome.
type ActionType string

const (
	ActionContinue    ActionType = "continue"
	ActionSkipNext    ActionType = "skip_next"
	ActionSkipToStep  ActionType = "skip_to_step"
	ActionEndSequence ActionType = "end_sequence"
)

// Condition is a single predicate plus its typed parameters. The declared
// Type determines which parameters are meaningful; the evaluator ignores the
// rest and treats a required-but-absent parameter as a configuration error.
type Condition struct {
	ID   string        `json:"id"`
	Type ConditionType `json:"type"`

	LinkPattern        string `json:"link_pattern,omitempty"`
	TagID              string `json:"tag_id,omitempty"`
	TagName            string `json:"tag_name,omitempty"`
	ScoreThreshold     *int   `json:"score_threshold,omitempty"`
	SegmentID          string `json:"segment_id,omitempty"`
	BusinessHoursStart string `json:"business_hours_start,omitempty"`
	BusinessHoursEnd   string `json:"business_hours_end,omitempty"`
	DaysThreshold      *int   `json:"days_threshold,omitempty"`
}

// ConditionGroup is an ordered set of conditions combined by one operator.
type ConditionGroup struct {
	ID         string      `json:"id"`
	Logic      Logic       `json:"logic"`
	Conditions []Condition `json:"conditions"`
}

// ActionSpec maps one evaluation outcome to the next-step behavior.
// SkipToStepIndex is required when Action is skip_to_step and must be a valid
// 0-based index into the sequence's step list (len(steps) is allowed and
// means immediate completion).
type ActionSpec struct {
	Action          ActionType `json:"action"`
	SkipToStepIndex *int       `json:"skip_to_step_index,omitempty"`
}

// BranchConfig is the full branching rule for a condition step: condition
// groups, the logic applied between them, and the action taken on each
// outcome. GroupLogic has no evaluation effect when there is exactly one
// group but is stored regardless.
type BranchConfig struct {
	Groups     []ConditionGroup `json:"groups"`
	GroupLogic Logic            `json:"group_logic"`
	IfTrue     ActionSpec       `json:"if_true"`
	IfFalse    ActionSpec       `json:"if_false"`
}

// tagRef returns the tag reference a has_tag/not_has_tag condition matches
// against. TagName wins when both are set.
func (c Condition) tagRef() string {
	if c.TagName != "" {
		return c.TagName
	}
	return c.TagID
}

// Validate checks that the condition's type is known and that every parameter
// the type requires is present and well formed. Reject-at-creation: callers
// run this before persisting so misconfiguration never reaches evaluation.
func (c Condition) Validate() error {
	switch c.Type {
	case CondOpenedPrevious, CondNotOpenedPrevious,
		CondClickedAnyLink, CondNotClickedAnyLink,
		CondWeekdaysOnly:
		return nil
	case CondClickedSpecificLink:
		if c.LinkPattern == "" {
			return configErrf(c, "link_pattern is required")
		}
	case CondBusinessHours:
		if _, err := parseClock(c.BusinessHoursStart); err != nil {
			return configErrf(c, "business_hours_start: %v", err)
		}
		if _, err := parseClock(c.BusinessHoursEnd); err != nil {
			return configErrf(c, "business_hours_end: %v", err)
		}
	case CondNotReceivedRecently:
		if c.DaysThreshold == nil {
			return configErrf(c, "days_threshold is required")
		}
		if *c.DaysThreshold <= 0 {
			return configErrf(c, "days_threshold must be positive, got %d", *c.DaysThreshold)
		}
	case CondHasTag, CondNotHasTag:
		if c.tagRef() == "" {
			return configErrf(c, "tag_id or tag_name is required")
		}
	case CondScoreAbove, CondScoreBelow:
		if c.ScoreThreshold == nil {
			return configErrf(c, "score_threshold is required")
		}
		if *c.ScoreThreshold < 0 || *c.ScoreThreshold > 100 {
			return configErrf(c, "score_threshold must be 0-100, got %d", *c.ScoreThreshold)
		}
	case CondInSegment, CondNotInSegment:
		if c.SegmentID == "" {
			return configErrf(c, "segment_id is required")
		}
	default:
		return configErrf(c, "unknown condition type %q", c.Type)
	}
	return nil
}

func configErrf(c Condition, format string, args ...interface{}) error {
	return &ConfigurationError{
		ConditionID: c.ID,
		Detail:      fmt.Sprintf("condition %s: ", c.Type) + fmt.Sprintf(format, args...),
	}
}

func (l Logic) valid() bool { return l == LogicAnd || l == LogicOr }

// Validate rejects empty groups and invalid logic operators at creation time.
func (g ConditionGroup) Validate() error {
	if !g.Logic.valid() {
		return &ConfigurationError{Detail: fmt.Sprintf("group %s: invalid logic %q", g.ID, g.Logic)}
	}
	if len(g.Conditions) == 0 {
		return &ConfigurationError{Detail: fmt.Sprintf("group %s: at least one condition is required", g.ID)}
	}
	for _, c := range g.Conditions {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks an action spec against a sequence of stepCount steps.
// skip_to_step may target index stepCount, which means immediate completion.
func (a ActionSpec) Validate(stepCount int) error {
	switch a.Action {
	case ActionContinue, ActionSkipNext, ActionEndSequence:
		return nil
	case ActionSkipToStep:
		if a.SkipToStepIndex == nil {
			return &ConfigurationError{Detail: "skip_to_step requires skip_to_step_index"}
		}
		if idx := *a.SkipToStepIndex; idx < 0 || idx > stepCount {
			return &ConfigurationError{
				Detail: "skip_to_step_index " + strconv.Itoa(idx) + " out of range for " + strconv.Itoa(stepCount) + " steps",
			}
		}
		return nil
	default:
		return &ConfigurationError{Detail: fmt.Sprintf("unknown action %q", a.Action)}
	}
}

// Validate checks the whole branch configuration against a sequence of
// stepCount steps.
func (b BranchConfig) Validate(stepCount int) error {
	if len(b.Groups) == 0 {
		return &ConfigurationError{Detail: "branch config requires at least one condition group"}
	}
	if !b.GroupLogic.valid() {
		return &ConfigurationError{Detail: fmt.Sprintf("invalid group_logic %q", b.GroupLogic)}
	}
	for _, g := range b.Groups {
		if err := g.Validate(); err != nil {
			return err
		}
	}
	if err := b.IfTrue.Validate(stepCount); err != nil {
		return err
	}
	return b.IfFalse.Validate(stepCount)
}
