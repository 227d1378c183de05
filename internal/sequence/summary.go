package sequence

import (
	"fmt"
	"strings"
)

// DescribeCondition renders a condition as a short human-readable label, used
// in evaluator traces and step summaries.
func DescribeCondition(c Condition) string {
	switch c.Type {
	case CondClickedSpecificLink:
		return fmt.Sprintf("clicked_specific_link(%s)", c.LinkPattern)
	case CondBusinessHours:
		return fmt.Sprintf("business_hours(%s-%s)", c.BusinessHoursStart, c.BusinessHoursEnd)
	case CondNotReceivedRecently:
		if c.DaysThreshold != nil {
			return fmt.Sprintf("not_received_recently(%dd)", *c.DaysThreshold)
		}
	case CondHasTag, CondNotHasTag:
		return fmt.Sprintf("%s(%s)", c.Type, c.tagRef())
	case CondScoreAbove, CondScoreBelow:
		if c.ScoreThreshold != nil {
			return fmt.Sprintf("%s(%d)", c.Type, *c.ScoreThreshold)
		}
	case CondInSegment, CondNotInSegment:
		return fmt.Sprintf("%s(%s)", c.Type, c.SegmentID)
	}
	return string(c.Type)
}

// FormatDelay renders a delay in its authoring unit, singularized when the
// amount is 1.
func FormatDelay(d DelayPayload) string {
	unit := string(d.Unit)
	if d.Amount == 1 {
		unit = strings.TrimSuffix(unit, "s")
	}
	return fmt.Sprintf("%d %s", d.Amount, unit)
}

// Summarize renders a one-line description of a step for list views and logs.
func Summarize(s Step) string {
	switch s.Type {
	case StepEmail:
		if s.Email == nil {
			return "Email"
		}
		label := fmt.Sprintf("Email: %s", s.Email.Subject)
		if s.Email.Variant != nil {
			label += " (A/B)"
		}
		return label
	case StepDelay:
		if s.Delay == nil {
			return "Wait"
		}
		return "Wait " + FormatDelay(*s.Delay)
	case StepCondition:
		if s.Condition == nil {
			return "Branch"
		}
		branch, err := s.Condition.Branch()
		if err != nil {
			return "Branch (invalid)"
		}
		if len(branch.Groups) == 1 && len(branch.Groups[0].Conditions) == 1 {
			return "Branch: " + DescribeCondition(branch.Groups[0].Conditions[0])
		}
		total := 0
		for _, g := range branch.Groups {
			total += len(g.Conditions)
		}
		return fmt.Sprintf("Branch: %d conditions in %d groups (%s)", total, len(branch.Groups), branch.GroupLogic)
	}
	return string(s.Type)
}
