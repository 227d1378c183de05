package sequence

import (
	"fmt"
	"strings"
	"time"
)

// clockMinutes is a wall-clock time of day expressed as minutes past midnight.
type clockMinutes int

// parseClock parses a strict 2-digit "HH:MM" wall-clock value.
func parseClock(s string) (clockMinutes, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("%q is not a valid HH:MM time", s)
	}
	for _, i := range []int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("%q is not a valid HH:MM time", s)
		}
	}
	hh := int(s[0]-'0')*10 + int(s[1]-'0')
	mm := int(s[3]-'0')*10 + int(s[4]-'0')
	if hh > 23 || mm > 59 {
		return 0, fmt.Errorf("%q is out of range", s)
	}
	return clockMinutes(hh*60 + mm), nil
}

// matchLink matches a click URL against a pattern. A leading or trailing '*'
// is a wildcard; a pattern with no wildcard is substring containment.
// Matching is case-insensitive.
func matchLink(pattern, url string) bool {
	p := strings.ToLower(strings.TrimSpace(pattern))
	u := strings.ToLower(url)
	leading := strings.HasPrefix(p, "*")
	trailing := strings.HasSuffix(p, "*") && p != "*"
	core := strings.TrimSuffix(strings.TrimPrefix(p, "*"), "*")
	switch {
	case core == "":
		return true
	case leading && trailing:
		return strings.Contains(u, core)
	case leading:
		return strings.HasSuffix(u, core)
	case trailing:
		return strings.HasPrefix(u, core)
	default:
		return strings.Contains(u, p)
	}
}

// Evaluate runs a branch configuration against a subscriber snapshot.
// now must already be localized to the sequence's configured timezone; the
// time-based conditions read its wall-clock fields directly.
//
// The returned trace records, in order, every condition and group actually
// evaluated - short-circuited operands never run and never appear. On a
// ConfigurationError the partial trace up to the failing condition is still
// returned.
func Evaluate(cfg BranchConfig, snap SubscriberSnapshot, now time.Time) (bool, []string, error) {
	var trace []string
	if len(cfg.Groups) == 0 {
		return false, trace, &ConfigurationError{Detail: "branch config requires at least one condition group"}
	}

	var result bool
	for i, group := range cfg.Groups {
		passed, err := evaluateGroup(group, snap, now, &trace)
		if err != nil {
			return false, trace, err
		}
		trace = append(trace, fmt.Sprintf("group %d (%s) => %t", i+1, group.Logic, passed))
		result = passed
		// Short-circuit across groups mirrors within-group short-circuit.
		if cfg.GroupLogic == LogicAnd && !passed {
			break
		}
		if cfg.GroupLogic == LogicOr && passed {
			break
		}
	}
	trace = append(trace, fmt.Sprintf("branch (%s across %d groups) => %t", cfg.GroupLogic, len(cfg.Groups), result))
	return result, trace, nil
}

func evaluateGroup(group ConditionGroup, snap SubscriberSnapshot, now time.Time, trace *[]string) (bool, error) {
	if len(group.Conditions) == 0 {
		return false, &ConfigurationError{Detail: fmt.Sprintf("group %s has no conditions", group.ID)}
	}
	var result bool
	for _, cond := range group.Conditions {
		passed, err := evaluateCondition(cond, snap, now)
		if err != nil {
			return false, err
		}
		*trace = append(*trace, fmt.Sprintf("%s => %t", DescribeCondition(cond), passed))
		result = passed
		if group.Logic == LogicAnd && !passed {
			break
		}
		if group.Logic == LogicOr && passed {
			break
		}
	}
	return result, nil
}

// evaluateCondition decides a single predicate. A parameter required by the
// condition's type that is missing or malformed fails with a
// ConfigurationError, never a silent false.
func evaluateCondition(c Condition, snap SubscriberSnapshot, now time.Time) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}

	switch c.Type {
	case CondOpenedPrevious:
		// No previous email step: nothing to have opened.
		return snap.PreviousStepOpened != nil && *snap.PreviousStepOpened, nil
	case CondNotOpenedPrevious:
		return snap.PreviousStepOpened == nil || !*snap.PreviousStepOpened, nil
	case CondClickedAnyLink:
		return len(snap.PreviousStepClicks) > 0, nil
	case CondNotClickedAnyLink:
		return len(snap.PreviousStepClicks) == 0, nil
	case CondClickedSpecificLink:
		for _, click := range snap.PreviousStepClicks {
			if matchLink(c.LinkPattern, click.URL) {
				return true, nil
			}
		}
		return false, nil

	case CondWeekdaysOnly:
		wd := now.Weekday()
		return wd >= time.Monday && wd <= time.Friday, nil
	case CondBusinessHours:
		start, err := parseClock(c.BusinessHoursStart)
		if err != nil {
			return false, configErrf(c, "business_hours_start: %v", err)
		}
		end, err := parseClock(c.BusinessHoursEnd)
		if err != nil {
			return false, configErrf(c, "business_hours_end: %v", err)
		}
		cur := clockMinutes(now.Hour()*60 + now.Minute())
		if end < start {
			// Window wraps past midnight.
			return cur >= start || cur < end, nil
		}
		return cur >= start && cur < end, nil
	case CondNotReceivedRecently:
		if snap.LastEmailSentAt == nil {
			return true, nil
		}
		cutoff := now.Add(-time.Duration(*c.DaysThreshold) * 24 * time.Hour)
		return snap.LastEmailSentAt.Before(cutoff), nil

	case CondHasTag:
		return snap.HasTag(c.tagRef()), nil
	case CondNotHasTag:
		return !snap.HasTag(c.tagRef()), nil
	case CondScoreAbove:
		return snap.EngagementScore > *c.ScoreThreshold, nil
	case CondScoreBelow:
		return snap.EngagementScore < *c.ScoreThreshold, nil
	case CondInSegment:
		return snap.InSegment(c.SegmentID), nil
	case CondNotInSegment:
		return !snap.InSegment(c.SegmentID), nil
	}
	return false, configErrf(c, "unknown condition type %q", c.Type)
}
