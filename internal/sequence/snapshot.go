package sequence

import "time"

// ClickEvent is one recorded link click against the previous email step.
type ClickEvent struct {
	URL string `json:"url"`
}

// SubscriberSnapshot is the read-only view of a subscriber's history that the
// evaluator consults. It is resolved by the caller before evaluation; the
// evaluator performs no lookups of its own. Nil engagement fields mean "no
// data": conditions over them come out unsatisfied rather than erroring,
// except for the opened_previous family where a missing previous email step
// has defined semantics.
type SubscriberSnapshot struct {
	Tags               []string     `json:"tags"`
	EngagementScore    int          `json:"engagement_score"`
	Segments           []string     `json:"segments"`
	LastEmailSentAt    *time.Time   `json:"last_email_sent_at"`
	PreviousStepOpened *bool        `json:"previous_step_open_event"`
	PreviousStepClicks []ClickEvent `json:"previous_step_click_events"`
}

// HasTag reports whether the snapshot's tag set contains tag.
func (s SubscriberSnapshot) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// InSegment reports pre-resolved membership in the given segment.
func (s SubscriberSnapshot) InSegment(segmentID string) bool {
	for _, id := range s.Segments {
		if id == segmentID {
			return true
		}
	}
	return false
}
