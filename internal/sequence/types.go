package sequence

import (
	"time"

	"github.com/google/uuid"
)

// Sequence statuses. Steps may only be mutated while draft or paused; the
// scheduler only advances enrollments of active sequences.
const (
	StatusDraft  = "draft"
	StatusActive = "active"
	StatusPaused = "paused"
)

// Enrollment statuses.
const (
	EnrollmentActive     = "active"
	EnrollmentCompleted  = "completed"
	EnrollmentTerminated = "terminated"
	EnrollmentError      = "error"
)

// Sequence is an ordered, named set of steps defining an automated drip.
// Timezone is the IANA identifier all wall-clock evaluation for this
// sequence resolves against; it is looked up at evaluation time, so changing
// it affects future evaluations only.
type Sequence struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Timezone  string    `json:"timezone"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Location resolves the sequence's timezone, falling back to UTC when unset.
func (s Sequence) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// Mutable reports whether steps may be created, edited, reordered or deleted.
func (s Sequence) Mutable() bool {
	return s.Status == StatusDraft || s.Status == StatusPaused
}

// Enrollment is one subscriber's progress pointer through one sequence run.
// The record itself is owned by the runtime; the core only consumes a
// snapshot and returns a decision.
type Enrollment struct {
	ID               uuid.UUID  `json:"id"`
	SequenceID       uuid.UUID  `json:"sequence_id"`
	SubscriberID     uuid.UUID  `json:"subscriber_id"`
	CurrentStepIndex int        `json:"current_step_index"`
	Status           string     `json:"status"`
	NextRunAt        *time.Time `json:"next_run_at"`
	LastError        string     `json:"last_error,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}
