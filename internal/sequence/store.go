package sequence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store handles CRUD for drip_sequences, drip_steps and drip_enrollments.
// Step payloads (email/delay/condition incl. branch configs) are stored as a
// JSON blob per step; the enum strings and field names in the blob are part
// of the on-disk contract and round-trip byte-for-byte.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the engine's tables and indexes if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS drip_sequences (
			id UUID PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			status VARCHAR(50) DEFAULT 'draft',
			timezone VARCHAR(100),
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS drip_steps (
			id UUID PRIMARY KEY,
			sequence_id UUID REFERENCES drip_sequences(id) ON DELETE CASCADE,
			step_order INT NOT NULL,
			step_type VARCHAR(20) NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			UNIQUE(sequence_id, step_order)
		);

		CREATE TABLE IF NOT EXISTS drip_enrollments (
			id UUID PRIMARY KEY,
			sequence_id UUID REFERENCES drip_sequences(id) ON DELETE CASCADE,
			subscriber_id UUID NOT NULL,
			current_step_index INT NOT NULL DEFAULT 0,
			status VARCHAR(50) DEFAULT 'active',
			next_run_at TIMESTAMPTZ,
			last_error TEXT,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_drip_enrollments_due ON drip_enrollments(next_run_at) WHERE status = 'active';
		CREATE INDEX IF NOT EXISTS idx_drip_enrollments_sequence ON drip_enrollments(sequence_id);
		CREATE INDEX IF NOT EXISTS idx_drip_steps_sequence ON drip_steps(sequence_id, step_order);
	`)
	return err
}

// stepPayload is the persisted JSON blob of one step.
type stepPayload struct {
	Email     *EmailPayload     `json:"email,omitempty"`
	Delay     *DelayPayload     `json:"delay,omitempty"`
	Condition *ConditionPayload `json:"condition,omitempty"`
}

func (s *Store) CreateSequence(ctx context.Context, seq *Sequence) error {
	if seq.ID == uuid.Nil {
		seq.ID = uuid.New()
	}
	if seq.Status == "" {
		seq.Status = StatusDraft
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drip_sequences (id, name, status, timezone)
		VALUES ($1, $2, $3, $4)`,
		seq.ID, seq.Name, seq.Status, seq.Timezone)
	return err
}

func (s *Store) GetSequence(ctx context.Context, id uuid.UUID) (*Sequence, error) {
	var seq Sequence
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, COALESCE(timezone,''), created_at, updated_at
		FROM drip_sequences WHERE id = $1`, id,
	).Scan(&seq.ID, &seq.Name, &seq.Status, &seq.Timezone, &seq.CreatedAt, &seq.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

func (s *Store) ListSequences(ctx context.Context) ([]Sequence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, COALESCE(timezone,''), created_at, updated_at
		FROM drip_sequences ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []Sequence
	for rows.Next() {
		var seq Sequence
		if err := rows.Scan(&seq.ID, &seq.Name, &seq.Status, &seq.Timezone, &seq.CreatedAt, &seq.UpdatedAt); err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

func (s *Store) UpdateSequence(ctx context.Context, seq *Sequence) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE drip_sequences SET name=$1, status=$2, timezone=$3, updated_at=NOW()
		WHERE id = $4`,
		seq.Name, seq.Status, seq.Timezone, seq.ID)
	return err
}

func (s *Store) DeleteSequence(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM drip_sequences WHERE id = $1`, id)
	return err
}

// GetSteps returns the sequence's steps ordered by step_order, as the
// immutable snapshot one evaluation pass works against.
func (s *Store) GetSteps(ctx context.Context, sequenceID uuid.UUID) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sequence_id, step_order, step_type, payload
		FROM drip_steps WHERE sequence_id = $1 ORDER BY step_order ASC`, sequenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var step Step
		var payloadJSON []byte
		if err := rows.Scan(&step.ID, &step.SequenceID, &step.StepOrder, &step.Type, &payloadJSON); err != nil {
			return nil, err
		}
		var payload stepPayload
		if err := json.Unmarshal(payloadJSON, &payload); err != nil {
			return nil, fmt.Errorf("step %s: decode payload: %w", step.ID, err)
		}
		step.Email = payload.Email
		step.Delay = payload.Delay
		step.Condition = payload.Condition
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// ReplaceSteps validates and persists the full step list of a sequence in one
// transaction. Step mutations are only legal while the sequence is draft or
// paused.
func (s *Store) ReplaceSteps(ctx context.Context, sequenceID uuid.UUID, steps []Step) error {
	seq, err := s.GetSequence(ctx, sequenceID)
	if err != nil {
		return err
	}
	if seq == nil {
		return fmt.Errorf("sequence %s not found", sequenceID)
	}
	if !seq.Mutable() {
		return fmt.Errorf("sequence %s is %s; steps may only change while draft or paused", sequenceID, seq.Status)
	}
	if err := ValidateSteps(steps); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM drip_steps WHERE sequence_id = $1`, sequenceID); err != nil {
		return err
	}
	for _, step := range steps {
		if step.ID == uuid.Nil {
			step.ID = uuid.New()
		}
		payloadJSON, err := json.Marshal(stepPayload{Email: step.Email, Delay: step.Delay, Condition: step.Condition})
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO drip_steps (id, sequence_id, step_order, step_type, payload)
			VALUES ($1, $2, $3, $4, $5)`,
			step.ID, sequenceID, step.StepOrder, step.Type, payloadJSON); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) CreateEnrollment(ctx context.Context, e *Enrollment) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = EnrollmentActive
	}
	if e.NextRunAt == nil {
		now := time.Now()
		e.NextRunAt = &now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drip_enrollments (id, sequence_id, subscriber_id, current_step_index, status, next_run_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.SequenceID, e.SubscriberID, e.CurrentStepIndex, e.Status, e.NextRunAt)
	return err
}

func (s *Store) GetEnrollment(ctx context.Context, id uuid.UUID) (*Enrollment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sequence_id, subscriber_id, current_step_index, status, next_run_at,
			COALESCE(last_error,''), completed_at, created_at, updated_at
		FROM drip_enrollments WHERE id = $1`, id)
	return scanEnrollment(row)
}

func (s *Store) ListEnrollments(ctx context.Context, sequenceID uuid.UUID) ([]Enrollment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sequence_id, subscriber_id, current_step_index, status, next_run_at,
			COALESCE(last_error,''), completed_at, created_at, updated_at
		FROM drip_enrollments WHERE sequence_id = $1 ORDER BY created_at ASC`, sequenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var enrollments []Enrollment
	for rows.Next() {
		var e Enrollment
		if err := rows.Scan(&e.ID, &e.SequenceID, &e.SubscriberID, &e.CurrentStepIndex, &e.Status,
			&e.NextRunAt, &e.LastError, &e.CompletedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		enrollments = append(enrollments, e)
	}
	return enrollments, rows.Err()
}

// ListDueEnrollments returns active enrollments of active sequences whose
// wake time has passed, oldest first.
func (s *Store) ListDueEnrollments(ctx context.Context, now time.Time, limit int) ([]Enrollment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.sequence_id, e.subscriber_id, e.current_step_index, e.status, e.next_run_at,
			COALESCE(e.last_error,''), e.completed_at, e.created_at, e.updated_at
		FROM drip_enrollments e
		JOIN drip_sequences s ON s.id = e.sequence_id
		WHERE e.status = 'active'
		  AND s.status = 'active'
		  AND e.next_run_at IS NOT NULL
		  AND e.next_run_at <= $1
		ORDER BY e.next_run_at ASC
		LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var enrollments []Enrollment
	for rows.Next() {
		var e Enrollment
		if err := rows.Scan(&e.ID, &e.SequenceID, &e.SubscriberID, &e.CurrentStepIndex, &e.Status,
			&e.NextRunAt, &e.LastError, &e.CompletedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		enrollments = append(enrollments, e)
	}
	return enrollments, rows.Err()
}

// AdvanceEnrollment moves the step pointer with a compare-and-set on the
// current index, guarding against double-advancement when two workers race on
// the same enrollment. Returns ErrConflict when the CAS loses.
func (s *Store) AdvanceEnrollment(ctx context.Context, id uuid.UUID, fromIndex, toIndex int, nextRunAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE drip_enrollments
		SET current_step_index=$1, next_run_at=$2, last_error='', updated_at=NOW()
		WHERE id = $3 AND current_step_index = $4 AND status = 'active'`,
		toIndex, nextRunAt, id, fromIndex)
	if err != nil {
		return err
	}
	return casResult(res)
}

// FinishEnrollment marks an enrollment completed or terminated, CAS-guarded
// the same way as AdvanceEnrollment.
func (s *Store) FinishEnrollment(ctx context.Context, id uuid.UUID, fromIndex int, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE drip_enrollments
		SET status=$1, next_run_at=NULL, completed_at=NOW(), updated_at=NOW()
		WHERE id = $2 AND current_step_index = $3 AND status = 'active'`,
		status, id, fromIndex)
	if err != nil {
		return err
	}
	return casResult(res)
}

// MarkEnrollmentError records a configuration error and takes the enrollment
// out of the due-work query. The pointer stays where it was; the enrollment
// is retried only after the configuration is corrected.
func (s *Store) MarkEnrollmentError(ctx context.Context, id uuid.UUID, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE drip_enrollments
		SET status='error', last_error=$1, next_run_at=NULL, updated_at=NOW()
		WHERE id = $2`,
		detail, id)
	return err
}

// RequeueErroredEnrollments puts errored enrollments of a sequence back into
// the due-work query, called after its configuration has been corrected.
func (s *Store) RequeueErroredEnrollments(ctx context.Context, sequenceID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE drip_enrollments
		SET status='active', last_error='', next_run_at=NOW(), updated_at=NOW()
		WHERE sequence_id = $1 AND status = 'error'`,
		sequenceID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TerminateEnrollment cancels an enrollment externally, regardless of index.
func (s *Store) TerminateEnrollment(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE drip_enrollments
		SET status='terminated', next_run_at=NULL, completed_at=NOW(), updated_at=NOW()
		WHERE id = $1 AND status = 'active'`, id)
	return err
}

func casResult(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func scanEnrollment(row *sql.Row) (*Enrollment, error) {
	var e Enrollment
	err := row.Scan(&e.ID, &e.SequenceID, &e.SubscriberID, &e.CurrentStepIndex, &e.Status,
		&e.NextRunAt, &e.LastError, &e.CompletedAt, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
