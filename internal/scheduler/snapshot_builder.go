package scheduler

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/ignite/drip-engine/internal/sequence"
)

// SnapshotBuilder resolves a subscriber's history out of Postgres into the
// read-only snapshot the evaluator consumes. All lookups happen here, before
// evaluation; the core engine never touches the database.
type SnapshotBuilder struct {
	db *sql.DB
}

func NewSnapshotBuilder(db *sql.DB) *SnapshotBuilder {
	return &SnapshotBuilder{db: db}
}

// Snapshot builds the evaluation snapshot for one enrollment positioned at
// currentIndex. Engagement for the "previous email" conditions is resolved
// against the nearest email step before currentIndex; when there is none the
// open/click fields stay nil and the evaluator applies its defined defaults.
func (b *SnapshotBuilder) Snapshot(ctx context.Context, subscriberID uuid.UUID, steps []sequence.Step, currentIndex int) (sequence.SubscriberSnapshot, error) {
	var snap sequence.SubscriberSnapshot

	var lastEmailAt sql.NullTime
	err := b.db.QueryRowContext(ctx,
		`SELECT COALESCE(engagement_score, 0), last_email_at
		FROM drip_subscribers WHERE id = $1`, subscriberID,
	).Scan(&snap.EngagementScore, &lastEmailAt)
	if err != nil {
		return snap, fmt.Errorf("load subscriber %s: %w", subscriberID, err)
	}
	if lastEmailAt.Valid {
		t := lastEmailAt.Time
		snap.LastEmailSentAt = &t
	}

	if snap.Tags, err = b.queryStrings(ctx,
		`SELECT tag FROM drip_subscriber_tags WHERE subscriber_id = $1 ORDER BY tag`, subscriberID); err != nil {
		return snap, fmt.Errorf("load tags: %w", err)
	}
	if snap.Segments, err = b.queryStrings(ctx,
		`SELECT segment_id FROM drip_segment_members WHERE subscriber_id = $1`, subscriberID); err != nil {
		return snap, fmt.Errorf("load segments: %w", err)
	}

	prev := previousEmailStep(steps, currentIndex)
	if prev == nil {
		return snap, nil
	}

	var opened bool
	err = b.db.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM drip_tracking_events
			WHERE subscriber_id = $1 AND step_id = $2 AND event_type = 'opened'
		)`, subscriberID, prev.ID).Scan(&opened)
	if err != nil {
		return snap, fmt.Errorf("load opens: %w", err)
	}
	snap.PreviousStepOpened = &opened

	urls, err := b.queryStrings(ctx,
		`SELECT url FROM drip_tracking_events
		WHERE subscriber_id = $1 AND step_id = $2 AND event_type = 'clicked' AND url IS NOT NULL
		ORDER BY created_at ASC`, subscriberID, prev.ID)
	if err != nil {
		return snap, fmt.Errorf("load clicks: %w", err)
	}
	for _, u := range urls {
		snap.PreviousStepClicks = append(snap.PreviousStepClicks, sequence.ClickEvent{URL: u})
	}
	return snap, nil
}

func (b *SnapshotBuilder) queryStrings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// previousEmailStep finds the email step immediately preceding currentIndex.
func previousEmailStep(steps []sequence.Step, currentIndex int) *sequence.Step {
	if currentIndex > len(steps) {
		currentIndex = len(steps)
	}
	for i := currentIndex - 1; i >= 0; i-- {
		if steps[i].Type == sequence.StepEmail {
			return &steps[i]
		}
	}
	return nil
}
