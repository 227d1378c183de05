package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/ignite/drip-engine/internal/sequence"
)

func TestSnapshot_NoPreviousEmailStep(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	subID := uuid.New()
	lastEmail := time.Now().Add(-48 * time.Hour)

	mock.ExpectQuery("FROM drip_subscribers").
		WithArgs(subID).
		WillReturnRows(sqlmock.NewRows([]string{"engagement_score", "last_email_at"}).
			AddRow(72, lastEmail))
	mock.ExpectQuery("FROM drip_subscriber_tags").
		WithArgs(subID).
		WillReturnRows(sqlmock.NewRows([]string{"tag"}).AddRow("east").AddRow("vip"))
	mock.ExpectQuery("FROM drip_segment_members").
		WithArgs(subID).
		WillReturnRows(sqlmock.NewRows([]string{"segment_id"}).AddRow("seg-1"))

	// Enrollment is at step 0, so there is no previous email step and no
	// tracking lookups happen.
	steps := []sequence.Step{emailStep(0, "Welcome")}
	snap, err := NewSnapshotBuilder(db).Snapshot(context.Background(), subID, steps, 0)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	if snap.EngagementScore != 72 {
		t.Errorf("EngagementScore = %d, want 72", snap.EngagementScore)
	}
	if snap.LastEmailSentAt == nil || !snap.LastEmailSentAt.Equal(lastEmail) {
		t.Errorf("LastEmailSentAt = %v, want %v", snap.LastEmailSentAt, lastEmail)
	}
	if len(snap.Tags) != 2 || !snap.HasTag("vip") {
		t.Errorf("Tags = %v", snap.Tags)
	}
	if !snap.InSegment("seg-1") {
		t.Errorf("Segments = %v", snap.Segments)
	}
	if snap.PreviousStepOpened != nil {
		t.Error("PreviousStepOpened should stay nil without a previous email step")
	}
	if snap.PreviousStepClicks != nil {
		t.Error("PreviousStepClicks should stay nil without a previous email step")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSnapshot_WithPreviousEmailEngagement(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	subID := uuid.New()
	steps := []sequence.Step{
		emailStep(0, "Welcome"),
		{ID: uuid.New(), StepOrder: 1, Type: sequence.StepDelay, Delay: &sequence.DelayPayload{Amount: 1, Unit: sequence.UnitDays}},
		emailStep(2, "Not this one yet"),
	}

	mock.ExpectQuery("FROM drip_subscribers").
		WithArgs(subID).
		WillReturnRows(sqlmock.NewRows([]string{"engagement_score", "last_email_at"}).
			AddRow(10, nil))
	mock.ExpectQuery("FROM drip_subscriber_tags").
		WithArgs(subID).
		WillReturnRows(sqlmock.NewRows([]string{"tag"}))
	mock.ExpectQuery("FROM drip_segment_members").
		WithArgs(subID).
		WillReturnRows(sqlmock.NewRows([]string{"segment_id"}))
	// Engagement resolves against the nearest email step before index 2:
	// step 0, past the intervening delay.
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(subID, steps[0].ID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT url FROM drip_tracking_events").
		WithArgs(subID, steps[0].ID).
		WillReturnRows(sqlmock.NewRows([]string{"url"}).
			AddRow("https://shop.example.com/promo").
			AddRow("https://shop.example.com/checkout"))

	snap, err := NewSnapshotBuilder(db).Snapshot(context.Background(), subID, steps, 2)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	if snap.LastEmailSentAt != nil {
		t.Errorf("LastEmailSentAt = %v, want nil", snap.LastEmailSentAt)
	}
	if snap.PreviousStepOpened == nil || !*snap.PreviousStepOpened {
		t.Errorf("PreviousStepOpened = %v, want true", snap.PreviousStepOpened)
	}
	if len(snap.PreviousStepClicks) != 2 || snap.PreviousStepClicks[0].URL != "https://shop.example.com/promo" {
		t.Errorf("PreviousStepClicks = %v", snap.PreviousStepClicks)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPreviousEmailStep(t *testing.T) {
	steps := []sequence.Step{
		emailStep(0, "first"),
		{ID: uuid.New(), StepOrder: 1, Type: sequence.StepDelay, Delay: &sequence.DelayPayload{Amount: 1, Unit: sequence.UnitHours}},
		emailStep(2, "second"),
	}

	if got := previousEmailStep(steps, 0); got != nil {
		t.Errorf("previousEmailStep(0) = %v, want nil", got)
	}
	if got := previousEmailStep(steps, 2); got == nil || got.ID != steps[0].ID {
		t.Errorf("previousEmailStep(2) = %v, want step 0", got)
	}
	if got := previousEmailStep(steps, 3); got == nil || got.ID != steps[2].ID {
		t.Errorf("previousEmailStep(3) = %v, want step 2", got)
	}
	// Indexes past the end clamp instead of panicking.
	if got := previousEmailStep(steps, 10); got == nil || got.ID != steps[2].ID {
		t.Errorf("previousEmailStep(10) = %v, want step 2", got)
	}
}
