package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/drip-engine/internal/sequence"
)

// fakeStore is an in-memory SequenceStore for handler tests.
type fakeStore struct {
	sequences   map[uuid.UUID]*sequence.Sequence
	steps       map[uuid.UUID][]sequence.Step
	enrollments map[uuid.UUID]*sequence.Enrollment
	requeued    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sequences:   make(map[uuid.UUID]*sequence.Sequence),
		steps:       make(map[uuid.UUID][]sequence.Step),
		enrollments: make(map[uuid.UUID]*sequence.Enrollment),
	}
}

func (f *fakeStore) CreateSequence(ctx context.Context, seq *sequence.Sequence) error {
	if seq.ID == uuid.Nil {
		seq.ID = uuid.New()
	}
	if seq.Status == "" {
		seq.Status = sequence.StatusDraft
	}
	f.sequences[seq.ID] = seq
	return nil
}

func (f *fakeStore) GetSequence(ctx context.Context, id uuid.UUID) (*sequence.Sequence, error) {
	return f.sequences[id], nil
}

func (f *fakeStore) ListSequences(ctx context.Context) ([]sequence.Sequence, error) {
	var out []sequence.Sequence
	for _, s := range f.sequences {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeStore) UpdateSequence(ctx context.Context, seq *sequence.Sequence) error {
	f.sequences[seq.ID] = seq
	return nil
}

func (f *fakeStore) DeleteSequence(ctx context.Context, id uuid.UUID) error {
	delete(f.sequences, id)
	return nil
}

func (f *fakeStore) GetSteps(ctx context.Context, sequenceID uuid.UUID) ([]sequence.Step, error) {
	return f.steps[sequenceID], nil
}

func (f *fakeStore) ReplaceSteps(ctx context.Context, sequenceID uuid.UUID, steps []sequence.Step) error {
	seq := f.sequences[sequenceID]
	if seq == nil {
		return fmt.Errorf("sequence %s not found", sequenceID)
	}
	if !seq.Mutable() {
		return fmt.Errorf("sequence %s is %s; steps may only change while draft or paused", sequenceID, seq.Status)
	}
	if err := sequence.ValidateSteps(steps); err != nil {
		return err
	}
	f.steps[sequenceID] = steps
	return nil
}

func (f *fakeStore) CreateEnrollment(ctx context.Context, e *sequence.Enrollment) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.Status = sequence.EnrollmentActive
	f.enrollments[e.ID] = e
	return nil
}

func (f *fakeStore) ListEnrollments(ctx context.Context, sequenceID uuid.UUID) ([]sequence.Enrollment, error) {
	var out []sequence.Enrollment
	for _, e := range f.enrollments {
		if e.SequenceID == sequenceID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeStore) TerminateEnrollment(ctx context.Context, id uuid.UUID) error {
	if e := f.enrollments[id]; e != nil {
		e.Status = sequence.EnrollmentTerminated
	}
	return nil
}

func (f *fakeStore) RequeueErroredEnrollments(ctx context.Context, sequenceID uuid.UUID) (int64, error) {
	return f.requeued, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func doRequest(t *testing.T, store *fakeStore, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	SetupRoutes(NewHandlers(store)).ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func draftSequence(store *fakeStore, tz string) *sequence.Sequence {
	seq := &sequence.Sequence{ID: uuid.New(), Name: "Welcome series", Status: sequence.StatusDraft, Timezone: tz}
	store.sequences[seq.ID] = seq
	return seq
}

func apiEmailStep(order int) sequence.Step {
	return sequence.Step{
		ID:        uuid.New(),
		StepOrder: order,
		Type:      sequence.StepEmail,
		Email:     &sequence.EmailPayload{Subject: "Hi", Body: "Welcome"},
	}
}

func apiConditionStep(order int, cond sequence.Condition) sequence.Step {
	return sequence.Step{
		ID:        uuid.New(),
		StepOrder: order,
		Type:      sequence.StepCondition,
		Condition: &sequence.ConditionPayload{
			UseAdvanced: true,
			Advanced: &sequence.BranchConfig{
				Groups: []sequence.ConditionGroup{{
					ID: "g1", Logic: sequence.LogicAnd, Conditions: []sequence.Condition{cond},
				}},
				GroupLogic: sequence.LogicAnd,
				IfTrue:     sequence.ActionSpec{Action: sequence.ActionContinue},
				IfFalse:    sequence.ActionSpec{Action: sequence.ActionEndSequence},
			},
		},
	}
}

// =============================================================================
// SEQUENCES
// =============================================================================

func TestCreateSequence(t *testing.T) {
	store := newFakeStore()
	rec := doRequest(t, store, "POST", "/api/sequences", map[string]string{
		"name":     "Welcome series",
		"timezone": "America/New_York",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "draft" {
		t.Errorf("status = %v, want draft", body["status"])
	}
	if len(store.sequences) != 1 {
		t.Errorf("stored %d sequences, want 1", len(store.sequences))
	}
}

func TestCreateSequence_Invalid(t *testing.T) {
	store := newFakeStore()

	rec := doRequest(t, store, "POST", "/api/sequences", map[string]string{"timezone": "UTC"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing name: status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, store, "POST", "/api/sequences", map[string]string{
		"name": "x", "timezone": "Mars/Olympus_Mons",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad timezone: status = %d, want 400", rec.Code)
	}
}

func TestGetSequence_WithSummaries(t *testing.T) {
	store := newFakeStore()
	seq := draftSequence(store, "")
	store.steps[seq.ID] = []sequence.Step{
		apiEmailStep(0),
		{ID: uuid.New(), StepOrder: 1, Type: sequence.StepDelay, Delay: &sequence.DelayPayload{Amount: 2, Unit: sequence.UnitDays}},
	}

	rec := doRequest(t, store, "GET", "/api/sequences/"+seq.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	summaries, _ := body["summaries"].([]interface{})
	if len(summaries) != 2 || summaries[1] != "Wait 2 days" {
		t.Errorf("summaries = %v", summaries)
	}
}

func TestGetSequence_NotFound(t *testing.T) {
	rec := doRequest(t, newFakeStore(), "GET", "/api/sequences/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestUpdateSequence_ActivationRevalidatesSteps(t *testing.T) {
	store := newFakeStore()
	seq := draftSequence(store, "")
	// A branch config with a missing score threshold must keep the
	// sequence from going live.
	store.steps[seq.ID] = []sequence.Step{
		apiConditionStep(0, sequence.Condition{ID: "c1", Type: sequence.CondScoreAbove}),
	}

	rec := doRequest(t, store, "PUT", "/api/sequences/"+seq.ID.String(), map[string]string{"status": "active"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422; body %s", rec.Code, rec.Body.String())
	}
	if store.sequences[seq.ID].Status != sequence.StatusDraft {
		t.Error("broken sequence was activated")
	}

	threshold := 50
	store.steps[seq.ID][0].Condition.Advanced.Groups[0].Conditions[0].ScoreThreshold = &threshold
	rec = doRequest(t, store, "PUT", "/api/sequences/"+seq.ID.String(), map[string]string{"status": "active"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if store.sequences[seq.ID].Status != sequence.StatusActive {
		t.Error("valid sequence was not activated")
	}
}

// =============================================================================
// STEPS
// =============================================================================

func TestReplaceSteps(t *testing.T) {
	store := newFakeStore()
	store.requeued = 2
	seq := draftSequence(store, "")

	rec := doRequest(t, store, "PUT", "/api/sequences/"+seq.ID.String()+"/steps", map[string]interface{}{
		"steps": []sequence.Step{apiEmailStep(0), apiEmailStep(1)},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["requeued"] != float64(2) {
		t.Errorf("requeued = %v, want 2", body["requeued"])
	}
	if len(store.steps[seq.ID]) != 2 {
		t.Errorf("stored %d steps, want 2", len(store.steps[seq.ID]))
	}
	if store.steps[seq.ID][0].SequenceID != seq.ID {
		t.Error("sequence id not stamped onto steps")
	}
}

func TestReplaceSteps_InvalidConfigIs422(t *testing.T) {
	store := newFakeStore()
	seq := draftSequence(store, "")

	rec := doRequest(t, store, "PUT", "/api/sequences/"+seq.ID.String()+"/steps", map[string]interface{}{
		"steps": []sequence.Step{apiConditionStep(0, sequence.Condition{ID: "c1", Type: sequence.CondHasTag})},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422; body %s", rec.Code, rec.Body.String())
	}
}

func TestReorderSteps(t *testing.T) {
	store := newFakeStore()
	seq := draftSequence(store, "")
	a, b := apiEmailStep(0), apiEmailStep(1)
	store.steps[seq.ID] = []sequence.Step{a, b}

	rec := doRequest(t, store, "POST", "/api/sequences/"+seq.ID.String()+"/steps/reorder", map[string]interface{}{
		"step_ids": []uuid.UUID{b.ID, a.ID},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := store.steps[seq.ID]
	if got[0].ID != b.ID || got[0].StepOrder != 0 || got[1].ID != a.ID {
		t.Errorf("steps after reorder = %+v", got)
	}
}

func TestDeleteStep_ReferencedTargetRejected(t *testing.T) {
	store := newFakeStore()
	seq := draftSequence(store, "")
	target := 2
	jump := apiConditionStep(0, sequence.Condition{ID: "c1", Type: sequence.CondWeekdaysOnly})
	jump.Condition.Advanced.IfTrue = sequence.ActionSpec{Action: sequence.ActionSkipToStep, SkipToStepIndex: &target}
	victim := apiEmailStep(1)
	last := apiEmailStep(2)
	store.steps[seq.ID] = []sequence.Step{jump, victim, last}

	rec := doRequest(t, store, "DELETE", "/api/sequences/"+seq.ID.String()+"/steps/"+last.ID.String(), nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("deleting referenced step: status = %d, want 422", rec.Code)
	}

	rec = doRequest(t, store, "DELETE", "/api/sequences/"+seq.ID.String()+"/steps/"+victim.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got := store.steps[seq.ID]
	if len(got) != 2 || *got[0].Condition.Advanced.IfTrue.SkipToStepIndex != 1 {
		t.Errorf("steps after delete = %+v", got)
	}
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

func TestEnrollmentLifecycle(t *testing.T) {
	store := newFakeStore()
	seq := draftSequence(store, "")
	subID := uuid.New()

	rec := doRequest(t, store, "POST", "/api/sequences/"+seq.ID.String()+"/enrollments", map[string]uuid.UUID{
		"subscriber_id": subID,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	enrollmentID := body["id"].(string)

	rec = doRequest(t, store, "GET", "/api/sequences/"+seq.ID.String()+"/enrollments", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	if total := decodeBody(t, rec)["total"]; total != float64(1) {
		t.Errorf("total = %v, want 1", total)
	}

	rec = doRequest(t, store, "POST", "/api/enrollments/"+enrollmentID+"/terminate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("terminate: status = %d", rec.Code)
	}
	id := uuid.MustParse(enrollmentID)
	if store.enrollments[id].Status != sequence.EnrollmentTerminated {
		t.Errorf("enrollment status = %s, want terminated", store.enrollments[id].Status)
	}
}

func TestCreateEnrollment_MissingSubscriber(t *testing.T) {
	store := newFakeStore()
	seq := draftSequence(store, "")
	rec := doRequest(t, store, "POST", "/api/sequences/"+seq.ID.String()+"/enrollments", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// =============================================================================
// PREVIEW
// =============================================================================

func TestPreviewBranch(t *testing.T) {
	store := newFakeStore()
	seq := draftSequence(store, "America/New_York")
	store.steps[seq.ID] = []sequence.Step{
		apiConditionStep(0, sequence.Condition{ID: "c1", Type: sequence.CondHasTag, TagName: "vip"}),
	}

	rec := doRequest(t, store, "POST", "/api/sequences/"+seq.ID.String()+"/preview", map[string]interface{}{
		"step_index": 0,
		"snapshot":   sequence.SubscriberSnapshot{Tags: []string{"vip"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["passed"] != true {
		t.Errorf("passed = %v, want true", body["passed"])
	}
	trace, _ := body["trace"].([]interface{})
	if len(trace) == 0 {
		t.Error("preview returned no trace")
	}
}

func TestPreviewBranch_TimeConditionUsesSequenceTimezone(t *testing.T) {
	store := newFakeStore()
	seq := draftSequence(store, "America/New_York")
	store.steps[seq.ID] = []sequence.Step{
		apiConditionStep(0, sequence.Condition{ID: "c1", Type: sequence.CondWeekdaysOnly}),
	}

	// Saturday 01:30 UTC is still Friday evening in New York.
	now := time.Date(2024, 1, 6, 1, 30, 0, 0, time.UTC)
	rec := doRequest(t, store, "POST", "/api/sequences/"+seq.ID.String()+"/preview", map[string]interface{}{
		"step_index": 0,
		"snapshot":   sequence.SubscriberSnapshot{},
		"now":        now,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["passed"] != true {
		t.Errorf("passed = %v, want true (Friday in sequence timezone)", body["passed"])
	}
}

func TestPreviewBranch_Invalid(t *testing.T) {
	store := newFakeStore()
	seq := draftSequence(store, "")
	store.steps[seq.ID] = []sequence.Step{apiEmailStep(0)}

	rec := doRequest(t, store, "POST", "/api/sequences/"+seq.ID.String()+"/preview", map[string]interface{}{
		"step_index": 0,
		"snapshot":   sequence.SubscriberSnapshot{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("non-condition step: status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, store, "POST", "/api/sequences/"+seq.ID.String()+"/preview", map[string]interface{}{
		"step_index": 5,
		"snapshot":   sequence.SubscriberSnapshot{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("out-of-range index: status = %d, want 400", rec.Code)
	}
}

func TestPreviewBranch_ConfigurationErrorIs422(t *testing.T) {
	store := newFakeStore()
	seq := draftSequence(store, "")
	store.steps[seq.ID] = []sequence.Step{
		apiConditionStep(0, sequence.Condition{ID: "c1", Type: sequence.CondScoreAbove}),
	}

	rec := doRequest(t, store, "POST", "/api/sequences/"+seq.ID.String()+"/preview", map[string]interface{}{
		"step_index": 0,
		"snapshot":   sequence.SubscriberSnapshot{},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422; body %s", rec.Code, rec.Body.String())
	}
}
