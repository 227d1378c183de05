package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ignite/drip-engine/internal/sequence"
)

// SequenceStore is the slice of the sequence store the API needs.
type SequenceStore interface {
	CreateSequence(ctx context.Context, seq *sequence.Sequence) error
	GetSequence(ctx context.Context, id uuid.UUID) (*sequence.Sequence, error)
	ListSequences(ctx context.Context) ([]sequence.Sequence, error)
	UpdateSequence(ctx context.Context, seq *sequence.Sequence) error
	DeleteSequence(ctx context.Context, id uuid.UUID) error
	GetSteps(ctx context.Context, sequenceID uuid.UUID) ([]sequence.Step, error)
	ReplaceSteps(ctx context.Context, sequenceID uuid.UUID, steps []sequence.Step) error
	CreateEnrollment(ctx context.Context, e *sequence.Enrollment) error
	ListEnrollments(ctx context.Context, sequenceID uuid.UUID) ([]sequence.Enrollment, error)
	TerminateEnrollment(ctx context.Context, id uuid.UUID) error
	RequeueErroredEnrollments(ctx context.Context, sequenceID uuid.UUID) (int64, error)
}

// Handlers hosts the admin API for sequences, steps and enrollments.
type Handlers struct {
	store SequenceStore
}

func NewHandlers(store SequenceStore) *Handlers {
	return &Handlers{store: store}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusFor maps store/engine errors onto HTTP statuses: configuration
// errors are the operator's to fix (422), everything else is a 500.
func statusFor(err error) int {
	if sequence.IsConfigurationError(err) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathUUID(r *http.Request, key string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, key))
	return id, err == nil
}

// ==========================================
// SEQUENCES
// ==========================================

func (h *Handlers) ListSequences(w http.ResponseWriter, r *http.Request) {
	seqs, err := h.store.ListSequences(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sequences": seqs,
		"total":     len(seqs),
	})
}

func (h *Handlers) CreateSequence(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Timezone string `json:"timezone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			respondError(w, http.StatusBadRequest, "invalid timezone: "+req.Timezone)
			return
		}
	}
	seq := &sequence.Sequence{Name: req.Name, Timezone: req.Timezone, Status: sequence.StatusDraft}
	if err := h.store.CreateSequence(r.Context(), seq); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, seq)
}

func (h *Handlers) GetSequence(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "sequenceID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid sequence id")
		return
	}
	seq, err := h.store.GetSequence(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if seq == nil {
		respondError(w, http.StatusNotFound, "sequence not found")
		return
	}
	steps, err := h.store.GetSteps(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	summaries := make([]string, len(steps))
	for i, s := range steps {
		summaries[i] = sequence.Summarize(s)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sequence":  seq,
		"steps":     steps,
		"summaries": summaries,
	})
}

func (h *Handlers) UpdateSequence(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "sequenceID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid sequence id")
		return
	}
	seq, err := h.store.GetSequence(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if seq == nil {
		respondError(w, http.StatusNotFound, "sequence not found")
		return
	}

	var req struct {
		Name     *string `json:"name"`
		Status   *string `json:"status"`
		Timezone *string `json:"timezone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name != nil {
		seq.Name = *req.Name
	}
	if req.Timezone != nil {
		if *req.Timezone != "" {
			if _, err := time.LoadLocation(*req.Timezone); err != nil {
				respondError(w, http.StatusBadRequest, "invalid timezone: "+*req.Timezone)
				return
			}
		}
		seq.Timezone = *req.Timezone
	}
	if req.Status != nil {
		switch *req.Status {
		case sequence.StatusDraft, sequence.StatusActive, sequence.StatusPaused:
		default:
			respondError(w, http.StatusBadRequest, "invalid status: "+*req.Status)
			return
		}
		// Activation revalidates the step list so a broken branch config
		// never goes live.
		if *req.Status == sequence.StatusActive {
			steps, err := h.store.GetSteps(r.Context(), id)
			if err != nil {
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if err := sequence.ValidateSteps(steps); err != nil {
				respondError(w, statusFor(err), err.Error())
				return
			}
		}
		seq.Status = *req.Status
	}
	if err := h.store.UpdateSequence(r.Context(), seq); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, seq)
}

func (h *Handlers) DeleteSequence(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "sequenceID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid sequence id")
		return
	}
	if err := h.store.DeleteSequence(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ==========================================
// STEPS
// ==========================================

func (h *Handlers) GetSteps(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "sequenceID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid sequence id")
		return
	}
	steps, err := h.store.GetSteps(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"steps": steps,
		"total": len(steps),
	})
}

// ReplaceSteps installs the full step list for a sequence. The store rejects
// the mutation unless the sequence is draft or paused; a valid install also
// requeues enrollments parked on a configuration error, since the
// configuration they were waiting on has changed.
func (h *Handlers) ReplaceSteps(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "sequenceID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid sequence id")
		return
	}
	var req struct {
		Steps []sequence.Step `json:"steps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for i := range req.Steps {
		req.Steps[i].SequenceID = id
	}
	if err := h.store.ReplaceSteps(r.Context(), id, req.Steps); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	requeued, err := h.store.RequeueErroredEnrollments(r.Context(), id)
	if err != nil {
		log.Printf("[API] requeue errored enrollments for %s: %v", id, err)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"steps":    req.Steps,
		"requeued": requeued,
	})
}

// ReorderSteps rebuilds the step order from an id permutation, remapping
// skip targets so they keep following the steps they pointed at.
func (h *Handlers) ReorderSteps(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "sequenceID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid sequence id")
		return
	}
	var req struct {
		StepIDs []uuid.UUID `json:"step_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	steps, err := h.store.GetSteps(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	reordered, err := sequence.ReorderSteps(steps, req.StepIDs)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	if err := h.store.ReplaceSteps(r.Context(), id, reordered); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"steps": reordered})
}

func (h *Handlers) DeleteStep(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "sequenceID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid sequence id")
		return
	}
	stepID, ok := pathUUID(r, "stepID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid step id")
		return
	}
	steps, err := h.store.GetSteps(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	remaining, err := sequence.RemoveStep(steps, stepID)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	if err := h.store.ReplaceSteps(r.Context(), id, remaining); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"steps": remaining})
}

// ==========================================
// ENROLLMENTS
// ==========================================

func (h *Handlers) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "sequenceID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid sequence id")
		return
	}
	enrollments, err := h.store.ListEnrollments(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"enrollments": enrollments,
		"total":       len(enrollments),
	})
}

func (h *Handlers) CreateEnrollment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "sequenceID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid sequence id")
		return
	}
	var req struct {
		SubscriberID uuid.UUID `json:"subscriber_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SubscriberID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "subscriber_id is required")
		return
	}
	e := &sequence.Enrollment{SequenceID: id, SubscriberID: req.SubscriberID}
	if err := h.store.CreateEnrollment(r.Context(), e); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, e)
}

func (h *Handlers) TerminateEnrollment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "enrollmentID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid enrollment id")
		return
	}
	if err := h.store.TerminateEnrollment(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

// ==========================================
// PREVIEW
// ==========================================

// PreviewBranch runs the evaluator for one condition step against a
// caller-supplied snapshot, without touching any enrollment. This backs the
// UI's "test this branch" affordance.
func (h *Handlers) PreviewBranch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "sequenceID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid sequence id")
		return
	}
	var req struct {
		StepIndex int                         `json:"step_index"`
		Snapshot  sequence.SubscriberSnapshot `json:"snapshot"`
		Now       *time.Time                  `json:"now,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	seq, err := h.store.GetSequence(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if seq == nil {
		respondError(w, http.StatusNotFound, "sequence not found")
		return
	}
	steps, err := h.store.GetSteps(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.StepIndex < 0 || req.StepIndex >= len(steps) {
		respondError(w, http.StatusBadRequest, "step_index out of range")
		return
	}
	step := steps[req.StepIndex]
	if step.Type != sequence.StepCondition || step.Condition == nil {
		respondError(w, http.StatusBadRequest, "step is not a condition step")
		return
	}
	branch, err := step.Condition.Branch()
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	loc, err := seq.Location()
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid sequence timezone: "+seq.Timezone)
		return
	}
	now := time.Now()
	if req.Now != nil {
		now = *req.Now
	}

	passed, trace, err := sequence.Evaluate(branch, req.Snapshot, now.In(loc))
	if err != nil {
		respondJSON(w, statusFor(err), map[string]interface{}{
			"error": err.Error(),
			"trace": trace,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"passed": passed,
		"trace":  trace,
	})
}
