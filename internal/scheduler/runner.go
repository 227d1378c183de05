// Package scheduler runs due enrollments through the sequence engine: a
// polling worker pool that claims each due enrollment, resolves its
// subscriber snapshot, computes the next step with sequence.Advance and
// persists the result with a compare-and-set per enrollment.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/drip-engine/internal/sequence"
)

// Storage is the slice of the sequence store the runner needs.
type Storage interface {
	ListDueEnrollments(ctx context.Context, now time.Time, limit int) ([]sequence.Enrollment, error)
	GetSequence(ctx context.Context, id uuid.UUID) (*sequence.Sequence, error)
	GetSteps(ctx context.Context, sequenceID uuid.UUID) ([]sequence.Step, error)
	AdvanceEnrollment(ctx context.Context, id uuid.UUID, fromIndex, toIndex int, nextRunAt *time.Time) error
	FinishEnrollment(ctx context.Context, id uuid.UUID, fromIndex int, status string) error
	MarkEnrollmentError(ctx context.Context, id uuid.UUID, detail string) error
}

// SnapshotSource resolves subscriber history before evaluation.
type SnapshotSource interface {
	Snapshot(ctx context.Context, subscriberID uuid.UUID, steps []sequence.Step, currentIndex int) (sequence.SubscriberSnapshot, error)
}

// SendFunc delivers one email step. The delivery pipeline itself lives
// outside this engine; a failed send leaves the enrollment in place to be
// retried on the next poll.
type SendFunc func(ctx context.Context, subscriberID uuid.UUID, email sequence.EmailPayload) error

// Runner polls for due enrollments and advances each one as an independent
// unit of work. Enrollments share no mutable state, so workers only
// coordinate through the claim lock and the store's compare-and-set.
type Runner struct {
	store     Storage
	snapshots SnapshotSource
	send      SendFunc
	claims    *ClaimLock // optional

	workerID     string
	pollInterval time.Duration
	batchSize    int
	concurrency  int

	totalAdvanced int64
	totalErrors   int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	mu        sync.RWMutex
	lastRunAt time.Time
	healthy   bool
}

func NewRunner(store Storage, snapshots SnapshotSource, send SendFunc) *Runner {
	return &Runner{
		store:        store,
		snapshots:    snapshots,
		send:         send,
		workerID:     fmt.Sprintf("drip-%s", uuid.New().String()[:8]),
		pollInterval: 5 * time.Second,
		batchSize:    100,
		concurrency:  8,
		healthy:      true,
	}
}

// SetClaims attaches the optional Redis claim lock.
func (r *Runner) SetClaims(c *ClaimLock) { r.claims = c }

// SetPollInterval overrides the default poll cadence.
func (r *Runner) SetPollInterval(d time.Duration) {
	if d > 0 {
		r.pollInterval = d
	}
}

// SetBatchSize overrides how many due enrollments one poll fetches.
func (r *Runner) SetBatchSize(n int) {
	if n > 0 {
		r.batchSize = n
	}
}

// SetConcurrency overrides the worker pool size.
func (r *Runner) SetConcurrency(n int) {
	if n > 0 {
		r.concurrency = n
	}
}

func (r *Runner) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()

	log.Printf("[Scheduler] Starting runner %s", r.workerID)
	r.wg.Add(1)
	go r.loop()
}

func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Println("[Scheduler] Shutdown timeout - forcing stop")
	}
	log.Printf("[Scheduler] Stopped. Advanced: %d, Errors: %d",
		atomic.LoadInt64(&r.totalAdvanced), atomic.LoadInt64(&r.totalErrors))
}

func (r *Runner) setHealthy(v bool) {
	r.mu.Lock()
	r.healthy = v
	r.mu.Unlock()
}

func (r *Runner) IsHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy
}

func (r *Runner) LastRunAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRunAt
}

func (r *Runner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.ProcessDue(r.ctx)
		}
	}
}

// ProcessDue runs one polling pass: fetch due enrollments and advance them
// concurrently across the worker pool.
func (r *Runner) ProcessDue(ctx context.Context) {
	r.mu.Lock()
	r.lastRunAt = time.Now()
	r.mu.Unlock()

	due, err := r.store.ListDueEnrollments(ctx, time.Now(), r.batchSize)
	if err != nil {
		log.Printf("[Scheduler] list due enrollments: %v", err)
		r.setHealthy(false)
		return
	}
	r.setHealthy(true)

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(e sequence.Enrollment) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := r.processEnrollment(ctx, e); err != nil {
				atomic.AddInt64(&r.totalErrors, 1)
				log.Printf("[Scheduler] enrollment %s: %v", e.ID, err)
			} else {
				atomic.AddInt64(&r.totalAdvanced, 1)
			}
		}(e)
	}
	wg.Wait()
}

func (r *Runner) processEnrollment(ctx context.Context, e sequence.Enrollment) error {
	if r.claims != nil {
		ok, err := r.claims.Acquire(ctx, e.ID)
		if err != nil {
			return fmt.Errorf("acquire claim: %w", err)
		}
		if !ok {
			return nil // another worker has it
		}
		defer r.claims.Release(ctx, e.ID)
	}

	seq, err := r.store.GetSequence(ctx, e.SequenceID)
	if err != nil {
		return fmt.Errorf("load sequence: %w", err)
	}
	if seq == nil || seq.Status != sequence.StatusActive {
		return nil
	}
	loc, err := seq.Location()
	if err != nil {
		return r.store.MarkEnrollmentError(ctx, e.ID, fmt.Sprintf("invalid timezone %q: %v", seq.Timezone, err))
	}

	steps, err := r.store.GetSteps(ctx, e.SequenceID)
	if err != nil {
		return fmt.Errorf("load steps: %w", err)
	}

	snap, err := r.snapshots.Snapshot(ctx, e.SubscriberID, steps, e.CurrentStepIndex)
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}

	// Wall-clock conditions and wake deadlines resolve against the
	// sequence's timezone at evaluation time, not at authoring time.
	now := time.Now().In(loc)

	// Email steps send before the pointer moves; a failed send leaves the
	// enrollment due so the next poll retries it.
	if e.CurrentStepIndex < len(steps) && steps[e.CurrentStepIndex].Type == sequence.StepEmail {
		email := steps[e.CurrentStepIndex].Email
		if email == nil {
			return r.store.MarkEnrollmentError(ctx, e.ID, "email step has no payload")
		}
		if r.send != nil {
			if err := r.send(ctx, e.SubscriberID, pickVariant(e.ID, *email)); err != nil {
				return fmt.Errorf("send email: %w", err)
			}
		}
	}

	evalFn := func(cfg sequence.BranchConfig) (bool, []string, error) {
		return sequence.Evaluate(cfg, snap, now)
	}
	decision, err := sequence.AdvanceDue(steps, e.CurrentStepIndex, e.NextRunAt, evalFn, now)
	if err == sequence.ErrNotDue {
		return nil
	}
	if sequence.IsConfigurationError(err) {
		// Fatal for this enrollment's current step only: report it, leave
		// the pointer in place, retry after the configuration is fixed.
		return r.store.MarkEnrollmentError(ctx, e.ID, err.Error())
	}
	if err != nil {
		return err
	}

	switch decision.State {
	case sequence.StateAwaiting:
		next := now
		if decision.WakeAt != nil {
			next = *decision.WakeAt
		}
		err = r.store.AdvanceEnrollment(ctx, e.ID, e.CurrentStepIndex, decision.StepIndex, &next)
	case sequence.StateCompleted:
		err = r.store.FinishEnrollment(ctx, e.ID, e.CurrentStepIndex, sequence.EnrollmentCompleted)
	case sequence.StateTerminated:
		err = r.store.FinishEnrollment(ctx, e.ID, e.CurrentStepIndex, sequence.EnrollmentTerminated)
	}
	if err == sequence.ErrConflict {
		// Another worker advanced it between our read and the CAS.
		return nil
	}
	return err
}

// pickVariant assigns the subscriber a stable A/B arm from the enrollment id
// and substitutes the variant subject/body for arm B.
func pickVariant(enrollmentID uuid.UUID, email sequence.EmailPayload) sequence.EmailPayload {
	if email.Variant == nil {
		return email
	}
	var sum int
	for _, b := range enrollmentID {
		sum += int(b)
	}
	if sum%2 == 1 {
		email.Subject = email.Variant.Subject
		if email.Variant.Body != "" {
			email.Body = email.Variant.Body
		}
	}
	return email
}
