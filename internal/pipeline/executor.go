// Package pipeline runs multi-step provisioning jobs with per-step retry and
// reverse-order compensation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/celestiaorg/provisioner/internal/db"
	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/logger"
	"github.com/celestiaorg/provisioner/internal/queue"
	"github.com/celestiaorg/provisioner/internal/types"
)

// Step defaults
const (
	DefaultStepAttempts        = 3
	DefaultStepTimeout         = 5 * time.Minute
	DefaultCompensationTimeout = 2 * time.Minute
)

// DefaultStepBackoff is the retry policy between attempts of one step
func DefaultStepBackoff() queue.Backoff {
	return queue.Backoff{Base: 2 * time.Second, Factor: 2, Cap: time.Minute}
}

// Store persists step results under the caller's lease.
// *queue.Dispatcher implements it.
type Store interface {
	Steps(ctx context.Context, jobID uuid.UUID) ([]models.JobStep, error)
	SaveStep(ctx context.Context, workerID string, step *models.JobStep) error
	CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error)
	MarkManualCleanup(ctx context.Context, job *models.Job, workerID string) error
}

// Options configures an Executor
type Options struct {
	StepAttempts        int
	StepBackoff         queue.Backoff
	StepTimeout         time.Duration
	CompensationTimeout time.Duration
}

// Executor runs registered pipeline definitions
type Executor struct {
	store Store
	defs  map[types.JobType]*Definition
	opts  Options
}

// NewExecutor creates an executor with no definitions
func NewExecutor(store Store, opts Options) *Executor {
	if opts.StepAttempts <= 0 {
		opts.StepAttempts = DefaultStepAttempts
	}
	if opts.StepBackoff.Base <= 0 {
		opts.StepBackoff = DefaultStepBackoff()
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.CompensationTimeout <= 0 {
		opts.CompensationTimeout = DefaultCompensationTimeout
	}
	return &Executor{
		store: store,
		defs:  make(map[types.JobType]*Definition),
		opts:  opts,
	}
}

// Register adds or replaces the definition for its job type
func (e *Executor) Register(defs ...*Definition) {
	for _, d := range defs {
		e.defs[d.Type] = d
	}
}

// Types lists the job types with a registered definition
func (e *Executor) Types() []types.JobType {
	out := make([]types.JobType, 0, len(e.defs))
	for t := range e.defs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Run executes the pipeline for job while workerID holds its lease.
//
// Steps already recorded as succeeded are skipped and their output reused.
// On an irrecoverable step failure or an observed cancel request every
// succeeded step is undone in reverse order before Run returns. The returned
// error is shaped for Dispatcher.Fail: permanent failures are wrapped with
// types.Permanent, cancellation wraps types.ErrJobCancelled, and exhausted
// transient failures are returned as is so the job is retried.
func (e *Executor) Run(ctx context.Context, job *models.Job, workerID string) (interface{}, error) {
	def, ok := e.defs[job.Type]
	if !ok {
		return nil, types.Permanent(fmt.Errorf("%w: %s", types.ErrUnknownJobType, job.Type))
	}

	existing, err := e.store.Steps(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	records := make(map[string]*models.JobStep, len(existing))
	for i := range existing {
		records[existing[i].Name] = &existing[i]
	}

	state := newState(job, workerID)
	fields := map[string]interface{}{
		"job_id":    job.ID,
		"job_type":  job.Type,
		"worker_id": workerID,
	}

	for seq, step := range def.Steps {
		fields["step"] = step.Name

		cancelled, err := e.store.CancelRequested(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if cancelled {
			logger.InfoWithFields("Cancel requested, stopping pipeline", fields)
			cause := fmt.Errorf("%w before step %s", types.ErrJobCancelled, step.Name)
			if err := e.compensate(ctx, def, state, records); err != nil {
				return nil, err
			}
			e.onFailure(ctx, def, state, cause)
			return nil, cause
		}

		if rec, ok := records[step.Name]; ok && rec.Status == types.StepStatusSucceeded {
			state.Outputs[step.Name] = map[string]interface{}(rec.Output)
			logger.DebugWithFields("Step already succeeded, reusing output", fields)
			continue
		}

		res, rec, err := e.runStep(ctx, seq, step, state, records[step.Name])
		if rec != nil {
			records[step.Name] = rec
		}
		if err != nil {
			return nil, err
		}
		if res.Kind == KindOK {
			continue
		}

		cause := fmt.Errorf("step %s: %w", step.Name, res.Err)
		if errors.Is(ctx.Err(), context.Canceled) {
			// worker is shutting down or lost the lease; leave the
			// succeeded steps for the next holder
			return nil, cause
		}

		fields["error"] = res.Err.Error()
		logger.ErrorWithFields("Step failed, compensating", fields)
		if err := e.compensate(ctx, def, state, records); err != nil {
			return nil, err
		}

		switch {
		case res.Kind == KindPermanent:
			e.onFailure(ctx, def, state, cause)
			return nil, types.Permanent(cause)
		case res.Kind == KindTimeout:
			return nil, &types.TimeoutError{Scope: "step " + step.Name, Err: cause}
		default:
			return nil, cause
		}
	}

	return state.Outputs, nil
}

// runStep runs one step with its own retry budget. The returned error is
// only set for store failures, the step outcome is in the Result.
func (e *Executor) runStep(ctx context.Context, seq int, step Step, state *State, prev *models.JobStep) (Result, *models.JobStep, error) {
	maxAttempts := step.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.opts.StepAttempts
	}
	backoff := step.Backoff
	if backoff.Base <= 0 {
		backoff = e.opts.StepBackoff
	}

	started := db.Now()
	rec := &models.JobStep{
		JobID:     state.Job.ID,
		Seq:       seq,
		Name:      step.Name,
		StartedAt: &started,
	}
	if prev != nil {
		rec.Attempts = prev.Attempts
	}

	for attempt := 1; ; attempt++ {
		rec.Attempts++
		rec.Status = types.StepStatusRunning
		rec.Error = ""
		rec.Output = nil
		if err := e.store.SaveStep(ctx, state.WorkerID, rec); err != nil {
			return Result{}, nil, err
		}

		res := e.invoke(ctx, step, state)
		if res.Kind == KindOK {
			finished := db.Now()
			rec.Status = types.StepStatusSucceeded
			rec.Output = res.Output
			rec.FinishedAt = &finished
			if err := e.store.SaveStep(ctx, state.WorkerID, rec); err != nil {
				return Result{}, rec, err
			}
			state.Outputs[step.Name] = res.Output
			return res, rec, nil
		}

		if res.Retryable() && attempt < maxAttempts && ctx.Err() == nil {
			logger.WarnWithFields("Step attempt failed, retrying", map[string]interface{}{
				"job_id":  state.Job.ID,
				"step":    step.Name,
				"attempt": attempt,
				"kind":    res.Kind.String(),
				"error":   res.Err.Error(),
			})
			if err := sleep(ctx, backoff.Delay(attempt)); err == nil {
				continue
			}
		}

		// the job context may be gone, the failure must still be recorded
		sctx, cancel := e.detached(ctx)
		finished := db.Now()
		rec.Status = types.StepStatusFailed
		rec.Error = res.Err.Error()
		rec.FinishedAt = &finished
		err := e.store.SaveStep(sctx, state.WorkerID, rec)
		cancel()
		if err != nil {
			return Result{}, rec, err
		}
		return res, rec, nil
	}
}

// invoke runs a single attempt with the step timeout, turning panics into
// transient failures and deadline hits into timeouts.
func (e *Executor) invoke(ctx context.Context, step Step, state *State) (res Result) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.opts.StepTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("❌ Step %s panicked: %v", step.Name, r)
			res = Transient(fmt.Errorf("step %s panicked: %v", step.Name, r))
		}
	}()

	res = step.Run(sctx, state)
	if res.Kind != KindOK && res.Err == nil {
		res.Err = fmt.Errorf("step %s failed", step.Name)
	}
	if res.Kind != KindOK && res.Kind != KindPermanent && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		scope := "step " + step.Name
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			scope = "job"
		}
		res = TimeoutResult(&types.TimeoutError{Scope: scope, Err: res.Err})
	}
	return res
}

// compensate undoes every succeeded step in strict reverse order. Undo
// failures are recorded and flag the job for manual cleanup; only losing the
// lease stops compensation early.
func (e *Executor) compensate(ctx context.Context, def *Definition, state *State, records map[string]*models.JobStep) error {
	cctx, cancel := e.detached(ctx)
	defer cancel()

	manual := false
	for i := len(def.Steps) - 1; i >= 0; i-- {
		step := def.Steps[i]
		rec, ok := records[step.Name]
		if !ok || rec.Status != types.StepStatusSucceeded || step.Undo == nil {
			continue
		}

		fields := map[string]interface{}{
			"job_id": state.Job.ID,
			"step":   step.Name,
			"undo":   step.undoName(),
		}
		if err := safeUndo(cctx, step, state); err != nil {
			manual = true
			rec.Status = types.StepStatusCompensationFailed
			rec.Error = err.Error()
			fields["error"] = err.Error()
			logger.ErrorWithFields("Compensation failed, manual cleanup required", fields)
		} else {
			rec.Status = types.StepStatusCompensated
			logger.InfoWithFields("Step compensated", fields)
		}

		if err := e.store.SaveStep(cctx, state.WorkerID, rec); err != nil {
			if errors.Is(err, types.ErrLeaseLost) {
				return err
			}
			logger.Errorf("Failed to record compensation of %s: %v", step.Name, err)
		}
	}

	if manual {
		if err := e.store.MarkManualCleanup(cctx, state.Job, state.WorkerID); err != nil {
			if errors.Is(err, types.ErrLeaseLost) {
				return err
			}
			logger.Errorf("Failed to flag job %s for manual cleanup: %v", state.Job.ID, err)
		}
	}
	return nil
}

func safeUndo(ctx context.Context, step Step, state *State) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("undo %s panicked: %v", step.Name, r)
		}
	}()
	return step.Undo(ctx, state)
}

func (e *Executor) onFailure(ctx context.Context, def *Definition, state *State, cause error) {
	if def.OnFailure == nil {
		return
	}
	fctx, cancel := e.detached(ctx)
	defer cancel()
	def.OnFailure(fctx, state, cause)
}

// detached returns a context that survives the job context ending, bounded
// by the compensation timeout
func (e *Executor) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.opts.CompensationTimeout)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
