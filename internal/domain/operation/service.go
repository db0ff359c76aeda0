package operation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/recordflow/recordflow/internal/dispatch"
	"github.com/recordflow/recordflow/internal/domain/document"
	"github.com/recordflow/recordflow/internal/platform/inference"
	"github.com/recordflow/recordflow/internal/platform/taskqueue"
	"github.com/recordflow/recordflow/internal/platform/telemetry"
)

// QueueConfig is the task-queue target the orchestration push-backs land on.
type QueueConfig struct {
	Location       string
	ServiceAccount string
	TargetURL      string
}

// Service is the operation lifecycle manager: it owns instance state
// transitions, step logging, and retry scheduling.
type Service struct {
	log     zerolog.Logger
	repo    Repository
	metrics *telemetry.Metrics
	infer   inference.Client
	queue   taskqueue.Queue
	retry   RetryPolicy
	target  QueueConfig

	now func() time.Time
}

func NewService(log zerolog.Logger, repo Repository, metrics *telemetry.Metrics,
	infer inference.Client, queue taskqueue.Queue, retry RetryPolicy, target QueueConfig) *Service {
	return &Service{
		log:     log,
		repo:    repo,
		metrics: metrics,
		infer:   infer,
		queue:   queue,
		retry:   retry,
		target:  target,
		now:     time.Now,
	}
}

// UpsertOperation creates the per-document operation definition, or updates
// its steps, page count, priority, and enabled flag in place.
func (s *Service) UpsertOperation(ctx context.Context, sink dispatch.Sink, cmd CreateOrUpdateOperationCommand) error {
	if cmd.OperationType == "" {
		return fmt.Errorf("operation type is required")
	}
	if len(cmd.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	if cmd.Priority == "" {
		cmd.Priority = PriorityDefault
	}
	if !cmd.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", cmd.Priority)
	}

	existing, err := s.repo.GetOperationByDocument(ctx, cmd.DocumentID, cmd.OperationType)
	switch {
	case err == nil:
		existing.Steps = cmd.Steps
		existing.PageCount = cmd.PageCount
		existing.Priority = cmd.Priority
		existing.Enabled = cmd.Enabled
		existing.Touch(cmd.Actor(), s.now().UTC())
		sink.RegisterDirty(existing)
	case errors.Is(err, dispatch.ErrNotFound):
		now := s.now().UTC()
		op := &Operation{
			Root: dispatch.Root{
				ID:        uuid.New(),
				AppID:     cmd.AppID,
				TenantID:  cmd.TenantID,
				PatientID: cmd.PatientID,
				CreatedAt: now,
				CreatedBy: cmd.Actor(),
				UpdatedAt: now,
				UpdatedBy: cmd.Actor(),
			},
			DocumentID:    cmd.DocumentID,
			OperationType: cmd.OperationType,
			Steps:         cmd.Steps,
			PageCount:     cmd.PageCount,
			Priority:      cmd.Priority,
			Enabled:       cmd.Enabled,
		}
		sink.RegisterNew(op)
	default:
		return fmt.Errorf("load operation: %w", err)
	}
	return nil
}

// CreateInstance starts a new run of an operation. The instance begins
// NOT_STARTED; unless the priority is NONE, a queue command is enqueued to
// hand the run to the task queue.
func (s *Service) CreateInstance(ctx context.Context, sink dispatch.Sink, cmd CreateInstanceCommand) (*Instance, error) {
	op, err := s.repo.GetOperation(ctx, cmd.OperationID)
	if err != nil {
		return nil, fmt.Errorf("load operation %s: %w", cmd.OperationID, err)
	}
	if !op.Enabled {
		return nil, fmt.Errorf("operation %s is disabled", op.ID)
	}

	priority := op.Priority
	if cmd.Priority != "" {
		if !cmd.Priority.Valid() {
			return nil, fmt.Errorf("unknown priority %q", cmd.Priority)
		}
		priority = cmd.Priority
	}

	now := s.now().UTC()
	inst := &Instance{
		Root: dispatch.Root{
			ID:        uuid.New(),
			AppID:     op.AppID,
			TenantID:  op.TenantID,
			PatientID: op.PatientID,
			CreatedAt: now,
			CreatedBy: cmd.Actor(),
			UpdatedAt: now,
			UpdatedBy: cmd.Actor(),
		},
		DocumentID:    op.DocumentID,
		OperationID:   op.ID,
		OperationType: op.OperationType,
		Status:        document.StatusNotStarted,
		Priority:      priority,
		Attempt:       cmd.Attempt,
		RunID:         cmd.RunID,
		Steps:         op.Steps,
		PageCount:     op.PageCount,
	}
	if inst.Attempt < 1 {
		inst.Attempt = 1
	}
	if inst.RunID == "" {
		inst.RunID = uuid.NewString()
	}
	sink.RegisterNew(inst)

	s.enqueueSnapshot(sink, inst)
	if priority != PriorityNone {
		sink.EnqueueCommand(QueueOrchestrationCommand{
			CommandEnvelope: command(inst.AppID, inst.TenantID, inst.PatientID, true),
			InstanceID:      inst.ID,
		})
	}
	return inst, nil
}

// UpdateInstance applies a status transition requested from outside (queue
// push-backs reporting progress). Terminal instances refuse further change.
func (s *Service) UpdateInstance(ctx context.Context, sink dispatch.Sink, cmd UpdateInstanceCommand) error {
	inst, err := s.repo.GetInstance(ctx, cmd.InstanceID)
	if err != nil {
		return fmt.Errorf("load instance %s: %w", cmd.InstanceID, err)
	}

	if err := inst.Transition(cmd.Status, s.now().UTC()); err != nil {
		return err
	}
	if cmd.FailureReason != "" {
		inst.FailureReason = cmd.FailureReason
	}
	inst.Touch(cmd.Actor(), s.now().UTC())
	sink.RegisterDirty(inst)
	s.enqueueSnapshot(sink, inst)
	return nil
}

// RecordStepLog persists the outcome of one step execution on one page.
// A COMPLETED outcome for a (step, page) that already holds a completed log
// is absorbed: the first result stands. Completion of the last outstanding
// (step, page) pair completes the instance; a FAILED outcome fails it and
// schedules a deferred retry.
func (s *Service) RecordStepLog(ctx context.Context, sink dispatch.Sink, cmd CreateInstanceLogCommand) error {
	inst, err := s.repo.GetInstance(ctx, cmd.InstanceID)
	if err != nil {
		return fmt.Errorf("load instance %s: %w", cmd.InstanceID, err)
	}
	if cmd.Status != document.StatusCompleted && cmd.Status != document.StatusFailed {
		return fmt.Errorf("instance log status must be COMPLETED or FAILED, got %s", cmd.Status)
	}

	if cmd.Status == document.StatusCompleted {
		if _, err := s.repo.GetCompletedLog(ctx, inst.DocumentID, inst.ID, cmd.StepID, cmd.PageNumber); err == nil {
			s.log.Info().
				Str("instance_id", inst.ID.String()).
				Str("step_id", cmd.StepID).
				Int("page", cmd.PageNumber).
				Msg("step already completed, log absorbed")
			return nil
		} else if !errors.Is(err, dispatch.ErrNotFound) {
			return fmt.Errorf("check completed log: %w", err)
		}
	}

	now := s.now().UTC()
	entry := &InstanceLog{
		Root: dispatch.Root{
			ID:        uuid.New(),
			AppID:     inst.AppID,
			TenantID:  inst.TenantID,
			PatientID: inst.PatientID,
			CreatedAt: now,
			CreatedBy: cmd.Actor(),
			UpdatedAt: now,
			UpdatedBy: cmd.Actor(),
		},
		DocumentID: inst.DocumentID,
		InstanceID: inst.ID,
		StepID:     cmd.StepID,
		PageNumber: cmd.PageNumber,
		Status:     cmd.Status,
		Result:     cmd.Result,
		Context:    cmd.Context,
		Error:      cmd.Error,
		StartedAt:  cmd.StartedAt,
		FinishedAt: cmd.FinishedAt,
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = now
	}
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = now
	}
	entry.ElapsedMS = entry.FinishedAt.Sub(entry.StartedAt).Milliseconds()
	sink.RegisterNew(entry)

	if s.metrics != nil {
		s.metrics.StepsExecuted.WithLabelValues(cmd.StepID, string(cmd.Status)).Inc()
	}

	switch cmd.Status {
	case document.StatusFailed:
		if err := inst.Transition(document.StatusFailed, now); err != nil {
			return err
		}
		inst.FailureReason = cmd.Error
		inst.Touch(cmd.Actor(), now)
		sink.RegisterDirty(inst)
		s.enqueueSnapshot(sink, inst)
		sink.EnqueueCommand(QueueDeferredOrchestrationCommand{
			CommandEnvelope: command(inst.AppID, inst.TenantID, inst.PatientID, false),
			InstanceID:      inst.ID,
		})

	case document.StatusCompleted:
		done, err := s.allStepsComplete(ctx, inst, cmd.StepID, cmd.PageNumber)
		if err != nil {
			return err
		}
		if done {
			if inst.Status == document.StatusNotStarted || inst.Status == document.StatusQueued {
				if err := inst.Transition(document.StatusInProgress, now); err != nil {
					return err
				}
			}
			if err := inst.Transition(document.StatusCompleted, now); err != nil {
				return err
			}
			inst.Touch(cmd.Actor(), now)
			sink.RegisterDirty(inst)
			s.enqueueSnapshot(sink, inst)
		}
	}
	return nil
}

// allStepsComplete re-evaluates completeness counting stored completed logs
// plus the one being written now.
func (s *Service) allStepsComplete(ctx context.Context, inst *Instance, newStep string, newPage int) (bool, error) {
	logs, err := s.repo.ListLogsByInstance(ctx, inst.ID)
	if err != nil {
		return false, fmt.Errorf("list logs for instance %s: %w", inst.ID, err)
	}

	type cell struct {
		step string
		page int
	}
	completed := map[cell]bool{{newStep, newPage}: true}
	for _, l := range logs {
		if l.Status == document.StatusCompleted {
			completed[cell{l.StepID, l.PageNumber}] = true
		}
	}

	pages := inst.PageCount
	if pages < 1 {
		pages = 1
	}
	for _, step := range inst.Steps {
		for page := 1; page <= pages; page++ {
			if !completed[cell{step, page}] {
				return false, nil
			}
		}
	}
	return true, nil
}

const defaultModel = "recordflow-docproc-1"

// Run executes every outstanding step of an instance, dispatching one log
// command per outcome so each step commits in its own transaction. A step
// failure stops the run: the failed log's handler already marked the instance
// and scheduled the deferred retry.
func (s *Service) Run(ctx context.Context, d *dispatch.Dispatcher, instanceID uuid.UUID) error {
	inst, err := s.repo.GetInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance %s: %w", instanceID, err)
	}
	if inst.Status.Terminal() {
		s.log.Info().
			Str("instance_id", inst.ID.String()).
			Str("status", string(inst.Status)).
			Msg("instance already terminal, nothing to run")
		return nil
	}

	if inst.Status != document.StatusInProgress {
		err := d.Dispatch(ctx, UpdateInstanceCommand{
			CommandEnvelope: command(inst.AppID, inst.TenantID, inst.PatientID, true),
			InstanceID:      inst.ID,
			Status:          document.StatusInProgress,
		})
		if err != nil {
			return err
		}
	}

	pages := inst.PageCount
	if pages < 1 {
		pages = 1
	}
	for _, step := range inst.Steps {
		for page := 1; page <= pages; page++ {
			if _, err := s.repo.GetCompletedLog(ctx, inst.DocumentID, inst.ID, step, page); err == nil {
				continue
			} else if !errors.Is(err, dispatch.ErrNotFound) {
				return fmt.Errorf("check completed log: %w", err)
			}

			stepStart := s.now().UTC()
			result, predictErr := s.predictStep(ctx, inst, step, page)
			stepEnd := s.now().UTC()

			logCmd := CreateInstanceLogCommand{
				CommandEnvelope: command(inst.AppID, inst.TenantID, inst.PatientID, true),
				InstanceID:      inst.ID,
				StepID:          step,
				PageNumber:      page,
				StartedAt:       stepStart,
				FinishedAt:      stepEnd,
			}
			if predictErr != nil {
				logCmd.Status = document.StatusFailed
				logCmd.Error = predictErr.Error()
			} else {
				logCmd.Status = document.StatusCompleted
				logCmd.Result = result
			}
			if err := d.Dispatch(ctx, logCmd); err != nil {
				return err
			}
			if predictErr != nil {
				orchErr := &OrchestrationError{
					DocumentID: inst.DocumentID,
					InstanceID: inst.ID,
					StepID:     step,
					PageNumber: page,
					Err:        predictErr,
				}
				s.log.Error().Err(orchErr).Msg("pipeline run stopped")
				return nil
			}
		}
	}
	return nil
}

func (s *Service) predictStep(ctx context.Context, inst *Instance, step string, page int) (string, error) {
	start := s.now()
	result, err := s.infer.Predict(ctx, step, defaultModel, inference.Metadata{
		Type:       inst.OperationType,
		Step:       step,
		DocumentID: inst.DocumentID.String(),
		PageNumber: page,
		InstanceID: inst.ID.String(),
		Priority:   string(inst.Priority),
	})
	if s.metrics != nil {
		s.metrics.StepDuration.WithLabelValues(step).Observe(s.now().Sub(start).Seconds())
	}
	return result, err
}

// orchestrationPayload is the push-back body the task queue posts to the
// orchestration callback.
type orchestrationPayload struct {
	InstanceID    uuid.UUID `json:"instance_id"`
	DocumentID    uuid.UUID `json:"document_id"`
	OperationType string    `json:"operation_type"`
	Attempt       int       `json:"attempt"`
	RunID         string    `json:"run_id"`
}

// QueueNow places an instance on its priority queue for immediate execution.
// NONE-priority instances are left alone.
func (s *Service) QueueNow(ctx context.Context, sink dispatch.Sink, cmd QueueOrchestrationCommand) error {
	inst, err := s.repo.GetInstance(ctx, cmd.InstanceID)
	if err != nil {
		return fmt.Errorf("load instance %s: %w", cmd.InstanceID, err)
	}
	if inst.Priority == PriorityNone {
		s.log.Info().Str("instance_id", inst.ID.String()).Msg("priority NONE, not queued")
		return nil
	}
	if inst.Status.Terminal() {
		return fmt.Errorf("instance %s is %s: nothing to queue", inst.ID, inst.Status)
	}

	if err := s.createTask(ctx, inst, nil); err != nil {
		return err
	}

	now := s.now().UTC()
	if inst.Status == document.StatusNotStarted {
		if err := inst.Transition(document.StatusQueued, now); err != nil {
			return err
		}
		inst.Touch(cmd.Actor(), now)
		sink.RegisterDirty(inst)
		s.enqueueSnapshot(sink, inst)
	}
	return nil
}

// QueueDeferred schedules a fresh attempt of a failed instance inside the
// retry window. The failed instance stays FAILED; the retry is a new instance
// whose snapshot overwrites the stale failure when it runs.
func (s *Service) QueueDeferred(ctx context.Context, sink dispatch.Sink, cmd QueueDeferredOrchestrationCommand) error {
	failed, err := s.repo.GetInstance(ctx, cmd.InstanceID)
	if err != nil {
		return fmt.Errorf("load instance %s: %w", cmd.InstanceID, err)
	}
	if s.retry.Exhausted(failed.Attempt) {
		s.log.Warn().
			Str("instance_id", failed.ID.String()).
			Int("attempt", failed.Attempt).
			Msg("retry budget exhausted, giving up")
		return nil
	}
	if failed.Priority == PriorityNone {
		s.log.Info().Str("instance_id", failed.ID.String()).Msg("priority NONE, retry not scheduled")
		return nil
	}

	now := s.now().UTC()
	next := &Instance{
		Root: dispatch.Root{
			ID:        uuid.New(),
			AppID:     failed.AppID,
			TenantID:  failed.TenantID,
			PatientID: failed.PatientID,
			CreatedAt: now,
			CreatedBy: cmd.Actor(),
			UpdatedAt: now,
			UpdatedBy: cmd.Actor(),
		},
		DocumentID:    failed.DocumentID,
		OperationID:   failed.OperationID,
		OperationType: failed.OperationType,
		Status:        document.StatusNotStarted,
		Priority:      failed.Priority,
		Attempt:       failed.Attempt + 1,
		RunID:         failed.RunID,
		Steps:         failed.Steps,
		PageCount:     failed.PageCount,
	}
	sink.RegisterNew(next)

	notBefore := s.retry.NextRunAt()
	if err := s.createTask(ctx, next, &notBefore); err != nil {
		return err
	}

	queue, _ := QueueFor(next.Priority)
	if s.metrics != nil {
		s.metrics.RetriesScheduled.WithLabelValues(queue).Inc()
	}
	s.log.Info().
		Str("instance_id", next.ID.String()).
		Int("attempt", next.Attempt).
		Time("not_before", notBefore).
		Msg("deferred retry scheduled")

	// The retry is queued but the document keeps showing the failure until
	// the retry actually starts running.
	if err := next.Transition(document.StatusQueued, now); err != nil {
		return err
	}
	return nil
}

func (s *Service) createTask(ctx context.Context, inst *Instance, notBefore *time.Time) error {
	queue, err := QueueFor(inst.Priority)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(orchestrationPayload{
		InstanceID:    inst.ID,
		DocumentID:    inst.DocumentID,
		OperationType: inst.OperationType,
		Attempt:       inst.Attempt,
		RunID:         inst.RunID,
	})
	if err != nil {
		return fmt.Errorf("marshal orchestration payload: %w", err)
	}
	_, err = s.queue.CreateTask(ctx, taskqueue.Task{
		Location:       s.target.Location,
		ServiceAccount: s.target.ServiceAccount,
		Queue:          queue,
		TargetURL:      s.target.TargetURL,
		Payload:        payload,
		NotBefore:      notBefore,
	})
	if err != nil {
		return fmt.Errorf("create orchestration task: %w", err)
	}
	return nil
}

func (s *Service) enqueueSnapshot(sink dispatch.Sink, inst *Instance) {
	sink.EnqueueCommand(document.UpdateStatusSnapshotCommand{
		CommandEnvelope:     command(inst.AppID, inst.TenantID, inst.PatientID, true),
		DocumentID:          inst.DocumentID,
		OperationType:       inst.OperationType,
		OperationInstanceID: inst.ID,
		Status:              inst.Status,
	})
}

func command(appID, tenantID string, patientID uuid.UUID, strict bool) dispatch.CommandEnvelope {
	return dispatch.CommandEnvelope{
		Envelope: dispatch.NewEnvelope(appID, tenantID, patientID),
		Strict:   strict,
	}
}
