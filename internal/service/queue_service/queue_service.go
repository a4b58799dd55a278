package queueservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ssuji15/xsonic/internal/events"
	"github.com/ssuji15/xsonic/internal/job_tracer"
	billingservice "github.com/ssuji15/xsonic/internal/service/billing_service"
	"github.com/ssuji15/xsonic/internal/service/logger"
	"github.com/ssuji15/xsonic/internal/store"
	"github.com/ssuji15/xsonic/internal/util"
	"github.com/ssuji15/xsonic/model"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrTerminalStatus    = errors.New("job already in a terminal status")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

type QueueService struct {
	store          store.Store
	bus            events.Publisher
	jobTTL         time.Duration
	idempotencyTTL time.Duration
	now            func() time.Time
}

func NewQueueService(s store.Store, bus events.Publisher, jobTTL, idempotencyTTL time.Duration) *QueueService {
	return &QueueService{
		store:          s,
		bus:            bus,
		jobTTL:         jobTTL,
		idempotencyTTL: idempotencyTTL,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func startSpan(ctx context.Context, op, jobID string) (context.Context, trace.Span) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Queue/"+op)
	if jobID != "" {
		span.SetAttributes(attribute.String("job_id", jobID))
	}
	return ctx, span
}

func encodeJob(job *model.Job) ([]byte, error) {
	b, err := msgpack.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	return b, nil
}

func decodeJob(b []byte) (*model.Job, error) {
	job := &model.Job{}
	if err := msgpack.Unmarshal(b, job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return job, nil
}

// Enqueue persists the record and appends its id to the lane its requirements
// select. Idempotency is the caller's concern.
func (q *QueueService) Enqueue(ctx context.Context, job *model.Job) error {
	ctx, span := startSpan(ctx, "Enqueue", job.ID)
	defer span.End()

	now := q.now()
	if job.Status == "" {
		job.Status = model.JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	lane := job.Requirements.Lane()

	b, err := encodeJob(job)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	if err := q.store.Set(ctx, util.GetJobKey(job.ID), b, q.jobTTL); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	if err := q.store.LPush(ctx, util.GetLaneKey(string(lane)), job.ID); err != nil {
		util.RecordSpanError(span, err)
		if derr := q.store.Del(ctx, util.GetJobKey(job.ID)); derr != nil {
			logger.Log.Warn().Err(derr).Str("job_id", job.ID).Msg("unqueued job record left behind")
		}
		return err
	}
	job_tracer.JobEnqueued(ctx, string(lane))

	if err := q.bus.PublishEvent(ctx, events.JobCreatedOn(lane), job.ID); err != nil {
		logger.Log.Warn().Err(err).Str("job_id", job.ID).Msg("job created event not published")
	}
	logger.Log.Info().Str("job_id", job.ID).Str("lane", string(lane)).Str("tool", string(job.ToolType)).Msg("job enqueued")
	return nil
}

// Dequeue pops the oldest id on lane and returns its record. Ids whose record
// already expired are discarded. An empty lane yields ErrJobNotFound.
func (q *QueueService) Dequeue(ctx context.Context, lane model.Lane) (*model.Job, error) {
	ctx, span := startSpan(ctx, "Dequeue", "")
	defer span.End()
	span.SetAttributes(attribute.String("lane", string(lane)))

	for {
		id, err := q.store.RPop(ctx, util.GetLaneKey(string(lane)))
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		if err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		job, err := q.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			logger.Log.Warn().Str("job_id", id).Str("lane", string(lane)).Msg("dropping queued id without a record")
			continue
		}
		if err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		return job, nil
	}
}

func (q *QueueService) GetJob(ctx context.Context, id string) (*model.Job, error) {
	b, err := q.store.Get(ctx, util.GetJobKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeJob(b)
}

// mutate applies fn to the stored record atomically. A missing record yields ErrJobNotFound.
func (q *QueueService) mutate(ctx context.Context, id string, fn func(job *model.Job) error) (*model.Job, error) {
	var out *model.Job
	err := q.store.Update(ctx, util.GetJobKey(id), func(cur []byte) ([]byte, error) {
		job, err := decodeJob(cur)
		if err != nil {
			return nil, err
		}
		if err := fn(job); err != nil {
			return nil, err
		}
		job.UpdatedAt = q.now()
		out = job
		return encodeJob(job)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrJobNotFound)
	}
	return out, err
}

type StatusUpdate struct {
	Progress        *int
	ProgressMessage string
	ErrorMessage    string
	OutputFiles     []string
	CostActual      int64
}

type UpdateOption func(*StatusUpdate)

func WithProgress(progress int, message string) UpdateOption {
	return func(u *StatusUpdate) {
		u.Progress = &progress
		u.ProgressMessage = message
	}
}

func WithError(message string) UpdateOption {
	return func(u *StatusUpdate) { u.ErrorMessage = message }
}

func WithResult(result model.JobResult) UpdateOption {
	return func(u *StatusUpdate) {
		u.OutputFiles = result.OutputFiles
		if len(u.OutputFiles) == 0 && result.OutputURL != "" {
			u.OutputFiles = []string{result.OutputURL}
		}
		u.CostActual = result.CostActual
	}
}

func clampProgress(p int) int {
	return min(max(p, 0), 100)
}

func checkTransition(from, to model.JobStatus) error {
	if from.IsTerminal() {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrTerminalStatus)
	}
	switch to {
	case model.JobPending, model.JobProcessing:
		// A job is claimed once; a second claim means two workers popped it.
		if from == model.JobPending {
			return nil
		}
	case model.JobFailed:
		return nil
	case model.JobCompleted:
		if from == model.JobProcessing {
			return nil
		}
	}
	return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
}

// UpdateStatus applies a status transition. A record that no longer exists is
// ignored; a record in a terminal status is left untouched and ErrTerminalStatus
// is returned.
func (q *QueueService) UpdateStatus(ctx context.Context, id string, status model.JobStatus, opts ...UpdateOption) (*model.Job, error) {
	ctx, span := startSpan(ctx, "UpdateStatus", id)
	defer span.End()
	span.SetAttributes(attribute.String("status", string(status)))

	var u StatusUpdate
	for _, opt := range opts {
		opt(&u)
	}

	job, err := q.mutate(ctx, id, func(job *model.Job) error {
		if err := checkTransition(job.Status, status); err != nil {
			return err
		}
		now := q.now()
		job.Status = status
		if status == model.JobProcessing && job.StartedAt == nil {
			job.StartedAt = &now
		}
		if status.IsTerminal() {
			job.CompletedAt = &now
		}
		if status == model.JobCompleted {
			job.Progress = 100
		}
		if u.Progress != nil {
			job.Progress = clampProgress(*u.Progress)
			job.ProgressMessage = u.ProgressMessage
		}
		if u.ErrorMessage != "" {
			job.ErrorMessage = u.ErrorMessage
		}
		if len(u.OutputFiles) > 0 {
			job.OutputFiles = u.OutputFiles
		}
		if u.CostActual > 0 {
			job.CostActual = u.CostActual
		}
		return nil
	})
	if errors.Is(err, ErrJobNotFound) {
		logger.Log.Warn().Str("job_id", id).Str("status", string(status)).Msg("status update for missing job ignored")
		return nil, nil
	}
	if err != nil {
		if !errors.Is(err, ErrTerminalStatus) && !errors.Is(err, ErrInvalidTransition) {
			util.RecordSpanError(span, err)
		}
		return nil, err
	}

	lane := string(job.Requirements.Lane())
	if status.IsTerminal() {
		job_tracer.JobFinished(ctx, lane, string(status))
		if err := q.bus.PublishEvent(ctx, events.JobFinished, job.ID); err != nil {
			logger.Log.Warn().Err(err).Str("job_id", job.ID).Msg("job finished event not published")
		}
	}
	logger.Log.Info().Str("job_id", id).Str("lane", lane).Str("status", string(status)).Msg("job status updated")
	return job, nil
}

// UpdateProgress records progress for a job that is processing. Missing jobs are ignored.
func (q *QueueService) UpdateProgress(ctx context.Context, id string, progress int, message string) error {
	ctx, span := startSpan(ctx, "UpdateProgress", id)
	defer span.End()

	_, err := q.mutate(ctx, id, func(job *model.Job) error {
		if job.Status != model.JobProcessing {
			return fmt.Errorf("progress while %s: %w", job.Status, ErrInvalidTransition)
		}
		job.Progress = clampProgress(progress)
		job.ProgressMessage = message
		return nil
	})
	if errors.Is(err, ErrJobNotFound) {
		return nil
	}
	return err
}

func (q *QueueService) QueueDepth(ctx context.Context, lane model.Lane) (int64, error) {
	ctx, span := startSpan(ctx, "QueueDepth", "")
	defer span.End()

	n, err := q.store.LLen(ctx, util.GetLaneKey(string(lane)))
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, err
	}
	return n, nil
}

// DemoteGPUJobs drains the gpu lane into the cpu lane. Each id is popped before
// it is pushed, so it never sits in both lanes. A moved job is repriced at the
// cpu rate; its hold is left alone and settlement releases all of it. It returns
// how many jobs moved.
func (q *QueueService) DemoteGPUJobs(ctx context.Context) (int, error) {
	ctx, span := startSpan(ctx, "DemoteGPUJobs", "")
	defer span.End()

	gpuLane := util.GetLaneKey(string(model.LaneGPU))
	cpuLane := util.GetLaneKey(string(model.LaneCPU))
	moved := 0
	for {
		id, err := q.store.RPop(ctx, gpuLane)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			util.RecordSpanError(span, err)
			return moved, err
		}
		_, err = q.mutate(ctx, id, func(job *model.Job) error {
			job.Requirements = model.Requirements{RequiresCPU: true, RequiresGPU: false}
			cpuCost := billingservice.EstimateCost(job.ToolType, job.FileSizeBytes, job.DurationSeconds, false)
			job.CostEstimate = min(job.CostEstimate, cpuCost)
			return nil
		})
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			// Put it back where it was so the next attempt sees it.
			if perr := q.store.LPush(ctx, gpuLane, id); perr != nil {
				logger.Log.Error().Err(perr).Str("job_id", id).Msg("lost gpu job during demotion")
			}
			util.RecordSpanError(span, err)
			return moved, err
		}
		if err := q.store.LPush(ctx, cpuLane, id); err != nil {
			util.RecordSpanError(span, err)
			logger.Log.Error().Err(err).Str("job_id", id).Msg("lost gpu job during demotion")
			return moved, err
		}
		moved++
		logger.Log.Info().Str("job_id", id).Msg("gpu job moved to cpu lane")
	}
	return moved, nil
}

// CheckIdempotency returns the job id stored under key, if any.
func (q *QueueService) CheckIdempotency(ctx context.Context, key string) (string, bool, error) {
	b, err := q.store.Get(ctx, util.GetIdempotencyKey(key))
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

// SetIdempotency binds key to jobID unless the key is already bound. It
// reports whether this call made the binding.
func (q *QueueService) SetIdempotency(ctx context.Context, key, jobID string) (bool, error) {
	return q.store.SetNX(ctx, util.GetIdempotencyKey(key), []byte(jobID), q.idempotencyTTL)
}

func (q *QueueService) ClearIdempotency(ctx context.Context, key string) error {
	return q.store.Del(ctx, util.GetIdempotencyKey(key))
}
