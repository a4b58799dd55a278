package queueservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/ssuji15/xsonic/internal/service/logger"
	"github.com/ssuji15/xsonic/model"
)

var (
	ErrInvalidRequest      = errors.New("invalid job request")
	ErrInsufficientCredits = errors.New("insufficient credits for job")

	// ErrSubmissionInProgress means another submission holds the key but has not enqueued yet.
	ErrSubmissionInProgress = errors.New("submission with this idempotency key in progress")
)

// CreditReserver is the slice of the billing service submission needs.
type CreditReserver interface {
	EstimateCost(toolType model.ToolType, fileSizeBytes int64, durationSeconds float64, requiresGPU bool) int64
	ReserveCredits(ctx context.Context, userID string, amount int64) (bool, error)
	ReleaseCredits(ctx context.Context, userID string, amount int64) error
}

type Submitter struct {
	queue   *QueueService
	credits CreditReserver
}

func NewSubmitter(q *QueueService, credits CreditReserver) *Submitter {
	return &Submitter{queue: q, credits: credits}
}

func validate(req model.JobRequest) error {
	switch {
	case req.UserID == "":
		return fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	case !model.IsValidToolType(req.ToolType):
		return fmt.Errorf("%w: unknown toolType %q", ErrInvalidRequest, req.ToolType)
	case req.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotencyKey is required", ErrInvalidRequest)
	case !req.Requirements.RequiresCPU && !req.Requirements.RequiresGPU:
		return fmt.Errorf("%w: requirements must ask for cpu or gpu", ErrInvalidRequest)
	case req.FileSizeBytes < 0 || req.DurationSeconds < 0:
		return fmt.Errorf("%w: size and duration must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Submit creates at most one job per idempotency key. The second return value
// is false when an existing job was returned instead of a new one.
func (s *Submitter) Submit(ctx context.Context, req model.JobRequest) (*model.Job, bool, error) {
	ctx, span := startSpan(ctx, "Submit", "")
	defer span.End()

	if err := validate(req); err != nil {
		return nil, false, err
	}
	key := scopedKey(req.UserID, req.IdempotencyKey)

	if existing, ok, err := s.existing(ctx, key); err != nil || ok {
		return existing, false, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, err
	}
	job := &model.Job{
		ID:              id.String(),
		UserID:          req.UserID,
		ToolType:        model.ToolType(req.ToolType),
		Requirements:    req.Requirements,
		Status:          model.JobPending,
		InputFile:       req.InputFile,
		Params:          req.Params,
		FileSizeBytes:   req.FileSizeBytes,
		DurationSeconds: req.DurationSeconds,
		IdempotencyKey:  req.IdempotencyKey,
	}

	claimed, err := s.queue.SetIdempotency(ctx, key, job.ID)
	if err != nil {
		return nil, false, err
	}
	if !claimed {
		// Lost a race against a concurrent submission with the same key.
		existing, ok, err := s.existing(ctx, key)
		if err == nil && !ok {
			err = ErrSubmissionInProgress
		}
		return existing, false, err
	}

	log := logger.FromContext(ctx).With().Str("job_id", job.ID).Str("user_id", req.UserID).Logger()
	rollbackKey := func() {
		if err := s.queue.ClearIdempotency(ctx, key); err != nil {
			log.Warn().Err(err).Msg("idempotency key left behind after failed submission")
		}
	}

	job.CostEstimate = s.credits.EstimateCost(job.ToolType, req.FileSizeBytes, req.DurationSeconds, req.Requirements.RequiresGPU)
	ok, err := s.credits.ReserveCredits(ctx, req.UserID, job.CostEstimate)
	if err != nil || !ok {
		rollbackKey()
		if err != nil {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("%w: need %d", ErrInsufficientCredits, job.CostEstimate)
	}
	job.ReservedCredits = job.CostEstimate

	if err := s.queue.Enqueue(ctx, job); err != nil {
		if rerr := s.credits.ReleaseCredits(ctx, req.UserID, job.ReservedCredits); rerr != nil {
			log.Error().Err(rerr).Int64("amount", job.ReservedCredits).Msg("failed to release hold after enqueue error")
		}
		rollbackKey()
		return nil, false, err
	}
	return job, true, nil
}

func (s *Submitter) existing(ctx context.Context, key string) (*model.Job, bool, error) {
	jobID, ok, err := s.queue.CheckIdempotency(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	job, err := s.queue.GetJob(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return nil, true, ErrSubmissionInProgress
	}
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// scopedKey keeps two users from colliding on the same caller-chosen key.
func scopedKey(userID, key string) string {
	return userID + ":" + key
}
