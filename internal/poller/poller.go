package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ssuji15/xsonic/internal/config"
	"github.com/ssuji15/xsonic/internal/job_tracer"
	"github.com/ssuji15/xsonic/internal/processor"
	queueservice "github.com/ssuji15/xsonic/internal/service/queue_service"
	"github.com/ssuji15/xsonic/internal/service/logger"
	"github.com/ssuji15/xsonic/internal/util"
	"github.com/ssuji15/xsonic/model"
)

// JobProcessingError is recorded on a job whose processor failed.
type JobProcessingError struct {
	JobID string
	Tool  model.ToolType
	Err   error
}

func (e *JobProcessingError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *JobProcessingError) Unwrap() error {
	return e.Err
}

type Queue interface {
	Dequeue(ctx context.Context, lane model.Lane) (*model.Job, error)
	UpdateStatus(ctx context.Context, id string, status model.JobStatus, opts ...queueservice.UpdateOption) (*model.Job, error)
	UpdateProgress(ctx context.Context, id string, progress int, message string) error
	WriteHeartbeat(ctx context.Context, hb model.FleetHeartbeat, ttl time.Duration) error
	ClearHeartbeat(ctx context.Context, workerID string) error
}

// Settler turns a finished job's credit hold into a charge or a refund.
type Settler interface {
	SettleJob(ctx context.Context, job *model.Job) error
}

type Options struct {
	WorkerID          string
	Lane              model.Lane
	MaxConcurrent     int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	DrainTimeout      time.Duration
}

func OptionsFromConfig(workerID string, cfg *config.WorkerConfig) Options {
	return Options{
		WorkerID:          workerID,
		Lane:              model.Lane(cfg.LANE),
		MaxConcurrent:     cfg.MAX_CONCURRENT,
		PollInterval:      cfg.POLL_INTERVAL,
		HeartbeatInterval: cfg.HEARTBEAT_INTERVAL,
		DrainTimeout:      10 * time.Second,
	}
}

// Poller pulls jobs off one lane and runs up to MaxConcurrent of them at once.
// A slow job never holds up polling for the next one.
type Poller struct {
	queue     Queue
	processor processor.Processor
	settler   Settler
	opts      Options

	slots  chan struct{}
	active atomic.Int64
	wg     sync.WaitGroup
	wake   chan struct{}
	now    func() time.Time
}

func New(q Queue, p processor.Processor, s Settler, opts Options) *Poller {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &Poller{
		queue:     q,
		processor: p,
		settler:   s,
		opts:      opts,
		slots:     make(chan struct{}, opts.MaxConcurrent),
		wake:      make(chan struct{}, 1),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (p *Poller) ActiveJobs() int {
	return int(p.active.Load())
}

// Wake triggers an immediate poll. It never blocks.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled, then waits up to DrainTimeout for running
// jobs before cancelling them.
func (p *Poller) Run(ctx context.Context) error {
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	var hbDone chan struct{}
	if p.opts.Lane == model.LaneGPU && p.opts.HeartbeatInterval > 0 {
		hbDone = make(chan struct{})
		go func() {
			defer close(hbDone)
			p.heartbeat(ctx)
		}()
	}

	logger.Log.Info().Str("lane", string(p.opts.Lane)).Int("max_concurrent", p.opts.MaxConcurrent).Msg("poller started")
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	p.fill(ctx, jobCtx)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			p.fill(ctx, jobCtx)
		case <-p.wake:
			p.fill(ctx, jobCtx)
		}
	}

	p.drain(cancelJobs)
	if hbDone != nil {
		<-hbDone
	}
	return nil
}

func (p *Poller) drain(cancelJobs context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Log.Info().Str("lane", string(p.opts.Lane)).Msg("poller drained")
		return
	case <-time.After(p.opts.DrainTimeout):
	}
	logger.Log.Warn().Int("active_jobs", p.ActiveJobs()).Msg("drain timed out, cancelling running jobs")
	cancelJobs()
	<-done
}

// fill dequeues while free slots remain and the lane has jobs.
func (p *Poller) fill(ctx, jobCtx context.Context) {
	for ctx.Err() == nil {
		select {
		case p.slots <- struct{}{}:
		default:
			return
		}
		job, err := p.queue.Dequeue(ctx, p.opts.Lane)
		if err != nil {
			<-p.slots
			if !errors.Is(err, queueservice.ErrJobNotFound) && ctx.Err() == nil {
				logger.Log.Error().Err(err).Str("lane", string(p.opts.Lane)).Msg("dequeue failed")
			}
			return
		}
		p.active.Add(1)
		p.wg.Add(1)
		go func() {
			defer func() {
				p.active.Add(-1)
				<-p.slots
				p.wg.Done()
			}()
			p.handle(jobCtx, job)
		}()
	}
}

func (p *Poller) handle(ctx context.Context, job *model.Job) {
	ctx = logger.WithJob(ctx, job.ID, string(p.opts.Lane))
	ctx, span := job_tracer.GetTracer().Start(ctx, "Poller/Process")
	defer span.End()
	log := logger.FromContext(ctx)

	current, err := p.queue.UpdateStatus(ctx, job.ID, model.JobProcessing)
	if err != nil {
		log.Warn().Err(err).Msg("job not claimable, skipping")
		return
	}
	if current == nil {
		return
	}

	result, err := p.process(ctx, current)

	// The outcome is recorded even when the job was cancelled by shutdown.
	ctx = context.WithoutCancel(ctx)
	var final *model.Job
	if err != nil {
		perr := &JobProcessingError{JobID: current.ID, Tool: current.ToolType, Err: err}
		util.RecordSpanError(span, perr)
		log.Error().Err(perr).Msg("job failed")
		final, err = p.queue.UpdateStatus(ctx, current.ID, model.JobFailed, queueservice.WithError(perr.Error()))
	} else {
		final, err = p.queue.UpdateStatus(ctx, current.ID, model.JobCompleted, queueservice.WithResult(result))
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to record job outcome")
		return
	}
	if final == nil || p.settler == nil {
		return
	}
	if err := p.settler.SettleJob(ctx, final); err != nil {
		log.Error().Err(err).Str("user_id", final.UserID).Msg("failed to settle job credits")
	}
}

func (p *Poller) process(ctx context.Context, job *model.Job) (result model.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	report := func(progress int, message string) {
		if err := p.queue.UpdateProgress(ctx, job.ID, progress, message); err != nil {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Int("progress", progress).Msg("progress not recorded")
		}
	}
	return p.processor.Process(ctx, job, report)
}

// heartbeat tells the fleet controller this gpu worker is alive and how busy it is.
func (p *Poller) heartbeat(ctx context.Context) {
	ttl := 3 * p.opts.HeartbeatInterval
	beat := func() {
		hb := model.FleetHeartbeat{WorkerID: p.opts.WorkerID, ActiveJobs: p.ActiveJobs(), At: p.now()}
		if err := p.queue.WriteHeartbeat(ctx, hb, ttl); err != nil && ctx.Err() == nil {
			logger.Log.Warn().Err(err).Msg("heartbeat not written")
		}
	}

	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()
	beat()
	for {
		select {
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := p.queue.ClearHeartbeat(cctx, p.opts.WorkerID); err != nil {
				logger.Log.Warn().Err(err).Msg("heartbeat not cleared")
			}
			return
		case <-ticker.C:
			beat()
		}
	}
}
