package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ssuji15/xsonic/internal/db/repository"
	"github.com/ssuji15/xsonic/internal/events/noop"
	"github.com/ssuji15/xsonic/internal/processor"
	billingservice "github.com/ssuji15/xsonic/internal/service/billing_service"
	queueservice "github.com/ssuji15/xsonic/internal/service/queue_service"
	"github.com/ssuji15/xsonic/internal/store/local"
	"github.com/ssuji15/xsonic/model"
	"github.com/stretchr/testify/require"
)

type processFunc func(ctx context.Context, job *model.Job, report processor.ProgressFunc) (model.JobResult, error)

func (f processFunc) Process(ctx context.Context, job *model.Job, report processor.ProgressFunc) (model.JobResult, error) {
	return f(ctx, job, report)
}

type env struct {
	queue   *queueservice.QueueService
	billing *billingservice.BillingService
	ledger  *repository.MemoryLedger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ledger := repository.NewMemoryLedger()
	return &env{
		queue:   queueservice.NewQueueService(local.NewLocalStore(8*1024*1024), noop.NewNoopBus(), time.Hour, time.Hour),
		billing: billingservice.NewBillingService(ledger),
		ledger:  ledger,
	}
}

// enqueue funds a wallet, reserves cost for the job and queues it.
func (e *env) enqueue(t *testing.T, id string, lane model.Lane, cost int64) {
	t.Helper()
	ctx := context.Background()
	_, err := e.ledger.Credit(ctx, repository.CreditRequest{UserID: "u-" + id, Amount: 100, Reason: "seed"})
	require.NoError(t, err)
	ok, err := e.billing.ReserveCredits(ctx, "u-"+id, cost)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, e.queue.Enqueue(ctx, &model.Job{
		ID:              id,
		UserID:          "u-" + id,
		ToolType:        model.ToolTranscode,
		Requirements:    model.Requirements{RequiresCPU: lane == model.LaneCPU, RequiresGPU: lane == model.LaneGPU},
		CostEstimate:    cost,
		ReservedCredits: cost,
	}))
}

func (e *env) start(t *testing.T, p processor.Processor, opts Options) (*Poller, func()) {
	t.Helper()
	if opts.Lane == "" {
		opts.Lane = model.LaneCPU
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = time.Second
	}
	pl := New(e.queue, p, e.billing, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pl.Run(ctx)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return pl, stop
}

func (e *env) waitStatus(t *testing.T, id string, status model.JobStatus) *model.Job {
	t.Helper()
	var job *model.Job
	require.Eventually(t, func() bool {
		j, err := e.queue.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == status
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func (e *env) wallet(t *testing.T, userID string) *model.Wallet {
	t.Helper()
	w, err := e.ledger.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	return w
}

func TestPoller_CompletesAndSettles(t *testing.T) {
	e := newEnv(t)
	e.enqueue(t, "j1", model.LaneCPU, 30)

	e.start(t, processFunc(func(ctx context.Context, job *model.Job, _ processor.ProgressFunc) (model.JobResult, error) {
		return model.JobResult{OutputURL: "out.mp3", CostActual: 20}, nil
	}), Options{MaxConcurrent: 1})

	job := e.waitStatus(t, "j1", model.JobCompleted)
	require.Equal(t, []string{"out.mp3"}, job.OutputFiles)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)

	require.Eventually(t, func() bool {
		w := e.wallet(t, "u-j1")
		return w.BalanceCredits == 80 && w.ReservedCredits == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPoller_FailureRecordedAndHoldReleased(t *testing.T) {
	tests := []struct {
		name    string
		process processFunc
		wantMsg string
	}{
		{
			name: "processor error",
			process: func(context.Context, *model.Job, processor.ProgressFunc) (model.JobResult, error) {
				return model.JobResult{}, errors.New("ffmpeg exited 1")
			},
			wantMsg: "transcode failed: ffmpeg exited 1",
		},
		{
			name: "processor panic",
			process: func(context.Context, *model.Job, processor.ProgressFunc) (model.JobResult, error) {
				panic("nil codec")
			},
			wantMsg: "transcode failed: processor panic: nil codec",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.enqueue(t, "j1", model.LaneCPU, 30)
			e.start(t, tt.process, Options{MaxConcurrent: 1})

			job := e.waitStatus(t, "j1", model.JobFailed)
			require.Equal(t, tt.wantMsg, job.ErrorMessage)

			require.Eventually(t, func() bool {
				w := e.wallet(t, "u-j1")
				return w.BalanceCredits == 100 && w.ReservedCredits == 0
			}, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestPoller_SkipsJobClaimedElsewhere(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.enqueue(t, "j1", model.LaneCPU, 30)

	job, err := e.queue.Dequeue(ctx, model.LaneCPU)
	require.NoError(t, err)
	_, err = e.queue.UpdateStatus(ctx, job.ID, model.JobProcessing)
	require.NoError(t, err)

	var calls atomic.Int32
	pl := New(e.queue, processFunc(func(context.Context, *model.Job, processor.ProgressFunc) (model.JobResult, error) {
		calls.Add(1)
		return model.JobResult{CostActual: 5}, nil
	}), e.billing, Options{Lane: model.LaneCPU})
	pl.handle(ctx, job)

	require.Zero(t, calls.Load())
	stored, err := e.queue.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.JobProcessing, stored.Status)
	require.Equal(t, int64(30), e.wallet(t, "u-j1").ReservedCredits)
}

func TestPoller_BoundedConcurrency(t *testing.T) {
	e := newEnv(t)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		e.enqueue(t, id, model.LaneCPU, 10)
	}

	var (
		running atomic.Int32
		peak    atomic.Int32
		release = make(chan struct{})
	)
	pl, _ := e.start(t, processFunc(func(ctx context.Context, job *model.Job, _ processor.ProgressFunc) (model.JobResult, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		return model.JobResult{OutputURL: job.ID}, nil
	}), Options{MaxConcurrent: 2})

	require.Eventually(t, func() bool { return pl.ActiveJobs() == 2 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	depth, err := e.queue.QueueDepth(context.Background(), model.LaneCPU)
	require.NoError(t, err)
	require.Equal(t, int64(3), depth, "no job is taken without a free slot")

	close(release)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		e.waitStatus(t, id, model.JobCompleted)
	}
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoller_ReportsProgress(t *testing.T) {
	e := newEnv(t)
	e.enqueue(t, "j1", model.LaneCPU, 10)

	reported := make(chan struct{})
	finish := make(chan struct{})
	e.start(t, processFunc(func(ctx context.Context, job *model.Job, report processor.ProgressFunc) (model.JobResult, error) {
		report(150, "separating stems")
		close(reported)
		<-finish
		return model.JobResult{OutputURL: "stems.zip"}, nil
	}), Options{MaxConcurrent: 1})

	<-reported
	job, err := e.queue.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, model.JobProcessing, job.Status)
	require.Equal(t, 100, job.Progress)
	require.Equal(t, "separating stems", job.ProgressMessage)

	close(finish)
	e.waitStatus(t, "j1", model.JobCompleted)
}

func TestPoller_DrainsRunningJobsOnShutdown(t *testing.T) {
	e := newEnv(t)
	e.enqueue(t, "j1", model.LaneCPU, 10)

	started := make(chan struct{})
	var once sync.Once
	_, stop := e.start(t, processFunc(func(ctx context.Context, job *model.Job, _ processor.ProgressFunc) (model.JobResult, error) {
		once.Do(func() { close(started) })
		time.Sleep(100 * time.Millisecond)
		return model.JobResult{OutputURL: "done"}, nil
	}), Options{MaxConcurrent: 1})

	<-started
	stop()

	job, err := e.queue.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, model.JobCompleted, job.Status)
}

func TestPoller_CancelsJobsAfterDrainTimeout(t *testing.T) {
	e := newEnv(t)
	e.enqueue(t, "j1", model.LaneCPU, 10)

	started := make(chan struct{})
	_, stop := e.start(t, processFunc(func(ctx context.Context, job *model.Job, _ processor.ProgressFunc) (model.JobResult, error) {
		close(started)
		<-ctx.Done()
		return model.JobResult{}, ctx.Err()
	}), Options{MaxConcurrent: 1, DrainTimeout: 50 * time.Millisecond})

	<-started
	stop()

	job, err := e.queue.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, model.JobFailed, job.Status)
	require.Contains(t, job.ErrorMessage, context.Canceled.Error())
}

func TestPoller_GPUHeartbeat(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, stop := e.start(t, processFunc(func(context.Context, *model.Job, processor.ProgressFunc) (model.JobResult, error) {
		return model.JobResult{}, nil
	}), Options{WorkerID: "gpu-1", Lane: model.LaneGPU, MaxConcurrent: 1, HeartbeatInterval: 20 * time.Millisecond})

	require.Eventually(t, func() bool {
		hbs, err := e.queue.ListHeartbeats(ctx)
		return err == nil && len(hbs) == 1 && hbs[0].WorkerID == "gpu-1"
	}, 5*time.Second, 10*time.Millisecond)

	stop()
	hbs, err := e.queue.ListHeartbeats(ctx)
	require.NoError(t, err)
	require.Empty(t, hbs)
}

func TestJobProcessingError(t *testing.T) {
	cause := errors.New("boom")
	err := error(&JobProcessingError{JobID: "j1", Tool: model.ToolTranscribe, Err: cause})

	require.ErrorIs(t, err, cause)
	var perr *JobProcessingError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "j1", perr.JobID)
	require.Equal(t, "transcribe failed: boom", err.Error())
}
