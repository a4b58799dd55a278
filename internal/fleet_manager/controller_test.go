package fleetmanager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ssuji15/xsonic/internal/events/noop"
	queueservice "github.com/ssuji15/xsonic/internal/service/queue_service"
	"github.com/ssuji15/xsonic/internal/store/local"
	"github.com/ssuji15/xsonic/model"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	server    *httptest.Server
	starts    atomic.Int32
	stops     atomic.Int32
	probes    atomic.Int32
	startCode atomic.Int32
	stopCode  atomic.Int32
	healthy   atomic.Bool
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{}
	p.startCode.Store(http.StatusAccepted)
	p.stopCode.Store(http.StatusOK)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /start", func(w http.ResponseWriter, r *http.Request) {
		p.starts.Add(1)
		w.WriteHeader(int(p.startCode.Load()))
	})
	mux.HandleFunc("POST /stop", func(w http.ResponseWriter, r *http.Request) {
		p.stops.Add(1)
		w.WriteHeader(int(p.stopCode.Load()))
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		p.probes.Add(1)
		if !p.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

type harness struct {
	ctrl     *Controller
	queue    *queueservice.QueueService
	provider *fakeProvider
	clock    *time.Time
}

func defaultOptions() Options {
	return Options{
		TickInterval:   30 * time.Second,
		IdleThreshold:  10 * time.Minute,
		HealthInterval: 5 * time.Second,
		StartTimeout:   300 * time.Second,
		CPUFallback:    true,
		LeaseTTL:       90 * time.Second,
		HeartbeatStale: 2 * time.Minute,
	}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	q := queueservice.NewQueueService(local.NewLocalStore(8*1024*1024), noop.NewNoopBus(), time.Hour, time.Hour)
	p := newFakeProvider(t)
	ctrl := NewController(q, NewHTTPProvider(p.server.URL, "secret", 2*time.Second), opts)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ctrl.now = func() time.Time { return now }
	return &harness{ctrl: ctrl, queue: q, provider: p, clock: &now}
}

func (h *harness) advance(d time.Duration) {
	*h.clock = h.clock.Add(d)
}

func (h *harness) status(t *testing.T) model.FleetStatus {
	t.Helper()
	s, err := h.queue.GetFleetStatus(context.Background())
	require.NoError(t, err)
	return s
}

func (h *harness) enqueueGPU(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, h.queue.Enqueue(context.Background(), &model.Job{
			ID:           id,
			ToolType:     model.ToolStemSeparation,
			Requirements: model.Requirements{RequiresGPU: true},
		}))
	}
}

func TestTick_NoJobsNoStart(t *testing.T) {
	h := newHarness(t, defaultOptions())

	require.NoError(t, h.ctrl.Tick(context.Background()))
	require.Empty(t, h.status(t))
	require.Zero(t, h.provider.starts.Load())
}

func TestTick_StartsAndBecomesRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())
	h.provider.healthy.Store(true)
	h.enqueueGPU(t, "g1")

	require.NoError(t, h.ctrl.Tick(ctx))
	require.Equal(t, model.FleetRunning, h.status(t))
	require.Equal(t, int32(1), h.provider.starts.Load())

	last, err := h.queue.GetFleetLastUpdate(ctx)
	require.NoError(t, err)
	require.True(t, h.clock.Equal(last))
	deadline, err := h.queue.GetFleetStartDeadline(ctx)
	require.NoError(t, err)
	require.True(t, deadline.IsZero())

	require.NoError(t, h.ctrl.Tick(ctx))
	require.Equal(t, int32(1), h.provider.starts.Load(), "running fleet is not started again")
}

func TestTick_StartWaitsForHealthAcrossTicks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())
	h.enqueueGPU(t, "g1")

	require.NoError(t, h.ctrl.Tick(ctx))
	require.Equal(t, model.FleetStarting, h.status(t))
	deadline, err := h.queue.GetFleetStartDeadline(ctx)
	require.NoError(t, err)
	require.True(t, h.clock.Add(300*time.Second).Equal(deadline))

	h.advance(5 * time.Second)
	require.NoError(t, h.ctrl.Tick(ctx))
	require.Equal(t, model.FleetStarting, h.status(t))

	h.provider.healthy.Store(true)
	h.advance(5 * time.Second)
	require.NoError(t, h.ctrl.Tick(ctx))
	require.Equal(t, model.FleetRunning, h.status(t))
	require.Equal(t, int32(1), h.provider.starts.Load())
}

func TestTick_StartTimeoutFallsBackToCPU(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())
	h.enqueueGPU(t, "g1", "g2")

	require.NoError(t, h.ctrl.Tick(ctx))
	require.Equal(t, model.FleetStarting, h.status(t))

	h.advance(301 * time.Second)
	require.NoError(t, h.ctrl.Tick(ctx))
	require.Equal(t, model.FleetStopped, h.status(t))

	gpu, err := h.queue.QueueDepth(ctx, model.LaneGPU)
	require.NoError(t, err)
	require.Zero(t, gpu)
	cpu, err := h.queue.QueueDepth(ctx, model.LaneCPU)
	require.NoError(t, err)
	require.Equal(t, int64(2), cpu)

	for _, id := range []string{"g1", "g2"} {
		job, err := h.queue.GetJob(ctx, id)
		require.NoError(t, err)
		require.False(t, job.Requirements.RequiresGPU)
		require.True(t, job.Requirements.RequiresCPU)
	}
}

func TestTick_StartCallFailureWithoutFallback(t *testing.T) {
	ctx := context.Background()
	opts := defaultOptions()
	opts.CPUFallback = false
	h := newHarness(t, opts)
	h.provider.startCode.Store(http.StatusInternalServerError)
	h.enqueueGPU(t, "g1")

	require.NoError(t, h.ctrl.Tick(ctx))
	require.Equal(t, model.FleetStopped, h.status(t))

	gpu, err := h.queue.QueueDepth(ctx, model.LaneGPU)
	require.NoError(t, err)
	require.Equal(t, int64(1), gpu, "jobs wait for a later start")

	h.provider.startCode.Store(http.StatusOK)
	h.provider.healthy.Store(true)
	require.NoError(t, h.ctrl.Tick(ctx))
	require.Equal(t, model.FleetRunning, h.status(t))
	require.Equal(t, int32(2), h.provider.starts.Load())
}

func runningHarness(t *testing.T, opts Options, idleFor time.Duration) *harness {
	t.Helper()
	ctx := context.Background()
	h := newHarness(t, opts)
	h.provider.healthy.Store(true)
	require.NoError(t, h.queue.SetFleetStatus(ctx, model.FleetRunning))
	require.NoError(t, h.queue.SetFleetLastUpdate(ctx, h.clock.Add(-idleFor)))
	return h
}

func TestTick_IdleStop(t *testing.T) {
	tests := []struct {
		name     string
		idleFor  time.Duration
		stopCode int
		want     model.FleetStatus
		stops    int32
	}{
		{"idle past threshold", 11 * time.Minute, http.StatusOK, model.FleetStopped, 1},
		{"idle exactly threshold", 10 * time.Minute, http.StatusOK, model.FleetStopped, 1},
		{"stop call fails", 11 * time.Minute, http.StatusBadGateway, model.FleetStopped, 1},
		{"recently active", 5 * time.Minute, http.StatusOK, model.FleetRunning, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := runningHarness(t, defaultOptions(), tt.idleFor)
			h.provider.stopCode.Store(int32(tt.stopCode))

			require.NoError(t, h.ctrl.Tick(context.Background()))
			require.Equal(t, tt.want, h.status(t))
			require.Equal(t, tt.stops, h.provider.stops.Load())
		})
	}
}

func TestTick_BusyHeartbeatKeepsFleet(t *testing.T) {
	ctx := context.Background()
	h := runningHarness(t, defaultOptions(), time.Hour)
	require.NoError(t, h.queue.WriteHeartbeat(ctx, model.FleetHeartbeat{WorkerID: "w1", ActiveJobs: 1, At: *h.clock}, time.Minute))

	require.NoError(t, h.ctrl.Tick(ctx))
	require.Equal(t, model.FleetRunning, h.status(t))
	require.Zero(t, h.provider.stops.Load())

	last, err := h.queue.GetFleetLastUpdate(ctx)
	require.NoError(t, err)
	require.True(t, h.clock.Equal(last))
}

func TestTick_StaleHeartbeatIgnored(t *testing.T) {
	ctx := context.Background()
	h := runningHarness(t, defaultOptions(), time.Hour)
	require.NoError(t, h.queue.WriteHeartbeat(ctx, model.FleetHeartbeat{WorkerID: "w1", ActiveJobs: 1, At: h.clock.Add(-10 * time.Minute)}, time.Minute))

	require.NoError(t, h.ctrl.Tick(ctx))
	require.Equal(t, model.FleetStopped, h.status(t))
}

func TestTick_QueuedJobsRefreshActivity(t *testing.T) {
	ctx := context.Background()
	h := runningHarness(t, defaultOptions(), time.Hour)
	h.enqueueGPU(t, "g1")

	require.NoError(t, h.ctrl.Tick(ctx))
	require.Equal(t, model.FleetRunning, h.status(t))
	last, err := h.queue.GetFleetLastUpdate(ctx)
	require.NoError(t, err)
	require.True(t, h.clock.Equal(last))
}

func TestTick_ReconcileDetectsDeadFleet(t *testing.T) {
	opts := defaultOptions()
	opts.ReconcileEvery = 2
	h := runningHarness(t, opts, 0)
	h.provider.healthy.Store(false)

	require.NoError(t, h.ctrl.Tick(context.Background()))
	require.Equal(t, model.FleetRunning, h.status(t))
	require.Zero(t, h.provider.probes.Load())

	require.NoError(t, h.ctrl.Tick(context.Background()))
	require.Equal(t, model.FleetStopped, h.status(t))
	require.Equal(t, int32(1), h.provider.probes.Load())
}

func TestTick_FinishesInterruptedStop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())
	require.NoError(t, h.queue.SetFleetStatus(ctx, model.FleetStopping))

	require.NoError(t, h.ctrl.Tick(ctx))
	require.Equal(t, model.FleetStopped, h.status(t))
}

func TestTick_WithoutLeaseDoesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultOptions())
	h.enqueueGPU(t, "g1")

	ok, err := h.queue.AcquireControllerLease(ctx, "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.ctrl.Tick(ctx))
	require.Empty(t, h.status(t))
	require.Zero(t, h.provider.starts.Load())

	require.NoError(t, h.queue.ReleaseControllerLease(ctx, "other-instance"))
	h.provider.healthy.Store(true)
	require.NoError(t, h.ctrl.Tick(ctx))
	require.Equal(t, model.FleetRunning, h.status(t))
}

func TestRun_TicksOnStartAndNudge(t *testing.T) {
	opts := defaultOptions()
	opts.TickInterval = time.Hour
	opts.HealthInterval = time.Hour
	h := newHarness(t, opts)
	h.provider.healthy.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Run(ctx) }()

	h.enqueueGPU(t, "g1")
	require.Eventually(t, func() bool {
		h.ctrl.Nudge()
		s, err := h.queue.GetFleetStatus(context.Background())
		return err == nil && s == model.FleetRunning
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	ok, err := h.queue.AcquireControllerLease(context.Background(), "next-leader", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "lease released on exit")
}

func TestHTTPProvider_SendsBearerToken(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/", "tok", time.Second)
	require.NoError(t, p.Start(context.Background()))
	require.Equal(t, "Bearer tok", auth.Load())
}
