package fleetmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ssuji15/xsonic/internal/config"
	"github.com/ssuji15/xsonic/internal/job_tracer"
	"github.com/ssuji15/xsonic/internal/service/logger"
	"github.com/ssuji15/xsonic/internal/util"
	"github.com/ssuji15/xsonic/model"
	"go.opentelemetry.io/otel/attribute"
)

var ErrFleetStartFailed = errors.New("fleet start failed")

// FleetState is the durable state the controller reads and writes. The queue
// service implements it on top of the job store.
type FleetState interface {
	QueueDepth(ctx context.Context, lane model.Lane) (int64, error)
	DemoteGPUJobs(ctx context.Context) (int, error)

	GetFleetStatus(ctx context.Context) (model.FleetStatus, error)
	SetFleetStatus(ctx context.Context, status model.FleetStatus) error
	GetFleetLastUpdate(ctx context.Context) (time.Time, error)
	SetFleetLastUpdate(ctx context.Context, t time.Time) error
	GetFleetStartDeadline(ctx context.Context) (time.Time, error)
	SetFleetStartDeadline(ctx context.Context, t time.Time) error
	ClearFleetStartDeadline(ctx context.Context) error
	ListHeartbeats(ctx context.Context) ([]model.FleetHeartbeat, error)

	AcquireControllerLease(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	ReleaseControllerLease(ctx context.Context, owner string) error
}

type Options struct {
	TickInterval   time.Duration
	IdleThreshold  time.Duration
	HealthInterval time.Duration
	StartTimeout   time.Duration
	CPUFallback    bool
	LeaseTTL       time.Duration
	ReconcileEvery int
	HeartbeatStale time.Duration
}

func OptionsFromConfig(cfg *config.FleetConfig) Options {
	return Options{
		TickInterval:   cfg.TICK_INTERVAL,
		IdleThreshold:  cfg.IDLE_THRESHOLD,
		HealthInterval: cfg.HEALTH_INTERVAL,
		StartTimeout:   cfg.START_TIMEOUT,
		CPUFallback:    cfg.CPU_FALLBACK,
		LeaseTTL:       cfg.LEASE_TTL,
		ReconcileEvery: cfg.RECONCILE_EVERY,
		HeartbeatStale: cfg.HEARTBEAT_STALE,
	}
}

// Controller starts the GPU fleet when gpu jobs wait and stops it once it has
// been idle long enough. Only the holder of the controller lease acts on a tick.
type Controller struct {
	state    FleetState
	provider Provider
	opts     Options
	owner    string
	now      func() time.Time
	nudge    chan struct{}

	// touched only from the goroutine driving Tick
	status       model.FleetStatus
	runningTicks int
}

func NewController(state FleetState, provider Provider, opts Options) *Controller {
	return &Controller{
		state:    state,
		provider: provider,
		opts:     opts,
		owner:    uuid.NewString(),
		now:      func() time.Time { return time.Now().UTC() },
		nudge:    make(chan struct{}, 1),
	}
}

// Nudge asks Run for an early tick. It never blocks.
func (c *Controller) Nudge() {
	select {
	case c.nudge <- struct{}{}:
	default:
	}
}

// Run ticks once immediately, then on every tick interval or nudge. While the
// fleet is starting it also ticks on the health interval.
func (c *Controller) Run(ctx context.Context) error {
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.state.ReleaseControllerLease(rctx, c.owner); err != nil {
			logger.Log.Warn().Err(err).Msg("failed to release fleet controller lease")
		}
	}()

	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()
	health := time.NewTicker(c.opts.HealthInterval)
	defer health.Stop()

	c.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.tick(ctx)
		case <-c.nudge:
			c.tick(ctx)
		case <-health.C:
			if c.status == model.FleetStarting {
				c.tick(ctx)
			}
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	if err := c.Tick(ctx); err != nil && ctx.Err() == nil {
		logger.Log.Error().Err(err).Msg("fleet controller tick failed")
	}
}

// Tick runs one pass of the control loop.
func (c *Controller) Tick(ctx context.Context) error {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Fleet/Tick")
	defer span.End()

	leader, err := c.state.AcquireControllerLease(ctx, c.owner, c.opts.LeaseTTL)
	if err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("failed to acquire controller lease: %w", err)
	}
	if !leader {
		c.status = ""
		return nil
	}

	depth, err := c.state.QueueDepth(ctx, model.LaneGPU)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	job_tracer.LaneDepth(ctx, string(model.LaneGPU), depth)

	status, err := c.state.GetFleetStatus(ctx)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	c.status = status
	span.SetAttributes(attribute.Int64("gpu_depth", depth), attribute.String("fleet_status", string(status)))

	switch status {
	case model.FleetStarting:
		err = c.checkStarting(ctx)
	case model.FleetRunning:
		err = c.checkRunning(ctx, depth)
	case model.FleetStopping:
		// The previous leader died mid-stop.
		err = c.setStatus(ctx, model.FleetStopped)
	default:
		if depth > 0 {
			err = c.startFleet(ctx)
		}
	}
	if err != nil {
		util.RecordSpanError(span, err)
	}
	return err
}

func (c *Controller) setStatus(ctx context.Context, status model.FleetStatus) error {
	if err := c.state.SetFleetStatus(ctx, status); err != nil {
		return fmt.Errorf("failed to set fleet status %s: %w", status, err)
	}
	if status != c.status {
		job_tracer.FleetTransition(ctx, string(status))
		logger.Log.Info().Str("fleet_status", string(status)).Str("from", string(c.status)).Msg("fleet status changed")
	}
	c.status = status
	if status != model.FleetRunning {
		c.runningTicks = 0
	}
	return nil
}

// startFleet marks the fleet starting with a deadline, calls the provider and
// probes health once. Later ticks keep probing until the deadline.
func (c *Controller) startFleet(ctx context.Context) error {
	if err := c.setStatus(ctx, model.FleetStarting); err != nil {
		return err
	}
	if err := c.state.SetFleetStartDeadline(ctx, c.now().Add(c.opts.StartTimeout)); err != nil {
		return err
	}
	if err := c.provider.Start(ctx); err != nil {
		return c.startFailed(ctx, err)
	}
	return c.probeStart(ctx)
}

func (c *Controller) checkStarting(ctx context.Context) error {
	deadline, err := c.state.GetFleetStartDeadline(ctx)
	if err != nil {
		return err
	}
	if deadline.IsZero() {
		// Status was written but the deadline was not; give the start a full window.
		if err := c.state.SetFleetStartDeadline(ctx, c.now().Add(c.opts.StartTimeout)); err != nil {
			return err
		}
	}
	return c.probeStart(ctx)
}

func (c *Controller) probeStart(ctx context.Context) error {
	healthy, err := c.provider.Healthy(ctx)
	if err != nil {
		logger.Log.Warn().Err(err).Msg("fleet health probe failed")
	}
	if healthy {
		return c.markRunning(ctx)
	}
	deadline, err := c.state.GetFleetStartDeadline(ctx)
	if err != nil {
		return err
	}
	if !deadline.IsZero() && c.now().After(deadline) {
		return c.startFailed(ctx, fmt.Errorf("not healthy within %s", c.opts.StartTimeout))
	}
	return nil
}

func (c *Controller) markRunning(ctx context.Context) error {
	if err := c.setStatus(ctx, model.FleetRunning); err != nil {
		return err
	}
	if err := c.state.SetFleetLastUpdate(ctx, c.now()); err != nil {
		return err
	}
	return c.state.ClearFleetStartDeadline(ctx)
}

// startFailed settles the fleet on stopped and, when allowed, moves queued gpu
// jobs to the cpu lane. The failure itself is not returned.
func (c *Controller) startFailed(ctx context.Context, cause error) error {
	logger.Log.Error().Err(fmt.Errorf("%w: %w", ErrFleetStartFailed, cause)).Bool("cpu_fallback", c.opts.CPUFallback).Msg("gpu fleet did not start")

	if err := c.setStatus(ctx, model.FleetStopped); err != nil {
		return err
	}
	if err := c.state.ClearFleetStartDeadline(ctx); err != nil {
		return err
	}
	if !c.opts.CPUFallback {
		return nil
	}
	moved, err := c.state.DemoteGPUJobs(ctx)
	if err != nil {
		return fmt.Errorf("cpu fallback moved %d jobs: %w", moved, err)
	}
	logger.Log.Info().Int("jobs", moved).Msg("gpu jobs moved to cpu lane")
	return nil
}

func (c *Controller) checkRunning(ctx context.Context, depth int64) error {
	c.runningTicks++
	if c.opts.ReconcileEvery > 0 && c.runningTicks%c.opts.ReconcileEvery == 0 {
		healthy, err := c.provider.Healthy(ctx)
		if err != nil || !healthy {
			logger.Log.Warn().Err(err).Msg("running fleet failed reconciliation probe")
			return c.setStatus(ctx, model.FleetStopped)
		}
	}

	if depth > 0 {
		return c.state.SetFleetLastUpdate(ctx, c.now())
	}

	busy, err := c.busy(ctx)
	if err != nil {
		return err
	}
	if busy {
		return c.state.SetFleetLastUpdate(ctx, c.now())
	}

	last, err := c.state.GetFleetLastUpdate(ctx)
	if err != nil {
		return err
	}
	if last.IsZero() {
		return c.state.SetFleetLastUpdate(ctx, c.now())
	}
	if idle := c.now().Sub(last); idle >= c.opts.IdleThreshold {
		logger.Log.Info().Dur("idle", idle).Msg("gpu fleet idle")
		return c.stopFleet(ctx)
	}
	return nil
}

// busy reports whether any fresh heartbeat still has jobs in hand.
func (c *Controller) busy(ctx context.Context) (bool, error) {
	hbs, err := c.state.ListHeartbeats(ctx)
	if err != nil {
		return false, err
	}
	now := c.now()
	for _, hb := range hbs {
		if hb.ActiveJobs > 0 && now.Sub(hb.At) <= c.opts.HeartbeatStale {
			return true, nil
		}
	}
	return false, nil
}

// stopFleet always lands on stopped; a failed provider stop is only logged.
func (c *Controller) stopFleet(ctx context.Context) error {
	if err := c.setStatus(ctx, model.FleetStopping); err != nil {
		return err
	}
	if err := c.provider.Stop(ctx); err != nil {
		logger.Log.Warn().Err(err).Msg("fleet provider stop failed")
	}
	return c.setStatus(ctx, model.FleetStopped)
}
