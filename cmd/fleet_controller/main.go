package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ssuji15/xsonic/internal/component"
	"github.com/ssuji15/xsonic/internal/config"
	"github.com/ssuji15/xsonic/internal/events"
	fleetmanager "github.com/ssuji15/xsonic/internal/fleet_manager"
	"github.com/ssuji15/xsonic/internal/job_tracer"
	"github.com/ssuji15/xsonic/internal/service/logger"
	queueservice "github.com/ssuji15/xsonic/internal/service/queue_service"
	"github.com/ssuji15/xsonic/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init(cfg.SERVICE_NAME)

	if cfg.TRACE_URL != "" {
		shutdownTracer, err := job_tracer.InitTracer(ctx, cfg.SERVICE_NAME, cfg.TRACE_URL)
		if err != nil {
			log.Fatalf("error initialising trace: %v", err)
		}
		defer shutdownTracer(context.Background())
	}

	fCfg, err := config.GetFleetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	qCfg, err := config.GetQueueConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	jobStore, err := component.GetStore(ctx, cfg.STORE_TYPE)
	if err != nil {
		log.Fatalf("store initialization error: %v", err)
	}
	bus, err := component.GetEventBus(cfg.EVENTS_TYPE)
	if err != nil {
		log.Fatalf("event bus initialization error: %v", err)
	}

	queue := queueservice.NewQueueService(jobStore, bus, qCfg.JOB_TTL, qCfg.IDEMPOTENCY_TTL)
	provider := fleetmanager.NewHTTPProvider(fCfg.ENDPOINT, fCfg.API_TOKEN, 30*time.Second)
	controller := fleetmanager.NewController(queue, provider, fleetmanager.OptionsFromConfig(fCfg))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := bus.SubscribeEvent(gctx, events.JobCreatedOn(model.LaneGPU), "fleet-controller", func(string) error {
			controller.Nudge()
			return nil
		})
		if err != nil {
			// Events only shorten the wait; polling still picks jobs up.
			logger.Log.Warn().Err(err).Msg("event subscription failed, relying on polling")
		}
		return nil
	})
	g.Go(func() error {
		return controller.Run(gctx)
	})

	logger.Log.Info().Msg("fleet controller started")
	if err := g.Wait(); err != nil {
		logger.Log.Error().Err(err).Msg("fleet controller stopped with error")
	}

	if component.ShutDownAll(10*time.Second, bus.ShutDown, jobStore.ShutDown) {
		logger.Log.Info().Msg("fleet controller shutdown gracefully.")
	} else {
		logger.Log.Info().Msg("fleet controller graceful shutdown timedout..")
	}
}
