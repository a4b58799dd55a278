package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ssuji15/xsonic/internal/component"
	"github.com/ssuji15/xsonic/internal/config"
	"github.com/ssuji15/xsonic/internal/events"
	"github.com/ssuji15/xsonic/internal/job_tracer"
	"github.com/ssuji15/xsonic/internal/poller"
	"github.com/ssuji15/xsonic/internal/processor"
	billingservice "github.com/ssuji15/xsonic/internal/service/billing_service"
	"github.com/ssuji15/xsonic/internal/service/logger"
	queueservice "github.com/ssuji15/xsonic/internal/service/queue_service"
	"github.com/ssuji15/xsonic/model"
)

func workerID(lane string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = uuid.NewString()
	}
	return lane + "-" + host
}

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

	wCfg, err := config.GetWorkerConfig()
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
	ledger, closeLedger, err := component.GetLedger(ctx, cfg.LEDGER_TYPE)
	if err != nil {
		log.Fatalf("ledger initialization error: %v", err)
	}

	queue := queueservice.NewQueueService(jobStore, bus, qCfg.JOB_TTL, qCfg.IDEMPOTENCY_TTL)
	billing := billingservice.NewBillingService(ledger)
	tools := processor.NewRegistry(processor.NewHTTPRunner(wCfg.TOOL_RUNNER_URL))

	id := workerID(wCfg.LANE)
	p := poller.New(queue, tools, billing, poller.OptionsFromConfig(id, wCfg))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := bus.SubscribeEvent(gctx, events.JobCreatedOn(model.Lane(wCfg.LANE)), "worker-"+wCfg.LANE, func(string) error {
			p.Wake()
			return nil
		})
		if err != nil {
			// Events only shorten the wait; polling still picks jobs up.
			logger.Log.Warn().Err(err).Msg("event subscription failed, relying on polling")
		}
		return nil
	})
	g.Go(func() error {
		return p.Run(gctx)
	})

	logger.Log.Info().Str("worker_id", id).Str("lane", wCfg.LANE).Msg("worker started")
	if err := g.Wait(); err != nil {
		logger.Log.Error().Err(err).Msg("worker stopped with error")
	}

	if component.ShutDownAll(10*time.Second, bus.ShutDown, jobStore.ShutDown, closeLedger) {
		logger.Log.Info().Msg("worker shutdown gracefully.")
	} else {
		logger.Log.Info().Msg("worker graceful shutdown timedout..")
	}
}
