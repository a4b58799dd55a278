package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ssuji15/xsonic/internal/component"
	"github.com/ssuji15/xsonic/internal/config"
	"github.com/ssuji15/xsonic/internal/job_tracer"
	billingservice "github.com/ssuji15/xsonic/internal/service/billing_service"
	"github.com/ssuji15/xsonic/internal/service/logger"
	queueservice "github.com/ssuji15/xsonic/internal/service/queue_service"
	"github.com/ssuji15/xsonic/internal/web"
	"github.com/ssuji15/xsonic/internal/web/middleware"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	srvCfg, err := config.GetServerConfig()
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
	objects, err := component.GetStorage()
	if err != nil {
		log.Fatalf("storage initialization error: %v", err)
	}
	ledger, closeLedger, err := component.GetLedger(ctx, cfg.LEDGER_TYPE)
	if err != nil {
		log.Fatalf("ledger initialization error: %v", err)
	}

	queue := queueservice.NewQueueService(jobStore, bus, qCfg.JOB_TTL, qCfg.IDEMPOTENCY_TTL)
	billing := billingservice.NewBillingService(ledger)
	limiter := middleware.NewLimiter(srvCfg.SUBMIT_QUEUE_SIZE, srvCfg.SUBMIT_MAX_INFLIGHT)
	server := web.NewServer(queue, billing, objects, limiter)

	srv := &http.Server{
		Addr:              cfg.HTTP_ADDR,
		Handler:           server.Router(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Log.Info().Str("addr", cfg.HTTP_ADDR).Msg("HTTP server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Log.Info().Msg("trying to shutdown server gracefully...")
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Log.Error().Err(err).Msg("http shutdown failed")
	}
	limiter.Close()

	if component.ShutDownAll(10*time.Second, closeLedger, jobStore.ShutDown, bus.ShutDown, objects.ShutDown) {
		logger.Log.Info().Msg("server shutdown gracefully.")
	} else {
		logger.Log.Info().Msg("server graceful shutdown timedout..")
	}
}
