package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ssuji15/xsonic/internal/component/jetstream"
	"github.com/ssuji15/xsonic/internal/config"
	"github.com/ssuji15/xsonic/internal/events"
	"github.com/ssuji15/xsonic/internal/job_tracer"
	"github.com/ssuji15/xsonic/internal/service/logger"
	"github.com/ssuji15/xsonic/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const fetchWait = 30 * time.Second

type JetStreamBus struct {
	connection *nats.Conn
	context    nats.JetStreamContext
	stream     string

	mu   sync.Mutex
	subs []*nats.Subscription
	wg   sync.WaitGroup
}

func NewJetStreamBus() (events.Bus, error) {
	cfg, err := config.GetNatsConfig()
	if err != nil {
		return nil, err
	}
	nc, err := jetstream.NewJetStreamClient()
	if err != nil {
		return nil, err
	}
	return newJetStreamBus(nc, cfg.STREAM)
}

func newJetStreamBus(nc *nats.Conn, stream string) (*JetStreamBus, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{"events.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("failed to create stream %s: %w", stream, err)
	}

	return &JetStreamBus{
		connection: nc,
		context:    js,
		stream:     stream,
	}, nil
}

func (b *JetStreamBus) PublishEvent(ctx context.Context, event events.Event, id string) error {
	_, span := job_tracer.GetTracer().Start(ctx, "JetStream/Publish")
	defer span.End()
	span.AddEvent("jetstream.context",
		trace.WithAttributes(
			attribute.String("subject", string(event)),
			attribute.String("id", id),
		),
	)

	if _, err := b.context.Publish(string(event), []byte(id)); err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("failed to publish %s: %w", event, err)
	}
	return nil
}

// SubscribeEvent binds a durable pull consumer and hands every message id to
// handler until ctx is done. Handler errors nak the message for redelivery.
func (b *JetStreamBus) SubscribeEvent(ctx context.Context, event events.Event, durable string, handler func(id string) error) error {
	subject := string(event)
	if subject == string(events.JobCreated) {
		subject += ".>"
	}
	sub, err := b.context.PullSubscribe(subject, durable,
		nats.BindStream(b.stream),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverNew(),
		nats.MaxDeliver(5),
		nats.AckWait(20*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ctx.Err() == nil {
			fctx, cancel := context.WithTimeout(ctx, fetchWait)
			msgs, err := sub.Fetch(10, nats.Context(fctx))
			cancel()
			if err != nil {
				if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
					continue
				}
				if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
					return
				}
				logger.Log.Warn().Err(err).Str("subject", subject).Msg("event fetch failed")
				time.Sleep(time.Second)
				continue
			}
			for _, msg := range msgs {
				id := string(msg.Data)
				if err := handler(id); err != nil {
					logger.Log.Error().Err(err).Str("id", id).Str("subject", msg.Subject).Msg("failed to handle event")
					_ = msg.Nak()
					continue
				}
				_ = msg.Ack()
			}
		}
	}()
	return nil
}

func (b *JetStreamBus) ShutDown(ctx context.Context) {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if err := b.connection.Drain(); err != nil {
		logger.Log.Warn().Err(err).Msg("nats drain failed")
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	b.connection.Close()
}
