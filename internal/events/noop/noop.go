package noop

import (
	"context"

	"github.com/ssuji15/xsonic/internal/events"
)

type NoopBus struct{}

func NewNoopBus() events.Bus {
	return NoopBus{}
}

func (NoopBus) PublishEvent(context.Context, events.Event, string) error {
	return nil
}

func (NoopBus) SubscribeEvent(context.Context, events.Event, string, func(string) error) error {
	return nil
}

func (NoopBus) ShutDown(context.Context) {}
