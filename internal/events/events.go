package events

import (
	"context"
	"fmt"

	"github.com/ssuji15/xsonic/model"
)

type Event string

const (
	JobCreated  Event = "events.job.created"
	JobFinished Event = "events.job.finished"
)

// JobCreatedOn narrows JobCreated to a single lane.
func JobCreatedOn(lane model.Lane) Event {
	return Event(fmt.Sprintf("%s.%s", JobCreated, lane))
}

type Publisher interface {
	PublishEvent(ctx context.Context, event Event, id string) error
}

// Bus carries wake-up hints between processes. Lanes in the job store stay the
// source of truth; a lost event only delays work until the next poll.
type Bus interface {
	Publisher
	SubscribeEvent(ctx context.Context, event Event, durable string, handler func(id string) error) error
	ShutDown(ctx context.Context)
}
