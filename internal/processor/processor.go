package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ssuji15/xsonic/model"
)

var ErrUnsupportedTool = errors.New("no processor for tool type")

// ProgressFunc receives progress in percent and a short human message.
type ProgressFunc func(progress int, message string)

// Processor runs one job to completion. It must honour ctx cancellation.
type Processor interface {
	Process(ctx context.Context, job *model.Job, report ProgressFunc) (model.JobResult, error)
}

// Registry routes jobs to the processor registered for their tool type.
type Registry struct {
	mu         sync.RWMutex
	processors map[model.ToolType]Processor
	fallback   Processor
}

func NewRegistry(fallback Processor) *Registry {
	return &Registry{
		processors: make(map[model.ToolType]Processor),
		fallback:   fallback,
	}
}

func (r *Registry) Register(tool model.ToolType, p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[tool] = p
}

func (r *Registry) Process(ctx context.Context, job *model.Job, report ProgressFunc) (model.JobResult, error) {
	r.mu.RLock()
	p, ok := r.processors[job.ToolType]
	r.mu.RUnlock()
	if !ok {
		p = r.fallback
	}
	if p == nil {
		return model.JobResult{}, fmt.Errorf("%w: %s", ErrUnsupportedTool, job.ToolType)
	}
	return p.Process(ctx, job, report)
}
