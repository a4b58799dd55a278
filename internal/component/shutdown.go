package component

import (
	"context"
	"sync"
	"time"
)

// ShutDownAll runs every fn concurrently and waits up to timeout for them.
// It reports false when the timeout won.
func ShutDownAll(timeout time.Duration, fns ...func(context.Context)) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, fn := range fns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
