package middleware

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/ssuji15/xsonic/internal/service/logger"
)

type pending struct {
	w      http.ResponseWriter
	r      *http.Request
	next   http.Handler
	done   chan struct{}
	served bool
}

// Limiter admits at most maxInflight requests at once and parks up to
// queueSize more. Anything beyond that is turned away with 503.
type Limiter struct {
	queue    chan *pending
	inflight chan struct{}
	once     sync.Once
}

func NewLimiter(queueSize, maxInflight int) *Limiter {
	l := &Limiter{
		queue:    make(chan *pending, queueSize),
		inflight: make(chan struct{}, maxInflight),
	}
	go l.dispatch()
	return l
}

func (l *Limiter) dispatch() {
	for p := range l.queue {
		l.inflight <- struct{}{}

		go func(p *pending) {
			defer func() {
				<-l.inflight
				close(p.done)
			}()
			// The caller may have given up while parked.
			if p.r.Context().Err() != nil {
				return
			}
			p.served = true
			p.next.ServeHTTP(p.w, p.r)
		}(p)
	}
}

// Close stops the dispatcher. Call it only after the server stopped accepting requests.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.queue) })
}

func (l *Limiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := &pending{w: w, r: r, next: next, done: make(chan struct{})}

		select {
		case l.queue <- p:
		default:
			logger.Log.Warn().Str("path", r.URL.Path).Msg("submission queue full")
			w.Header().Set("Retry-After", "1")
			http.Error(w, "server busy", http.StatusServiceUnavailable)
			return
		}

		// The handler owns w until done is closed.
		<-p.done
		if !p.served && errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			http.Error(w, "request timed out", http.StatusGatewayTimeout)
		}
	})
}
