package fleetmanager

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ssuji15/xsonic/internal/job_tracer"
	"github.com/ssuji15/xsonic/internal/util"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Provider controls the rented GPU capacity.
type Provider interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Healthy(ctx context.Context) (bool, error)
}

// HTTPProvider talks to the fleet provider API over bearer-authenticated HTTP.
type HTTPProvider struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTPProvider(endpoint, token string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		token:    strings.TrimSpace(token),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (p *HTTPProvider) call(ctx context.Context, method, path string) (int, error) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Fleet/"+strings.TrimPrefix(path, "/"))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, method, p.endpoint+path, nil)
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, err
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		util.RecordSpanError(span, err)
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func is2xx(code int) bool {
	return code >= 200 && code < 300
}

func (p *HTTPProvider) Start(ctx context.Context) error {
	code, err := p.call(ctx, http.MethodPost, "/start")
	if err != nil {
		return err
	}
	if !is2xx(code) {
		return fmt.Errorf("fleet provider start returned %d", code)
	}
	return nil
}

func (p *HTTPProvider) Stop(ctx context.Context) error {
	code, err := p.call(ctx, http.MethodPost, "/stop")
	if err != nil {
		return err
	}
	if !is2xx(code) {
		return fmt.Errorf("fleet provider stop returned %d", code)
	}
	return nil
}

// Healthy reports false with a nil error when the provider answered with a non-2xx.
func (p *HTTPProvider) Healthy(ctx context.Context) (bool, error) {
	code, err := p.call(ctx, http.MethodGet, "/healthz")
	if err != nil {
		return false, err
	}
	return is2xx(code), nil
}
