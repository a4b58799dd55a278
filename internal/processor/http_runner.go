package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ssuji15/xsonic/internal/job_tracer"
	"github.com/ssuji15/xsonic/internal/util"
	"github.com/ssuji15/xsonic/model"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
)

type runRequest struct {
	JobID           string            `json:"jobId"`
	UserID          string            `json:"userId"`
	InputFile       string            `json:"inputFile"`
	Params          map[string]string `json:"params,omitempty"`
	RequiresGPU     bool              `json:"requiresGpu"`
	OutputDirectory string            `json:"outputDirectory"`
}

// runEvent is one line of the runner's newline-delimited JSON response. The
// stream ends with a line carrying either result or error.
type runEvent struct {
	Progress *int             `json:"progress,omitempty"`
	Message  string           `json:"message,omitempty"`
	Result   *model.JobResult `json:"result,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// HTTPRunner hands jobs to a tool-runner service at POST {baseURL}/tools/{tool}.
type HTTPRunner struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRunner has no client timeout; jobs are bounded by their context.
func NewHTTPRunner(baseURL string) *HTTPRunner {
	return &HTTPRunner{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (h *HTTPRunner) Process(ctx context.Context, job *model.Job, report ProgressFunc) (model.JobResult, error) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Tool/"+string(job.ToolType))
	defer span.End()
	span.SetAttributes(attribute.String("job_id", job.ID))

	result, err := h.run(ctx, job, report)
	if err != nil {
		util.RecordSpanError(span, err)
	}
	return result, err
}

func (h *HTTPRunner) run(ctx context.Context, job *model.Job, report ProgressFunc) (model.JobResult, error) {
	body, err := json.Marshal(runRequest{
		JobID:           job.ID,
		UserID:          job.UserID,
		InputFile:       job.InputFile,
		Params:          job.Params,
		RequiresGPU:     job.Requirements.RequiresGPU,
		OutputDirectory: util.GetOutputPath(job.ID, ""),
	})
	if err != nil {
		return model.JobResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/tools/"+string(job.ToolType), bytes.NewReader(body))
	if err != nil {
		return model.JobResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := h.client.Do(req)
	if err != nil {
		return model.JobResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return model.JobResult{}, fmt.Errorf("tool runner returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var ev runEvent
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return model.JobResult{}, errors.New("tool runner closed the stream without a result")
			}
			return model.JobResult{}, fmt.Errorf("bad tool runner response: %w", err)
		}
		switch {
		case ev.Error != "":
			return model.JobResult{}, errors.New(ev.Error)
		case ev.Result != nil:
			return *ev.Result, nil
		case ev.Progress != nil && report != nil:
			report(*ev.Progress, ev.Message)
		}
	}
}
