package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/harun/devrel/internal/observability"
	"github.com/harun/devrel/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const maxResponseBytes = 1 << 20

// EndpointError is returned when an action endpoint answers with a non-2xx code
type EndpointError struct {
	Action Name
	Code   int
	Body   string
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("action %s: endpoint returned %d: %s", e.Action, e.Code, e.Body)
}

// HTTPExecutor runs actions by POSTing to a per-action endpoint.
//
// Request body: {"action", "arg", "session_id"}. The endpoint answers with a
// JSON Result.
type HTTPExecutor struct {
	endpoints map[Name]string
	client    *http.Client
}

// NewHTTPExecutor creates an executor for the given endpoints. Entries whose
// key is not a registered action are rejected.
func NewHTTPExecutor(endpoints map[string]string, timeout time.Duration) (*HTTPExecutor, error) {
	observability.EnsureRegistered()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	eps := make(map[Name]string, len(endpoints))
	for k, url := range endpoints {
		name, ok := Parse(k)
		if !ok || name == Complete {
			return nil, fmt.Errorf("endpoint for %q: %w", k, ErrUnknownAction)
		}
		if url == "" {
			return nil, fmt.Errorf("endpoint for %s is empty", name)
		}
		eps[name] = url
	}

	return &HTTPExecutor{
		endpoints: eps,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

type httpRequest struct {
	Action    Name   `json:"action"`
	Arg       string `json:"arg"`
	SessionID string `json:"session_id,omitempty"`
}

func (e *HTTPExecutor) Run(ctx context.Context, action Name, arg string) (Result, error) {
	url, ok := e.endpoints[action]
	if !ok {
		return Failure(unknown(action)), unknown(action)
	}

	ctx, span := tracing.StartSpan(ctx, "devrel.actions", "actions.run",
		attribute.String("action", string(action)),
		attribute.String("executor", "http"),
	)
	defer span.End()

	start := time.Now()
	res, err := e.post(ctx, url, httpRequest{Action: action, Arg: arg, SessionID: tracing.GetSessionID(ctx)})
	observability.RecordActionExecution(string(action), time.Since(start), err == nil && res.OK())

	status := res.Status
	if err != nil {
		status = StatusError
	}
	observability.RecordActionAudit(ctx, string(action), tracing.GetSessionID(ctx), status, map[string]interface{}{
		"endpoint":    url,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if err != nil {
		tracing.RecordError(span, err)
		if se, ok := err.(*EndpointError); ok {
			se.Action = action
		}
		return Failure(err), err
	}
	return res, nil
}

func (e *HTTPExecutor) post(ctx context.Context, url string, body httpRequest) (Result, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &EndpointError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, fmt.Errorf("invalid action response: %w", err)
	}
	if res.Status != StatusError {
		res.Status = StatusSuccess
	}
	return res, nil
}
