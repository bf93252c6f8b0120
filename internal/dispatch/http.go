package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loomworks/loom/pkg/api"
)

func (d *Dispatcher) handleHTTPRequest(
	ctx context.Context, step *api.FlowStep, sc *Context,
) *api.StepResult {
	url := step.Config.String("url")
	if url == "" {
		return api.Failed(api.Codef(api.CodeHTTPError,
			"step %s: no url to request", step.ID))
	}
	method := step.Config.String("method")
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if raw, ok := step.Config["body"]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return api.Failed(api.WithCode(api.CodeHTTPError, err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return api.Failed(api.WithCode(api.CodeHTTPError, err))
	}

	// auth headers merge last so they win on collision
	req.Header.Set("Content-Type", "application/json")
	for name, value := range step.Config.Map("headers") {
		if s, ok := value.(string); ok {
			req.Header.Set(name, s)
		}
	}
	for name, value := range sc.AuthHeaders {
		req.Header.Set(name, value)
	}

	res, err := d.httpClient.Do(req)
	if err != nil {
		return api.Failed(api.WithCode(api.CodeNetworkError, err))
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return api.Failed(api.WithCode(api.CodeNetworkError, err))
	}

	output := map[string]any{
		"status":     res.StatusCode,
		"statusText": http.StatusText(res.StatusCode),
		"data":       parseBody(data),
		"headers":    flattenHeaders(res.Header),
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		result := api.FailedRecord(&api.ErrorRecord{
			Message: fmt.Sprintf("HTTP %d: %s",
				res.StatusCode, http.StatusText(res.StatusCode)),
			Code: api.CodeHTTPError,
		})
		result.Output = output
		return result
	}
	return api.Succeeded(output)
}

func (d *Dispatcher) handleDelay(
	ctx context.Context, step *api.FlowStep, _ *Context,
) *api.StepResult {
	delayMs := step.Config.Int64("delayMs", 0)
	if delayMs > 0 {
		if err := d.sleep(ctx, millis(delayMs)); err != nil {
			return api.Failed(err)
		}
	}
	return api.Succeeded(map[string]any{"delayedFor": delayMs})
}

// parseBody decodes JSON responses and falls back to raw text
func parseBody(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return string(data)
	}
	return value
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for name := range h {
		flat[name] = h.Get(name)
	}
	return flat
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
