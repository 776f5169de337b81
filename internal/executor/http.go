package executor

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/smilemakc/flowpilot/internal/domain"
	flowerrors "github.com/smilemakc/flowpilot/internal/domain/errors"
)

// HTTPExecutor issues a single HTTP request per §4.3: a rendered method,
// URL, headers, and optional body. Success is 200 <= status < 400; any
// other status, or a transport failure, is an error result. Grounded on the
// teacher's HTTPRequestExecutor (internal/application/executor/node_executors.go).
type HTTPExecutor struct {
	client *http.Client
}

func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{client: &http.Client{Timeout: 30 * time.Second}}
}

func (e *HTTPExecutor) Kind() domain.NodeKind { return domain.KindHTTP }

func (e *HTTPExecutor) Execute(ec *ExecContext) (map[string]any, error) {
	cfg := ec.Node.Config

	url, _ := cfg["url"].(string)
	if url == "" {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"http node requires a non-empty url", nil, false)
	}
	method, _ := cfg["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if body, ok := cfg["body"]; ok && body != nil {
		switch b := body.(type) {
		case string:
			bodyReader = bytes.NewBufferString(b)
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
					"failed to encode request body", err, false)
			}
			bodyReader = bytes.NewBuffer(encoded)
		}
	}

	req, err := http.NewRequestWithContext(ec.Context, method, url, bodyReader)
	if err != nil {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"failed to construct request", err, false)
	}

	if headers, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"request failed", err, true)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"failed to read response body", err, true)
	}

	var decoded any
	if jsonErr := json.Unmarshal(raw, &decoded); jsonErr != nil {
		decoded = string(raw)
	}

	log.Debug().Str("node", ec.Node.ID).Int("status", resp.StatusCode).Dur("elapsed", time.Since(start)).Msg("http node completed")

	output := map[string]any{
		"status":  resp.StatusCode,
		"headers": resp.Header,
		"body":    decoded,
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		nodeErr := flowerrors.NewNodeExecutionError(ec.WorkflowName, ec.ExecutionID, ec.Node.ID, string(e.Kind()), 1,
			"unexpected status code", nil, resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests)

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			nodeErr.Category = flowerrors.CategoryResource
			nodeErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), 60*time.Second)
		case resp.StatusCode >= 500:
			nodeErr.Category = flowerrors.CategoryTransient
			nodeErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), 30*time.Second)
		default:
			nodeErr.Category = flowerrors.CategoryPermanent
		}

		return output, nodeErr
	}

	return output, nil
}

// parseRetryAfter interprets an HTTP Retry-After header, which is either an
// integer number of seconds or an HTTP-date. Falls back to def when the
// header is absent or unparseable.
func parseRetryAfter(header string, def time.Duration) time.Duration {
	if header == "" {
		return def
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return def
}
