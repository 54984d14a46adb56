package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"flow.evalgo.org/flow"
	"flow.evalgo.org/state"
	"flow.evalgo.org/tracing"
)

// DefaultWebhookTimeout bounds webhook calls when the node declares no
// timeout of its own.
const DefaultWebhookTimeout = 30 * time.Second

// WebhookProcessor performs the templated HTTP request of a webhook
// node. 2xx answers follow the success edge, everything else the
// failure edge. The trace records the exchange with credentials masked
// and oversized bodies summarized.
type WebhookProcessor struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewWebhookProcessor creates a webhook processor with the given
// default timeout.
func NewWebhookProcessor(timeout time.Duration) *WebhookProcessor {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &WebhookProcessor{
		Client:  &http.Client{Timeout: timeout},
		Timeout: timeout,
	}
}

func (p *WebhookProcessor) Name() string { return "webhook" }

func (p *WebhookProcessor) CanHandle(node *flow.Node) bool {
	return node != nil && node.NodeType == flow.NodeWebhook
}

func (p *WebhookProcessor) Process(ctx context.Context, tick *Tick) (*Result, error) {
	content := tick.Node.Content

	rawURL, _ := content["url"].(string)
	if rawURL == "" {
		res := &Result{ConnectionType: flow.ConnectionFailure}
		res.Errorf("webhook node %s has no url", tick.Node.NodeID)
		res.Details = tracing.WebhookDetails{Error: "missing url"}
		return res, nil
	}
	url := tick.State.Render(rawURL)

	method := strings.ToUpper(strings.TrimSpace(stringField(content, "method")))
	if method == "" {
		method = http.MethodPost
	}

	headers := renderHeaders(tick.State, content["headers"])

	var body io.Reader
	var bodySize int
	if rawBody, ok := content["body"]; ok && rawBody != nil {
		payload := tick.State.RenderValue(rawBody)
		data, err := json.Marshal(payload)
		if err != nil {
			res := &Result{ConnectionType: flow.ConnectionFailure}
			res.Errorf("failed to encode webhook body: %v", err)
			res.Details = tracing.WebhookDetails{URL: tracing.MaskURLCredentials(url), Method: method, Error: err.Error()}
			return res, nil
		}
		body = bytes.NewReader(data)
		bodySize = len(data)
	}

	timeout := p.Timeout
	if ms, ok := state.Number(content["timeout"]); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	details := tracing.WebhookDetails{
		URL:            tracing.MaskURLCredentials(url),
		Method:         method,
		RequestHeaders: tracing.RedactHeaders(headers),
	}

	start := time.Now()
	status, respBody, err := p.do(callCtx, method, url, headers, body, bodySize)
	details.DurationMS = time.Since(start).Milliseconds()

	res := &Result{}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("webhook exceeded %s deadline: %w", timeout, flow.ErrTimeout)
		}
		details.Error = err.Error()
		res.Errorf("webhook request failed: %v", err)
		res.ConnectionType = flow.ConnectionFailure
		res.Details = details
		return res, nil
	}

	details.ResponseStatus = status
	details.ResponseBody = traceBody(respBody, tick.Session.TraceLevel)
	res.Details = details

	if status >= 200 && status < 300 {
		res.Success = true
		res.ConnectionType = flow.ConnectionSuccess
		if parsed := parseJSONBody(respBody); parsed != nil {
			res.VariablesWritten = map[string]interface{}{}
			writePath(res.VariablesWritten, "temp.webhook_response", parsed)
		}
	} else {
		res.Errorf("webhook answered status %d", status)
		res.ConnectionType = flow.ConnectionFailure
	}
	return res, nil
}

// do issues the request and returns status code and body.
func (p *WebhookProcessor) do(ctx context.Context, method, url string, headers map[string]string, body io.Reader, bodySize int) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if bodySize > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// renderHeaders template-renders a headers object into string pairs.
func renderHeaders(bag state.Bag, raw interface{}) map[string]string {
	headers := map[string]string{}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return headers
	}
	for k, v := range m {
		headers[k] = bag.Render(state.Stringify(v))
	}
	return headers
}

// traceBody prepares a response body for the trace: verbose sessions
// keep the full payload, standard ones get the 1 KiB summary.
func traceBody(body []byte, level flow.TraceLevel) interface{} {
	if len(body) == 0 {
		return nil
	}
	if level == flow.TraceVerbose {
		if parsed := parseJSONBody(body); parsed != nil {
			return parsed
		}
		return string(body)
	}
	return tracing.SummarizeBody(body)
}

// parseJSONBody decodes a JSON object body, returning nil for anything
// else.
func parseJSONBody(body []byte) map[string]interface{} {
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil
	}
	return m
}

// stringField reads a string from node content.
func stringField(content flow.JSONMap, key string) string {
	s, _ := content[key].(string)
	return s
}
