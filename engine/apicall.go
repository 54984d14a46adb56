package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"flow.evalgo.org/common"
	"flow.evalgo.org/flow"
	"flow.evalgo.org/state"
)

// APIRequest is the sanitized request handed to internal handlers and
// external endpoints. Body and query carry no template placeholders:
// unresolved ones are stripped to null before dispatch.
type APIRequest struct {
	Endpoint string
	Method   string
	Body     map[string]interface{}
	Query    map[string]interface{}
	Headers  map[string]string
}

// HandlerFunc serves an internal api_call endpoint in process.
type HandlerFunc func(ctx context.Context, req *APIRequest) (map[string]interface{}, error)

// APIResult is the outcome of one api_call action.
type APIResult struct {
	Endpoint string
	Status   int
	Response map[string]interface{}
	// Mapped holds target path to value pairs produced by
	// response_mapping against the response (or the fallback).
	Mapped map[string]interface{}
	// Fallback marks that fallback_response absorbed a failure.
	Fallback bool
}

// StatusText renders the result state for trace records.
func (r *APIResult) StatusText() string {
	if r.Fallback {
		return "fallback"
	}
	if r.Status > 0 {
		return fmt.Sprintf("http_%d", r.Status)
	}
	return "ok"
}

// APICaller executes api_call actions: internal calls dispatch to
// registered in-process handlers, external ones issue HTTP requests.
type APICaller struct {
	client   *http.Client
	handlers map[string]HandlerFunc
	mu       sync.RWMutex
	log      *logrus.Entry
}

// NewAPICaller creates a caller with the given HTTP timeout.
func NewAPICaller(timeout time.Duration) *APICaller {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &APICaller{
		client:   &http.Client{Timeout: timeout},
		handlers: map[string]HandlerFunc{},
		log:      common.ComponentLogger("api-call"),
	}
}

// RegisterHandler wires an internal endpoint name to a handler.
func (c *APICaller) RegisterHandler(endpoint string, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[endpoint] = fn
}

// Call runs one api_call action spec against the working state. On
// failure with a fallback_response, the fallback is mapped as if it
// were the response and the call succeeds; without one the error is
// returned for the runner to record.
func (c *APICaller) Call(ctx context.Context, bag state.Bag, action map[string]interface{}) (*APIResult, error) {
	endpoint, _ := action["endpoint"].(string)
	if endpoint == "" {
		return nil, fmt.Errorf("api_call has no endpoint: %w", flow.ErrValidation)
	}
	endpoint = bag.Render(endpoint)

	authType, _ := action["auth_type"].(string)
	if authType == "" {
		authType = "internal"
	}

	req := &APIRequest{
		Endpoint: endpoint,
		Method:   strings.ToUpper(strings.TrimSpace(stringField(action, "method"))),
		Body:     sanitizeObject(bag, action["body"]),
		Query:    sanitizeObject(bag, action["query_params"]),
		Headers:  renderHeaders(bag, action["headers"]),
	}
	if req.Method == "" {
		if req.Body != nil {
			req.Method = http.MethodPost
		} else {
			req.Method = http.MethodGet
		}
	}

	result := &APIResult{Endpoint: endpoint, Mapped: map[string]interface{}{}}

	var response map[string]interface{}
	var err error
	switch authType {
	case "internal":
		response, err = c.dispatchInternal(ctx, req)
	case "external":
		response, result.Status, err = c.dispatchExternal(ctx, req)
	default:
		return result, fmt.Errorf("unknown auth_type %q: %w", authType, flow.ErrValidation)
	}

	if err != nil {
		fallback, ok := action["fallback_response"].(map[string]interface{})
		if !ok {
			return result, fmt.Errorf("api_call %s failed: %w", endpoint, err)
		}
		c.log.WithField("endpoint", endpoint).WithError(err).
			Warn("api_call failed, using fallback response")
		response = fallback
		result.Fallback = true
	}

	result.Response = response
	applyMapping(result, response, action["response_mapping"])
	return result, nil
}

// dispatchInternal runs a registered in-process handler.
func (c *APICaller) dispatchInternal(ctx context.Context, req *APIRequest) (map[string]interface{}, error) {
	c.mu.RLock()
	handler, ok := c.handlers[req.Endpoint]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("internal endpoint %s: %w", req.Endpoint, flow.ErrNotFound)
	}
	return handler(ctx, req)
}

// dispatchExternal issues the HTTP request. Non-2xx answers are remote
// errors carrying the status.
func (c *APICaller) dispatchExternal(ctx context.Context, req *APIRequest) (map[string]interface{}, int, error) {
	target := req.Endpoint
	if len(req.Query) > 0 {
		values := url.Values{}
		for k, v := range req.Query {
			if v == nil {
				continue
			}
			values.Set(k, state.Stringify(v))
		}
		if encoded := values.Encode(); encoded != "" {
			sep := "?"
			if strings.Contains(target, "?") {
				sep = "&"
			}
			target += sep + encoded
		}
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode api_call body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed (%v): %w", err, flow.ErrRemote)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	response := parseJSONBody(respBody)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return response, resp.StatusCode,
			fmt.Errorf("endpoint answered status %d: %w", resp.StatusCode, flow.ErrRemote)
	}
	if response == nil && len(respBody) > 0 {
		response = map[string]interface{}{"body": string(respBody)}
	}
	return response, resp.StatusCode, nil
}

// applyMapping copies response fields into target paths per the
// response_mapping declaration {target_path: response_field_path}.
func applyMapping(result *APIResult, response map[string]interface{}, raw interface{}) {
	mapping, ok := raw.(map[string]interface{})
	if !ok || response == nil {
		return
	}
	respBag := state.Bag(response)
	for target, fieldValue := range mapping {
		field, ok := fieldValue.(string)
		if !ok {
			continue
		}
		result.Mapped[target] = respBag.Get(field)
	}
}

// sanitizeObject renders templates in an outbound object and then
// strips every string still carrying a placeholder to null, so no
// {{...}} ever leaves the process.
func sanitizeObject(bag state.Bag, raw interface{}) map[string]interface{} {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	rendered := bag.RenderValue(m)
	stripped, _ := state.StripTemplates(rendered).(map[string]interface{})
	return stripped
}
