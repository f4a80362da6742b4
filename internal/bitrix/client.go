// Package bitrix is a stateless client for the Bitrix24 REST webhook. It
// exposes the telephony and CRM verbs the call orchestrator needs and
// classifies every failure as transport, HTTP or semantic so the caller
// can always keep the call alive.
package bitrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/b24link/b24link/internal/config"
)

const (
	// Bitrix24 throttles REST webhooks at roughly two requests per second;
	// pacing below that avoids QUERY_LIMIT_EXCEEDED rejections.
	requestsPerSecond = 2
	requestBurst      = 4

	defaultTimeout = 20 * time.Second
)

// Client speaks the Bitrix24 webhook protocol. It holds no per-call state
// and is safe for concurrent use.
type Client struct {
	webhookURL string
	entities   map[string]config.EntityRequest
	entityKind []string
	leadUF     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	requests atomic.Uint64
	failures atomic.Uint64
}

// NewClient creates a gateway for the configured webhook.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	return &Client{
		webhookURL: cfg.Bitrix.WebhookURL,
		entities:   cfg.EntityRequests,
		entityKind: cfg.EntityKinds,
		leadUF:     cfg.Bitrix.LeadTargetUF,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(requestsPerSecond, requestBurst),
		logger:     logger,
	}
}

// RequestsTotal returns the number of webhook calls issued.
func (c *Client) RequestsTotal() uint64 { return c.requests.Load() }

// FailuresTotal returns the number of webhook calls that failed.
func (c *Client) FailuresTotal() uint64 { return c.failures.Load() }

// call performs one webhook request and returns the raw "result" value.
// GET requests carry params in the query string; POST requests send them
// form-encoded.
func (c *Client) call(ctx context.Context, method, endpoint string, params url.Values) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindTransport, Op: endpoint, Err: err}
	}
	c.requests.Add(1)

	var (
		req *http.Request
		err error
	)
	endpointURL := c.webhookURL + "/" + endpoint
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, endpointURL+"?"+params.Encode(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpointURL, strings.NewReader(params.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		c.failures.Add(1)
		return nil, &Error{Kind: KindTransport, Op: endpoint, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.failures.Add(1)
		return nil, &Error{Kind: KindTransport, Op: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.failures.Add(1)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Debug("webhook error response", "endpoint", endpoint, "status", resp.StatusCode, "body", string(body))
		return nil, &Error{Kind: KindHTTP, Op: endpoint, Status: resp.StatusCode}
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		c.failures.Add(1)
		return nil, &Error{Kind: KindSemantic, Op: endpoint, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" || string(envelope.Result) == "false" {
		c.failures.Add(1)
		return nil, &Error{Kind: KindSemantic, Op: endpoint, Err: fmt.Errorf("response has no result")}
	}

	c.logger.Debug("webhook call", "endpoint", endpoint, "method", method)
	return envelope.Result, nil
}

// decodeList decodes a list-style result into flattened entities.
func decodeList(op string, raw json.RawMessage) ([]Entity, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var items []map[string]any
	if err := dec.Decode(&items); err != nil {
		return nil, &Error{Kind: KindSemantic, Op: op, Err: fmt.Errorf("decoding list: %w", err)}
	}
	entities := make([]Entity, 0, len(items))
	for _, item := range items {
		entities = append(entities, entityFromMap(item))
	}
	return entities, nil
}

// decodeObject decodes an object-style result into raw key/value form.
func decodeObject(op string, raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, &Error{Kind: KindSemantic, Op: op, Err: fmt.Errorf("decoding object: %w", err)}
	}
	return obj, nil
}
