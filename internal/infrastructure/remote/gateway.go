// Package remote talks to the backend's generic CRUD endpoint. Every call
// is time-bounded and failures are classified into the shared error
// categories so callers can decide what to fall back to.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/erp/datasync/internal/domain/shared"
	"github.com/erp/datasync/internal/infrastructure/logger"
	"github.com/erp/datasync/internal/infrastructure/telemetry"
)

const (
	dataPath        = "/api/data"
	maxResponseBody = 32 << 20
)

// Config configures the gateway
type Config struct {
	BaseURL string
	// Timeout bounds each attempt
	Timeout time.Duration
	// FetchRetries is the number of extra attempts after a network failure
	FetchRetries int
	// RetryDelay is multiplied by the attempt number between attempts
	RetryDelay time.Duration
	// Token is sent as a bearer token when set
	Token string
}

// DefaultConfig returns a 10s timeout with two fetch retries
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		Timeout:      10 * time.Second,
		FetchRetries: 2,
		RetryDelay:   time.Second,
	}
}

// Gateway implements shared.RemoteGateway over HTTP. It keeps no state
// between calls.
type Gateway struct {
	cfg     Config
	client  *http.Client
	logger  *zap.Logger
	metrics *telemetry.SyncMetrics
}

// Option configures a Gateway
type Option func(*Gateway)

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		g.client = c
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger.Component(l, "remote")
	}
}

// WithMetrics records call counts and latency
func WithMetrics(m *telemetry.SyncMetrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// New creates a gateway
func New(cfg Config, opts ...Option) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FetchRetries < 0 {
		cfg.FetchRetries = 0
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	g := &Gateway{
		cfg:    cfg,
		client: &http.Client{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// envelope is the backend's response body
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error,omitempty"`
}

type writeRequest struct {
	Type   string            `json:"type"`
	Items  []json.RawMessage `json:"items,omitempty"`
	Item   json.RawMessage   `json:"item,omitempty"`
	ID     string            `json:"id,omitempty"`
	Action string            `json:"action,omitempty"`
}

// Fetch loads a collection. Network failures are retried with a linearly
// growing delay; API and decoding failures are not. On failure the returned
// collection is empty but never nil.
func (g *Gateway) Fetch(ctx context.Context, entityType, scopeKey string) ([]json.RawMessage, error) {
	q := url.Values{"type": {entityType}}
	if scopeKey != "" {
		q.Set("scope", scopeKey)
	}
	target := g.cfg.BaseURL + dataPath + "?" + q.Encode()

	ctx, span := telemetry.StartSpan(ctx, "remote.fetch",
		telemetry.WithSpanKind(trace.SpanKindClient),
		telemetry.WithAttribute(telemetry.SpanAttrEntityType, entityType),
		telemetry.WithAttribute(telemetry.SpanAttrScopeKey, scopeKey),
	)
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= g.cfg.FetchRetries+1; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, time.Duration(attempt-1)*g.cfg.RetryDelay); err != nil {
				break
			}
		}

		env, err := g.do(ctx, "fetch", entityType, http.MethodGet, target, nil)
		if err == nil {
			items, err := decodeData(entityType, env.Data)
			if err != nil {
				telemetry.RecordError(span, err)
				return []json.RawMessage{}, err
			}
			telemetry.SetAttributes(span, telemetry.SpanAttrAttempt, attempt, telemetry.SpanAttrItemCount, len(items))
			return items, nil
		}

		lastErr = err
		if !shared.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		g.logger.Debug("Fetch attempt failed",
			zap.String("entity_type", entityType),
			zap.String("scope", scopeKey),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	telemetry.RecordError(span, lastErr)
	g.logger.Warn("Fetch failed",
		zap.String("entity_type", entityType),
		zap.String("scope", scopeKey),
		zap.Error(lastErr))
	return []json.RawMessage{}, lastErr
}

// Save writes a collection or items. Writes are not retried here.
func (g *Gateway) Save(ctx context.Context, entityType string, items []json.RawMessage, mode shared.SaveMode) error {
	body := writeRequest{Type: entityType, Action: string(mode)}
	if mode != shared.SaveModeBulkUpdate && len(items) == 1 {
		body.Item = items[0]
	} else {
		body.Items = items
		if body.Items == nil {
			body.Items = []json.RawMessage{}
		}
	}
	return g.write(ctx, "save", entityType, http.MethodPost, g.cfg.BaseURL+dataPath, body)
}

// UpdateOne patches a single item
func (g *Gateway) UpdateOne(ctx context.Context, entityType, id string, patch json.RawMessage) error {
	body := writeRequest{Type: entityType, ID: id, Item: patch}
	return g.write(ctx, "update", entityType, http.MethodPut, g.cfg.BaseURL+dataPath, body)
}

// DeleteOne removes a single item
func (g *Gateway) DeleteOne(ctx context.Context, entityType, id string) error {
	q := url.Values{"type": {entityType}, "id": {id}}
	return g.write(ctx, "delete", entityType, http.MethodDelete, g.cfg.BaseURL+dataPath+"?"+q.Encode(), nil)
}

func (g *Gateway) write(ctx context.Context, op, entityType, method, target string, body any) error {
	ctx, span := telemetry.StartSpan(ctx, "remote."+op,
		telemetry.WithSpanKind(trace.SpanKindClient),
		telemetry.WithAttribute(telemetry.SpanAttrEntityType, entityType),
	)
	defer span.End()

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			serr := &shared.SerializationError{Op: op + " " + entityType, Err: err}
			telemetry.RecordError(span, serr)
			return serr
		}
	}

	if _, err := g.do(ctx, op, entityType, method, target, payload); err != nil {
		telemetry.RecordError(span, err)
		g.logger.Warn("Remote write failed",
			zap.String("op", op),
			zap.String("entity_type", entityType),
			zap.Error(err))
		return err
	}
	return nil
}

// do performs one time-bounded attempt and classifies the outcome
func (g *Gateway) do(ctx context.Context, op, entityType, method, target string, payload []byte) (*envelope, error) {
	opName := op + " " + entityType
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", opName, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}

	start := time.Now()
	env, err := g.roundTrip(req, opName)
	g.metrics.RecordRemoteCall(ctx, op, entityType, time.Since(start), err)
	return env, err
}

func (g *Gateway) roundTrip(req *http.Request, opName string) (*envelope, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &shared.NetworkError{Op: opName, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &shared.NetworkError{Op: opName, Err: err}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			// proxies and crashed upstreams answer with non-JSON bodies
			return nil, &shared.NetworkError{Op: opName, Err: fmt.Errorf("status %d", resp.StatusCode)}
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, &shared.APIError{Op: opName, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, &shared.SerializationError{Op: opName, Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &shared.APIError{Op: opName, StatusCode: resp.StatusCode, Message: msg}
	}
	return &env, nil
}

// decodeData accepts an array, a single object, or null
func decodeData(entityType string, data json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []json.RawMessage{}, nil
	}
	switch trimmed[0] {
	case '[':
		items := make([]json.RawMessage, 0)
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, &shared.SerializationError{Op: "fetch " + entityType, Err: err}
		}
		return items, nil
	case '{':
		return []json.RawMessage{append(json.RawMessage(nil), trimmed...)}, nil
	}
	return nil, &shared.SerializationError{
		Op:  "fetch " + entityType,
		Err: errors.New("data is neither an array nor an object"),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ shared.RemoteGateway = (*Gateway)(nil)
