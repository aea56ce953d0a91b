// Package ai is the client for the external inference service behind ai:
// mapping rules and the ai conflict strategy.
//
// The service speaks JSON over HTTP:
//
//	POST {endpoint}/v1/values    {"prompt": "...", "record": {...}}        -> {"value": ...}
//	POST {endpoint}/v1/conflicts {"table": "...", "source": {...}, "target": {...}} -> {"record": {...}}
//
// Every failure is returned to the caller, which degrades to its fallback.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/leapstack-labs/leapsync/pkg/core"
)

// DefaultTimeout bounds one request.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps the response body read from the service.
const maxResponseBytes = 1 << 20

// ErrDisabled is returned when no endpoint is configured.
var ErrDisabled = errors.New("ai: no endpoint configured")

// Config configures the client.
type Config struct {
	Endpoint string        `koanf:"endpoint" json:"endpoint"`
	APIKey   string        `koanf:"api_key" json:"-"`
	Timeout  time.Duration `koanf:"timeout" json:"timeout"`
}

// Client calls the inference service. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New returns a client for cfg. A client with an empty endpoint is valid
// and fails every call with ErrDisabled.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool { return c != nil && c.cfg.Endpoint != "" }

// Timeout returns the per-request timeout.
func (c *Client) Timeout() time.Duration { return c.cfg.Timeout }

type valueRequest struct {
	Prompt string         `json:"prompt"`
	Record map[string]any `json:"record"`
}

type valueResponse struct {
	Value any `json:"value"`
}

// InferValue asks the service to compute one field value.
func (c *Client) InferValue(ctx context.Context, prompt string, rec core.Record) (core.Value, error) {
	var resp valueResponse
	if err := c.post(ctx, "/v1/values", valueRequest{Prompt: strings.TrimSpace(prompt), Record: rec.Plain()}, &resp); err != nil {
		return core.Value{}, err
	}
	return core.FromAny(resp.Value), nil
}

type conflictRequest struct {
	Table  string         `json:"table"`
	Source map[string]any `json:"source"`
	Target map[string]any `json:"target"`
}

type conflictResponse struct {
	Record map[string]any `json:"record"`
}

// ResolveConflict asks the service for the merged record.
func (c *Client) ResolveConflict(ctx context.Context, table string, source, target core.Record) (core.Record, error) {
	var resp conflictResponse
	req := conflictRequest{Table: table, Source: source.Plain(), Target: target.Plain()}
	if err := c.post(ctx, "/v1/conflicts", req, &resp); err != nil {
		return nil, err
	}
	if resp.Record == nil {
		return nil, errors.New("ai: response has no record")
	}
	return core.RecordFromPlain(resp.Record), nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ai request failed: %w", err)
	}
	defer resp.Body.Close()
	c.logger.Debug("ai request", "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read ai response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("ai service returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to decode ai response: %w", err)
	}
	return nil
}
