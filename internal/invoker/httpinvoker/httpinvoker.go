// Package httpinvoker implements invoker.Invoker against a remote JSON
// workflow API: POST inputs to a workflow run endpoint, decode outputs.
package httpinvoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/wwlabs/batchengine/internal/invoker"
)

// Config configures an HTTP-backed Invoker.
type Config struct {
	BaseURL string
	APIKey  string
	// RatePerSecond, if > 0, bounds outbound calls to this workflow
	// reference. Zero disables rate limiting.
	RatePerSecond float64
}

// Invoker calls a remote workflow's run endpoint over HTTP.
type Invoker struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
}

// New creates an Invoker bound to one workflow config. A remote client is a
// capability, not a shared singleton: callers may construct one per worker,
// or share one across a Scheduler's workers — the underlying *http.Client
// already pools connections.
func New(config Config) *Invoker {
	var limiter *rate.Limiter
	if config.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), 1)
	}
	return &Invoker{
		config: config,
		client: &http.Client{},
		limiter: limiter,
	}
}

type runRequest struct {
	Inputs map[string]interface{} `json:"inputs"`
}

type runResponse struct {
	Outputs map[string]interface{} `json:"outputs"`
}

// Invoke performs one remote invocation, bounded by deadline.
func (iv *Invoker) Invoke(ctx context.Context, inputs map[string]interface{}, deadline time.Time) (invoker.Outputs, error) {
	if iv.limiter != nil {
		if err := iv.limiter.Wait(ctx); err != nil {
			return nil, &invoker.Error{Classification: invoker.Transient, Err: err}
		}
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	body, err := json.Marshal(runRequest{Inputs: inputs})
	if err != nil {
		return nil, &invoker.Error{Classification: invoker.Permanent, Err: fmt.Errorf("encode inputs: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, iv.config.BaseURL+"/workflows/run", bytes.NewReader(body))
	if err != nil {
		return nil, &invoker.Error{Classification: invoker.Permanent, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if iv.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+iv.config.APIKey)
	}

	resp, err := iv.client.Do(req)
	if err != nil {
		// Every client.Do failure (dial timeout, DNS failure, connection
		// refused, context deadline) is a transport-level error, not a
		// remote-service rejection — Transient per spec.md §4.2's default.
		return nil, &invoker.Error{Classification: invoker.Transient, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &invoker.Error{Classification: invoker.Transient, Err: err}
	}

	if resp.StatusCode >= 500 {
		return nil, &invoker.Error{Classification: invoker.Transient, Err: fmt.Errorf("workflow run failed: HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, &invoker.Error{Classification: invoker.Permanent, Err: fmt.Errorf("workflow run rejected: HTTP %d: %s", resp.StatusCode, string(respBody))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &invoker.Error{Classification: invoker.Transient, Err: fmt.Errorf("workflow run unexpected status: HTTP %d", resp.StatusCode)}
	}

	var parsed runResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		log.Warn().Err(err).Msg("Failed to decode workflow run response")
		return nil, &invoker.Error{Classification: invoker.Permanent, Err: fmt.Errorf("decode outputs: %w", err)}
	}

	return invoker.Outputs(parsed.Outputs), nil
}
