// Package apiclient is the outbound HTTP client the Batch Dispatch Handler
// uses to ship batches to the destination API. Grounded on the teacher's
// webhook.Client (http.Client with a fixed timeout, JSON marshal, 2xx
// status check), generalized with API-key/bearer auth headers and a
// structured Request/Response pair instead of the teacher's single
// CampaignResult shape.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/priceflow/batchflow/internal/jobstore"
)

const defaultTimeout = 30 * time.Second

// Config names the destination and credentials.
type Config struct {
	BaseURL string
	APIKey  string
	Bearer  string
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// Request is one POST body plus the path to deliver it to.
type Request struct {
	Path string
	Body any
}

// Response captures the parsed outcome of a dispatch call.
type Response struct {
	StatusCode int
	Success    bool
	RawBody    []byte
}

// Client posts batches to the configured destination. It holds no
// persistent connection; http.Client itself pools the underlying
// connections.
type Client struct {
	cfg  Config
	http *http.Client
}

// New returns a Client bound to cfg.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// apiEnvelope is the minimal shape every destination is expected to
// return: an explicit success flag alongside whatever 2xx status it
// chooses, so a handler can't mistake "200 OK, but the batch was
// rejected" for success.
type apiEnvelope struct {
	Success bool `json:"success"`
}

// Send marshals req.Body, POSTs it to cfg.BaseURL+req.Path with the
// configured auth headers, and classifies the outcome. A non-2xx status,
// a transport error, or a 2xx body with success=false all return a
// jobstore.Integration error so the Worker Runtime retries them; Send
// itself never returns a bare error.
func (c *Client) Send(ctx context.Context, req Request) (Response, error) {
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return Response{}, jobstore.Validation(errors.Wrap(err, "marshal request body"))
	}

	url := c.cfg.BaseURL + req.Path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, jobstore.Validation(errors.Wrap(err, "build request"))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	if c.cfg.Bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Bearer)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, jobstore.Integration(errors.Wrap(err, "dispatch request"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, jobstore.Integration(errors.Wrap(err, "read response body"))
	}

	out := Response{StatusCode: resp.StatusCode, RawBody: body}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, jobstore.Integration(fmt.Errorf("destination returned status %d", resp.StatusCode))
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return out, jobstore.Integration(errors.Wrap(err, "decode response envelope"))
	}
	out.Success = envelope.Success
	if !envelope.Success {
		return out, jobstore.Integration(errors.New("destination reported success=false"))
	}

	return out, nil
}
