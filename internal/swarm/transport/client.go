package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/oldeucryptoboi/KarnEvil9-sub008/internal/swarm/common"
)

// CallResult is the uniform envelope every client call returns alongside its
// typed payload.
type CallResult struct {
	OK        bool            `json:"ok"`
	Status    int             `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	LatencyMs float64         `json:"latency_ms"`
}

// Client issues peer RPCs. Every call carries a deadline: the context's, or
// the client default when the context has none.
type Client struct {
	http           *http.Client
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewClient builds a client with the given per-call default timeout.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:           &http.Client{Timeout: timeout},
		defaultTimeout: timeout,
		logger:         logger.With("component", "transport.client"),
	}
}

func joinURL(base string, parts ...string) string {
	b := strings.TrimSuffix(base, "/")
	for _, p := range parts {
		b += "/" + url.PathEscape(p)
	}
	return b
}

// call performs one JSON request/response cycle. The returned CallResult is
// non-nil even on transport failure so callers can always read latency.
func (c *Client) call(ctx context.Context, method, endpoint string, body any, out any) (*CallResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.defaultTimeout)
		defer cancel()
	}

	var reqBody *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return &CallResult{}, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return &CallResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		return &CallResult{LatencyMs: latency}, err
	}
	defer resp.Body.Close()

	result := &CallResult{
		OK:        resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:    resp.StatusCode,
		LatencyMs: latency,
	}
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err == nil {
		result.Data = raw
	}
	if !result.OK {
		return result, fmt.Errorf("%s %s: status %d", method, endpoint, resp.StatusCode)
	}
	if out != nil && result.Data != nil {
		if err := json.Unmarshal(result.Data, out); err != nil {
			return result, fmt.Errorf("decode response: %w", err)
		}
	}
	return result, nil
}

// FetchIdentity retrieves a node's identity from its base URL.
func (c *Client) FetchIdentity(ctx context.Context, baseURL string) (*common.NodeIdentity, *CallResult, error) {
	var identity common.NodeIdentity
	res, err := c.call(ctx, http.MethodGet, joinURL(baseURL, "api", "identity"), nil, &identity)
	if err != nil {
		return nil, res, err
	}
	return &identity, res, nil
}

// Join registers our identity with a peer.
func (c *Client) Join(ctx context.Context, baseURL string, identity common.NodeIdentity) (*CallResult, error) {
	return c.call(ctx, http.MethodPost, joinURL(baseURL, "api", "join"), identity, nil)
}

// Leave tells a peer we are going away.
func (c *Client) Leave(ctx context.Context, baseURL, nodeID string) (*CallResult, error) {
	body := map[string]string{"node_id": nodeID}
	return c.call(ctx, http.MethodPost, joinURL(baseURL, "api", "leave"), body, nil)
}

// SendHeartbeat posts a heartbeat; an unknown peer answers 404.
func (c *Client) SendHeartbeat(ctx context.Context, baseURL string, hb common.Heartbeat) (*CallResult, error) {
	return c.call(ctx, http.MethodPost, joinURL(baseURL, "api", "heartbeat"), hb, nil)
}

// ExchangeGossip trades peer summaries with a remote node and returns its
// view.
func (c *Client) ExchangeGossip(ctx context.Context, baseURL string, peers []common.PeerSummary) ([]common.PeerSummary, *CallResult, error) {
	body := map[string]any{"peers": peers}
	var reply struct {
		Peers []common.PeerSummary `json:"peers"`
	}
	res, err := c.call(ctx, http.MethodPost, joinURL(baseURL, "api", "gossip"), body, &reply)
	if err != nil {
		return nil, res, err
	}
	return reply.Peers, res, nil
}

// SendTask delivers a delegation; the peer answers accepted true/false
// synchronously.
func (c *Client) SendTask(ctx context.Context, baseURL string, env common.TaskEnvelope) (*common.TaskAccept, *CallResult, error) {
	var accept common.TaskAccept
	res, err := c.call(ctx, http.MethodPost, joinURL(baseURL, "api", "task"), env, &accept)
	if err != nil {
		return nil, res, err
	}
	return &accept, res, nil
}

// PostResult delivers an async task result back to the delegator.
func (c *Client) PostResult(ctx context.Context, baseURL string, result common.TaskResult) (*CallResult, error) {
	return c.call(ctx, http.MethodPost, joinURL(baseURL, "api", "result"), result, nil)
}

// TaskStatus polls a checkpoint for a delegated task.
func (c *Client) TaskStatus(ctx context.Context, baseURL, taskID string) (*common.Checkpoint, *CallResult, error) {
	var cp common.Checkpoint
	res, err := c.call(ctx, http.MethodGet, joinURL(baseURL, "api", "task", taskID, "status"), nil, &cp)
	if err != nil {
		return nil, res, err
	}
	return &cp, res, nil
}

// CancelTask requests cancellation of a delegated task.
func (c *Client) CancelTask(ctx context.Context, baseURL, taskID, reason string) (*CallResult, error) {
	body := map[string]string{"reason": reason}
	return c.call(ctx, http.MethodPost, joinURL(baseURL, "api", "task", taskID, "cancel"), body, nil)
}

// SendTrigger routes an external trigger to a peer.
func (c *Client) SendTrigger(ctx context.Context, baseURL string, trig common.Trigger) (*CallResult, error) {
	return c.call(ctx, http.MethodPost, joinURL(baseURL, "api", "trigger"), trig, nil)
}
