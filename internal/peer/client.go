package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/amaydixit11/meshd/internal/identity"
)

// maxResponseBytes bounds what the client will read from a peer
const maxResponseBytes = 32 << 20

// Client is the signed HTTP client for peer RPC. Every call carries a
// context deadline of the configured peer timeout unless the caller
// set a sooner one.
type Client struct {
	id      *identity.Identity
	http    *http.Client
	timeout time.Duration
	prefix  string
}

// NewClient builds a peer client. prefix is the path the remote
// mounts peer endpoints under, e.g. "/api/v1".
func NewClient(id *identity.Identity, timeout time.Duration, prefix string) *Client {
	return &Client{
		id:      id,
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
		prefix:  strings.TrimRight(prefix, "/"),
	}
}

func (c *Client) endpoint(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + c.prefix + path
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error  string `json:"error"`
			Status string `json:"status"`
		}
		_ = json.Unmarshal(data, &body)
		msg := body.Error
		if msg == "" {
			msg = body.Status
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, rawURL string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// postSigned marshals the body, signs it and posts it. The signature
// covers the exact bytes sent.
func (c *Client) postSigned(ctx context.Context, rawURL string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.id.SignHeaders(body) {
		req.Header.Set(k, v)
	}
	return c.do(req, out)
}

func (c *Client) postPlain(ctx context.Context, rawURL string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// Handshake fetches a node's public identity
func (c *Client) Handshake(ctx context.Context, baseURL string) (Handshake, error) {
	var out Handshake
	err := c.get(ctx, c.endpoint(baseURL, PathHandshake), &out)
	return out, err
}

// JoinRequest asks a node to admit us. Unsigned: the receiver does not
// know our key yet.
func (c *Client) JoinRequest(ctx context.Context, baseURL string, self Handshake) (JoinStatusResponse, error) {
	var out JoinStatusResponse
	err := c.postPlain(ctx, c.endpoint(baseURL, PathJoinRequest), self, &out)
	return out, err
}

// JoinStatus polls an outstanding join request. The public key in the
// query proves the poller is the node that asked.
func (c *Client) JoinStatus(ctx context.Context, baseURL, nodeID, publicKey string) (JoinStatusResponse, error) {
	q := url.Values{}
	q.Set("node_id", nodeID)
	q.Set("public_key", publicKey)

	var out JoinStatusResponse
	err := c.get(ctx, c.endpoint(baseURL, PathJoinStatus)+"?"+q.Encode(), &out)
	return out, err
}

// Sync runs one signed incremental exchange
func (c *Client) Sync(ctx context.Context, baseURL string, req SyncRequest) (SyncResponse, error) {
	var out SyncResponse
	err := c.postSigned(ctx, c.endpoint(baseURL, PathSync), req, &out)
	return out, err
}

// Heartbeat uploads our state to a hub and downloads the global view
func (c *Client) Heartbeat(ctx context.Context, baseURL string, req HeartbeatRequest) (HeartbeatResponse, error) {
	var out HeartbeatResponse
	err := c.postSigned(ctx, c.endpoint(baseURL, PathHeartbeat), req, &out)
	return out, err
}

// ChatPush delivers one message to a peer
func (c *Client) ChatPush(ctx context.Context, baseURL string, req ChatPushRequest) error {
	var out ChatPushResponse
	return c.postSigned(ctx, c.endpoint(baseURL, PathChatPush), req, &out)
}
