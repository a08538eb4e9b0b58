// Package workerclient implements the signed HTTP protocol spoken to worker
// nodes. A worker exposes two endpoints: GET /versions listing its installed
// compiler versions, and POST /job executing a run request. Job requests are
// signed with the pool's secret key (version probes carry only the pool's
// public key header); response bodies are verified against the
// worker's public key, so a misconfigured or impersonated worker surfaces as
// an ordinary RPC failure.
package workerclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChuLiYu/playpool/pkg/types"
)

var log = slog.Default()

// maxResponseBytes bounds worker response bodies; run output larger than
// this indicates a misbehaving worker.
const maxResponseBytes = 8 << 20

// Client performs outbound RPCs to workers. It is stateless apart from its
// signing identity and safe for concurrent use.
type Client struct {
	http      *http.Client
	secretKey ed25519.PrivateKey
	publicHex string
}

// New creates a worker client signing with secretKey. timeout bounds each
// round trip, covering both quick version probes and full compile jobs.
func New(secretKey ed25519.PrivateKey, timeout time.Duration) *Client {
	pub := secretKey.Public().(ed25519.PublicKey)
	return &Client{
		http:      &http.Client{Timeout: timeout},
		secretKey: secretKey,
		publicHex: fmt.Sprintf("%x", []byte(pub)),
	}
}

// versionsResponse is the body of GET /versions.
type versionsResponse struct {
	Versions []types.Version `json:"versions"`
}

// Versions fetches the compiler versions installed on a worker. Any
// transport, status, decode, or signature failure is returned as an error.
func (c *Client) Versions(ctx context.Context, addr types.WorkerAddr) ([]types.Version, error) {
	body, err := c.do(ctx, addr, http.MethodGet, "/versions", nil)
	if err != nil {
		return nil, err
	}

	var resp versionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("worker %s: decoding versions: %w", addr.Host, err)
	}
	return resp.Versions, nil
}

// Run executes a job on a worker and returns its verified response.
func (c *Client) Run(ctx context.Context, addr types.WorkerAddr, req *types.RunRequest) (*types.RunResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding run request: %w", err)
	}

	body, err := c.do(ctx, addr, http.MethodPost, "/job", payload)
	if err != nil {
		return nil, err
	}

	var resp types.RunResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("worker %s: decoding run response: %w", addr.Host, err)
	}
	return &resp, nil
}

// do performs one signed round trip and returns the verified response body.
func (c *Client) do(ctx context.Context, addr types.WorkerAddr, method, path string, payload []byte) ([]byte, error) {
	url := "http://" + addr.Host + path

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderSignature, signBody(c.secretKey, payload))
	}
	req.Header.Set(HeaderPublicKey, c.publicHex)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", addr.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker %s: unexpected status %d", addr.Host, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("worker %s: reading response: %w", addr.Host, err)
	}

	if err := verifyBody(addr.PublicKey, body, resp.Header.Get(HeaderSignature)); err != nil {
		log.Warn("Worker response failed verification", "host", addr.Host, "error", err)
		return nil, fmt.Errorf("worker %s: %w", addr.Host, err)
	}
	return body, nil
}
