// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client is the signed HTTP client a Runner uses to talk to
// its Gateway: event/artifact ingest, command polling and acking,
// state checkpoints, and heartbeats, per spec.md §6's external
// interface list.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tombee/remoterun/internal/signing"
)

// Client is a signed API client bound to one Run.
type Client struct {
	httpClient *http.Client
	baseURL    string
	secret     []byte
	runID      string
	capToken   string
}

// Config configures a new Client.
type Config struct {
	BaseURL         string
	Secret          []byte
	RunID           string
	CapabilityToken string
	AllowSelfSigned bool
	Timeout         time.Duration
}

// New constructs a Client from cfg.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{}
	if cfg.AllowSelfSigned {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		baseURL:    cfg.BaseURL,
		secret:     cfg.Secret,
		runID:      cfg.RunID,
		capToken:   cfg.CapabilityToken,
	}
}

// EventPayload is the body of POST /api/ingest/event.
type EventPayload struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	Sequence int64  `json:"sequence,omitempty"`
}

// IngestEvent posts one Event for this Run.
func (c *Client) IngestEvent(ctx context.Context, p EventPayload) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/api/ingest/event", p, nil)
	return err
}

// Command mirrors the subset of store.Command a Runner needs from the
// poll response.
type Command struct {
	ID        string `json:"id"`
	RunID     string `json:"runId"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"createdAt"`
}

// PendingCommands fetches the pending command tail for this Run.
func (c *Client) PendingCommands(ctx context.Context) ([]Command, error) {
	var out struct {
		Commands []Command `json:"commands"`
	}
	path := fmt.Sprintf("/api/runs/%s/commands", c.runID)
	if _, err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Commands, nil
}

// AckPayload is the body of POST .../commands/{id}/ack.
type AckPayload struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// AckCommand acknowledges commandID with either a result or an error.
func (c *Client) AckCommand(ctx context.Context, commandID string, p AckPayload) error {
	path := fmt.Sprintf("/api/runs/%s/commands/%s/ack", c.runID, commandID)
	_, err := c.doJSON(ctx, http.MethodPost, path, p, nil)
	return err
}

// StateCheckpoint is the body of POST /api/runs/{id}/state.
type StateCheckpoint struct {
	Sequence   int64  `json:"sequence"`
	WorkingDir string `json:"workingDir"`
	Autonomous bool   `json:"autonomous"`
	WorkerType string `json:"workerType"`
	Model      string `json:"model,omitempty"`
}

// PostState uploads a checkpoint of the Runner's resumable state.
func (c *Client) PostState(ctx context.Context, cp StateCheckpoint) error {
	path := fmt.Sprintf("/api/runs/%s/state", c.runID)
	_, err := c.doJSON(ctx, http.MethodPost, path, cp, nil)
	return err
}

// Heartbeat tells the Gateway this Client is alive, feeding the
// online/degraded/offline tier computation in spec.md §4.2.
func (c *Client) Heartbeat(ctx context.Context) error {
	_, err := c.doJSON(ctx, http.MethodPost, "/api/heartbeat", nil, nil)
	return err
}

// doJSON marshals body (if non-nil), signs the request, executes it,
// and decodes the response into out (if non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) (*http.Response, error) {
	var raw []byte
	var err error
	if body != nil {
		raw, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("client: marshal body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("client: new request: %w", err)
	}
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := c.sign(req, raw); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("client: gateway returned %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("client: decode response: %w", err)
		}
	}

	return resp, nil
}

// sign attaches the signed-request headers to req.
func (c *Client) sign(req *http.Request, body []byte) error {
	nonce, err := signing.GenerateNonce()
	if err != nil {
		return fmt.Errorf("client: generate nonce: %w", err)
	}

	fields := signing.Fields{
		Method:          req.Method,
		Path:            req.URL.Path,
		Body:            body,
		Timestamp:       time.Now().Unix(),
		Nonce:           nonce,
		RunID:           c.runID,
		CapabilityToken: c.capToken,
	}
	sig := signing.Sign(c.secret, fields)

	req.Header.Set(signing.HeaderSignature, sig)
	req.Header.Set(signing.HeaderTimestamp, strconv.FormatInt(fields.Timestamp, 10))
	req.Header.Set(signing.HeaderNonce, nonce)
	if c.runID != "" {
		req.Header.Set(signing.HeaderRunID, c.runID)
	}
	if c.capToken != "" {
		req.Header.Set(signing.HeaderCapToken, c.capToken)
	}
	return nil
}
