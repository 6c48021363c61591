/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package control registers the host with a control plane over HTTP and
// keeps it alive with a heartbeat loop, mirroring the registration/retry
// shape of a ttrpc plugin handshake but speaking plain JSON over HTTP
// instead.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultRegistrationTimeout bounds a single registration attempt.
	DefaultRegistrationTimeout = 10 * time.Second
	// DefaultHeartbeatTimeout bounds a single heartbeat attempt.
	DefaultHeartbeatTimeout = 5 * time.Second
	// initialBackoff is the delay before the first retry of a failed
	// registration. Failed heartbeats are not backed off; they are retried
	// on the next tick.
	initialBackoff = time.Second
	// maxBackoff caps the capped-exponential backoff between registration
	// retries.
	maxBackoff = 30 * time.Second
)

// Identity describes the host being registered, and the capabilities it
// advertises to the control plane.
type Identity struct {
	HostID       string   `json:"host_id"`
	Capabilities []string `json:"capabilities"`
}

type registerRequest struct {
	Identity
}

type registerResponse struct {
	SessionID string `json:"session_id"`
}

type heartbeatRequest struct {
	SessionID string `json:"session_id"`
}

// Client registers with and heartbeats a control-plane base URL.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Log     *logrus.Entry

	sessionID string
}

// NewClient builds a Client. httpClient may be nil, in which case
// http.DefaultClient is used.
func NewClient(baseURL string, httpClient *http.Client, log *logrus.Entry) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: baseURL, HTTP: httpClient, Log: log}
}

// Register posts id to BaseURL+"/register", retrying with capped backoff
// until ctx is cancelled. It returns the session id on success.
func (c *Client) Register(ctx context.Context, id Identity) (string, error) {
	backoff := initialBackoff
	for {
		sessionID, err := c.tryRegister(ctx, id)
		if err == nil {
			c.sessionID = sessionID
			return sessionID, nil
		}
		c.Log.WithError(err).Warn("control-plane registration failed, retrying")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

func (c *Client) tryRegister(ctx context.Context, id Identity) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, DefaultRegistrationTimeout)
	defer cancel()

	body, err := json.Marshal(registerRequest{Identity: id})
	if err != nil {
		return "", fmt.Errorf("control: encode register request: %w", err)
	}

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, c.BaseURL+"/register", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("control: build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("control: register request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("control: register: unexpected status %d", resp.StatusCode)
	}

	var rr registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return "", fmt.Errorf("control: decode register response: %w", err)
	}
	if rr.SessionID == "" {
		rr.SessionID = uuid.NewString()
	}
	return rr.SessionID, nil
}

// Heartbeat runs until ctx is cancelled, sending a heartbeat every
// interval. Failures are logged and retried on the next tick; they never
// stop the loop or crash the host.
func (c *Client) Heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendHeartbeat(ctx); err != nil {
				c.Log.WithError(err).Warn("control-plane heartbeat failed")
			}
		}
	}
}

func (c *Client) sendHeartbeat(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, DefaultHeartbeatTimeout)
	defer cancel()

	body, err := json.Marshal(heartbeatRequest{SessionID: c.sessionID})
	if err != nil {
		return fmt.Errorf("control: encode heartbeat: %w", err)
	}

	req, err := http.NewRequestWithContext(hctx, http.MethodPost, c.BaseURL+"/heartbeat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("control: build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("control: heartbeat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("control: heartbeat: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
