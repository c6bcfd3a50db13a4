// Package accountapi is a thin JSON client for the hosted account API that
// the agent consumes for registration signing and origin run-data.
package accountapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"time"
)

const defaultBaseURL = "https://api.playit.gg"

// ErrOldFlowRequired is returned when the account API reports that this
// agent must use the legacy registration flow. There is no fallback.
var ErrOldFlowRequired = fmt.Errorf("accountapi: server requires old registration flow")

// Client calls the account HTTP API described in spec.md §6.3.
type Client struct {
	baseURL   string
	secretKey string
	http      *http.Client

	maxRetries int
}

// New returns a Client authenticating with secretKey. baseURL defaults to
// the production account API when empty.
func New(baseURL, secretKey string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		secretKey:  secretKey,
		http:       &http.Client{Timeout: 15 * time.Second},
		maxRetries: 5,
	}
}

type signAgentRegisterRequest struct {
	Type         string `json:"type"`
	AgentVersion string `json:"agent_version"`
	ClientAddr   string `json:"client_addr"`
	TunnelAddr   string `json:"tunnel_addr"`
}

type signAgentRegisterResponse struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// SignAgentRegister requests a signed registration blob for the given
// client/tunnel addresses as observed in the probe's Pong.
func (c *Client) SignAgentRegister(ctx context.Context, agentVersion string, clientAddr, tunnelAddr netip.AddrPort) (string, error) {
	reqBody := signAgentRegisterRequest{
		Type:         "sign-agent-register",
		AgentVersion: agentVersion,
		ClientAddr:   clientAddr.String(),
		TunnelAddr:   tunnelAddr.String(),
	}
	var out signAgentRegisterResponse
	if err := c.postAgent(ctx, reqBody, &out); err != nil {
		return "", err
	}
	if out.Type == "old-flow-required" {
		return "", ErrOldFlowRequired
	}
	if out.Type != "signed-agent-register" {
		return "", fmt.Errorf("accountapi: unexpected response type %q", out.Type)
	}
	return out.Data, nil
}

// PortRange is the [from, to) tunnel-side port allocation for one tunnel.
type PortRange struct {
	From uint16 `json:"from"`
	To   uint16 `json:"to"`
}

// TunnelRunData is one tunnel's origin mapping as returned by agents-rundata.
type TunnelRunData struct {
	InternalID    uint64    `json:"internal_id"`
	Proto         string    `json:"proto"`
	LocalIP       string    `json:"local_ip"`
	LocalPort     uint16    `json:"local_port"`
	Port          PortRange `json:"port"`
	ProxyProtocol *struct {
		LAN bool `json:"lan"`
	} `json:"proxy_protocol"`
}

type agentRunDataRequest struct {
	Type string `json:"type"`
}

// AgentRunData is the full run-data payload: the set of tunnels currently
// allocated to this agent's account.
type AgentRunData struct {
	Type    string          `json:"type"`
	Tunnels []TunnelRunData `json:"tunnels"`
}

// AgentsRunData fetches the current tunnel-to-origin mapping used to
// refresh OriginLookup.
func (c *Client) AgentsRunData(ctx context.Context) (AgentRunData, error) {
	var out AgentRunData
	if err := c.postAgent(ctx, agentRunDataRequest{Type: "agents-rundata"}, &out); err != nil {
		return AgentRunData{}, err
	}
	return out, nil
}

// postAgent posts body to /agent and decodes the response into out,
// retrying on 429 with exponential backoff per spec.md §7's rate-limit
// policy.
func (c *Client) postAgent(ctx context.Context, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("accountapi: encode request: %w", err)
	}

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent", bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("accountapi: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Agent-Key "+c.secretKey)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("accountapi: request failed: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("accountapi: read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("accountapi: rate limited (429)")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("accountapi: unexpected status %d: %s", resp.StatusCode, respBody)
		}

		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("accountapi: decode response: %w", err)
		}
		return nil
	}
	return lastErr
}
