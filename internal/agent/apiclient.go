package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/dbvault/internal/model"
)

// ErrAgentConflict is returned when the control plane refuses the
// registration because the machine belongs to another user.
var ErrAgentConflict = errors.New("agent is registered to another user")

// RegisterRequest is the body of POST /api/v1/agents.
type RegisterRequest struct {
	AgentID    string `json:"agent_id"`
	DeviceName string `json:"device_name"`
	Hostname   string `json:"hostname"`
	Platform   string `json:"platform"`
	Version    string `json:"version"`
}

// APIClient talks to the control plane's HTTP API.
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewAPIClient creates a new API client. tlsConfig may be nil.
func NewAPIClient(baseURL, token string, tlsConfig *tls.Config, logger zerolog.Logger) *APIClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		logger: logger.With().Str("component", "api-client").Logger(),
	}
}

// HTTPClient returns the client used for API calls, so the socket dial
// shares its TLS setup.
func (c *APIClient) HTTPClient() *http.Client { return c.httpClient }

// Register creates or refreshes the agent row for this machine.
func (c *APIClient) Register(ctx context.Context, id *Identity, version string) (*model.Agent, error) {
	body := RegisterRequest{
		AgentID:    id.AgentID,
		DeviceName: id.DeviceName,
		Hostname:   id.Hostname,
		Platform:   id.Platform,
		Version:    version,
	}
	var agent model.Agent
	if err := c.postJSON(ctx, "/api/v1/agents", body, &agent); err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	return &agent, nil
}

// Heartbeat refreshes the agent's last-seen time over HTTP.
func (c *APIClient) Heartbeat(ctx context.Context, agentID string) error {
	if err := c.postJSON(ctx, "/api/v1/agents/heartbeat", map[string]string{"agent_id": agentID}, nil); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (c *APIClient) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return ErrAgentConflict
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("POST %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
