// Package a2a provides a lightweight Go client for the trading daemon's
// REST API. The client is dependency free so downstream automations can
// embed it without pulling in the daemon's module graph.
package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the trading daemon REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu           sync.RWMutex
	sessionToken string
}

// Goals captures what the caller wants out of a trading request.
type Goals struct {
	Assets    []string `json:"assets"`
	Objective string   `json:"objective"`
	Horizon   string   `json:"horizon,omitempty"`
}

// Constraints bounds what any recommendation is allowed to propose.
type Constraints struct {
	AllowedAssets []string `json:"allowed_assets,omitempty"`
	MaxExposure   float64  `json:"max_exposure"`
	RiskTolerance string   `json:"risk_tolerance,omitempty"`
}

// TradingRequest is the payload submitted to the orchestrator.
type TradingRequest struct {
	RequestID   string      `json:"request_id,omitempty"`
	Goals       Goals       `json:"goals"`
	Constraints Constraints `json:"constraints"`
}

// Outcome reports a single collaborator call.
type Outcome struct {
	CollaboratorDID string          `json:"collaborator_did"`
	Status          string          `json:"status"`
	Report          json.RawMessage `json:"report,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// Decision is the orchestrator's aggregated conclusion.
type Decision struct {
	Proceed     bool     `json:"proceed"`
	Action      string   `json:"action,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	RiskScore   float64  `json:"risk_score,omitempty"`
	Confidence  float64  `json:"confidence,omitempty"`
	Annotations []string `json:"annotations,omitempty"`
}

// TradingResponse is the orchestrator's complete answer.
type TradingResponse struct {
	RequestID string    `json:"request_id"`
	Status    string    `json:"status"`
	Outcomes  []Outcome `json:"outcomes"`
	Decision  *Decision `json:"decision,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// RegisterSubmission is the payload required to register a DID.
type RegisterSubmission struct {
	DID          string            `json:"did"`
	PublicKey    string            `json:"public_key"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	AuthorizedBy string            `json:"authorized_by"`
}

// UpdateSubmission carries new key material or metadata for a DID.
type UpdateSubmission struct {
	PublicKey    string            `json:"public_key,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	AuthorizedBy string            `json:"authorized_by"`
}

// AgentRecord mirrors the registry's view of an agent.
type AgentRecord struct {
	DID                    string            `json:"did"`
	PublicKey              string            `json:"public_key"`
	Metadata               map[string]string `json:"metadata,omitempty"`
	Reputation             int64             `json:"reputation"`
	TotalInteractions      int64             `json:"total_interactions"`
	SuccessfulInteractions int64             `json:"successful_interactions"`
	IsActive               bool              `json:"is_active"`
	LastUpdated            int64             `json:"last_updated"`
}

// ReputationView is the response of the reputation endpoint.
type ReputationView struct {
	DID        string `json:"did"`
	Reputation int64  `json:"reputation"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("a2a api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("a2a api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the trading daemon API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetSessionToken stores the bearer session token used for trading calls.
// Tokens are minted by the caller's own key; the daemon only verifies them.
func (c *Client) SetSessionToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionToken = token
}

// SessionToken returns the currently stored token string.
func (c *Client) SessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionToken
}

// ProcessTrading submits a trading request using the stored session token.
func (c *Client) ProcessTrading(ctx context.Context, req TradingRequest) (TradingResponse, error) {
	var resp TradingResponse
	if err := c.post(ctx, "/api/v1/trading/process", req, &resp, true); err != nil {
		return TradingResponse{}, err
	}
	return resp, nil
}

// RegisterDID registers a new agent identity.
func (c *Client) RegisterDID(ctx context.Context, submission RegisterSubmission) (AgentRecord, error) {
	var record AgentRecord
	if err := c.post(ctx, "/api/v1/dids", submission, &record, false); err != nil {
		return AgentRecord{}, err
	}
	return record, nil
}

// GetAgent fetches a registry record by DID.
func (c *Client) GetAgent(ctx context.Context, did string) (AgentRecord, error) {
	var record AgentRecord
	if err := c.get(ctx, "/api/v1/dids/"+url.PathEscape(did), &record); err != nil {
		return AgentRecord{}, err
	}
	return record, nil
}

// UpdateAgent replaces key material or metadata for a DID.
func (c *Client) UpdateAgent(ctx context.Context, did string, submission UpdateSubmission) (AgentRecord, error) {
	var record AgentRecord
	if err := c.put(ctx, "/api/v1/dids/"+url.PathEscape(did), submission, &record); err != nil {
		return AgentRecord{}, err
	}
	return record, nil
}

// DeactivateDID permanently disables a DID.
func (c *Client) DeactivateDID(ctx context.Context, did, authorizedBy string) error {
	payload := map[string]string{"authorized_by": authorizedBy}
	return c.post(ctx, "/api/v1/dids/"+url.PathEscape(did)+"/deactivate", payload, nil, false)
}

// GetReputation returns the current reputation score for a DID.
func (c *Client) GetReputation(ctx context.Context, did string) (ReputationView, error) {
	var view ReputationView
	if err := c.get(ctx, "/api/v1/dids/"+url.PathEscape(did)+"/reputation", &view); err != nil {
		return ReputationView{}, err
	}
	return view, nil
}

// ListAgents returns every registered record.
func (c *Client) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	var records []AgentRecord
	if err := c.get(ctx, "/api/v1/agents", &records); err != nil {
		return nil, err
	}
	return records, nil
}

// ChainHealth mirrors the optional chain section of the health payload.
type ChainHealth struct {
	ChainID     string `json:"chain_id,omitempty"`
	BlockNumber string `json:"block_number,omitempty"`
	Error       string `json:"error,omitempty"`
}

// HealthStatus reports daemon liveness and, when chain access is configured,
// the latest observed block.
type HealthStatus struct {
	Status string       `json:"status"`
	Chain  *ChainHealth `json:"chain,omitempty"`
}

// Health probes the daemon's health endpoint.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var status HealthStatus
	if err := c.get(ctx, "/api/v1/health", &status); err != nil {
		return HealthStatus{}, err
	}
	return status, nil
}

// ReassignAdmin hands registry administration to a new DID.
func (c *Client) ReassignAdmin(ctx context.Context, newAdmin, authorizedBy string) error {
	payload := map[string]string{"new_admin": newAdmin, "authorized_by": authorizedBy}
	return c.post(ctx, "/api/v1/admin/reassign", payload, nil, false)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) put(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPut, endpoint, bytes.NewReader(body), false)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, false)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		token := c.SessionToken()
		if token == "" {
			return nil, errors.New("a2a: session token is not set")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
