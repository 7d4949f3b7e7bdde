package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPCollaborator reaches a remote agent over its HTTP analyze endpoint.
type HTTPCollaborator struct {
	did      string
	endpoint string
	client   *http.Client
}

// HTTPConfig describes how to reach a remote collaborator.
type HTTPConfig struct {
	DID      string
	Endpoint string
	Timeout  time.Duration
}

// NewHTTPCollaborator constructs a remote collaborator adapter. The timeout
// here is a transport-level guard; the orchestrator applies its own
// per-call deadline through the context.
func NewHTTPCollaborator(cfg HTTPConfig) (*HTTPCollaborator, error) {
	if strings.TrimSpace(cfg.DID) == "" {
		return nil, fmt.Errorf("协作方 DID 不能为空")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("协作方 endpoint 不能为空")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCollaborator{
		did:      cfg.DID,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// DID returns the collaborator's identity.
func (c *HTTPCollaborator) DID() string { return c.did }

// analyzeResponse mirrors the agent-side reply envelope.
type analyzeResponse struct {
	Status  string  `json:"status"`
	Message string  `json:"message,omitempty"`
	Report  *Report `json:"report,omitempty"`
}

// Analyze posts the request to the remote agent with the orchestrator's
// bearer token attached.
func (c *HTTPCollaborator) Analyze(ctx context.Context, req AnalysisRequest, bearerToken string) (*Report, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("序列化协作请求失败: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+bearerToken)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("协作方 %s 返回状态 %s", c.did, resp.Status)
	}
	var decoded analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析协作方响应失败: %w", err)
	}
	if decoded.Status != "success" || decoded.Report == nil {
		return nil, fmt.Errorf("协作方 %s 分析失败: %s", c.did, decoded.Message)
	}
	return decoded.Report, nil
}

var _ Collaborator = (*HTTPCollaborator)(nil)
