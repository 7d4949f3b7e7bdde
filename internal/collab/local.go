package collab

import (
	"context"
	"fmt"

	"github.com/hsinghb/A2A-AI-Trading-System/internal/token"
)

// AnalyzeFunc produces a report for a verified request.
type AnalyzeFunc func(ctx context.Context, req AnalysisRequest) (*Report, error)

// LocalCollaborator runs an agent in-process. Before invoking the analyze
// function it re-verifies the caller's bearer token against the identity
// registry, exactly as a remote agent would: the trust boundary stays in
// place even without a network hop.
type LocalCollaborator struct {
	did     string
	tokens  *token.Service
	analyze AnalyzeFunc
}

// NewLocalCollaborator constructs an in-process collaborator adapter.
func NewLocalCollaborator(did string, tokens *token.Service, analyze AnalyzeFunc) *LocalCollaborator {
	return &LocalCollaborator{did: did, tokens: tokens, analyze: analyze}
}

// DID returns the collaborator's identity.
func (c *LocalCollaborator) DID() string { return c.did }

// Analyze verifies the orchestrator's derived token, then runs the agent.
func (c *LocalCollaborator) Analyze(ctx context.Context, req AnalysisRequest, bearerToken string) (*Report, error) {
	if c.tokens == nil || c.analyze == nil {
		return nil, fmt.Errorf("协作方 %s 未初始化", c.did)
	}
	if _, err := c.tokens.Verify(ctx, bearerToken, token.RoleOrchestrator); err != nil {
		return nil, fmt.Errorf("编排方令牌验证失败: %w", err)
	}
	return c.analyze(ctx, req)
}

var _ Collaborator = (*LocalCollaborator)(nil)
