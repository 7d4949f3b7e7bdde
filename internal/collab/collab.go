// Package collab defines the uniform contract between the orchestrator and
// specialist collaborator agents. Agents are opaque: the orchestrator only
// sees this request/report shape and never their internal reasoning.
package collab

import "context"

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

// AnalysisRequest is the envelope dispatched to each collaborator.
type AnalysisRequest struct {
	RequestID   string      `json:"request_id"`
	Goals       Goals       `json:"goals"`
	Constraints Constraints `json:"constraints"`
}

// Report is a collaborator's own outcome payload. For an expert agent the
// interesting fields are Action/Summary/Confidence; a risk agent speaks
// through Proceed and RiskScore.
type Report struct {
	Proceed    bool    `json:"proceed"`
	Action     string  `json:"action,omitempty"`
	Summary    string  `json:"summary,omitempty"`
	RiskScore  float64 `json:"risk_score,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Collaborator is the capability interface implemented per agent variant.
// The orchestrator depends only on this interface; the bearer token carries
// the orchestrator's derived identity and is re-verified by the agent.
type Collaborator interface {
	DID() string
	Analyze(ctx context.Context, req AnalysisRequest, bearerToken string) (*Report, error)
}
