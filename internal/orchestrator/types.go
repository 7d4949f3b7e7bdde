package orchestrator

import (
	"time"

	"github.com/hsinghb/A2A-AI-Trading-System/internal/collab"
)

// State 表示一次交易请求在编排器内的处理阶段。
type State string

// 请求生命周期状态。状态只沿 Received -> CallerVerified -> Dispatching ->
// Aggregating -> Completed/Failed 单向推进，不存在回退。
const (
	StateReceived       State = "RECEIVED"
	StateCallerVerified State = "CALLER_VERIFIED"
	StateDispatching    State = "DISPATCHING"
	StateAggregating    State = "AGGREGATING"
	StateCompleted      State = "COMPLETED"
	StateFailed         State = "FAILED"
)

// Request 是触发方提交的交易请求。RequestID 仅用于日志与响应的关联，
// 不做幂等去重；为空时由编排器生成。
type Request struct {
	RequestID   string             `json:"request_id,omitempty"`
	Goals       collab.Goals       `json:"goals"`
	Constraints collab.Constraints `json:"constraints"`
}

// OutcomeStatus 表示单次协作调用的结果类别。
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
	OutcomeTimeout OutcomeStatus = "timeout"
)

// Outcome 记录一次协作调用的结果，无论成败都会进入响应与信誉簿记。
type Outcome struct {
	CollaboratorDID string         `json:"collaborator_did"`
	Status          OutcomeStatus  `json:"status"`
	Report          *collab.Report `json:"report,omitempty"`
	Error           string         `json:"error,omitempty"`
	Elapsed         time.Duration  `json:"elapsed_ms"`
}

// Succeeded 判断该次调用是否计入成功交互。
func (o Outcome) Succeeded() bool { return o.Status == OutcomeSuccess }

// Decision 是聚合后的最终交易结论。
type Decision struct {
	Proceed     bool     `json:"proceed"`
	Action      string   `json:"action,omitempty"`
	Summary     string   `json:"summary,omitempty"`
	RiskScore   float64  `json:"risk_score,omitempty"`
	Confidence  float64  `json:"confidence,omitempty"`
	Annotations []string `json:"annotations,omitempty"`
}

// Response 是编排器对触发方的完整答复。Failed 时 Decision 为空，
// ErrorKind 与 Reason 说明失败类别与原因。
type Response struct {
	RequestID string    `json:"request_id"`
	Status    State     `json:"status"`
	Outcomes  []Outcome `json:"outcomes"`
	Decision  *Decision `json:"decision,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}
