// Package orchestrator 实现交易请求的编排状态机：验证触发方令牌、
// 以派生身份并发分发给专家与风控代理、聚合两方报告并记录信誉。
package orchestrator

import (
	"context"
	"crypto/ecdsa"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hsinghb/A2A-AI-Trading-System/internal/collab"
	xerrors "github.com/hsinghb/A2A-AI-Trading-System/internal/errors"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/observability/alerting"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/reputation"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/token"
	"github.com/hsinghb/A2A-AI-Trading-System/pkg/logger"
)

// DefaultCallTimeout 是单次协作调用的默认超时。
const DefaultCallTimeout = 30 * time.Second

// Orchestrator 是编排服务本体。Handle 可被多请求并发调用；
// 每个请求的状态只存在于调用栈上，实例本身无共享可变状态。
type Orchestrator struct {
	did        string
	signingKey *ecdsa.PrivateKey
	tokens     *token.Service
	tracker    *reputation.Tracker
	expert     collab.Collaborator
	risk       collab.Collaborator

	callTimeout time.Duration
	tokenTTL    time.Duration
	alerts      alerting.Dispatcher
	log         *slog.Logger
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithCallTimeout 配置单次协作调用的超时。
func WithCallTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.callTimeout = timeout
		}
	}
}

// WithTokenTTL 配置派生令牌的有效期。
func WithTokenTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.tokenTTL = ttl
		}
	}
}

// WithAlertDispatcher 配置告警分发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerts = dispatcher
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

// New 构造编排器。did 是编排器自身的注册身份，signingKey 对应该身份
// 的私钥，用于签发派生令牌。
func New(
	did string,
	signingKey *ecdsa.PrivateKey,
	tokens *token.Service,
	tracker *reputation.Tracker,
	expert, risk collab.Collaborator,
	opts ...Option,
) (*Orchestrator, error) {
	if signingKey == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "缺少编排器签名私钥")
	}
	if tokens == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置令牌服务")
	}
	if expert == nil || risk == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "专家与风控协作方均不可为空")
	}
	o := &Orchestrator{
		did:         did,
		signingKey:  signingKey,
		tokens:      tokens,
		tracker:     tracker,
		expert:      expert,
		risk:        risk,
		callTimeout: DefaultCallTimeout,
		tokenTTL:    token.DefaultTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.log == nil {
		o.log = logger.Named("orchestrator")
	}
	return o, nil
}

// Handle 处理一次交易请求。bearerToken 必须是角色为 trigger 的有效令牌。
// 进入分发阶段后返回的 Response 包含两次协作调用的结果；请求不合法或
// 触发方未通过验证时返回错误，同时附带 Failed 终态的响应封装，其中
// 回显 requestId 与错误类别。
func (o *Orchestrator) Handle(ctx context.Context, bearerToken string, req Request) (*Response, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	log := o.log.With(slog.String("request_id", req.RequestID))
	log.Info("收到交易请求", slog.String("state", string(StateReceived)))

	if err := validateRequest(req); err != nil {
		log.Warn("请求校验未通过",
			slog.String("state", string(StateFailed)),
			slog.String("error", err.Error()),
		)
		return failedResponse(req.RequestID, err), err
	}

	// 触发方验证。验证失败不产生协作调用，也不记录任何信誉。
	callerClaims, err := o.tokens.Verify(ctx, bearerToken, token.RoleTrigger)
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeUnauthenticated, err, "触发方令牌验证失败",
			xerrors.WithMetadata("request_id", req.RequestID))
		log.Warn("触发方验证未通过",
			slog.String("state", string(StateFailed)),
			slog.String("error", wrapped.Error()),
		)
		return failedResponse(req.RequestID, wrapped), wrapped
	}
	log.Info("触发方验证通过",
		slog.String("state", string(StateCallerVerified)),
		slog.String("caller_did", callerClaims.SubjectDID),
	)

	// 派生令牌以编排器自己的身份签发，下游代理据此验证的是编排器
	// 而非上游触发方。
	derived, err := o.tokens.Issue(o.did, o.did, token.RoleOrchestrator, o.tokenTTL, o.signingKey)
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeInitializationFailure, err, "派生令牌签发失败",
			xerrors.WithMetadata("request_id", req.RequestID))
		return failedResponse(req.RequestID, wrapped), wrapped
	}

	analysisReq := collab.AnalysisRequest{
		RequestID:   req.RequestID,
		Goals:       req.Goals,
		Constraints: req.Constraints,
	}

	log.Info("并发分发协作请求", slog.String("state", string(StateDispatching)))
	var (
		wg            sync.WaitGroup
		expertOutcome Outcome
		riskOutcome   Outcome
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		expertOutcome = o.dispatch(ctx, o.expert, analysisReq, derived)
	}()
	go func() {
		defer wg.Done()
		riskOutcome = o.dispatch(ctx, o.risk, analysisReq, derived)
	}()
	wg.Wait()

	log.Info("聚合协作结果",
		slog.String("state", string(StateAggregating)),
		slog.String("expert_status", string(expertOutcome.Status)),
		slog.String("risk_status", string(riskOutcome.Status)),
	)

	// 信誉簿记不随触发方断连而跳过，调用结果一经产生必被记录。
	o.recordOutcomes(context.WithoutCancel(ctx), req.RequestID, expertOutcome, riskOutcome)

	resp := o.aggregate(req.RequestID, expertOutcome, riskOutcome)
	if resp.Status == StateFailed {
		o.alert(context.WithoutCancel(ctx), req.RequestID, expertOutcome)
		log.Warn("交易请求失败",
			slog.String("state", string(StateFailed)),
			slog.String("error_kind", resp.ErrorKind),
		)
	} else {
		log.Info("交易请求完成",
			slog.String("state", string(StateCompleted)),
			slog.Bool("proceed", resp.Decision.Proceed),
		)
	}
	return resp, nil
}

// dispatch 在独立的超时上下文内调用单个协作方，并把结果归类为
// success、timeout 或 failure。
func (o *Orchestrator) dispatch(ctx context.Context, c collab.Collaborator, req collab.AnalysisRequest, bearerToken string) Outcome {
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	start := time.Now()
	report, err := c.Analyze(callCtx, req, bearerToken)
	elapsed := time.Since(start)

	outcome := Outcome{CollaboratorDID: c.DID(), Elapsed: elapsed}
	switch {
	case err == nil && report != nil:
		outcome.Status = OutcomeSuccess
		outcome.Report = report
	case stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(callCtx.Err(), context.DeadlineExceeded):
		outcome.Status = OutcomeTimeout
		outcome.Error = xerrors.New(xerrors.CodeCollaboratorTimeout, "协作调用超时").Error()
	default:
		outcome.Status = OutcomeFailure
		if err != nil {
			outcome.Error = err.Error()
		} else {
			outcome.Error = "协作方返回空报告"
		}
	}
	o.log.Debug("协作调用结束",
		slog.String("request_id", req.RequestID),
		slog.String("collaborator", c.DID()),
		slog.String("status", string(outcome.Status)),
		slog.Duration("elapsed", elapsed),
	)
	return outcome
}

// aggregate 按固定策略合成最终结论：专家失败即无分析可用；风控失败
// 仅降级为未经风控确认的结论；两方意见冲突时以风控为准。
func (o *Orchestrator) aggregate(requestID string, expert, risk Outcome) *Response {
	resp := &Response{
		RequestID: requestID,
		Outcomes:  []Outcome{expert, risk},
	}

	if !expert.Succeeded() {
		resp.Status = StateFailed
		resp.ErrorKind = string(xerrors.CodeNoAnalysis)
		resp.Reason = "专家分析不可用: " + expert.Error
		return resp
	}

	decision := &Decision{
		Proceed:    expert.Report.Proceed,
		Action:     expert.Report.Action,
		Summary:    expert.Report.Summary,
		Confidence: expert.Report.Confidence,
	}
	if risk.Succeeded() {
		decision.RiskScore = risk.Report.RiskScore
		if !risk.Report.Proceed && decision.Proceed {
			// 风控否决优先于专家建议。
			decision.Proceed = false
			decision.Annotations = append(decision.Annotations, "risk-vetoed")
		}
	} else {
		decision.Annotations = append(decision.Annotations, "risk-unverified")
	}

	resp.Status = StateCompleted
	resp.Decision = decision
	return resp
}

// recordOutcomes 把两次调用的成败写入信誉跟踪器。记录失败只打日志，
// 不影响响应。
func (o *Orchestrator) recordOutcomes(ctx context.Context, requestID string, outcomes ...Outcome) {
	if o.tracker == nil {
		return
	}
	for _, outcome := range outcomes {
		if _, err := o.tracker.RecordOutcome(ctx, outcome.CollaboratorDID, outcome.Succeeded()); err != nil {
			o.log.Error("信誉记录失败",
				slog.String("request_id", requestID),
				slog.String("collaborator", outcome.CollaboratorDID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// alert 在无分析可用时向运维渠道发出告警。
func (o *Orchestrator) alert(ctx context.Context, requestID string, expert Outcome) {
	if o.alerts == nil {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeNoAnalysis,
		Message:    expert.Error,
		Severity:   xerrors.AttributesOf(xerrors.CodeNoAnalysis).Severity,
		RequestID:  requestID,
		AgentDID:   expert.CollaboratorDID,
		OccurredAt: time.Now(),
	}
	if err := o.alerts.Notify(ctx, event); err != nil {
		o.log.Error("告警发送失败",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
	}
}

// failedResponse 为未进入分发阶段的请求构造 Failed 终态的响应封装。
func failedResponse(requestID string, err error) *Response {
	return &Response{
		RequestID: requestID,
		Status:    StateFailed,
		ErrorKind: string(xerrors.CodeOf(err)),
		Reason:    err.Error(),
	}
}

// validateRequest 校验请求体。目标资产与客观描述不可缺省，约束取值
// 必须落在定义域内：最大敞口在 (0,1] 区间，风险容忍度只接受既定档位。
func validateRequest(req Request) error {
	if len(req.Goals.Assets) == 0 {
		return xerrors.New(xerrors.CodeInvalidRequest, "缺少目标资产",
			xerrors.WithMetadata("request_id", req.RequestID))
	}
	if req.Goals.Objective == "" {
		return xerrors.New(xerrors.CodeInvalidRequest, "缺少交易目标",
			xerrors.WithMetadata("request_id", req.RequestID))
	}
	if req.Constraints.MaxExposure <= 0 || req.Constraints.MaxExposure > 1 {
		return xerrors.New(xerrors.CodeInvalidRequest, "最大敞口必须在 (0,1] 区间内",
			xerrors.WithMetadata("request_id", req.RequestID))
	}
	switch strings.ToLower(req.Constraints.RiskTolerance) {
	case "", "low", "medium", "high":
	default:
		return xerrors.New(xerrors.CodeInvalidRequest, "未知的风险容忍度: "+req.Constraints.RiskTolerance,
			xerrors.WithMetadata("request_id", req.RequestID))
	}
	return nil
}
