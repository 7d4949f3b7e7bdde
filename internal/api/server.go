package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "github.com/hsinghb/A2A-AI-Trading-System/internal/errors"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/identity"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/orchestrator"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/reputation"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/token"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/web3"
	"github.com/hsinghb/A2A-AI-Trading-System/pkg/logger"
)

// Server 负责暴露 REST 接口，供触发方提交交易请求并管理身份注册表。
type Server struct {
	addr     string
	orch     *orchestrator.Orchestrator
	registry *identity.Registry
	tracker  *reputation.Tracker
	chain    web3.Client
	log      *slog.Logger
}

// ServerOption 定义可选配置。
type ServerOption func(*Server)

// WithChainClient 注入链客户端，使健康检查能够上报链状态。
func WithChainClient(client web3.Client) ServerOption {
	return func(s *Server) {
		s.chain = client
	}
}

// WithServerLogger 指定日志输出。
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) {
		s.log = log
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orch *orchestrator.Orchestrator, registry *identity.Registry, tracker *reputation.Tracker, opts ...ServerOption) *Server {
	s := &Server{addr: addr, orch: orch, registry: registry, tracker: tracker}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.log == nil {
		s.log = logger.Named("api")
	}
	return s
}

// Handler 返回完整路由，便于测试与复用。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/trading/process", s.instrument("trading_process", s.handleProcess))
	mux.HandleFunc("/api/v1/dids", s.instrument("did_register", s.handleDids))
	mux.HandleFunc("/api/v1/dids/", s.instrument("did_detail", s.handleDidDetail))
	mux.HandleFunc("/api/v1/agents", s.instrument("agent_list", s.handleAgents))
	mux.HandleFunc("/api/v1/admin/reassign", s.instrument("admin_reassign", s.handleAdminReassign))
	mux.HandleFunc("/api/v1/health", s.instrument("health", s.handleHealth))
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.Info("API 服务已启动", slog.String("addr", s.addr))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleProcess 处理交易请求。调用方须携带 trigger 角色的会话令牌。
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, xerrors.New(xerrors.CodeInvalidRequest, "仅支持 POST"))
		return
	}
	if s.orch == nil {
		http.Error(w, "编排器未初始化", http.StatusServiceUnavailable)
		return
	}
	bearer, err := bearerToken(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "请求体解析失败"))
		return
	}

	resp, err := s.orch.Handle(r.Context(), bearer, req)
	if err != nil {
		// 编排器给出 Failed 封装时按错误码映射状态码，原样回传封装。
		if resp != nil {
			writeJSON(w, statusFor(err), resp)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// registerRequest 是 DID 登记请求体。
type registerRequest struct {
	DID          string            `json:"did"`
	PublicKey    string            `json:"public_key"`
	Metadata     map[string]string `json:"metadata"`
	AuthorizedBy string            `json:"authorized_by"`
}

func (s *Server) handleDids(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, xerrors.New(xerrors.CodeInvalidRequest, "仅支持 POST"))
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "请求体解析失败"))
		return
	}
	if err := s.registry.Register(r.Context(), req.DID, req.PublicKey, req.Metadata, req.AuthorizedBy); err != nil {
		writeError(w, err)
		return
	}
	record, err := s.registry.Lookup(r.Context(), req.DID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

// handleDidDetail 分派 /api/v1/dids/{did} 及其子路径。
func (s *Server) handleDidDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/dids/")
	if rest == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidRequest, "缺少 DID"))
		return
	}

	switch {
	case strings.HasSuffix(rest, "/deactivate"):
		s.handleDeactivate(w, r, strings.TrimSuffix(rest, "/deactivate"))
	case strings.HasSuffix(rest, "/reputation"):
		s.handleReputation(w, r, strings.TrimSuffix(rest, "/reputation"))
	default:
		switch r.Method {
		case http.MethodGet:
			s.handleLookup(w, r, rest)
		case http.MethodPut:
			s.handleUpdate(w, r, rest)
		default:
			writeError(w, xerrors.New(xerrors.CodeInvalidRequest, "仅支持 GET/PUT"))
		}
	}
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request, did string) {
	record, err := s.registry.Lookup(r.Context(), did)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// updateRequest 是 DID 更新请求体。
type updateRequest struct {
	PublicKey    string            `json:"public_key"`
	Metadata     map[string]string `json:"metadata"`
	AuthorizedBy string            `json:"authorized_by"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, did string) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "请求体解析失败"))
		return
	}
	if err := s.registry.Update(r.Context(), did, req.PublicKey, req.Metadata, req.AuthorizedBy); err != nil {
		writeError(w, err)
		return
	}
	record, err := s.registry.Lookup(r.Context(), did)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// actorRequest 只携带操作方 DID。
type actorRequest struct {
	AuthorizedBy string `json:"authorized_by"`
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request, did string) {
	if r.Method != http.MethodPost {
		writeError(w, xerrors.New(xerrors.CodeInvalidRequest, "仅支持 POST"))
		return
	}
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "请求体解析失败"))
		return
	}
	if err := s.registry.Deactivate(r.Context(), did, req.AuthorizedBy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request, did string) {
	if r.Method != http.MethodGet {
		writeError(w, xerrors.New(xerrors.CodeInvalidRequest, "仅支持 GET"))
		return
	}
	if s.tracker == nil {
		http.Error(w, "信誉跟踪器未初始化", http.StatusServiceUnavailable)
		return
	}
	score, err := s.tracker.Score(r.Context(), did)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"did": did, "reputation": score})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, xerrors.New(xerrors.CodeInvalidRequest, "仅支持 GET"))
		return
	}
	records, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// reassignRequest 是管理员移交请求体。
type reassignRequest struct {
	NewAdmin     string `json:"new_admin"`
	AuthorizedBy string `json:"authorized_by"`
}

func (s *Server) handleAdminReassign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, xerrors.New(xerrors.CodeInvalidRequest, "仅支持 POST"))
		return
	}
	var req reassignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidRequest, err, "请求体解析失败"))
		return
	}
	if err := s.registry.ReassignAdmin(r.Context(), req.NewAdmin, req.AuthorizedBy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"admin": s.registry.Admin()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, xerrors.New(xerrors.CodeInvalidRequest, "仅支持 GET"))
		return
	}
	payload := map[string]any{"status": "ok"}
	if s.chain != nil {
		snapshot, err := s.chain.FetchChainSnapshot(r.Context())
		if err != nil {
			payload["chain"] = map[string]string{"error": err.Error()}
		} else {
			payload["chain"] = map[string]string{
				"chain_id":     snapshot.ChainID,
				"block_number": snapshot.BlockNumber,
			}
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// bearerToken 从 Authorization 头提取会话令牌。
func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", xerrors.New(xerrors.CodeUnauthenticated, "缺少 Authorization 头")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", xerrors.New(xerrors.CodeUnauthenticated, "Authorization 头格式不正确")
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix)), nil
}

// writeJSON 输出 JSON 响应。
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorBody 是统一的错误响应结构。
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError 把统一错误映射为 HTTP 状态码与 JSON 错误体。
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Code: string(xerrors.CodeOf(err)), Message: err.Error()})
}

// statusFor 把统一错误映射为 HTTP 状态码。
func statusFor(err error) int {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, token.ErrExpired),
		errors.Is(err, token.ErrBadSignature),
		errors.Is(err, token.ErrRoleMismatch),
		errors.Is(err, token.ErrUnknownIssuer):
		status = http.StatusUnauthorized
	default:
		switch xerrors.CodeOf(err) {
		case xerrors.CodeInvalidRequest:
			status = http.StatusBadRequest
		case xerrors.CodeUnauthenticated:
			status = http.StatusUnauthorized
		case xerrors.CodeNotFound:
			status = http.StatusNotFound
		case xerrors.CodeDuplicateDid, xerrors.CodeAlreadyInactive, xerrors.CodeInactiveAgent:
			status = http.StatusConflict
		case xerrors.CodeLedgerFailure, xerrors.CodeCollaboratorTimeout, xerrors.CodeCollaboratorFailure:
			status = http.StatusBadGateway
		}
	}
	return status
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
