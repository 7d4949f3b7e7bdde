package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/hsinghb/A2A-AI-Trading-System/internal/collab"
	xerrors "github.com/hsinghb/A2A-AI-Trading-System/internal/errors"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/identity"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/orchestrator"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/reputation"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/token"
)

// fixedCollaborator 永远返回同一份报告。
type fixedCollaborator struct {
	did    string
	report collab.Report
}

func (c *fixedCollaborator) DID() string { return c.did }

func (c *fixedCollaborator) Analyze(context.Context, collab.AnalysisRequest, string) (*collab.Report, error) {
	report := c.report
	return &report, nil
}

type apiEnv struct {
	server     *Server
	tokens     *token.Service
	adminDID   string
	triggerDID string
	triggerKey *ecdsa.PrivateKey
}

func newAPIIdentity(t *testing.T) (string, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}
	return identity.FromAddress(crypto.PubkeyToAddress(key.PublicKey).Hex()), key
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	store := identity.NewMemoryStore()
	ctx := context.Background()

	orchDID, orchKey := newAPIIdentity(t)
	triggerDID, triggerKey := newAPIIdentity(t)
	expertDID, _ := newAPIIdentity(t)
	riskDID, _ := newAPIIdentity(t)
	for _, did := range []string{orchDID, triggerDID, expertDID, riskDID} {
		record := &identity.Record{DID: did, PublicKey: "04" + did, Reputation: identity.InitialReputation, IsActive: true}
		if err := store.Register(ctx, record); err != nil {
			t.Fatalf("登记失败: %v", err)
		}
	}

	registry, err := identity.NewRegistry(store, orchDID)
	if err != nil {
		t.Fatalf("构造注册表失败: %v", err)
	}
	tokens := token.NewService(registry)
	tracker := reputation.NewTracker(store)

	expert := &fixedCollaborator{did: expertDID, report: collab.Report{Proceed: true, Action: "buy", Confidence: 0.7}}
	risk := &fixedCollaborator{did: riskDID, report: collab.Report{Proceed: true, RiskScore: 0.2}}
	orch, err := orchestrator.New(orchDID, orchKey, tokens, tracker, expert, risk)
	if err != nil {
		t.Fatalf("构造编排器失败: %v", err)
	}

	return &apiEnv{
		server:     NewServer(":0", orch, registry, tracker),
		tokens:     tokens,
		adminDID:   orchDID,
		triggerDID: triggerDID,
		triggerKey: triggerKey,
	}
}

func (e *apiEnv) triggerToken(t *testing.T) string {
	t.Helper()
	raw, err := e.tokens.Issue(e.triggerDID, e.triggerDID, token.RoleTrigger, time.Minute, e.triggerKey)
	if err != nil {
		t.Fatalf("签发令牌失败: %v", err)
	}
	return raw
}

func jsonBody(t *testing.T, payload any) *bytes.Reader {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("编码请求体失败: %v", err)
	}
	return bytes.NewReader(raw)
}

func TestHandleProcess(t *testing.T) {
	env := newAPIEnv(t)
	handler := env.server.Handler()

	body := jsonBody(t, map[string]any{
		"goals":       map[string]any{"assets": []string{"ETH"}, "objective": "增值"},
		"constraints": map[string]any{"max_exposure": 0.3},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/trading/process", body)
	req.Header.Set("Authorization", "Bearer "+env.triggerToken(t))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("状态码 = %d, 响应 = %s", rec.Code, rec.Body.String())
	}
	var resp orchestrator.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp.Status != orchestrator.StateCompleted {
		t.Fatalf("状态 = %s", resp.Status)
	}
	if resp.Decision == nil || !resp.Decision.Proceed {
		t.Fatalf("结论 = %+v", resp.Decision)
	}
}

func TestHandleProcessAuthFailures(t *testing.T) {
	env := newAPIEnv(t)
	handler := env.server.Handler()
	payload := map[string]any{
		"goals":       map[string]any{"assets": []string{"ETH"}, "objective": "增值"},
		"constraints": map[string]any{"max_exposure": 0.3},
	}

	t.Run("缺少令牌", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/trading/process", jsonBody(t, payload))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("状态码 = %d", rec.Code)
		}
	})

	t.Run("角色不符", func(t *testing.T) {
		raw, err := env.tokens.Issue(env.triggerDID, env.triggerDID, token.RoleExpert, time.Minute, env.triggerKey)
		if err != nil {
			t.Fatalf("签发令牌失败: %v", err)
		}
		req := httptest.NewRequest(http.MethodPost, "/api/v1/trading/process", jsonBody(t, payload))
		req.Header.Set("Authorization", "Bearer "+raw)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("状态码 = %d", rec.Code)
		}
	})

	t.Run("令牌被篡改", func(t *testing.T) {
		raw := env.triggerToken(t) + "x"
		req := httptest.NewRequest(http.MethodPost, "/api/v1/trading/process", jsonBody(t, payload))
		req.Header.Set("Authorization", "Bearer "+raw)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("状态码 = %d", rec.Code)
		}
	})
}

func TestHandleProcessRejectsInvalidConstraints(t *testing.T) {
	env := newAPIEnv(t)
	handler := env.server.Handler()

	body := jsonBody(t, map[string]any{
		"request_id":  "req-overlimit",
		"goals":       map[string]any{"assets": []string{"ETH"}, "objective": "增值"},
		"constraints": map[string]any{"max_exposure": 3.0, "risk_tolerance": "yolo"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/trading/process", body)
	req.Header.Set("Authorization", "Bearer "+env.triggerToken(t))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("状态码 = %d, 响应 = %s", rec.Code, rec.Body.String())
	}
	var resp orchestrator.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if resp.RequestID != "req-overlimit" || resp.Status != orchestrator.StateFailed {
		t.Fatalf("响应封装 = %+v", resp)
	}
	if resp.ErrorKind != string(xerrors.CodeInvalidRequest) {
		t.Fatalf("错误类别 = %s", resp.ErrorKind)
	}
}

func TestRegistryLifecycleOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	handler := env.server.Handler()
	newDID, _ := newAPIIdentity(t)

	register := func() *httptest.ResponseRecorder {
		body := jsonBody(t, map[string]any{
			"did":           newDID,
			"public_key":    "04deadbeef",
			"metadata":      map[string]string{"kind": "expert"},
			"authorized_by": env.adminDID,
		})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/dids", body)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := register(); rec.Code != http.StatusCreated {
		t.Fatalf("登记状态码 = %d, 响应 = %s", rec.Code, rec.Body.String())
	}
	if rec := register(); rec.Code != http.StatusConflict {
		t.Fatalf("重复登记状态码 = %d", rec.Code)
	}

	// 非管理员操作被拒绝。
	body := jsonBody(t, map[string]any{
		"did": newDID, "public_key": "04beef", "authorized_by": newDID,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/dids", body)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("非管理员登记状态码 = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/dids/"+newDID, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("查询状态码 = %d", rec.Code)
	}
	var record identity.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("解析记录失败: %v", err)
	}
	if record.Reputation != identity.InitialReputation || !record.IsActive {
		t.Fatalf("记录 = %+v", record)
	}

	// 大小写混用的 DID 查询命中同一条记录。
	req = httptest.NewRequest(http.MethodGet, "/api/v1/dids/did:ethr:0x"+record.DID[len("did:eth:0x"):], nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("别名查询状态码 = %d", rec.Code)
	}

	deactivate := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/dids/"+newDID+"/deactivate",
			jsonBody(t, map[string]string{"authorized_by": env.adminDID}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}
	if rec := deactivate(); rec.Code != http.StatusOK {
		t.Fatalf("停用状态码 = %d", rec.Code)
	}
	if rec := deactivate(); rec.Code != http.StatusConflict {
		t.Fatalf("重复停用状态码 = %d", rec.Code)
	}

	// 停用后记录仍可读。
	req = httptest.NewRequest(http.MethodGet, "/api/v1/dids/"+newDID, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("停用后查询状态码 = %d", rec.Code)
	}
}

func TestReputationAndListEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	handler := env.server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dids/"+env.triggerDID+"/reputation", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("信誉查询状态码 = %d", rec.Code)
	}
	var payload struct {
		Reputation int64 `json:"reputation"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if payload.Reputation != identity.InitialReputation {
		t.Fatalf("信誉 = %d", payload.Reputation)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("列举状态码 = %d", rec.Code)
	}
	var records []identity.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("记录数 = %d, 期望 4", len(records))
	}
}

func TestAdminReassignOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	handler := env.server.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/reassign",
		jsonBody(t, map[string]string{"new_admin": env.triggerDID, "authorized_by": env.adminDID}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("移交状态码 = %d", rec.Code)
	}

	// 旧管理员随即失去权限。
	newDID, _ := newAPIIdentity(t)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/dids",
		jsonBody(t, map[string]any{"did": newDID, "public_key": "04aa", "authorized_by": env.adminDID}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("旧管理员操作状态码 = %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	handler := env.server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("健康检查状态码 = %d", rec.Code)
	}
}
