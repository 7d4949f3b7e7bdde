package identity

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hsinghb/A2A-AI-Trading-System/internal/audit"
	xerrors "github.com/hsinghb/A2A-AI-Trading-System/internal/errors"
	"github.com/hsinghb/A2A-AI-Trading-System/pkg/logger"
)

// Registry 是身份注册表的业务入口：负责 DID 规范化、管理员授权检查，
// 以及把每一次变更以审计事件的形式发出。持久化交给注入的 Store。
type Registry struct {
	store Store
	audit audit.Producer
	log   *slog.Logger

	// 管理员变更属于低频操作，用粗粒度锁即可。
	adminMu  sync.RWMutex
	adminDID string
}

// RegistryOption 定义可选配置。
type RegistryOption func(*Registry)

// WithAuditProducer 配置审计事件的投递目标。
func WithAuditProducer(producer audit.Producer) RegistryOption {
	return func(r *Registry) {
		r.audit = producer
	}
}

// WithRegistryLogger 指定日志输出。
func WithRegistryLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = log
	}
}

// NewRegistry 构造注册表服务。adminDID 接受任一合法拼写，内部保存规范化结果。
func NewRegistry(store Store, adminDID string, opts ...RegistryOption) (*Registry, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置身份存储")
	}
	canonical, err := Normalize(adminDID)
	if err != nil {
		return nil, err
	}
	r := &Registry{store: store, adminDID: canonical}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.log == nil {
		r.log = logger.Named("identity")
	}
	return r, nil
}

// Admin 返回当前管理员的规范化 DID。
func (r *Registry) Admin() string {
	r.adminMu.RLock()
	defer r.adminMu.RUnlock()
	return r.adminDID
}

// requireAdmin 校验操作方是否为当前管理员。
func (r *Registry) requireAdmin(authorizedBy string) error {
	canonical, err := Normalize(authorizedBy)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnauthenticated, err, "操作方 DID 不合法")
	}
	r.adminMu.RLock()
	defer r.adminMu.RUnlock()
	if canonical != r.adminDID {
		return xerrors.New(xerrors.CodeUnauthenticated, "操作方不是注册表管理员",
			xerrors.WithMetadata("actor", canonical))
	}
	return nil
}

// Register 登记一个新的 DID。重复登记（包括已停用的记录）返回 DuplicateDid。
func (r *Registry) Register(ctx context.Context, did, publicKey string, metadata map[string]string, authorizedBy string) error {
	if err := r.requireAdmin(authorizedBy); err != nil {
		return err
	}
	canonical, err := Normalize(did)
	if err != nil {
		return err
	}
	if publicKey == "" {
		return xerrors.New(xerrors.CodeInvalidRequest, "公钥不能为空")
	}
	record := &Record{
		DID:        canonical,
		PublicKey:  publicKey,
		Metadata:   cloneMetadata(metadata),
		Reputation: InitialReputation,
		IsActive:   true,
	}
	if err := r.store.Register(ctx, record); err != nil {
		return err
	}
	r.log.Info("DID 登记成功", slog.String("did", canonical))
	r.emit(ctx, audit.NewEvent(canonical, audit.OpRegister, authorizedBy))
	return nil
}

// Lookup 返回指定 DID 的记录，查询前先做规范化。
func (r *Registry) Lookup(ctx context.Context, did string) (*Record, error) {
	canonical, err := Normalize(did)
	if err != nil {
		return nil, err
	}
	return r.store.Get(ctx, canonical)
}

// Update 覆盖公钥或元数据。仅管理员可操作，停用记录不可更新。
func (r *Registry) Update(ctx context.Context, did, publicKey string, metadata map[string]string, authorizedBy string) error {
	if err := r.requireAdmin(authorizedBy); err != nil {
		return err
	}
	canonical, err := Normalize(did)
	if err != nil {
		return err
	}
	if err := r.store.Update(ctx, canonical, publicKey, metadata); err != nil {
		return err
	}
	r.emit(ctx, audit.NewEvent(canonical, audit.OpUpdate, authorizedBy))
	return nil
}

// Deactivate 停用一个 DID。停用是单向的：记录保留可读，写操作从此拒绝。
func (r *Registry) Deactivate(ctx context.Context, did, authorizedBy string) error {
	if err := r.requireAdmin(authorizedBy); err != nil {
		return err
	}
	canonical, err := Normalize(did)
	if err != nil {
		return err
	}
	if err := r.store.Deactivate(ctx, canonical); err != nil {
		return err
	}
	r.log.Warn("DID 已停用", slog.String("did", canonical))
	r.emit(ctx, audit.NewEvent(canonical, audit.OpDeactivate, authorizedBy))
	return nil
}

// AdminReassigner 由支持持久化管理员移交的存储后端实现。
type AdminReassigner interface {
	ReassignAdmin(ctx context.Context, newAdminDID string) error
}

// ReassignAdmin 把管理员移交给新的 DID。仅现任管理员可操作。
// 存储后端支持持久化移交时先落存储，失败则维持现任管理员不变。
func (r *Registry) ReassignAdmin(ctx context.Context, newAdmin, authorizedBy string) error {
	if err := r.requireAdmin(authorizedBy); err != nil {
		return err
	}
	canonical, err := Normalize(newAdmin)
	if err != nil {
		return err
	}
	if reassigner, ok := r.store.(AdminReassigner); ok {
		if err := reassigner.ReassignAdmin(ctx, canonical); err != nil {
			return err
		}
	}
	r.adminMu.Lock()
	r.adminDID = canonical
	r.adminMu.Unlock()
	r.log.Warn("注册表管理员已变更", slog.String("admin", canonical))
	r.emit(ctx, audit.NewEvent(canonical, audit.OpReassignAdmin, authorizedBy))
	return nil
}

// List 返回全部登记记录。
func (r *Registry) List(ctx context.Context) ([]*Record, error) {
	return r.store.List(ctx)
}

// emit 发出审计事件。注册表只负责“发出”，投递失败记录日志即可。
func (r *Registry) emit(ctx context.Context, event audit.Event) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Publish(ctx, event); err != nil {
		r.log.Error("审计事件投递失败",
			slog.Any("error", err),
			slog.String("did", event.DID),
			slog.String("operation", string(event.Operation)),
		)
	}
	logger.Audit().Info("registry_mutation",
		slog.String("did", event.DID),
		slog.String("operation", string(event.Operation)),
		slog.String("actor", event.Actor),
	)
}
