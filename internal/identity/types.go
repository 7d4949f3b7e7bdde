package identity

import (
	"context"

	xerrors "github.com/hsinghb/A2A-AI-Trading-System/internal/errors"
)

// InitialReputation 是新注册记录的初始信誉分。
const InitialReputation = 50

// Record 描述一条身份登记记录。DID 字段始终保存规范化后的值。
type Record struct {
	DID                    string            `json:"did"`
	PublicKey              string            `json:"public_key"`
	Metadata               map[string]string `json:"metadata,omitempty"`
	Reputation             int64             `json:"reputation"`
	TotalInteractions      int64             `json:"total_interactions"`
	SuccessfulInteractions int64             `json:"successful_interactions"`
	IsActive               bool              `json:"is_active"`
	LastUpdated            int64             `json:"last_updated"`
}

// Clone 返回记录的深拷贝，避免调用方修改存储内部状态。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Metadata = cloneMetadata(r.Metadata)
	return &clone
}

// RecomputeReputation 依据交互计数重新计算信誉分，整数向下取整。
// 调用方必须保证 TotalInteractions 已经先于本方法自增。
func (r *Record) RecomputeReputation() {
	if r.TotalInteractions <= 0 {
		return
	}
	r.Reputation = r.SuccessfulInteractions * 100 / r.TotalInteractions
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	clone := make(map[string]string, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	return clone
}

var (
	// ErrNotFound 表示指定的 DID 未登记。
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "DID 未登记")
	// ErrDuplicateDid 表示该 DID 已存在登记记录（含已停用的记录）。
	ErrDuplicateDid = xerrors.New(xerrors.CodeDuplicateDid, "DID 已登记")
	// ErrAlreadyInactive 表示记录已经处于停用状态。
	ErrAlreadyInactive = xerrors.New(xerrors.CodeAlreadyInactive, "DID 已停用")
	// ErrInactive 表示记录处于停用状态，禁止写操作。
	ErrInactive = xerrors.New(xerrors.CodeInactiveAgent, "DID 处于停用状态")
)

// Store 抽象身份记录的持久化后端。实现可以是内存、MySQL 或链上合约，
// 上层以完全相同的方式使用它们；同一 DID 的写操作必须串行化。
type Store interface {
	// Register 写入一条新记录。记录已存在（无论是否停用）时返回
	// ErrDuplicateDid。
	Register(ctx context.Context, record *Record) error
	// Get 返回指定 DID 的记录，未登记时返回 ErrNotFound。
	Get(ctx context.Context, did string) (*Record, error)
	// Update 覆盖公钥与元数据。停用记录返回 ErrInactive。
	Update(ctx context.Context, did, publicKey string, metadata map[string]string) error
	// UpdateReputation 记录一次交互结果并重算信誉分，返回更新后的记录。
	UpdateReputation(ctx context.Context, did string, success bool) (*Record, error)
	// Deactivate 将记录置为停用，这是唯一的、不可逆的销毁性迁移。
	Deactivate(ctx context.Context, did string) error
	// List 返回全部登记记录。
	List(ctx context.Context) ([]*Record, error)
	// Close 释放后端资源。
	Close() error
}
