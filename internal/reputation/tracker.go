// Package reputation 把每一次协作调用的成败记入身份注册表，并换算为
// [0,100] 区间内的信誉分。
package reputation

import (
	"context"
	"log/slog"

	xerrors "github.com/hsinghb/A2A-AI-Trading-System/internal/errors"
	"github.com/hsinghb/A2A-AI-Trading-System/internal/identity"
	"github.com/hsinghb/A2A-AI-Trading-System/pkg/logger"
)

// Tracker 负责记录交互结果并维护信誉分。计数先于除法自增，
// 同一 DID 的更新由存储层串行化，因此给定一条结果序列，
// 最终信誉分与并发交错无关。
type Tracker struct {
	store identity.Store
	log   *slog.Logger
}

// NewTracker 构造信誉跟踪器。
func NewTracker(store identity.Store) *Tracker {
	return &Tracker{store: store, log: logger.Named("reputation")}
}

// RecordOutcome 记录一次交互结果并返回新的信誉分。
// 停用的 DID 返回 InactiveAgent 错误。
func (t *Tracker) RecordOutcome(ctx context.Context, did string, success bool) (int64, error) {
	if t == nil || t.store == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "未配置身份存储")
	}
	canonical, err := identity.Normalize(did)
	if err != nil {
		return 0, err
	}
	record, err := t.store.UpdateReputation(ctx, canonical, success)
	if err != nil {
		return 0, err
	}
	t.log.Debug("信誉分已更新",
		slog.String("did", canonical),
		slog.Bool("success", success),
		slog.Int64("reputation", record.Reputation),
		slog.Int64("total", record.TotalInteractions),
	)
	return record.Reputation, nil
}

// Score 返回指定 DID 当前的信誉分。
func (t *Tracker) Score(ctx context.Context, did string) (int64, error) {
	canonical, err := identity.Normalize(did)
	if err != nil {
		return 0, err
	}
	record, err := t.store.Get(ctx, canonical)
	if err != nil {
		return 0, err
	}
	return record.Reputation, nil
}
