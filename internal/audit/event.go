// Package audit 负责把身份注册表的每一次变更以事件形式发布出去。
// 注册表只拥有“发出”这一动作，事件的投递与消费由队列后端决定。
package audit

import (
	"context"
	"encoding/json"
	"time"

	xerrors "github.com/hsinghb/A2A-AI-Trading-System/internal/errors"
)

// Operation 标识一次注册表变更的类型。
type Operation string

const (
	OpRegister         Operation = "register"
	OpUpdate           Operation = "update"
	OpUpdateReputation Operation = "update_reputation"
	OpDeactivate       Operation = "deactivate"
	OpReassignAdmin    Operation = "reassign_admin"
)

// Event 描述一次注册表变更。
type Event struct {
	DID        string    `json:"did"`
	Operation  Operation `json:"operation"`
	Actor      string    `json:"actor,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt int64     `json:"occurred_at"`
}

// NewEvent 以当前时间构造事件。
func NewEvent(did string, op Operation, actor string) Event {
	return Event{DID: did, Operation: op, Actor: actor, OccurredAt: time.Now().Unix()}
}

// Encode 将事件序列化为队列消息体。
func (e Event) Encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化审计事件失败")
	}
	return body, nil
}

// Decode 从队列消息体还原事件。
func Decode(body []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Event{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析审计事件失败")
	}
	return event, nil
}

// Handler 处理一条消费到的审计事件。
type Handler func(ctx context.Context, event Event) error

// Producer 负责向队列投递审计事件。
type Producer interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Consumer 负责从队列中消费审计事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
