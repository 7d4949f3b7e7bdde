package token

import (
	"errors"
	"strings"
)

// Role 表示令牌持有方在协议中的角色。
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleExpert       Role = "expert"
	RoleRisk         Role = "risk"
	RoleTrigger      Role = "trigger"
)

// ParseRole 校验并返回角色枚举。
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleOrchestrator:
		return RoleOrchestrator, nil
	case RoleExpert:
		return RoleExpert, nil
	case RoleRisk:
		return RoleRisk, nil
	case RoleTrigger:
		return RoleTrigger, nil
	default:
		return "", errors.New("未知的令牌角色: " + raw)
	}
}

// Claims 是会话令牌携带的声明。签名覆盖全部字段，任一字段被篡改
// 都会导致签名校验失败。
type Claims struct {
	SubjectDID string `json:"sub"`
	IssuerDID  string `json:"iss"`
	Role       Role   `json:"role"`
	IssuedAt   int64  `json:"iat"`
	ExpiresAt  int64  `json:"exp"`
}

// 令牌验证失败时返回的哨兵错误。
var (
	// ErrExpired 表示令牌已过期。
	ErrExpired = errors.New("令牌已过期")
	// ErrBadSignature 表示令牌格式损坏或签名校验失败。
	ErrBadSignature = errors.New("令牌签名无效")
	// ErrRoleMismatch 表示令牌角色与期望角色不符。
	ErrRoleMismatch = errors.New("令牌角色不匹配")
	// ErrUnknownIssuer 表示签发方或主体在注册表中不存在或已停用。
	ErrUnknownIssuer = errors.New("签发方身份未登记或已停用")
)
