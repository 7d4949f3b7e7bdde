package token

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/hsinghb/A2A-AI-Trading-System/internal/identity"
)

// 常量定义。
const (
	// jwtHeaderJSON 沿用以太坊生态的 ES256K 签名算法标识。
	jwtHeaderJSON = `{"alg":"ES256K","typ":"JWT"}`
	// DefaultTTL 是未显式指定时的令牌有效期。
	DefaultTTL = 5 * time.Minute
)

// encodedJWTHeader 是编码后的 JWT 头部。
var encodedJWTHeader = base64.RawURLEncoding.EncodeToString([]byte(jwtHeaderJSON))

// Directory 是令牌服务需要的注册表只读视图。
type Directory interface {
	Lookup(ctx context.Context, did string) (*identity.Record, error)
}

// Service 负责会话令牌的签发与验证。服务本身无状态，可在多个组件间
// 共享同一实例；身份的存在性与停用状态在每次验证时实时查询注册表。
type Service struct {
	directory Directory
}

// NewService 构造令牌服务。
func NewService(directory Directory) *Service {
	return &Service{directory: directory}
}

// ParseSigningKey 解析十六进制编码的 secp256k1 私钥。
func ParseSigningKey(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
}

// Issue 为 subjectDID 签发一枚由 issuerDID 的私钥签名的令牌。
// 自签令牌的 subject 与 issuer 相同；编排器的派生令牌以自己的 DID
// 作为 subject，不复用上游调用方的身份。
func (s *Service) Issue(subjectDID, issuerDID string, role Role, ttl time.Duration, signingKey *ecdsa.PrivateKey) (string, error) {
	subject, err := identity.Normalize(subjectDID)
	if err != nil {
		return "", err
	}
	issuer, err := identity.Normalize(issuerDID)
	if err != nil {
		return "", err
	}
	if signingKey == nil {
		return "", stdErrors.New("缺少签名私钥")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	// 有效期以秒为粒度，亚秒级 TTL 会截断成 exp==iat 的死令牌。
	if ttl < time.Second {
		ttl = time.Second
	}
	now := time.Now().Unix()
	claims := Claims{
		SubjectDID: subject,
		IssuerDID:  issuer,
		Role:       role,
		IssuedAt:   now,
		ExpiresAt:  now + int64(ttl.Seconds()),
	}
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature, err := crypto.Sign(signingDigest(encodedJWTHeader, payload), signingKey)
	if err != nil {
		return "", err
	}
	encodedSig := base64.RawURLEncoding.EncodeToString(signature)
	return strings.Join([]string{encodedJWTHeader, payload, encodedSig}, "."), nil
}

// Verify 验证令牌并返回其声明。expectedRole 为空串时跳过角色检查。
// 主体与签发方的停用状态在验证时实时检查，因此停用一个 DID 会立即
// 使它所有未过期的令牌失效。
func (s *Service) Verify(ctx context.Context, rawToken string, expectedRole Role) (*Claims, error) {
	parts := strings.Split(strings.TrimSpace(rawToken), ".")
	if len(parts) != 3 {
		return nil, ErrBadSignature
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrBadSignature
	}
	var claims Claims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, ErrBadSignature
	}
	if claims.ExpiresAt <= claims.IssuedAt {
		return nil, ErrBadSignature
	}
	if time.Now().Unix() >= claims.ExpiresAt {
		return nil, ErrExpired
	}

	// 从签名恢复签名方地址，必须与 issuer DID 中的地址一致。
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(signature) != crypto.SignatureLength {
		return nil, ErrBadSignature
	}
	pubKey, err := crypto.SigToPub(signingDigest(parts[0], parts[1]), signature)
	if err != nil {
		return nil, ErrBadSignature
	}
	signerDID := identity.FromAddress(crypto.PubkeyToAddress(*pubKey).Hex())
	issuerDID, err := identity.Normalize(claims.IssuerDID)
	if err != nil || signerDID != issuerDID {
		return nil, ErrBadSignature
	}

	// 签发方与主体都必须在注册表中登记且处于激活状态。
	if err := s.requireActive(ctx, issuerDID); err != nil {
		return nil, err
	}
	subjectDID, err := identity.Normalize(claims.SubjectDID)
	if err != nil {
		return nil, ErrBadSignature
	}
	if subjectDID != issuerDID {
		if err := s.requireActive(ctx, subjectDID); err != nil {
			return nil, err
		}
	}

	if expectedRole != "" && claims.Role != expectedRole {
		return nil, ErrRoleMismatch
	}
	return &claims, nil
}

// requireActive 查询注册表并要求记录处于激活状态。
func (s *Service) requireActive(ctx context.Context, did string) error {
	if s.directory == nil {
		return ErrUnknownIssuer
	}
	record, err := s.directory.Lookup(ctx, did)
	if err != nil {
		return ErrUnknownIssuer
	}
	if !record.IsActive {
		return ErrUnknownIssuer
	}
	return nil
}

// signingDigest 计算签名覆盖的 keccak256 摘要。
func signingDigest(header, payload string) []byte {
	return crypto.Keccak256([]byte(header + "." + payload))
}
