package identity

import (
	"regexp"
	"strings"

	xerrors "github.com/hsinghb/A2A-AI-Trading-System/internal/errors"
)

// MethodCanonical is the single DID method used for storage and lookup keys.
// The legacy "ethr" spelling is accepted on input and folded into it.
const (
	MethodCanonical = "eth"
	MethodLegacy    = "ethr"
)

const (
	prefixCanonical = "did:eth:"
	prefixLegacy    = "did:ethr:"
)

// didPattern matches both accepted spellings with a 20-byte hex identifier.
var didPattern = regexp.MustCompile(`^did:(eth|ethr):0x[0-9a-fA-F]{40}$`)

// Normalize folds a DID into its canonical form: the "did:eth:" method with
// a lower-case hex address. It is pure and idempotent, so normalizing an
// already canonical DID returns it unchanged.
func Normalize(did string) (string, error) {
	trimmed := strings.TrimSpace(did)
	if !didPattern.MatchString(trimmed) {
		return "", xerrors.New(xerrors.CodeInvalidRequest, "DID 格式不合法: "+did)
	}
	if strings.HasPrefix(trimmed, prefixLegacy) {
		trimmed = prefixCanonical + strings.TrimPrefix(trimmed, prefixLegacy)
	}
	return prefixCanonical + strings.ToLower(strings.TrimPrefix(trimmed, prefixCanonical)), nil
}

// Address extracts the 0x-prefixed hex address from a DID in either
// spelling. The returned address is lower-cased.
func Address(did string) (string, error) {
	canonical, err := Normalize(did)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(canonical, prefixCanonical), nil
}

// FromAddress builds the canonical DID for a hex address.
func FromAddress(address string) string {
	return prefixCanonical + strings.ToLower(strings.TrimSpace(address))
}
