package domain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

const signatureSeparator = "|"

// PreauthSigningString is the canonical message signed for a preauth. Absent
// optional fields contribute an empty segment.
func PreauthSigningString(req PreauthRequest) string {
	expiresAt := ""
	if req.ExpiresAt != nil {
		expiresAt = strconv.FormatInt(*req.ExpiresAt, 10)
	}
	return strings.Join([]string{
		req.Method,
		req.ParamsHash,
		req.EstGasWei.String(),
		req.MaxFeePerGasWei.String(),
		req.MaxPriorityFeePerGasWei.String(),
		expiresAt,
		req.OrgID,
	}, signatureSeparator)
}

func SettleSigningString(paramsHash string, req SettleRequest) string {
	return strings.Join([]string{
		paramsHash,
		req.ApprovalID,
		req.GasUsedWei.String(),
		req.EffectiveGasPriceWei.String(),
	}, signatureSeparator)
}

func ReleaseSigningString(paramsHash string, req ReleaseRequest) string {
	return strings.Join([]string{paramsHash, req.ApprovalID}, signatureSeparator)
}

// Sign returns the hex HMAC-SHA256 of message.
func Sign(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares in constant time. Malformed hex never matches.
func VerifySignature(secret, message, signature string) bool {
	given, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "0x"))
	if err != nil || len(given) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hmac.Equal(mac.Sum(nil), given)
}
