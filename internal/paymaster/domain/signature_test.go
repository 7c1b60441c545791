package domain

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPreauthSigningStringIsCanonical(t *testing.T) {
	expires := int64(1772370000)
	req := PreauthRequest{
		OrgID:           "org-1",
		HoldID:          "hold-1",
		EstGasWei:       MustParseWei("0x5208"),
		MaxFeePerGasWei: MustParseWei("20000000000"),
		Method:          "transfer",
		ParamsHash:      "0xfeed",
		ExpiresAt:       &expires,
	}
	assert.Equal(t, "transfer|0xfeed|21000|20000000000||1772370000|org-1", PreauthSigningString(req))
}

func TestVerifySignature(t *testing.T) {
	msg := SettleSigningString("0xfeed", SettleRequest{
		ApprovalID:           "hold-1",
		GasUsedWei:           MustParseWei("21000"),
		EffectiveGasPriceWei: MustParseWei("18000000000"),
	})
	assert.Equal(t, "0xfeed|hold-1|21000|18000000000", msg)

	sig := Sign("secret", msg)
	assert.Len(t, sig, 64)
	assert.True(t, VerifySignature("secret", msg, sig))
	assert.True(t, VerifySignature("secret", msg, "0x"+sig))
	assert.False(t, VerifySignature("other", msg, sig))
	assert.False(t, VerifySignature("secret", msg+"x", sig))
	assert.False(t, VerifySignature("secret", msg, "zz"))
	assert.False(t, VerifySignature("secret", msg, sig[:10]))
}

func TestRejectionBody(t *testing.T) {
	r := PreauthExpired()
	assert.Equal(t, http.StatusConflict, r.Status)
	assert.True(t, r.Persist)
	assert.JSONEq(t, `{"error":{"code":"PREAUTH_EXPIRED","message":"preauthorization has expired"}}`, string(r.Body()))

	assert.Equal(t, 30, RateLimited(30).RetryAfter)
	assert.Equal(t, 1, RateLimited(0).RetryAfter)
	assert.False(t, InsufficientCredits().Persist)
}
