package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"
)

var (
	ErrInvalidWei     = errors.New("invalid_wei_amount")
	ErrAmountOverflow = errors.New("amount_overflow")
)

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Wei is a non-negative 256-bit amount. It decodes from a JSON string or
// number holding a decimal or 0x-prefixed hex integer.
type Wei struct {
	value *big.Int
}

func NewWei(v *big.Int) Wei {
	if v == nil {
		return Wei{}
	}
	return Wei{value: new(big.Int).Set(v)}
}

// ParseWei parses a decimal or 0x hex integer of at most 256 bits.
func ParseWei(raw string) (Wei, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Wei{}, ErrInvalidWei
	}
	v, ok := math.ParseBig256(raw)
	if !ok || v.Sign() < 0 {
		return Wei{}, ErrInvalidWei
	}
	return Wei{value: v}, nil
}

func MustParseWei(raw string) Wei {
	w, err := ParseWei(raw)
	if err != nil {
		panic(err)
	}
	return w
}

func (w Wei) IsSet() bool { return w.value != nil }

// Int returns a copy of the amount, or nil when unset.
func (w Wei) Int() *big.Int {
	if w.value == nil {
		return nil
	}
	return new(big.Int).Set(w.value)
}

func (w Wei) IsPositive() bool { return w.value != nil && w.value.Sign() > 0 }

// String is the canonical decimal form used in signatures. Unset is "".
func (w Wei) String() string {
	if w.value == nil {
		return ""
	}
	return w.value.String()
}

func (w *Wei) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*w = Wei{}
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		unquoted, err := strconv.Unquote(raw)
		if err != nil {
			return ErrInvalidWei
		}
		raw = unquoted
	}
	parsed, err := ParseWei(raw)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

func (w Wei) MarshalJSON() ([]byte, error) {
	if w.value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(w.value.String())
}

// GasCostCents prices gas * pricePerGas wei at ethUSDCents per ether,
// rounding down to whole cents.
func GasCostCents(gas, pricePerGas Wei, ethUSDCents int64) (int64, error) {
	if !gas.IsSet() || !pricePerGas.IsSet() || ethUSDCents <= 0 {
		return 0, ErrInvalidWei
	}
	cost := new(big.Int).Mul(gas.value, pricePerGas.value)
	cost.Mul(cost, big.NewInt(ethUSDCents))
	cost.Quo(cost, weiPerEther)
	if !cost.IsInt64() {
		return 0, ErrAmountOverflow
	}
	return cost.Int64(), nil
}
