// Package fxrate supplies the ETH/USD snapshot a hold is priced with. The
// snapshot taken at preauth is stored on the hold and reused at settlement.
package fxrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	SourceStatic = "static"
	SourceRedis  = "redis"
)

var (
	ErrInvalidRate     = errors.New("invalid_fx_rate")
	ErrInvalidSnapshot = errors.New("invalid_fx_snapshot")
)

type Snapshot struct {
	EthUSDCents int64     `json:"ethUsdCents"`
	Source      string    `json:"source"`
	AsOf        time.Time `json:"asOf"`
}

type Provider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

func (s Snapshot) Validate() error {
	if s.EthUSDCents <= 0 {
		return ErrInvalidSnapshot
	}
	return nil
}

func (s Snapshot) Marshal() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

func Unmarshal(raw []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if err := s.Validate(); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

// ParseUSDToCents converts a USD price such as "1800.00" into integral cents.
// Sub-cent precision is rejected rather than rounded.
func ParseUSDToCents(value string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRate, err)
	}
	cents := d.Shift(2)
	if !cents.IsInteger() {
		return 0, fmt.Errorf("%w: more than two decimal places", ErrInvalidRate)
	}
	if !cents.IsPositive() || !cents.BigInt().IsInt64() {
		return 0, ErrInvalidRate
	}
	return cents.IntPart(), nil
}
