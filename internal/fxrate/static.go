package fxrate

import (
	"context"

	"github.com/smallbiznis/paymaster/internal/clock"
)

// StaticProvider serves a configured price.
type StaticProvider struct {
	cents int64
	clock clock.Clock
}

func NewStaticProvider(ethUSD string, clk clock.Clock) (*StaticProvider, error) {
	cents, err := ParseUSDToCents(ethUSD)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &StaticProvider{cents: cents, clock: clk}, nil
}

func (p *StaticProvider) Snapshot(ctx context.Context) (Snapshot, error) {
	return Snapshot{
		EthUSDCents: p.cents,
		Source:      SourceStatic,
		AsOf:        p.clock.Now(),
	}, nil
}
