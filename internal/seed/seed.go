package seed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	ledgerdomain "github.com/smallbiznis/paymaster/internal/ledger/domain"
	"go.uber.org/zap"
)

var ErrInvalidSeedSpec = errors.New("invalid_seed_accounts")

// ParseAccounts reads a comma separated list of orgId:balanceCents[:dailyCapCents].
func ParseAccounts(raw string) ([]ledgerdomain.EnsureAccountRequest, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var out []ledgerdomain.EnsureAccountRequest
	seen := make(map[string]struct{})
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSeedSpec, entry)
		}

		orgID := strings.TrimSpace(parts[0])
		if orgID == "" {
			return nil, fmt.Errorf("%w: %q has no org id", ErrInvalidSeedSpec, entry)
		}
		if _, dup := seen[orgID]; dup {
			return nil, fmt.Errorf("%w: %q listed twice", ErrInvalidSeedSpec, orgID)
		}
		seen[orgID] = struct{}{}

		balance, err := parseCents(parts[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %q balance: %v", ErrInvalidSeedSpec, entry, err)
		}
		req := ledgerdomain.EnsureAccountRequest{OrgID: orgID, BalanceCents: balance}
		if len(parts) == 3 {
			dailyCap, err := parseCents(parts[2])
			if err != nil {
				return nil, fmt.Errorf("%w: %q daily cap: %v", ErrInvalidSeedSpec, entry, err)
			}
			req.DailyGasCapCents = dailyCap
		}
		out = append(out, req)
	}
	return out, nil
}

func parseCents(raw string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.New("must not be negative")
	}
	return v, nil
}

// EnsureAccounts creates the configured accounts that do not exist yet.
// Existing accounts are never modified.
func EnsureAccounts(ctx context.Context, ledger ledgerdomain.Service, raw string, log *zap.Logger) error {
	if ledger == nil {
		return errors.New("seed ledger service is required")
	}
	accounts, err := ParseAccounts(raw)
	if err != nil {
		return err
	}

	for _, req := range accounts {
		created, err := ledger.EnsureAccount(ctx, req)
		if err != nil {
			return fmt.Errorf("seed account %s: %w", req.OrgID, err)
		}
		if created && log != nil {
			log.Info("seeded credit account",
				zap.String("org_id", req.OrgID),
				zap.Int64("balance_cents", req.BalanceCents),
			)
		}
	}
	return nil
}
