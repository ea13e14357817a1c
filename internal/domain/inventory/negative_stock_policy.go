package inventory

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Decision is the outcome of a negative stock evaluation
type Decision string

const (
	DecisionAllow     Decision = "ALLOW"
	DecisionAllowWarn Decision = "ALLOW_WARN"
	DecisionDeny      Decision = "DENY"
)

// Evaluate decides whether a resulting balance is acceptable under limit.
// The limit itself is inclusive: a balance equal to it is ALLOW_WARN.
func Evaluate(resultingBalance, limit decimal.Decimal) Decision {
	switch {
	case !resultingBalance.IsNegative():
		return DecisionAllow
	case resultingBalance.GreaterThanOrEqual(limit):
		return DecisionAllowWarn
	default:
		return DecisionDeny
	}
}

// NegativeStockPolicy owns the default floor and the per-product overrides.
// One instance is constructed per process and passed to the services that
// evaluate depletions. Overrides are read at evaluation time, so changes take
// effect on the next call.
type NegativeStockPolicy struct {
	mu           sync.RWMutex
	defaultLimit decimal.Decimal
	overrides    map[int64]decimal.Decimal
}

// NewNegativeStockPolicy creates a policy with the given default floor.
func NewNegativeStockPolicy(defaultLimit decimal.Decimal) (*NegativeStockPolicy, error) {
	if err := validateLimit(defaultLimit); err != nil {
		return nil, err
	}
	return &NegativeStockPolicy{
		defaultLimit: defaultLimit,
		overrides:    make(map[int64]decimal.Decimal),
	}, nil
}

func validateLimit(limit decimal.Decimal) error {
	if limit.IsPositive() {
		return NewValidationError("limit", "must be zero or negative")
	}
	return validateScale("limit", limit)
}

// DefaultLimit returns the process-wide floor.
func (p *NegativeStockPolicy) DefaultLimit() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.defaultLimit
}

// SetLimit installs a per-product override.
func (p *NegativeStockPolicy) SetLimit(productID int64, limit decimal.Decimal) error {
	if productID <= 0 {
		return NewValidationError("product_id", "is required")
	}
	if err := validateLimit(limit); err != nil {
		return err
	}
	p.mu.Lock()
	p.overrides[productID] = limit
	p.mu.Unlock()
	return nil
}

// ClearLimit removes a per-product override. Returns false if none was set.
func (p *NegativeStockPolicy) ClearLimit(productID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.overrides[productID]
	delete(p.overrides, productID)
	return ok
}

// EffectiveLimit returns the override for productID, else the default.
func (p *NegativeStockPolicy) EffectiveLimit(productID int64) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if limit, ok := p.overrides[productID]; ok {
		return limit
	}
	return p.defaultLimit
}

// Check evaluates resultingBalance against the product's effective limit and
// returns the limit it decided with. A DENY decision is returned together
// with a NegativeStockDeniedError.
func (p *NegativeStockPolicy) Check(productID int64, resultingBalance, requested decimal.Decimal) (Decision, decimal.Decimal, error) {
	limit := p.EffectiveLimit(productID)
	d := Evaluate(resultingBalance, limit)
	if d == DecisionDeny {
		return d, limit, &NegativeStockDeniedError{
			ProductID:        productID,
			Limit:            limit,
			ResultingBalance: resultingBalance,
			Requested:        requested,
		}
	}
	return d, limit, nil
}
