package wallet

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/erp/datasync/internal/domain/shared"
)

// DepositMethod is a payment channel a user can top up through. Amounts are
// in minor currency units; FeeRate is a fraction of the requested amount.
type DepositMethod struct {
	ID        string          `json:"id" validate:"required"`
	Name      string          `json:"name" validate:"required"`
	MinAmount int64           `json:"minAmount" validate:"gte=0"`
	MaxAmount int64           `json:"maxAmount" validate:"gtefield=MinAmount"`
	FeeRate   decimal.Decimal `json:"feeRate"`
	FixedFee  int64           `json:"fixedFee" validate:"gte=0"`
	Enabled   bool            `json:"enabled"`
}

// Fee returns round(amount × FeeRate) + FixedFee
func (m DepositMethod) Fee(amount int64) int64 {
	variable := decimal.NewFromInt(amount).Mul(m.FeeRate).Round(0).IntPart()
	return variable + m.FixedFee
}

// CheckAmount validates amount against the method's bounds
func (m DepositMethod) CheckAmount(amount int64) error {
	if !m.Enabled {
		return shared.NewDomainError("METHOD_DISABLED", fmt.Sprintf("Deposit method %s is disabled", m.ID))
	}
	if amount < m.MinAmount {
		return shared.NewDomainError("AMOUNT_TOO_SMALL", fmt.Sprintf("Minimum deposit for %s is %d", m.Name, m.MinAmount))
	}
	if amount > m.MaxAmount {
		return shared.NewDomainError("AMOUNT_TOO_LARGE", fmt.Sprintf("Maximum deposit for %s is %d", m.Name, m.MaxAmount))
	}
	return nil
}

// DefaultDepositMethods seeds the method catalog when the remote has none
func DefaultDepositMethods() []DepositMethod {
	return []DepositMethod{
		{ID: "bank_transfer", Name: "Bank transfer", MinAmount: 50000, MaxAmount: 50000000, FeeRate: decimal.Zero, Enabled: true},
		{ID: "e_wallet", Name: "E-wallet", MinAmount: 10000, MaxAmount: 10000000, FeeRate: decimal.RequireFromString("0.01"), Enabled: true},
		{ID: "card", Name: "Card", MinAmount: 20000, MaxAmount: 20000000, FeeRate: decimal.RequireFromString("0.025"), FixedFee: 1000, Enabled: true},
	}
}
