package wallet

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/datasync/internal/domain/shared"
)

func bankTransfer() DepositMethod {
	return DepositMethod{ID: "bank_transfer", Name: "Bank transfer", MinAmount: 50000, MaxAmount: 50000000, FeeRate: decimal.Zero, Enabled: true}
}

func TestDepositMethod_Fee(t *testing.T) {
	tests := []struct {
		name   string
		method DepositMethod
		amount int64
		want   int64
	}{
		{"zero rate", bankTransfer(), 500000, 0},
		{"percentage", DepositMethod{FeeRate: decimal.RequireFromString("0.01")}, 250000, 2500},
		{"percentage rounds half up", DepositMethod{FeeRate: decimal.RequireFromString("0.025")}, 10020, 251},
		{"fixed plus percentage", DepositMethod{FeeRate: decimal.RequireFromString("0.025"), FixedFee: 1000}, 100000, 3500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.method.Fee(tt.amount))
		})
	}
}

func TestNewDepositOrder(t *testing.T) {
	t.Run("bank transfer without fee", func(t *testing.T) {
		order, err := NewDepositOrder("u1", 500000, bankTransfer())
		require.NoError(t, err)
		assert.Equal(t, int64(0), order.Fee)
		assert.Equal(t, int64(500000), order.ExpectedTotal)
		assert.Equal(t, int64(500000), order.NetAmount())
		assert.Equal(t, DepositStatusCreated, order.Status)
		assert.False(t, order.ConfirmedByUser)
	})

	t.Run("below minimum", func(t *testing.T) {
		_, err := NewDepositOrder("u1", 1000, bankTransfer())
		var de *shared.DomainError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, "AMOUNT_TOO_SMALL", de.Code)
	})

	t.Run("above maximum", func(t *testing.T) {
		_, err := NewDepositOrder("u1", 60000000, bankTransfer())
		var de *shared.DomainError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, "AMOUNT_TOO_LARGE", de.Code)
	})

	t.Run("disabled method", func(t *testing.T) {
		m := bankTransfer()
		m.Enabled = false
		_, err := NewDepositOrder("u1", 500000, m)
		assert.Error(t, err)
	})

	t.Run("fee consuming the amount", func(t *testing.T) {
		m := DepositMethod{ID: "x", Name: "x", MaxAmount: 10000, FixedFee: 5000, Enabled: true}
		_, err := NewDepositOrder("u1", 5000, m)
		assert.Error(t, err)
	})
}

func TestDepositOrder_Lifecycle(t *testing.T) {
	t.Run("confirm then approve", func(t *testing.T) {
		order, err := NewDepositOrder("u1", 500000, bankTransfer())
		require.NoError(t, err)

		changed, err := order.Confirm()
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, DepositStatusPending, order.Status)
		assert.True(t, order.ConfirmedByUser)
		assert.NotNil(t, order.Timestamps.UserConfirmedAt)

		changed, err = order.Approve("admin")
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, DepositStatusCompleted, order.Status)
		assert.Equal(t, "admin", order.ProcessedBy)
		assert.NotNil(t, order.Timestamps.CompletedAt)
	})

	t.Run("confirm twice is a no-op", func(t *testing.T) {
		order, _ := NewDepositOrder("u1", 500000, bankTransfer())
		_, _ = order.Confirm()
		first := *order.Timestamps.UserConfirmedAt

		changed, err := order.Confirm()
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, first, *order.Timestamps.UserConfirmedAt)
	})

	t.Run("approve requires pending", func(t *testing.T) {
		order, _ := NewDepositOrder("u1", 500000, bankTransfer())
		_, err := order.Approve("admin")
		assert.True(t, errors.Is(err, shared.ErrStateViolation))
		assert.Equal(t, DepositStatusCreated, order.Status)
	})

	t.Run("approve after approve is a no-op", func(t *testing.T) {
		order, _ := NewDepositOrder("u1", 500000, bankTransfer())
		_, _ = order.Confirm()
		_, _ = order.Approve("admin")
		changed, err := order.Approve("other")
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, "admin", order.ProcessedBy)
	})

	t.Run("reject then approve is refused", func(t *testing.T) {
		order, _ := NewDepositOrder("u1", 500000, bankTransfer())
		_, _ = order.Confirm()
		changed, err := order.Reject("admin", "no payment received")
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, "no payment received", order.RejectReason)

		_, err = order.Approve("admin")
		assert.True(t, errors.Is(err, shared.ErrStateViolation))
		assert.Equal(t, DepositStatusRejected, order.Status)
	})

	t.Run("confirm rejected is refused", func(t *testing.T) {
		order, _ := NewDepositOrder("u1", 500000, bankTransfer())
		_, _ = order.Confirm()
		_, _ = order.Reject("admin", "")
		_, err := order.Confirm()
		assert.True(t, errors.Is(err, shared.ErrStateViolation))
	})
}
