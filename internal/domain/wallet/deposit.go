package wallet

import (
	"time"

	"github.com/google/uuid"

	"github.com/erp/datasync/internal/domain/shared"
)

// DepositStatus represents the state of a deposit order
type DepositStatus string

const (
	DepositStatusCreated   DepositStatus = "created"
	DepositStatusPending   DepositStatus = "pending"
	DepositStatusCompleted DepositStatus = "completed"
	DepositStatusRejected  DepositStatus = "rejected"
)

// IsTerminal returns true for completed and rejected
func (s DepositStatus) IsTerminal() bool {
	return s == DepositStatusCompleted || s == DepositStatusRejected
}

// DepositTimestamps records when each transition happened
type DepositTimestamps struct {
	CreatedAt       time.Time  `json:"createdAt"`
	UserConfirmedAt *time.Time `json:"userConfirmedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	RejectedAt      *time.Time `json:"rejectedAt,omitempty"`
}

// DepositOrder is a user's request to add funds, subject to administrator
// approval before the balance is affected.
//
//	created --(user confirms)--> pending --(admin approves)--> completed
//	                                \--(admin rejects)--> rejected
type DepositOrder struct {
	OrderID         string            `json:"orderId" validate:"required"`
	UserID          string            `json:"userId" validate:"required"`
	Amount          int64             `json:"amount" validate:"gt=0"`
	MethodID        string            `json:"methodId" validate:"required"`
	Fee             int64             `json:"fee" validate:"gte=0,ltfield=Amount"`
	ExpectedTotal   int64             `json:"expectedTotal" validate:"gt=0"`
	Status          DepositStatus     `json:"status" validate:"required,oneof=created pending completed rejected"`
	ConfirmedByUser bool              `json:"confirmedByUser"`
	Timestamps      DepositTimestamps `json:"timestamps"`
	ProcessedBy     string            `json:"processedBy,omitempty"`
	RejectReason    string            `json:"rejectReason,omitempty"`
}

// NewDepositOrder validates amount against method and creates an order in
// the created state. No transaction exists yet.
func NewDepositOrder(userID string, amount int64, method DepositMethod) (*DepositOrder, error) {
	if userID == "" {
		return nil, shared.NewDomainError("INVALID_USER", "User ID cannot be empty")
	}
	if err := method.CheckAmount(amount); err != nil {
		return nil, err
	}
	fee := method.Fee(amount)
	if fee >= amount {
		return nil, shared.NewDomainError("FEE_EXCEEDS_AMOUNT", "Deposit fee would consume the whole amount")
	}

	return &DepositOrder{
		OrderID:       "DEP-" + uuid.NewString(),
		UserID:        userID,
		Amount:        amount,
		MethodID:      method.ID,
		Fee:           fee,
		ExpectedTotal: amount,
		Status:        DepositStatusCreated,
		Timestamps:    DepositTimestamps{CreatedAt: time.Now()},
	}, nil
}

// NetAmount is what the wallet is credited on approval
func (d *DepositOrder) NetAmount() int64 {
	return d.Amount - d.Fee
}

// Confirm records the user's assertion that payment was sent.
// Returns false without error when the order is already past created.
func (d *DepositOrder) Confirm() (bool, error) {
	switch d.Status {
	case DepositStatusCreated:
		now := time.Now()
		d.Status = DepositStatusPending
		d.ConfirmedByUser = true
		d.Timestamps.UserConfirmedAt = &now
		return true, nil
	case DepositStatusPending, DepositStatusCompleted:
		return false, nil
	}
	return false, d.violation(DepositStatusPending)
}

// Approve completes a pending order. Approving a completed order is a no-op.
func (d *DepositOrder) Approve(adminID string) (bool, error) {
	switch d.Status {
	case DepositStatusPending:
		now := time.Now()
		d.Status = DepositStatusCompleted
		d.Timestamps.CompletedAt = &now
		d.ProcessedBy = adminID
		return true, nil
	case DepositStatusCompleted:
		return false, nil
	}
	return false, d.violation(DepositStatusCompleted)
}

// Reject refuses a pending order. Rejecting a rejected order is a no-op.
func (d *DepositOrder) Reject(adminID, reason string) (bool, error) {
	switch d.Status {
	case DepositStatusPending:
		now := time.Now()
		d.Status = DepositStatusRejected
		d.Timestamps.RejectedAt = &now
		d.ProcessedBy = adminID
		d.RejectReason = reason
		return true, nil
	case DepositStatusRejected:
		return false, nil
	}
	return false, d.violation(DepositStatusRejected)
}

// PendingTransaction is the history entry created on confirmation
func (d *DepositOrder) PendingTransaction() Transaction {
	date := d.Timestamps.CreatedAt
	if d.Timestamps.UserConfirmedAt != nil {
		date = *d.Timestamps.UserConfirmedAt
	}
	return Transaction{
		ID:            depositTransactionID(d.OrderID),
		Type:          TransactionTypeDeposit,
		Amount:        d.Amount,
		Description:   "Deposit " + d.OrderID,
		OrderID:       d.OrderID,
		Date:          date,
		Status:        TransactionStatusPending,
		PaymentMethod: d.MethodID,
	}
}

func (d *DepositOrder) violation(to DepositStatus) error {
	return &shared.StateViolation{Entity: "deposit " + d.OrderID, From: string(d.Status), To: string(to)}
}
