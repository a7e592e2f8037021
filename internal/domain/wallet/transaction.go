package wallet

import (
	"time"

	"github.com/google/uuid"

	"github.com/erp/datasync/internal/domain/shared"
)

// TransactionType represents the kind of wallet movement
type TransactionType string

const (
	TransactionTypeDeposit  TransactionType = "deposit"
	TransactionTypePurchase TransactionType = "purchase"
	TransactionTypeRefund   TransactionType = "refund"
	TransactionTypeBonus    TransactionType = "bonus"
)

// IsValid returns true if the transaction type is valid
func (t TransactionType) IsValid() bool {
	switch t {
	case TransactionTypeDeposit, TransactionTypePurchase, TransactionTypeRefund, TransactionTypeBonus:
		return true
	}
	return false
}

// TransactionStatus represents the settlement state of a transaction
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// Transaction is one entry of a wallet's history. Amount is signed: purchases
// are negative. A completed transaction is immutable.
type Transaction struct {
	ID            string            `json:"id" validate:"required"`
	Type          TransactionType   `json:"type" validate:"required,oneof=deposit purchase refund bonus"`
	Amount        int64             `json:"amount"`
	Description   string            `json:"description"`
	OrderID       string            `json:"orderId,omitempty"`
	Date          time.Time         `json:"date"`
	Status        TransactionStatus `json:"status" validate:"required,oneof=pending completed failed"`
	PaymentMethod string            `json:"paymentMethod,omitempty"`
}

func newCompletedTransaction(txType TransactionType, amount int64, description, orderID string) Transaction {
	return Transaction{
		ID:          orderTransactionID(txType, orderID),
		Type:        txType,
		Amount:      amount,
		Description: description,
		OrderID:     orderID,
		Date:        time.Now(),
		Status:      TransactionStatusCompleted,
	}
}

// orderTransactionID derives the id of an order's purchase or refund from the
// order id, so charging or refunding the same order twice is detectable.
// Transactions without an order get a random id.
func orderTransactionID(txType TransactionType, orderID string) string {
	if orderID == "" {
		return "TXN-" + uuid.NewString()
	}
	switch txType {
	case TransactionTypePurchase:
		return "TXN-PUR-" + orderID
	case TransactionTypeRefund:
		return "TXN-REF-" + orderID
	default:
		return "TXN-" + uuid.NewString()
	}
}

// depositTransactionID derives the history id of a deposit from its order id
// so that every tab computes the same id for the same deposit
func depositTransactionID(orderID string) string {
	return "TXN-DEP-" + orderID
}

// IsPending reports whether the transaction still awaits settlement
func (t *Transaction) IsPending() bool {
	return t.Status == TransactionStatusPending
}

// settle performs the single permitted pending->completed transition
func (t *Transaction) settle(amount int64) error {
	if t.Status != TransactionStatusPending {
		return &shared.StateViolation{Entity: "transaction " + t.ID, From: string(t.Status), To: string(TransactionStatusCompleted)}
	}
	t.Status = TransactionStatusCompleted
	t.Amount = amount
	t.Date = time.Now()
	return nil
}

// fail performs the single permitted pending->failed transition
func (t *Transaction) fail() error {
	if t.Status != TransactionStatusPending {
		return &shared.StateViolation{Entity: "transaction " + t.ID, From: string(t.Status), To: string(TransactionStatusFailed)}
	}
	t.Status = TransactionStatusFailed
	return nil
}
