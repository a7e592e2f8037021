package wallet

import (
	"time"

	"github.com/erp/datasync/internal/domain/shared"
)

// Wallet is a user's balance and history. Balance is a non-negative amount in
// minor units and changes only through a completed transaction.
type Wallet struct {
	UserID       string        `json:"userId" validate:"required"`
	Balance      int64         `json:"balance" validate:"gte=0"`
	Transactions []Transaction `json:"transactions" validate:"dive"`
	LastModified time.Time     `json:"lastModified"`
}

// NewWallet returns an empty wallet
func NewWallet(userID string) *Wallet {
	return &Wallet{
		UserID:       userID,
		Transactions: make([]Transaction, 0),
		LastModified: time.Now(),
	}
}

// Deduct appends a purchase and decrements the balance together. Returns
// false, leaving the wallet untouched, when amount exceeds the balance. An
// order already charged is reported as charged without a second deduction.
func (w *Wallet) Deduct(amount int64, description, orderID string) (bool, error) {
	if amount <= 0 {
		return false, shared.NewDomainError("INVALID_AMOUNT", "Amount must be positive")
	}
	if w.Charged(orderID) {
		return true, nil
	}
	if amount > w.Balance {
		return false, nil
	}
	w.apply(newCompletedTransaction(TransactionTypePurchase, -amount, description, orderID))
	return true, nil
}

// Refund appends a refund and increments the balance. An order is refunded
// at most once.
func (w *Wallet) Refund(amount int64, description, orderID string) error {
	if amount <= 0 {
		return shared.NewDomainError("INVALID_AMOUNT", "Amount must be positive")
	}
	if w.Refunded(orderID) {
		return nil
	}
	w.apply(newCompletedTransaction(TransactionTypeRefund, amount, description, orderID))
	return nil
}

// GrantBonus appends a bonus and increments the balance
func (w *Wallet) GrantBonus(amount int64, description string) error {
	if amount <= 0 {
		return shared.NewDomainError("INVALID_AMOUNT", "Amount must be positive")
	}
	w.apply(newCompletedTransaction(TransactionTypeBonus, amount, description, ""))
	return nil
}

// AddPendingDeposit records the pending history entry for a confirmed deposit.
// It returns false when the entry is already present.
func (w *Wallet) AddPendingDeposit(order *DepositOrder) bool {
	if w.FindTransaction(depositTransactionID(order.OrderID)) != nil {
		return false
	}
	w.Transactions = append(w.Transactions, order.PendingTransaction())
	w.LastModified = time.Now()
	return true
}

// CompleteDeposit settles the deposit's transaction at the net amount and
// credits the balance. It returns false when the transaction was already
// completed, so a retried approval never credits twice.
func (w *Wallet) CompleteDeposit(order *DepositOrder) (bool, error) {
	tx := w.FindTransaction(depositTransactionID(order.OrderID))
	if tx == nil {
		// confirmation never reached this wallet; recreate the entry
		w.Transactions = append(w.Transactions, order.PendingTransaction())
		tx = &w.Transactions[len(w.Transactions)-1]
	}
	if tx.Status == TransactionStatusCompleted {
		return false, nil
	}
	net := order.NetAmount()
	if err := tx.settle(net); err != nil {
		return false, err
	}
	w.Balance += net
	w.LastModified = time.Now()
	return true, nil
}

// FailDeposit marks the deposit's transaction failed. Balance is untouched.
func (w *Wallet) FailDeposit(order *DepositOrder) (bool, error) {
	tx := w.FindTransaction(depositTransactionID(order.OrderID))
	if tx == nil || tx.Status == TransactionStatusFailed {
		return false, nil
	}
	if err := tx.fail(); err != nil {
		return false, err
	}
	w.LastModified = time.Now()
	return true, nil
}

// Charged reports whether the history already holds the order's purchase
func (w *Wallet) Charged(orderID string) bool {
	return orderID != "" && w.FindTransaction(orderTransactionID(TransactionTypePurchase, orderID)) != nil
}

// Refunded reports whether the history already holds the order's refund
func (w *Wallet) Refunded(orderID string) bool {
	return orderID != "" && w.FindTransaction(orderTransactionID(TransactionTypeRefund, orderID)) != nil
}

// FindTransaction returns a pointer into the history, or nil
func (w *Wallet) FindTransaction(id string) *Transaction {
	for i := range w.Transactions {
		if w.Transactions[i].ID == id {
			return &w.Transactions[i]
		}
	}
	return nil
}

// PendingDeposits returns deposit transactions still awaiting approval
func (w *Wallet) PendingDeposits() []Transaction {
	var out []Transaction
	for _, tx := range w.Transactions {
		if tx.Type == TransactionTypeDeposit && tx.IsPending() {
			out = append(out, tx)
		}
	}
	return out
}

func (w *Wallet) apply(tx Transaction) {
	w.Transactions = append(w.Transactions, tx)
	w.Balance += tx.Amount
	w.LastModified = time.Now()
}
