package trade

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/erp/datasync/internal/domain/shared"
)

// OrderStatus represents the lifecycle of a shop order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// String returns the string representation of OrderStatus
func (s OrderStatus) String() string {
	return string(s)
}

// CanTransitionTo checks if the status can transition to the target status
func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return target == OrderStatusPaid || target == OrderStatusCancelled
	case OrderStatusPaid:
		return target == OrderStatusShipped || target == OrderStatusCompleted || target == OrderStatusCancelled
	case OrderStatusShipped:
		return target == OrderStatusCompleted
	case OrderStatusCompleted, OrderStatusCancelled:
		return false
	}
	return false
}

// OrderItem is a line of an order. Price is per unit in minor units.
type OrderItem struct {
	ProductID string `json:"productId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
	Price     int64  `json:"price" validate:"gte=0"`
}

// Order is the mirrored shop order
type Order struct {
	ID          string      `json:"id" validate:"required"`
	UserID      string      `json:"userId" validate:"required"`
	Items       []OrderItem `json:"items" validate:"dive"`
	Total       int64       `json:"total" validate:"gte=0"`
	Status      OrderStatus `json:"status" validate:"required,oneof=pending paid shipped completed cancelled"`
	CreatedAt   time.Time   `json:"createdAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// NewOrder creates a pending order and computes its total from the items
func NewOrder(userID string, items []OrderItem) (*Order, error) {
	if userID == "" {
		return nil, shared.NewDomainError("INVALID_USER", "User ID cannot be empty")
	}
	if len(items) == 0 {
		return nil, shared.NewDomainError("NO_ITEMS", "Order must contain at least one item")
	}
	var total int64
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, shared.NewDomainError("INVALID_QUANTITY", "Item quantity must be positive")
		}
		if it.Price < 0 {
			return nil, shared.NewDomainError("INVALID_PRICE", "Item price cannot be negative")
		}
		total += it.Price * int64(it.Quantity)
	}
	return &Order{
		ID:        "ORD-" + uuid.NewString(),
		UserID:    userID,
		Items:     items,
		Total:     total,
		Status:    OrderStatusPending,
		CreatedAt: time.Now(),
	}, nil
}

// ItemCount returns the number of units across all lines
func (o *Order) ItemCount() int {
	n := 0
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}

// IsCompleted reports whether the order counts toward loyalty totals
func (o *Order) IsCompleted() bool {
	return o.Status == OrderStatusCompleted
}

// MarkPaid moves a pending order to paid
func (o *Order) MarkPaid() error {
	return o.transition(OrderStatusPaid)
}

// Ship moves a paid order to shipped
func (o *Order) Ship() error {
	return o.transition(OrderStatusShipped)
}

// Complete marks the order as completed
func (o *Order) Complete() error {
	if err := o.transition(OrderStatusCompleted); err != nil {
		return err
	}
	now := time.Now()
	o.CompletedAt = &now
	return nil
}

// Cancel cancels the order
func (o *Order) Cancel() error {
	return o.transition(OrderStatusCancelled)
}

func (o *Order) transition(target OrderStatus) error {
	if !o.Status.CanTransitionTo(target) {
		return shared.NewDomainError("INVALID_STATE", fmt.Sprintf("Cannot move order from %s to %s", o.Status, target))
	}
	o.Status = target
	return nil
}
