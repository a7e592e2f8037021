package trade

import "time"

// OrderEvent is the payload of order-created and order-completed
type OrderEvent struct {
	OrderID   string      `json:"orderId"`
	UserID    string      `json:"userId"`
	Total     int64       `json:"total"`
	ItemCount int         `json:"itemCount"`
	Status    OrderStatus `json:"status"`
	Timestamp int64       `json:"timestamp"`
}

// NewOrderEvent snapshots the order for the bus
func NewOrderEvent(o *Order) OrderEvent {
	return OrderEvent{
		OrderID:   o.ID,
		UserID:    o.UserID,
		Total:     o.Total,
		ItemCount: o.ItemCount(),
		Status:    o.Status,
		Timestamp: time.Now().UnixMilli(),
	}
}
