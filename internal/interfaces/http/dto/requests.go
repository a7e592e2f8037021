package dto

// WalletChangeRequest is the body of deduct and refund calls
type WalletChangeRequest struct {
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Description string `json:"description" binding:"max=200"`
	OrderID     string `json:"orderId" binding:"max=64"`
}

// WalletChangeResponse reports a deduction or refund
type WalletChangeResponse struct {
	Applied bool  `json:"applied"`
	Balance int64 `json:"balance"`
	Wallet  any   `json:"wallet"`
}

// CreateDepositRequest opens a deposit order
type CreateDepositRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Amount   int64  `json:"amount" binding:"required,gt=0"`
	MethodID string `json:"methodId" binding:"required"`
}

// ConfirmDepositRequest is sent by the depositing user
type ConfirmDepositRequest struct {
	UserID string `json:"userId"`
}

// ReviewDepositRequest is sent by the approving or rejecting admin
type ReviewDepositRequest struct {
	AdminID string `json:"adminId" binding:"required"`
	Reason  string `json:"reason" binding:"max=500"`
}

// PointsPreviewRequest binds the points preview query
type PointsPreviewRequest struct {
	Total int64 `form:"total" binding:"gte=0"`
	Items int   `form:"items" binding:"gte=0"`
}

// PointsPreviewResponse is what an order would earn
type PointsPreviewResponse struct {
	Points      int64 `json:"points"`
	VolumeBonus int64 `json:"volumeBonus"`
}

// RankingResponse is a user's standing plus the next tier
type RankingResponse struct {
	Record        any    `json:"record"`
	NextRank      string `json:"nextRank,omitempty"`
	NextMinSpent  int64  `json:"nextMinSpent,omitempty"`
	NextMinOrders int    `json:"nextMinOrders,omitempty"`
}

// OrderItemRequest is one line of a new order
type OrderItemRequest struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,gt=0"`
	Price     int64  `json:"price" binding:"gte=0"`
}

// CreateOrderRequest places an order
type CreateOrderRequest struct {
	UserID string             `json:"userId" binding:"required"`
	Items  []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
}

// OutboxStatsResponse summarizes pending remote writes
type OutboxStatsResponse struct {
	Counts map[string]int64 `json:"counts"`
	Dead   int              `json:"dead"`
}
