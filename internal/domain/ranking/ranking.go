// Package ranking derives loyalty points and rank from completed orders.
// Records are always recomputed from the full order set, never incremented.
package ranking

import (
	"time"

	"github.com/erp/datasync/internal/domain/trade"
)

// Rank is a loyalty tier
type Rank string

const (
	RankBronze   Rank = "bronze"
	RankSilver   Rank = "silver"
	RankGold     Rank = "gold"
	RankPlatinum Rank = "platinum"
	RankDiamond  Rank = "diamond"
)

// threshold requires both spend and order count to be met
type threshold struct {
	rank      Rank
	minSpent  int64
	minOrders int
}

// highest first; first match wins
var thresholds = []threshold{
	{RankDiamond, 15000000, 50},
	{RankPlatinum, 5000000, 20},
	{RankGold, 1500000, 8},
	{RankSilver, 500000, 3},
}

const pointsPerSpendUnit = 2000

// Record is a user's loyalty standing
type Record struct {
	UserID      string    `json:"userId" validate:"required"`
	Points      int64     `json:"points" validate:"gte=0"`
	TotalSpent  int64     `json:"totalSpent" validate:"gte=0"`
	TotalOrders int       `json:"totalOrders" validate:"gte=0"`
	Rank        Rank      `json:"rank" validate:"required,oneof=bronze silver gold platinum diamond"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// VolumeBonus rewards large single orders
func VolumeBonus(orderTotal int64) int64 {
	switch {
	case orderTotal >= 1000000:
		return 100
	case orderTotal >= 500000:
		return 50
	case orderTotal >= 200000:
		return 20
	}
	return 0
}

// CalculatePoints returns the points earned for one order
func CalculatePoints(orderTotal int64, itemCount int) int64 {
	if orderTotal < 0 {
		orderTotal = 0
	}
	return orderTotal/pointsPerSpendUnit + int64(itemCount)*10 + VolumeBonus(orderTotal)
}

// DetermineRank maps cumulative totals to a tier
func DetermineRank(totalSpent int64, totalOrders int) Rank {
	for _, t := range thresholds {
		if totalSpent >= t.minSpent && totalOrders >= t.minOrders {
			return t.rank
		}
	}
	return RankBronze
}

// Recompute builds a user's record from scratch. Orders that are not
// completed or belong to another user are ignored, so the result depends
// only on the set of completed orders.
func Recompute(userID string, orders []trade.Order, now time.Time) Record {
	rec := Record{UserID: userID, LastUpdated: now}
	seen := make(map[string]struct{}, len(orders))
	for i := range orders {
		o := &orders[i]
		if o.UserID != userID || !o.IsCompleted() {
			continue
		}
		if _, dup := seen[o.ID]; dup {
			continue
		}
		seen[o.ID] = struct{}{}
		rec.TotalSpent += o.Total
		rec.TotalOrders++
		rec.Points += CalculatePoints(o.Total, o.ItemCount())
	}
	rec.Rank = DetermineRank(rec.TotalSpent, rec.TotalOrders)
	return rec
}

// NextRank returns the tier above r and its requirements. ok is false at the top.
func NextRank(r Rank) (next Rank, minSpent int64, minOrders int, ok bool) {
	for i := len(thresholds) - 1; i >= 0; i-- {
		if thresholds[i].rank == r {
			if i == 0 {
				return "", 0, 0, false
			}
			t := thresholds[i-1]
			return t.rank, t.minSpent, t.minOrders, true
		}
	}
	if r == RankBronze {
		t := thresholds[len(thresholds)-1]
		return t.rank, t.minSpent, t.minOrders, true
	}
	return "", 0, 0, false
}
