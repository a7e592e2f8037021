package catalog

// Product is the mirrored catalog item. Price is in minor currency units.
type Product struct {
	ID       string `json:"id" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Price    int64  `json:"price" validate:"gte=0"`
	Stock    int    `json:"stock" validate:"gte=0"`
	Category string `json:"category,omitempty"`
}

// InStock reports whether at least qty units are available
func (p Product) InStock(qty int) bool {
	return qty > 0 && p.Stock >= qty
}

// Favorite links a user to a product they bookmarked
type Favorite struct {
	ID        string `json:"id" validate:"required"`
	UserID    string `json:"userId" validate:"required"`
	ProductID string `json:"productId" validate:"required"`
}
