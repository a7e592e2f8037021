package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProduct_InStock(t *testing.T) {
	p := Product{ID: "p1", Name: "Pen", Price: 1500, Stock: 3}

	tests := []struct {
		qty  int
		want bool
	}{
		{1, true},
		{3, true},
		{4, false},
		{0, false},
		{-1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.InStock(tt.qty), "qty=%d", tt.qty)
	}
}
