package entitysync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/datasync/internal/domain/catalog"
	"github.com/erp/datasync/internal/domain/entity"
	"github.com/erp/datasync/internal/domain/shared"
	"github.com/erp/datasync/tests/testutil"
)

func names(t *testing.T, items []json.RawMessage) []string {
	t.Helper()
	out := make([]string, 0, len(items))
	for _, p := range decodeProducts(t, items) {
		out = append(out, p.Name)
	}
	return out
}

func TestApplyMutation(t *testing.T) {
	reg := NewDefaultRegistry()
	current := products(t,
		catalog.Product{ID: "p1", Name: "Pen"},
		catalog.Product{ID: "p2", Name: "Ink"},
	)

	tests := []struct {
		name   string
		action shared.MutationAction
		items  []catalog.Product
		want   []string
	}{
		{
			name:   "bulk update replaces",
			action: shared.ActionBulkUpdate,
			items:  []catalog.Product{{ID: "p9", Name: "Pad"}},
			want:   []string{"Pad"},
		},
		{
			name:   "add appends",
			action: shared.ActionAdd,
			items:  []catalog.Product{{ID: "p3", Name: "Pad"}},
			want:   []string{"Pen", "Ink", "Pad"},
		},
		{
			name:   "add with existing id upserts in place",
			action: shared.ActionAdd,
			items:  []catalog.Product{{ID: "p1", Name: "Fountain pen"}},
			want:   []string{"Fountain pen", "Ink"},
		},
		{
			name:   "update replaces by id",
			action: shared.ActionUpdate,
			items:  []catalog.Product{{ID: "p2", Name: "Blue ink"}},
			want:   []string{"Pen", "Blue ink"},
		},
		{
			name:   "update of unknown id inserts",
			action: shared.ActionUpdate,
			items:  []catalog.Product{{ID: "p4", Name: "Ruler"}},
			want:   []string{"Pen", "Ink", "Ruler"},
		},
		{
			name:   "delete removes by id",
			action: shared.ActionDelete,
			items:  []catalog.Product{{ID: "p1"}},
			want:   []string{"Ink"},
		},
		{
			name:   "delete of unknown id is a no-op",
			action: shared.ActionDelete,
			items:  []catalog.Product{{ID: "p7"}},
			want:   []string{"Pen", "Ink"},
		},
		{
			name:   "duplicate ids keep the last one",
			action: shared.ActionAdd,
			items:  []catalog.Product{{ID: "p5", Name: "Old"}, {ID: "p5", Name: "New"}},
			want:   []string{"Pen", "Ink", "New"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := applyMutation(reg, entity.Products, current, tt.action, products(t, tt.items...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(t, out))
		})
	}

	t.Run("replaying an add is idempotent", func(t *testing.T) {
		items := products(t, catalog.Product{ID: "p3", Name: "Pad"})
		once, err := applyMutation(reg, entity.Products, current, shared.ActionAdd, items)
		require.NoError(t, err)
		twice, err := applyMutation(reg, entity.Products, once, shared.ActionAdd, items)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	})

	t.Run("item without id", func(t *testing.T) {
		_, err := applyMutation(reg, entity.Products, current, shared.ActionAdd, []json.RawMessage{json.RawMessage(`{"name":"x"}`)})
		assert.Error(t, err)
	})

	t.Run("current is not modified", func(t *testing.T) {
		before := append([]json.RawMessage(nil), current...)
		_, err := applyMutation(reg, entity.Products, current, shared.ActionDelete, products(t, catalog.Product{ID: "p1"}))
		require.NoError(t, err)
		assert.Equal(t, before, current)
	})
}

func TestPushRemote_DeleteJoinsErrors(t *testing.T) {
	gw := testutil.NewFakeGateway()
	gw.FailWrites(1)

	err := pushRemote(context.Background(), gw, NewDefaultRegistry(), entity.Products, shared.ActionDelete,
		products(t, catalog.Product{ID: "p1"}, catalog.Product{ID: "p2"}))
	require.Error(t, err)
	assert.True(t, shared.IsRetryable(err))
	assert.Equal(t, 2, gw.CallCount("delete"), "every id is attempted")
}

func TestPushRemote_UnsupportedAction(t *testing.T) {
	err := pushRemote(context.Background(), testutil.NewFakeGateway(), NewDefaultRegistry(), entity.Products, shared.ActionRefresh, nil)
	assert.Error(t, err)
}
