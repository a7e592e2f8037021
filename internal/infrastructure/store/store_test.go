package store

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/erp/datasync/internal/domain/shared"
)

// exercise runs the PersistentStore contract against s
func exercise(t *testing.T, s shared.PersistentStore) {
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, shared.ErrKeyNotFound)
	})

	t.Run("set get overwrite", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "cache:users:all", []byte(`{"v":1}`)))
		v, err := s.Get(ctx, "cache:users:all")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":1}`, string(v))

		require.NoError(t, s.Set(ctx, "cache:users:all", []byte(`{"v":2}`)))
		v, err = s.Get(ctx, "cache:users:all")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(v))
	})

	t.Run("keys by prefix", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "cache:wallets:u1", []byte(`1`)))
		require.NoError(t, s.Set(ctx, "cache:wallets:u2", []byte(`2`)))
		require.NoError(t, s.Set(ctx, "outbox:abc", []byte(`3`)))
		require.NoError(t, s.Set(ctx, "CACHE:wallets:u3", []byte(`4`)))

		keys, err := s.Keys(ctx, "cache:wallets:")
		require.NoError(t, err)
		sort.Strings(keys)
		assert.Equal(t, []string{"cache:wallets:u1", "cache:wallets:u2"}, keys)

		none, err := s.Keys(ctx, "missing:")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("compare and swap", func(t *testing.T) {
		cas, ok := s.(shared.CompareAndSwapper)
		require.True(t, ok)

		swapped, err := cas.CompareAndSwap(ctx, "outbox:cas", []byte(`a`), []byte(`b`))
		require.NoError(t, err)
		assert.False(t, swapped, "a missing key never matches")

		require.NoError(t, s.Set(ctx, "outbox:cas", []byte(`{"status":"PENDING"}`)))
		swapped, err = cas.CompareAndSwap(ctx, "outbox:cas", []byte(`{"status":"PENDING"}`), []byte(`{"status":"PROCESSING"}`))
		require.NoError(t, err)
		assert.True(t, swapped)

		// a second claimant still holds the old value
		swapped, err = cas.CompareAndSwap(ctx, "outbox:cas", []byte(`{"status":"PENDING"}`), []byte(`{"status":"PROCESSING"}`))
		require.NoError(t, err)
		assert.False(t, swapped)

		v, err := s.Get(ctx, "outbox:cas")
		require.NoError(t, err)
		assert.Equal(t, `{"status":"PROCESSING"}`, string(v))
		require.NoError(t, s.Delete(ctx, "outbox:cas"))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Delete(ctx, "cache:wallets:u1"))
		_, err := s.Get(ctx, "cache:wallets:u1")
		assert.ErrorIs(t, err, shared.ErrKeyNotFound)
		assert.NoError(t, s.Delete(ctx, "cache:wallets:u1"))
	})
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	exercise(t, s)
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	s := NewMemoryStore()
	buf := []byte("abc")
	require.NoError(t, s.Set(context.Background(), "k", buf))
	buf[0] = 'x'

	v, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(v))
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(SQLiteConfig{Path: ":memory:", LogLevel: "silent"}, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	exercise(t, s)
}

type countingPlugin struct {
	creates int
	fail    error
}

func (p *countingPlugin) Name() string { return "counting" }

func (p *countingPlugin) Initialize(db *gorm.DB) error {
	if p.fail != nil {
		return p.fail
	}
	return db.Callback().Create().After("gorm:create").Register("counting:after_create", func(*gorm.DB) {
		p.creates++
	})
}

func TestSQLiteStore_Plugins(t *testing.T) {
	plugin := &countingPlugin{}
	s, err := NewSQLiteStore(SQLiteConfig{Path: ":memory:", LogLevel: "silent", Plugins: []gorm.Plugin{plugin}}, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "k", []byte("v")))
	assert.Equal(t, 1, plugin.creates)

	_, err = NewSQLiteStore(SQLiteConfig{
		Path:     ":memory:",
		LogLevel: "silent",
		Plugins:  []gorm.Plugin{&countingPlugin{fail: assert.AnError}},
	}, nil)
	require.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "counting")
}

func TestSQLiteStore_SharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")
	cfg := SQLiteConfig{Path: path, LogLevel: "silent"}

	a, err := NewSQLiteStore(cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSQLiteStore(cfg, nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Set(context.Background(), "cache:products:all", []byte(`[]`)))
	v, err := b.Get(context.Background(), "cache:products:all")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(v))
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `cache:\*:`, escapeGlob("cache:*:"))
	assert.Equal(t, "plain", escapeGlob("plain"))
}
