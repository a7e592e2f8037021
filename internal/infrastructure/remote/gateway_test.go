package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/datasync/internal/domain/shared"
)

func newGateway(t *testing.T, handler http.HandlerFunc, mutate ...func(*Config)) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig(srv.URL)
	cfg.RetryDelay = time.Millisecond
	cfg.Timeout = time.Second
	for _, m := range mutate {
		m(&cfg)
	}
	return New(cfg)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestGateway_Fetch(t *testing.T) {
	t.Run("array data", func(t *testing.T) {
		g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "products", r.URL.Query().Get("type"))
			assert.Equal(t, "all", r.URL.Query().Get("scope"))
			writeJSON(w, http.StatusOK, `{"success":true,"data":[{"id":"p1"},{"id":"p2"}]}`)
		})

		items, err := g.Fetch(context.Background(), "products", "all")
		require.NoError(t, err)
		assert.Len(t, items, 2)
		assert.JSONEq(t, `{"id":"p1"}`, string(items[0]))
	})

	t.Run("single object is wrapped", func(t *testing.T) {
		g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"success":true,"data":{"userId":"u1","balance":10}}`)
		})

		items, err := g.Fetch(context.Background(), "wallets", "u1")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.JSONEq(t, `{"userId":"u1","balance":10}`, string(items[0]))
	})

	t.Run("null data is empty", func(t *testing.T) {
		g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"success":true,"data":null}`)
		})

		items, err := g.Fetch(context.Background(), "orders", "u1")
		require.NoError(t, err)
		assert.NotNil(t, items)
		assert.Empty(t, items)
	})

	t.Run("retries network failures twice then gives up", func(t *testing.T) {
		var calls atomic.Int32
		g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, "<html>bad gateway</html>")
		})

		items, err := g.Fetch(context.Background(), "products", "all")
		require.Error(t, err)
		assert.True(t, errors.Is(err, shared.ErrNetwork))
		assert.NotNil(t, items)
		assert.Empty(t, items)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("recovers on a later attempt", func(t *testing.T) {
		var calls atomic.Int32
		g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			writeJSON(w, http.StatusOK, `{"success":true,"data":[{"id":"p1"}]}`)
		})

		items, err := g.Fetch(context.Background(), "products", "all")
		require.NoError(t, err)
		assert.Len(t, items, 1)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("api error is not retried", func(t *testing.T) {
		var calls atomic.Int32
		g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeJSON(w, http.StatusOK, `{"success":false,"error":"unknown type"}`)
		})

		_, err := g.Fetch(context.Background(), "bogus", "all")
		var apiErr *shared.APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "unknown type", apiErr.Message)
		assert.False(t, shared.IsRetryable(err))
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("malformed json is a serialization error", func(t *testing.T) {
		g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"success":true,"data":[`)
		})

		_, err := g.Fetch(context.Background(), "products", "all")
		assert.True(t, errors.Is(err, shared.ErrSerialization))
	})

	t.Run("timeout is a network error", func(t *testing.T) {
		var calls atomic.Int32
		g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}, func(c *Config) {
			c.Timeout = 20 * time.Millisecond
			c.FetchRetries = 1
		})

		_, err := g.Fetch(context.Background(), "products", "all")
		assert.True(t, errors.Is(err, shared.ErrNetwork))
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		cfg := DefaultConfig(url)
		cfg.RetryDelay = time.Millisecond
		items, err := New(cfg).Fetch(context.Background(), "products", "all")
		assert.True(t, shared.IsRetryable(err))
		assert.Empty(t, items)
	})
}

func TestGateway_Writes(t *testing.T) {
	t.Run("bulk update posts items", func(t *testing.T) {
		g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			var body writeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "products", body.Type)
			assert.Equal(t, "bulk_update", body.Action)
			assert.Len(t, body.Items, 2)
			writeJSON(w, http.StatusOK, `{"success":true}`)
		})

		err := g.Save(context.Background(), "products",
			[]json.RawMessage{json.RawMessage(`{"id":"a"}`), json.RawMessage(`{"id":"b"}`)},
			shared.SaveModeBulkUpdate)
		assert.NoError(t, err)
	})

	t.Run("add posts a single item", func(t *testing.T) {
		g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
			var body writeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "add", body.Action)
			assert.JSONEq(t, `{"id":"a"}`, string(body.Item))
			assert.Empty(t, body.Items)
			writeJSON(w, http.StatusOK, `{"success":true}`)
		})

		assert.NoError(t, g.Save(context.Background(), "favorites", []json.RawMessage{json.RawMessage(`{"id":"a"}`)}, shared.SaveModeAdd))
	})

	t.Run("writes are not retried", func(t *testing.T) {
		var calls atomic.Int32
		g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		})

		err := g.Save(context.Background(), "products", nil, shared.SaveModeBulkUpdate)
		assert.True(t, shared.IsRetryable(err))
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("update and delete", func(t *testing.T) {
		var methods []string
		g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
			methods = append(methods, r.Method)
			if r.Method == http.MethodDelete {
				assert.Equal(t, "o1", r.URL.Query().Get("id"))
			}
			writeJSON(w, http.StatusOK, `{"success":true}`)
		}, func(c *Config) { c.Token = "secret" })

		require.NoError(t, g.UpdateOne(context.Background(), "orders", "o1", json.RawMessage(`{"status":"paid"}`)))
		require.NoError(t, g.DeleteOne(context.Background(), "orders", "o1"))
		assert.Equal(t, []string{http.MethodPut, http.MethodDelete}, methods)
	})

	t.Run("api error status", func(t *testing.T) {
		g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusUnprocessableEntity, `{"success":false,"error":"invalid item"}`)
		})

		err := g.DeleteOne(context.Background(), "orders", "o1")
		var apiErr *shared.APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	})
}

func TestDecodeData(t *testing.T) {
	_, err := decodeData("x", json.RawMessage(`42`))
	assert.True(t, errors.Is(err, shared.ErrSerialization))

	items, err := decodeData("x", nil)
	require.NoError(t, err)
	assert.Empty(t, items)
}
