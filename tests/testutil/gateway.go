package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/erp/datasync/internal/domain/shared"
)

// GatewayCall records one call made to a FakeGateway.
type GatewayCall struct {
	Op         string
	EntityType string
	Scope      string
	ID         string
	Mode       shared.SaveMode
	Items      []json.RawMessage
}

// ErrOffline is the default failure injected into a FakeGateway.
var ErrOffline = &shared.NetworkError{Op: "fake", Err: errors.New("offline")}

// FakeGateway is an in-memory RemoteGateway. Collections are kept per
// entity type and scope; writes only record calls and never change the
// stored collections.
type FakeGateway struct {
	mu            sync.Mutex
	collections   map[string][]json.RawMessage
	calls         []GatewayCall
	fetchFailures int
	writeFailures int
	offline       bool
	err           error
}

// NewFakeGateway creates an empty gateway that answers every call.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		collections: make(map[string][]json.RawMessage),
		err:         ErrOffline,
	}
}

func collectionKey(entityType, scope string) string {
	return entityType + "|" + scope
}

// SetCollection sets what Fetch returns for (entityType, scope).
func (g *FakeGateway) SetCollection(entityType, scope string, items []json.RawMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.collections[collectionKey(entityType, scope)] = items
}

// FailFetches makes the next n fetches fail.
func (g *FakeGateway) FailFetches(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetchFailures = n
}

// FailWrites makes the next n write calls fail.
func (g *FakeGateway) FailWrites(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writeFailures = n
}

// SetOffline fails every call until cleared.
func (g *FakeGateway) SetOffline(offline bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.offline = offline
}

// SetError replaces the injected failure.
func (g *FakeGateway) SetError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

// Calls returns a copy of the recorded calls.
func (g *FakeGateway) Calls() []GatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]GatewayCall(nil), g.calls...)
}

// CallCount counts recorded calls of op ("fetch", "save", "update", "delete").
func (g *FakeGateway) CallCount(op string) int {
	n := 0
	for _, c := range g.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (g *FakeGateway) record(call GatewayCall, failures *int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
	if g.offline {
		return g.err
	}
	if *failures > 0 {
		*failures--
		return g.err
	}
	return nil
}

// Fetch returns the configured collection, or an empty one on failure.
func (g *FakeGateway) Fetch(_ context.Context, entityType, scopeKey string) ([]json.RawMessage, error) {
	if err := g.record(GatewayCall{Op: "fetch", EntityType: entityType, Scope: scopeKey}, &g.fetchFailures); err != nil {
		return []json.RawMessage{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	items := g.collections[collectionKey(entityType, scopeKey)]
	out := make([]json.RawMessage, len(items))
	copy(out, items)
	return out, nil
}

// Save records a POST.
func (g *FakeGateway) Save(_ context.Context, entityType string, items []json.RawMessage, mode shared.SaveMode) error {
	return g.record(GatewayCall{Op: "save", EntityType: entityType, Mode: mode, Items: items}, &g.writeFailures)
}

// UpdateOne records a PUT.
func (g *FakeGateway) UpdateOne(_ context.Context, entityType, id string, patch json.RawMessage) error {
	return g.record(GatewayCall{Op: "update", EntityType: entityType, ID: id, Items: []json.RawMessage{patch}}, &g.writeFailures)
}

// DeleteOne records a DELETE.
func (g *FakeGateway) DeleteOne(_ context.Context, entityType, id string) error {
	return g.record(GatewayCall{Op: "delete", EntityType: entityType, ID: id}, &g.writeFailures)
}

var _ shared.RemoteGateway = (*FakeGateway)(nil)
