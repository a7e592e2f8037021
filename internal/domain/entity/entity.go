// Package entity describes the entity types mirrored by the sync engine and
// the schema each cached payload must satisfy.
package entity

import (
	"encoding/json"
	"time"

	"github.com/erp/datasync/internal/domain/shared"
)

// ScopeAll is the scope key of global collections
const ScopeAll = "all"

// Type names a category of cached and synced data
type Type string

const (
	Users          Type = "users"
	Products       Type = "products"
	Orders         Type = "orders"
	Wallets        Type = "wallets"
	Rankings       Type = "rankings"
	Deposits       Type = "deposits"
	DepositMethods Type = "deposit_methods"
	Favorites      Type = "favorites"
)

// String returns the type name
func (t Type) String() string {
	return string(t)
}

// TTLClass groups entity types by how quickly their cached copies go stale
type TTLClass int

const (
	// TTLUser is per-user mutable data such as wallets and favorites
	TTLUser TTLClass = iota
	// TTLShared is catalog and admin collections
	TTLShared
	// TTLRefresh is the background needs-refresh horizon
	TTLRefresh
)

// TTLPolicy maps TTL classes to durations
type TTLPolicy struct {
	User    time.Duration
	Shared  time.Duration
	Refresh time.Duration
}

// DefaultTTLPolicy returns 2m / 5m / 30m
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		User:    2 * time.Minute,
		Shared:  5 * time.Minute,
		Refresh: 30 * time.Minute,
	}
}

// For returns the duration of a class
func (p TTLPolicy) For(class TTLClass) time.Duration {
	switch class {
	case TTLUser:
		return p.User
	case TTLRefresh:
		return p.Refresh
	default:
		return p.Shared
	}
}

// CacheEntry is the cached copy of one (entity type, scope) collection
type CacheEntry struct {
	EntityType    Type              `json:"entityType"`
	ScopeKey      string            `json:"scopeKey"`
	SchemaVersion int               `json:"schemaVersion"`
	Data          []json.RawMessage `json:"data"`
	FetchedAt     time.Time         `json:"fetchedAt"`
	LastModified  time.Time         `json:"lastModified"`
	RemoteSynced  bool              `json:"remoteSynced"`
}

// IsStale reports whether entry is older than ttl. A nil entry is maximally
// stale.
func IsStale(entry *CacheEntry, ttl time.Duration, now time.Time) bool {
	if entry == nil {
		return true
	}
	return now.Sub(entry.FetchedAt) > ttl
}

// Len returns the number of cached items
func (e *CacheEntry) Len() int {
	if e == nil {
		return 0
	}
	return len(e.Data)
}

// Topic returns the bus topic notified when a collection of this type
// changes in the given scope
func Topic(t Type, scopeKey string) shared.Topic {
	switch t {
	case Wallets:
		return shared.TopicWalletSync
	case Deposits:
		return shared.TopicDepositSync
	}
	if scopeKey == ScopeAll || scopeKey == "" {
		return shared.TopicAdminDataSync
	}
	return shared.UserTopic(t.String())
}
