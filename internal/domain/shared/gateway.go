package shared

import (
	"context"
	"encoding/json"
)

// SaveMode selects the POST /api/data action
type SaveMode string

const (
	SaveModeBulkUpdate SaveMode = "bulk_update"
	SaveModeAdd        SaveMode = "add"
	SaveModeUpdate     SaveMode = "update"
)

// RemoteGateway performs typed CRUD against the backend. Implementations hold
// no state between calls.
type RemoteGateway interface {
	// Fetch returns the collection for entityType. On failure it returns an
	// empty collection together with a NetworkError or APIError.
	Fetch(ctx context.Context, entityType, scopeKey string) ([]json.RawMessage, error)
	Save(ctx context.Context, entityType string, items []json.RawMessage, mode SaveMode) error
	UpdateOne(ctx context.Context, entityType, id string, patch json.RawMessage) error
	DeleteOne(ctx context.Context, entityType, id string) error
}
