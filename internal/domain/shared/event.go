package shared

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topic names a Broadcast Bus channel
type Topic string

// Well-known topics
const (
	TopicAdminDataSync  Topic = "admin-data-sync"
	TopicWalletSync     Topic = "wallet-sync"
	TopicDepositSync    Topic = "deposit-sync"
	TopicOrderCompleted Topic = "order-completed"
	TopicOrderCreated   Topic = "order-created"
)

// UserTopic returns the per-user collection topic, e.g. "user-favorites-sync"
func UserTopic(entityType string) Topic {
	return Topic(fmt.Sprintf("user-%s-sync", entityType))
}

// String returns the topic name
func (t Topic) String() string {
	return string(t)
}

// SyncEvent is an ephemeral bus message. It is broadcast but never persisted.
type SyncEvent struct {
	ID          uuid.UUID       `json:"id"`
	Topic       Topic           `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	OriginTabID string          `json:"origin_tab_id"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewSyncEvent marshals payload and stamps a fresh event id
func NewSyncEvent(topic Topic, originTabID string, payload any) (SyncEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return SyncEvent{}, &SerializationError{Op: "encode event " + topic.String(), Err: err}
	}
	return SyncEvent{
		ID:          uuid.New(),
		Topic:       topic,
		Payload:     raw,
		OriginTabID: originTabID,
		Timestamp:   time.Now(),
	}, nil
}

// Decode unmarshals the payload into v
func (e SyncEvent) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return &SerializationError{Op: "decode event " + e.Topic.String(), Err: err}
	}
	return nil
}

// MutationAction is the kind of change described by a mutation event
type MutationAction string

const (
	ActionBulkUpdate MutationAction = "bulk_update"
	ActionAdd        MutationAction = "add"
	ActionUpdate     MutationAction = "update"
	ActionDelete     MutationAction = "delete"
	ActionRefresh    MutationAction = "refresh"
)

// IsValid reports whether the action can be used for a write
func (a MutationAction) IsValid() bool {
	switch a {
	case ActionBulkUpdate, ActionAdd, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// String returns the action name
func (a MutationAction) String() string {
	return string(a)
}

// MutationPayload is the payload of every cache write notification
type MutationPayload struct {
	Type         string            `json:"type"`
	Scope        string            `json:"scope"`
	Action       MutationAction    `json:"action"`
	Data         []json.RawMessage `json:"data"`
	Timestamp    int64             `json:"timestamp"`
	RemoteSynced bool              `json:"remoteSynced"`
}
