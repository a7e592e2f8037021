package entity

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/erp/datasync/internal/domain/shared"
)

// Schema describes the shape of one entity type's items
type Schema struct {
	Type    Type
	Version int
	// IDField is the JSON key carrying the item identifier
	IDField  string
	TTLClass TTLClass
	// PerUser marks collections keyed by user id rather than "all"
	PerUser bool

	model reflect.Type
}

// Registry holds the schema of every known entity type. Items are checked
// against the registered Go model with struct-tag validation.
type Registry struct {
	mu       sync.RWMutex
	schemas  map[Type]Schema
	validate *validator.Validate
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		schemas:  make(map[Type]Schema),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register binds a schema to the Go model items decode into. model may be a
// value or a pointer.
func (r *Registry) Register(schema Schema, model any) {
	t := reflect.TypeOf(model)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	schema.model = t
	if schema.IDField == "" {
		schema.IDField = "id"
	}
	if schema.Version == 0 {
		schema.Version = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schema.Type] = schema
}

// Lookup returns the schema for t
func (r *Registry) Lookup(t Type) (Schema, error) {
	r.mu.RLock()
	s, ok := r.schemas[t]
	r.mu.RUnlock()
	if !ok {
		return Schema{}, shared.NewDomainError(shared.ErrUnknownEntityType.Code, fmt.Sprintf("Unknown entity type: %s", t))
	}
	return s, nil
}

// Types returns all registered entity types sorted by name
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// ValidateItem decodes raw into the schema's model and runs struct validation
func (r *Registry) ValidateItem(t Type, raw json.RawMessage) error {
	s, err := r.Lookup(t)
	if err != nil {
		return err
	}
	ptr := reflect.New(s.model).Interface()
	if err := json.Unmarshal(raw, ptr); err != nil {
		return &shared.SerializationError{Op: "decode " + t.String(), Err: err}
	}
	if err := r.validate.Struct(ptr); err != nil {
		return fmt.Errorf("%s item failed schema validation: %w", t, err)
	}
	return nil
}

// ValidateEntry checks the entry's type tag, schema version, and every item
func (r *Registry) ValidateEntry(entry *CacheEntry, want Type) error {
	s, err := r.Lookup(want)
	if err != nil {
		return err
	}
	if entry.EntityType != want {
		return fmt.Errorf("entry tagged %q, expected %q", entry.EntityType, want)
	}
	if entry.SchemaVersion != s.Version {
		return fmt.Errorf("%s entry has schema version %d, expected %d", want, entry.SchemaVersion, s.Version)
	}
	for i, item := range entry.Data {
		if err := r.ValidateItem(want, item); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	return nil
}

// ItemID extracts the identifier of a raw item
func (r *Registry) ItemID(t Type, raw json.RawMessage) (string, error) {
	s, err := r.Lookup(t)
	if err != nil {
		return "", err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", &shared.SerializationError{Op: "decode " + t.String() + " id", Err: err}
	}
	v, ok := fields[s.IDField]
	if !ok {
		return "", fmt.Errorf("%s item has no %q field", t, s.IDField)
	}
	var id string
	if err := json.Unmarshal(v, &id); err != nil {
		// numeric ids are tolerated
		var n json.Number
		if err2 := json.Unmarshal(v, &n); err2 != nil {
			return "", fmt.Errorf("%s item %q is neither string nor number", t, s.IDField)
		}
		id = n.String()
	}
	if id == "" {
		return "", fmt.Errorf("%s item has empty %q", t, s.IDField)
	}
	return id, nil
}

// Decode unmarshals every item of a collection into T
func Decode[T any](items []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, raw := range items {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &shared.SerializationError{Op: "decode item", Err: err}
		}
		out = append(out, v)
	}
	return out, nil
}

// Encode marshals typed items into raw collection items
func Encode[T any](items ...T) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(items))
	for _, v := range items {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, &shared.SerializationError{Op: "encode item", Err: err}
		}
		out = append(out, raw)
	}
	return out, nil
}
