package entitysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/erp/datasync/internal/domain/entity"
	"github.com/erp/datasync/internal/domain/shared"
)

// applyMutation returns current with the action applied. add and update
// upsert by id, so replaying the same mutation is harmless.
func applyMutation(registry *entity.Registry, t entity.Type, current []json.RawMessage, action shared.MutationAction, items []json.RawMessage) ([]json.RawMessage, error) {
	if action == shared.ActionBulkUpdate {
		out := make([]json.RawMessage, len(items))
		copy(out, items)
		return out, nil
	}

	ids := make([]string, len(items))
	byID := make(map[string]int, len(items))
	for i, item := range items {
		id, err := registry.ItemID(t, item)
		if err != nil {
			return nil, err
		}
		ids[i] = id
		byID[id] = i
	}

	out := make([]json.RawMessage, 0, len(current)+len(items))
	placed := make(map[string]bool, len(items))
	for _, existing := range current {
		id, err := registry.ItemID(t, existing)
		if err != nil {
			// unreadable ids cannot match anything; keep the item as is
			out = append(out, existing)
			continue
		}
		i, hit := byID[id]
		switch {
		case !hit:
			out = append(out, existing)
		case action == shared.ActionDelete:
			// dropped
		case !placed[id]:
			out = append(out, items[i])
			placed[id] = true
		}
	}
	if action == shared.ActionDelete {
		return out, nil
	}
	for i, item := range items {
		if placed[ids[i]] {
			continue
		}
		// a later duplicate in items wins
		if byID[ids[i]] != i {
			continue
		}
		out = append(out, item)
		placed[ids[i]] = true
	}
	return out, nil
}

// pushRemote performs the remote call matching action
func pushRemote(ctx context.Context, gateway shared.RemoteGateway, registry *entity.Registry, t entity.Type, action shared.MutationAction, items []json.RawMessage) error {
	switch action {
	case shared.ActionBulkUpdate:
		return gateway.Save(ctx, t.String(), items, shared.SaveModeBulkUpdate)
	case shared.ActionAdd:
		return gateway.Save(ctx, t.String(), items, shared.SaveModeAdd)
	case shared.ActionUpdate:
		if len(items) == 1 {
			id, err := registry.ItemID(t, items[0])
			if err != nil {
				return err
			}
			return gateway.UpdateOne(ctx, t.String(), id, items[0])
		}
		return gateway.Save(ctx, t.String(), items, shared.SaveModeUpdate)
	case shared.ActionDelete:
		var errs []error
		for _, item := range items {
			id, err := registry.ItemID(t, item)
			if err != nil {
				return err
			}
			if err := gateway.DeleteOne(ctx, t.String(), id); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	return fmt.Errorf("unsupported action %q", action)
}
