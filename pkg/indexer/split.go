package indexer

import (
	"context"
	"fmt"
	"sort"

	"github.com/Ramsey-B/fern/pkg/models"
)

// checkForEventSplits moves sub-events that no longer associate with the reference sub-event into events
// of their own. The reference is the sub-event sharing the original event's id.
func (i *Indexer) checkForEventSplits(ctx context.Context, original, updated *models.Event) (*models.Event, []*models.IndexerChange, error) {
	subEvents := updated.SubEvents()
	if len(subEvents) <= 1 {
		return updated, nil, nil
	}

	refID := original.EventID()
	ref, ok := subEvents[refID]
	if !ok {
		refID = updated.EventID()
		if ref, ok = subEvents[refID]; !ok {
			i.logger.WithContext(ctx).WithFields(map[string]any{
				"original_event": original.EventID(),
				"updated_event":  updated.EventID(),
			}).Warn("no reference sub-event, not checking for splits")
			return updated, nil, nil
		}
	}

	keys := make([]string, 0, len(subEvents))
	for key := range subEvents {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	splitEvent := updated
	var split []*models.Event
	for _, key := range keys {
		next := subEvents[key]
		if key == refID || len(next.AllProductList()) == 0 {
			continue
		}
		if i.associator.EventsAssociated(ref, next) {
			continue
		}

		var inserted *models.Event
		var err error
		if splitEvent, inserted, err = i.splitEvents(ctx, splitEvent, next); err != nil {
			return nil, nil, fmt.Errorf("split sub-event %s: %w", key, err)
		}

		merged := false
		for idx, existing := range split {
			if !i.associator.EventsAssociated(existing, inserted) {
				continue
			}
			if split[idx], err = i.mergeEvents(ctx, existing, inserted); err != nil {
				return nil, nil, fmt.Errorf("merge split sub-event %s: %w", key, err)
			}
			merged = true
			break
		}
		if !merged {
			split = append(split, inserted)
		}
	}

	if len(split) == 0 {
		return updated, nil, nil
	}

	changes := []*models.IndexerChange{updatedOrDeleted(original, splitEvent)}
	for _, e := range split {
		changes = append(changes, models.NewIndexerChange(models.EventSplit, nil, e))
	}
	return splitEvent, changes, nil
}

// splitEvents moves every summary of leaf from root into a new event.
func (i *Indexer) splitEvents(ctx context.Context, root, leaf *models.Event) (*models.Event, *models.Event, error) {
	inserted, err := i.index.AddEvent(ctx, models.NewEvent(nil))
	if err != nil {
		return nil, nil, err
	}

	removed := map[string]bool{}
	for _, s := range leaf.AllProductList() {
		if key := s.ID.Key(); !removed[key] {
			if root, err = i.index.RemoveAssociation(ctx, root, s); err != nil {
				return nil, nil, err
			}
			removed[key] = true
		}
		if inserted, err = i.index.AddAssociation(ctx, inserted, s); err != nil {
			return nil, nil, err
		}
	}
	return root, inserted, nil
}

// mergeEvents moves every summary of child into target and removes child.
func (i *Indexer) mergeEvents(ctx context.Context, target, child *models.Event) (*models.Event, error) {
	updatedChild := child
	removed := map[string]bool{}
	var err error
	for _, s := range child.AllProductList() {
		if key := s.ID.Key(); !removed[key] {
			if updatedChild, err = i.index.RemoveAssociation(ctx, updatedChild, s); err != nil {
				return nil, err
			}
			removed[key] = true
		}
		if target, err = i.index.AddAssociation(ctx, target, s); err != nil {
			return nil, err
		}
	}
	if _, err := i.index.RemoveEvent(ctx, updatedChild); err != nil {
		return nil, err
	}
	return target, nil
}
