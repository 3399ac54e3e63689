package store

import (
	"context"
	"fmt"

	"github.com/stevemurr/record-storage/record"
	"github.com/stevemurr/record-storage/revision"
)

// Get fetches a single record as Data. It returns nil when id is unknown.
func Get(ctx context.Context, s Storage, id string) (*record.Data, error) {
	out, err := s.FetchData(ctx, ByID(id))
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return out[0], nil
}

// Update validates d, saves it and appends its changes to the revision log
// when the record type keeps revisions. It returns the recorded changes, nil
// when nothing changed. The save and the revision are not one transaction.
// Data fetched with a field selection is rejected.
func Update(ctx context.Context, s Store, d *record.Data) (revision.Changes, error) {
	if d.Partial() {
		return nil, fmt.Errorf("%w: record %q was fetched with a field selection", ErrInvalidRecord, d.ID())
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	id := d.ID()
	if id == "" {
		return nil, fmt.Errorf("%w: record has no identifier", ErrInvalidRecord)
	}
	changes := d.Changes()
	found, err := s.Save(ctx, id, d.Record())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("record %q: %w", id, ErrNotFound)
	}
	if s.Definition().Revisions && changes != nil {
		if _, err := s.RevisionAdd(ctx, id, changes); err != nil {
			return changes, fmt.Errorf("record %q saved, revision not recorded: %w", id, err)
		}
	}
	d.Saved()
	return changes, nil
}
