// Package store defines the storage contract every record backend implements,
// and the bundled backends.
//
// A store is bound to one record.Definition. Callers use the same operations
// whatever the backend:
//
//	s, err := store.New(store.Config{Backend: "sqlite", DataDir: dir}, def)
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	if _, err := s.Install(ctx); err != nil {
//		return err
//	}
//	ids, err := s.Add(ctx, record.Record{"name": "ada"})
package store

import (
	"context"
	"time"

	"github.com/stevemurr/record-storage/record"
	"github.com/stevemurr/record-storage/revision"
)

// Storage is the set of operations every backend implements with the same
// semantics.
type Storage interface {
	// Add persists raw records and returns their identifiers in input order.
	// A record's key field is used as its identifier when it is a non-empty
	// string; otherwise one is generated. Either every record is stored or
	// none is.
	Add(ctx context.Context, records ...record.Record) ([]string, error)

	// Create builds validated Data instances without storing them. With no
	// values it builds a single empty instance.
	Create(values ...record.Record) ([]*record.Data, error)

	// Count returns the number of records matching filter. A nil filter
	// counts every record.
	Count(ctx context.Context, filter Filter) (int, error)

	// Exists reports whether a record with the identifier is stored.
	Exists(ctx context.Context, id string) (bool, error)

	// Fetch returns raw records selected by opts. With IDs, results follow
	// the order of opts.IDs and unknown identifiers are omitted.
	Fetch(ctx context.Context, opts FetchOptions) ([]record.Record, error)

	// FetchData is Fetch returning Data instances.
	FetchData(ctx context.Context, opts FetchOptions) ([]*record.Data, error)

	// Install creates the storage location. It is idempotent.
	Install(ctx context.Context) (bool, error)

	// Remove deletes the selected records and returns how many were removed.
	// Unknown identifiers are not an error.
	Remove(ctx context.Context, sel Selection) (int, error)

	// RevisionAdd appends changes to the revision log of id. It never
	// modifies the record itself.
	RevisionAdd(ctx context.Context, id string, changes revision.Changes) (bool, error)

	// Uninstall destroys the storage location with all of its records and
	// revisions. It returns false when nothing was installed.
	Uninstall(ctx context.Context) (bool, error)
}

// Store is a Storage with the save path and revision reads every bundled
// backend provides.
type Store interface {
	Storage

	// Save replaces the stored record id with rec. It returns false when no
	// such record exists.
	Save(ctx context.Context, id string, rec record.Record) (bool, error)

	// Revisions returns the revision log of id, oldest first.
	Revisions(ctx context.Context, id string) ([]Revision, error)

	// Definition returns the record type the store is bound to.
	Definition() *record.Definition

	Close() error
}

// Revision is one entry in a record's revision log.
type Revision struct {
	ID      string           `json:"id"`
	Created time.Time        `json:"created"`
	Changes revision.Changes `json:"changes"`
}
