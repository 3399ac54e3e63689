package store

import "errors"

var (
	// ErrNotInstalled is returned when the storage location does not exist.
	ErrNotInstalled = errors.New("storage location is not installed")

	// ErrExists is returned by Add for an identifier that is already stored.
	ErrExists = errors.New("record already exists")

	// ErrInvalidRecord is returned by Add for a record whose key field is not
	// a string.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrNoSelection is returned by Remove when neither identifiers nor a
	// filter were given.
	ErrNoSelection = errors.New("no identifiers or filter given")

	ErrInvalidFilter  = errors.New("invalid filter")
	ErrInvalidLimit   = errors.New("invalid limit")
	ErrInvalidOptions = errors.New("invalid fetch options")

	// ErrRevisionsDisabled is returned by RevisionAdd for a record type that
	// does not keep revisions.
	ErrRevisionsDisabled = errors.New("revisions are disabled for this record type")

	// ErrNotFound is returned by Update for a record that is not stored.
	ErrNotFound = errors.New("record not found")

	ErrClosed = errors.New("store is closed")
)
