// Package record defines the values kept in storage: raw records, the
// definition of a record type, and validated Data instances.
package record

import (
	"fmt"
	"regexp"

	"github.com/mitchellh/copystructure"
)

// DefaultKey is the identifier field used when a Definition does not name one.
const DefaultKey = "_id"

// Record is the raw field data of one entity. Values are JSON-shaped: nil,
// bool, numbers, strings, []any and map[string]any.
type Record map[string]any

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	c, err := copystructure.Copy(map[string]any(r))
	if err != nil {
		// copystructure only fails on values JSON cannot hold either.
		panic(fmt.Sprintf("record: cannot copy record: %v", err))
	}
	return Record(c.(map[string]any))
}

// Project returns a copy of r holding only the named fields. Fields missing
// from r are left out.
func (r Record) Project(fields []string) Record {
	out := make(Record, len(fields))
	for _, f := range fields {
		if v, ok := r[f]; ok {
			cp, err := copystructure.Copy(v)
			if err != nil {
				panic(fmt.Sprintf("record: cannot copy field %q: %v", f, err))
			}
			out[f] = cp
		}
	}
	return out
}

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Definition describes one record type and where its records are stored.
type Definition struct {
	// Name is the storage location: a table, collection, file or key prefix.
	Name string `yaml:"name" json:"name"`

	// Key is the field holding the record identifier. Defaults to "_id".
	Key string `yaml:"key" json:"key,omitempty"`

	// Schema is a JSON Schema object used to validate Data instances.
	// A nil schema accepts everything.
	Schema map[string]any `yaml:"schema" json:"schema,omitempty"`

	// Revisions enables the revision log for this record type.
	Revisions bool `yaml:"revisions" json:"revisions"`
}

// KeyField returns the identifier field name.
func (d *Definition) KeyField() string {
	if d.Key == "" {
		return DefaultKey
	}
	return d.Key
}

// Validate checks that the definition can be used to address storage.
func (d *Definition) Validate() error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("invalid record name %q: must match %s", d.Name, namePattern)
	}
	if d.Key != "" && !namePattern.MatchString(d.Key) {
		return fmt.Errorf("invalid key field %q for record %q", d.Key, d.Name)
	}
	return nil
}

// ID returns the identifier held in rec, or "" when there is none.
func (d *Definition) ID(rec Record) string {
	id, _ := rec[d.KeyField()].(string)
	return id
}
