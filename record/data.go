package record

import (
	"github.com/stevemurr/record-storage/revision"
	"github.com/stevemurr/record-storage/schema"
)

// Data is a schema-validated, in-memory record. Data returned from storage
// remembers the values it was loaded with so that Changes can describe what
// the caller modified.
type Data struct {
	def      *Definition
	values   Record
	snapshot Record
	partial  bool
}

// New validates values against def and returns a Data instance that has not
// been stored. The values are copied.
func New(def *Definition, values Record) (*Data, error) {
	d := &Data{def: def, values: values.Clone()}
	if d.values == nil {
		d.values = Record{}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Load wraps a record read from storage. It is not validated.
func Load(def *Definition, rec Record) *Data {
	values := rec.Clone()
	if values == nil {
		values = Record{}
	}
	return &Data{def: def, values: values, snapshot: values.Clone()}
}

// LoadPartial wraps a projection of a stored record, one fetched with a
// field selection. It can be read and diffed but must not replace the
// stored record.
func LoadPartial(def *Definition, rec Record) *Data {
	d := Load(def, rec)
	d.partial = true
	return d
}

// Partial reports whether the instance holds only some of the stored fields.
func (d *Data) Partial() bool {
	return d.partial
}

// Definition returns the record type this instance belongs to.
func (d *Data) Definition() *Definition {
	return d.def
}

// ID returns the identifier, or "" for an instance without one.
func (d *Data) ID() string {
	return d.def.ID(d.values)
}

// Get returns the value of field.
func (d *Data) Get(field string) (any, bool) {
	v, ok := d.values[field]
	return v, ok
}

// Set replaces the value of field.
func (d *Data) Set(field string, value any) {
	d.values[field] = value
}

// Delete removes field.
func (d *Data) Delete(field string) {
	delete(d.values, field)
}

// Record returns a copy of the current values.
func (d *Data) Record() Record {
	return d.values.Clone()
}

// Validate checks the current values against the definition's schema. The
// identifier field is not part of the schema.
func (d *Data) Validate() error {
	if d.def.Schema == nil {
		return nil
	}
	doc := make(map[string]any, len(d.values))
	for k, v := range d.values {
		if k == d.def.KeyField() {
			continue
		}
		doc[k] = v
	}
	return schema.Validate(d.def.Schema, doc)
}

// IsNew reports whether the instance was built rather than loaded.
func (d *Data) IsNew() bool {
	return d.snapshot == nil
}

// Changes returns the difference between the loaded values and the current
// ones. It is nil for new instances and for unmodified ones.
func (d *Data) Changes() revision.Changes {
	if d.snapshot == nil {
		return nil
	}
	return revision.Diff(map[string]any(d.snapshot), map[string]any(d.values))
}

// Saved records the current values as the new baseline for Changes.
func (d *Data) Saved() {
	d.snapshot = d.values.Clone()
}
