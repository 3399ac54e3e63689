package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/stevemurr/record-storage/record"
	"github.com/stevemurr/record-storage/revision"
)

// maxExactFloat is the largest integer every float64 below it can hold.
const maxExactFloat = 1 << 53

// decodeJSON unmarshals stored records and revisions. Numbers come back as
// float64, except integers beyond 2^53, which come back as int64 so that
// they keep every digit.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("invalid character after top-level value")
	}

	switch t := v.(type) {
	case *record.Record:
		fixNumbers(*t)
	case *revision.Changes:
		fixNumbers(*t)
	case *Revision:
		fixNumbers(t.Changes)
	case *map[string]record.Record:
		for _, rec := range *t {
			fixNumbers(rec)
		}
	case *map[string][]Revision:
		for _, revs := range *t {
			for _, rev := range revs {
				fixNumbers(rev.Changes)
			}
		}
	}
	return nil
}

func fixNumbers(m map[string]any) {
	for k, v := range m {
		m[k] = fixNumber(v)
	}
}

func fixNumber(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil && (i > maxExactFloat || i < -maxExactFloat) {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		fixNumbers(t)
	case []any:
		for i, e := range t {
			t[i] = fixNumber(e)
		}
	}
	return v
}
