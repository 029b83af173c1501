package model

import (
	"errors"
	"fmt"
)

// MaxPreviewRows bounds the preview records kept with a dataset.
const MaxPreviewRows = 20

// ColumnType is the inferred kind of a dataset column.
type ColumnType string

const (
	Numeric     ColumnType = "numeric"
	Categorical ColumnType = "categorical"
	Datetime    ColumnType = "datetime"
)

func (t ColumnType) valid() bool {
	switch t {
	case Numeric, Categorical, Datetime:
		return true
	}
	return false
}

// Dataset describes one uploaded CSV file as returned by the upload endpoint.
// A Dataset is never modified after creation; it is replaced wholesale.
type Dataset struct {
	ID          string                `json:"dataset_id"`
	Filename    string                `json:"filename"`
	Rows        int                   `json:"rows"`
	Columns     []string              `json:"columns"`
	ColumnTypes map[string]ColumnType `json:"column_types"`
	Preview     []map[string]any      `json:"preview"`
}

// Validate checks the structural invariants of a descriptor.
func (d *Dataset) Validate() error {
	if d == nil {
		return errors.New("dataset is nil")
	}
	if d.ID == "" {
		return errors.New("dataset id is empty")
	}
	if d.Rows < 0 {
		return fmt.Errorf("dataset %s: negative row count %d", d.ID, d.Rows)
	}
	seen := make(map[string]struct{}, len(d.Columns))
	for _, c := range d.Columns {
		if _, dup := seen[c]; dup {
			return fmt.Errorf("dataset %s: duplicate column %q", d.ID, c)
		}
		seen[c] = struct{}{}
	}
	for c, t := range d.ColumnTypes {
		if !t.valid() {
			return fmt.Errorf("dataset %s: column %q has unknown type %q", d.ID, c, t)
		}
	}
	return nil
}

// TypeOf returns the column's type, defaulting to categorical when the
// column is missing from ColumnTypes.
func (d *Dataset) TypeOf(column string) ColumnType {
	if d == nil {
		return Categorical
	}
	if t, ok := d.ColumnTypes[column]; ok && t.valid() {
		return t
	}
	return Categorical
}

// Clone returns a deep copy. Preview cell values are copied by assignment.
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}
	out := &Dataset{
		ID:       d.ID,
		Filename: d.Filename,
		Rows:     d.Rows,
	}
	if d.Columns != nil {
		out.Columns = append([]string(nil), d.Columns...)
	}
	if d.ColumnTypes != nil {
		out.ColumnTypes = make(map[string]ColumnType, len(d.ColumnTypes))
		for k, v := range d.ColumnTypes {
			out.ColumnTypes[k] = v
		}
	}
	if d.Preview != nil {
		out.Preview = make([]map[string]any, len(d.Preview))
		for i, row := range d.Preview {
			r := make(map[string]any, len(row))
			for k, v := range row {
				r[k] = v
			}
			out.Preview[i] = r
		}
	}
	return out
}

// BoundPreview truncates the preview to MaxPreviewRows.
func (d *Dataset) BoundPreview() {
	if d != nil && len(d.Preview) > MaxPreviewRows {
		d.Preview = d.Preview[:MaxPreviewRows]
	}
}
