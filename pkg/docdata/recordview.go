/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package docdata

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/StateraAI/grist-core/pkg/actions"
)

// RecordView is a row-shaped read-only view over a columnar snapshot.
// The zero value is invalid; an empty view (index < 0) is valid and yields
// nil for every column.
type RecordView struct {
	table *TableData
	index int
}

// NewRecordView returns a view of the row at index.
func NewRecordView(table *TableData, index int) RecordView {
	return RecordView{table: table, index: index}
}

// EmptyRecordView returns a valid view with no row: every Get yields nil.
func EmptyRecordView(table *TableData) RecordView {
	return RecordView{table: table, index: -1}
}

// Valid reports whether the view is bound to a table.
func (r RecordView) Valid() bool { return r.table != nil }

// RowID returns the row id, or 0 for an empty view.
func (r RecordView) RowID() int {
	if r.table == nil || r.index < 0 || r.index >= len(r.table.RowIDs) {
		return 0
	}
	return r.table.RowIDs[r.index]
}

// Has reports whether the underlying table has the column.
func (r RecordView) Has(colID string) bool {
	if r.table == nil {
		return false
	}
	if colID == "id" {
		return true
	}
	_, ok := r.table.Columns[colID]
	return ok
}

// Get returns the cell value for colID; "id" yields the row id.
func (r RecordView) Get(colID string) actions.CellValue {
	if r.table == nil || r.index < 0 {
		return nil
	}
	if colID == "id" {
		return r.RowID()
	}
	values, ok := r.table.Columns[colID]
	if !ok || r.index >= len(values) {
		return nil
	}
	return values[r.index]
}

// ToMap materializes the row as colID -> value. An empty view yields an
// empty map.
func (r RecordView) ToMap() map[string]actions.CellValue {
	out := map[string]actions.CellValue{}
	if r.table == nil || r.index < 0 {
		return out
	}
	for _, colID := range sortedColIDs(r.table) {
		out[colID] = r.Get(colID)
	}
	out["id"] = r.RowID()
	return out
}

// RecordEditor is the editable variant of RecordView.
type RecordEditor struct {
	RecordView
}

// NewRecordEditor returns an editor over the row at index.
func NewRecordEditor(table *TableData, index int) RecordEditor {
	return RecordEditor{RecordView{table: table, index: index}}
}

// Set overwrites the cell at colID; unknown columns are ignored.
func (r RecordEditor) Set(colID string, value actions.CellValue) {
	if r.table == nil || r.index < 0 {
		return
	}
	values, ok := r.table.Columns[colID]
	if !ok || r.index >= len(values) {
		return
	}
	values[r.index] = value
}

func sortedColIDs(t *TableData) []string {
	colIDs := maps.Keys(t.Columns)
	slices.Sort(colIDs)
	return colIDs
}
