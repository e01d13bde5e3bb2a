/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package docdata

import (
	"context"

	"golang.org/x/exp/slices"

	"github.com/StateraAI/grist-core/pkg/actions"
)

// TableData is the columnar snapshot of one table: row i has id RowIDs[i]
// and cell Columns[colID][i].
type TableData struct {
	TableID string
	RowIDs  []int
	Columns map[string][]actions.CellValue
}

// NewTableData returns an empty snapshot for tableID with the given columns.
func NewTableData(tableID string, colIDs ...string) *TableData {
	t := &TableData{TableID: tableID, Columns: map[string][]actions.CellValue{}}
	for _, colID := range colIDs {
		t.Columns[colID] = nil
	}
	return t
}

// NumRows returns the row count.
func (t *TableData) NumRows() int { return len(t.RowIDs) }

// IndexOf returns the position of rowID, or -1.
func (t *TableData) IndexOf(rowID int) int {
	return slices.Index(t.RowIDs, rowID)
}

// HasRow reports whether rowID is present.
func (t *TableData) HasRow(rowID int) bool { return t.IndexOf(rowID) >= 0 }

// Get returns the cell at (rowID, colID); the pseudo-column "id" yields the
// row id itself. Missing rows and columns yield nil.
func (t *TableData) Get(rowID int, colID string) actions.CellValue {
	i := t.IndexOf(rowID)
	if i < 0 {
		return nil
	}
	if colID == "id" {
		return rowID
	}
	values, ok := t.Columns[colID]
	if !ok || i >= len(values) {
		return nil
	}
	return values[i]
}

// Clone returns a deep copy of the snapshot.
func (t *TableData) Clone() *TableData {
	if t == nil {
		return nil
	}
	out := &TableData{
		TableID: t.TableID,
		RowIDs:  slices.Clone(t.RowIDs),
		Columns: make(map[string][]actions.CellValue, len(t.Columns)),
	}
	for colID, values := range t.Columns {
		out.Columns[colID] = slices.Clone(values)
	}
	return out
}

// ToAction renders the snapshot as a TableData DocAction.
func (t *TableData) ToAction() actions.DocAction {
	return actions.DocAction{
		Kind:    actions.TableDataAction,
		TableID: t.TableID,
		RowIDs:  t.RowIDs,
		Columns: t.Columns,
	}
}

// Query selects rows of one table by column values: a row matches when for
// every filter column its cell is one of the listed values.
type Query struct {
	TableID string
	Filters map[string][]actions.CellValue
}

// FetchQueryFunc pulls rows matching a query from the document database.
type FetchQueryFunc func(ctx context.Context, query Query) (*TableData, error)
