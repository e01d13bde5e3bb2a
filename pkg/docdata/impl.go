/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package docdata

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/StateraAI/grist-core/pkg/actions"
)

var ErrTableNotFound = errors.New("table not found")

var ErrUnknownActionKind = errors.New("unknown action kind")

// DocData is an in-memory relational snapshot addressable by table id.
// Tables are populated directly, via SyncTable (pulling selected rows
// through the fetch callback), or by applying DocActions.
type DocData struct {
	tables map[string]*TableData
	fetch  FetchQueryFunc
}

// New returns an empty DocData backed by a row fetcher. fetch may be nil for
// purely synthetic instances.
func New(fetch FetchQueryFunc) *DocData {
	return &DocData{tables: map[string]*TableData{}, fetch: fetch}
}

// NewFromTables returns a DocData seeded with the given snapshots. The
// snapshots are used as-is, not copied.
func NewFromTables(tables map[string]*TableData) *DocData {
	d := New(nil)
	for tableID, t := range tables {
		if t != nil {
			d.tables[tableID] = t
		}
	}
	return d
}

// GetTable returns the snapshot for tableID, or nil.
func (d *DocData) GetTable(tableID string) *TableData {
	return d.tables[tableID]
}

// SetTable installs a snapshot, replacing any previous one.
func (d *DocData) SetTable(t *TableData) {
	d.tables[t.TableID] = t
}

// TableIDs returns the ids of all present tables, sorted.
func (d *DocData) TableIDs() []string {
	ids := maps.Keys(d.tables)
	slices.Sort(ids)
	return ids
}

// CloneTables deep-copies the named tables; absent tables are returned as
// empty snapshots so callers can treat the result as complete.
func (d *DocData) CloneTables(tableIDs ...string) map[string]*TableData {
	out := make(map[string]*TableData, len(tableIDs))
	for _, tableID := range tableIDs {
		if t := d.tables[tableID]; t != nil {
			out[tableID] = t.Clone()
		} else {
			out[tableID] = NewTableData(tableID)
		}
	}
	return out
}

// SyncTable ensures the named table holds the given rows, fetching them
// through the fetch callback. Rows the database does not have are simply
// absent from the result.
func (d *DocData) SyncTable(ctx context.Context, tableID string, rowIDs []int) error {
	if d.fetch == nil {
		if d.tables[tableID] == nil {
			d.tables[tableID] = NewTableData(tableID)
		}
		return nil
	}
	values := make([]actions.CellValue, len(rowIDs))
	for i, rowID := range rowIDs {
		values[i] = rowID
	}
	fetched, err := d.fetch(ctx, Query{TableID: tableID, Filters: map[string][]actions.CellValue{"id": values}})
	if err != nil {
		return fmt.Errorf("sync of table %q: %w", tableID, err)
	}
	if fetched == nil {
		fetched = NewTableData(tableID)
	}
	fetched.TableID = tableID
	d.tables[tableID] = fetched
	return nil
}

// ReceiveAction applies one DocAction to the snapshot. Adds of an existing
// row id overwrite that row, which keeps replays idempotent.
func (d *DocData) ReceiveAction(a actions.DocAction) error {
	switch a.Kind {
	case actions.AddRecord, actions.BulkAddRecord:
		return d.addRows(a)
	case actions.UpdateRecord, actions.BulkUpdateRecord:
		return d.updateRows(a)
	case actions.RemoveRecord, actions.BulkRemoveRecord:
		return d.removeRows(a)
	case actions.ReplaceTableData, actions.TableDataAction:
		d.tables[a.TableID] = &TableData{
			TableID: a.TableID,
			RowIDs:  slices.Clone(a.RowIDs),
			Columns: cloneColumns(a.Columns),
		}
		return nil
	case actions.AddTable:
		t := NewTableData(a.TableID)
		for _, c := range a.Cols {
			t.Columns[c.ID] = nil
		}
		d.tables[a.TableID] = t
		return nil
	case actions.RemoveTable:
		delete(d.tables, a.TableID)
		return nil
	case actions.RenameTable:
		t := d.tables[a.TableID]
		if t == nil {
			return fmt.Errorf("rename of %q: %w", a.TableID, ErrTableNotFound)
		}
		delete(d.tables, a.TableID)
		t.TableID = a.NewName
		d.tables[a.NewName] = t
		return nil
	case actions.AddColumn:
		t := d.tables[a.TableID]
		if t == nil {
			return fmt.Errorf("add column to %q: %w", a.TableID, ErrTableNotFound)
		}
		t.Columns[a.ColID] = make([]actions.CellValue, len(t.RowIDs))
		return nil
	case actions.RemoveColumn:
		if t := d.tables[a.TableID]; t != nil {
			delete(t.Columns, a.ColID)
		}
		return nil
	case actions.RenameColumn:
		t := d.tables[a.TableID]
		if t == nil {
			return fmt.Errorf("rename column of %q: %w", a.TableID, ErrTableNotFound)
		}
		if values, ok := t.Columns[a.ColID]; ok {
			delete(t.Columns, a.ColID)
			t.Columns[a.NewName] = values
		}
		return nil
	case actions.ModifyColumn:
		// Type and formula changes do not alter stored cells.
		return nil
	}
	return fmt.Errorf("%q: %w", a.Kind, ErrUnknownActionKind)
}

func (d *DocData) table(tableID string) *TableData {
	t := d.tables[tableID]
	if t == nil {
		t = NewTableData(tableID)
		d.tables[tableID] = t
	}
	return t
}

func (d *DocData) addRows(a actions.DocAction) error {
	t := d.table(a.TableID)
	for colID := range a.Columns {
		if _, ok := t.Columns[colID]; !ok {
			t.Columns[colID] = make([]actions.CellValue, len(t.RowIDs))
		}
	}
	for i, rowID := range a.RowIDs {
		at := t.IndexOf(rowID)
		if at < 0 {
			t.RowIDs = append(t.RowIDs, rowID)
			at = len(t.RowIDs) - 1
			for colID := range t.Columns {
				t.Columns[colID] = append(t.Columns[colID], nil)
			}
		}
		for colID, values := range a.Columns {
			t.Columns[colID][at] = values[i]
		}
	}
	return nil
}

func (d *DocData) updateRows(a actions.DocAction) error {
	t := d.table(a.TableID)
	for i, rowID := range a.RowIDs {
		at := t.IndexOf(rowID)
		if at < 0 {
			continue
		}
		for colID, values := range a.Columns {
			if col, ok := t.Columns[colID]; ok && at < len(col) {
				col[at] = values[i]
			}
		}
	}
	return nil
}

func (d *DocData) removeRows(a actions.DocAction) error {
	t := d.table(a.TableID)
	for _, rowID := range a.RowIDs {
		at := t.IndexOf(rowID)
		if at < 0 {
			continue
		}
		t.RowIDs = slices.Delete(t.RowIDs, at, at+1)
		for colID, values := range t.Columns {
			t.Columns[colID] = slices.Delete(values, at, at+1)
		}
	}
	return nil
}

func cloneColumns(columns map[string][]actions.CellValue) map[string][]actions.CellValue {
	out := make(map[string][]actions.CellValue, len(columns))
	for colID, values := range columns {
		out[colID] = slices.Clone(values)
	}
	return out
}
