/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package actions

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// IsStructuralTable reports whether tableID is one of the seven privileged
// metadata tables.
func IsStructuralTable(tableID string) bool {
	return structuralTables[tableID]
}

// IsACLTable reports whether tableID holds access rules or rule resources.
func IsACLTable(tableID string) bool {
	return tableID == TableACLResources || tableID == TableACLRules
}

// IsDataKind reports whether k is a row op.
func IsDataKind(k Kind) bool { return dataKinds[k] }

// IsSchemaKind reports whether k is a schema op.
func IsSchemaKind(k Kind) bool { return schemaKinds[k] }

// IsCellCarrying reports whether the action kind carries cell values.
func IsCellCarrying(k Kind) bool {
	switch k {
	case AddRecord, BulkAddRecord, UpdateRecord, BulkUpdateRecord, ReplaceTableData, TableDataAction:
		return true
	}
	return false
}

// IsRemoveKind reports whether the action only removes rows.
func IsRemoveKind(k Kind) bool {
	return k == RemoveRecord || k == BulkRemoveRecord
}

// IsAddLike reports whether the action introduces its rows wholesale, so a
// newly-visible row needs no synthetic add.
func IsAddLike(k Kind) bool {
	switch k {
	case AddRecord, BulkAddRecord, ReplaceTableData, TableDataAction:
		return true
	}
	return false
}

// IsBulk reports whether the action is one of the bulk/whole-table shapes.
func IsBulk(k Kind) bool {
	switch k {
	case BulkAddRecord, BulkUpdateRecord, BulkRemoveRecord, ReplaceTableData, TableDataAction:
		return true
	}
	return false
}

// TouchedRowIDs returns the row ids a DocAction addresses. Schema ops touch
// no rows.
func TouchedRowIDs(a DocAction) []int {
	if !IsDataKind(a.Kind) {
		return nil
	}
	return a.RowIDs
}

// Clone returns a deep copy of the action.
func Clone(a DocAction) DocAction {
	out := a
	out.RowIDs = slices.Clone(a.RowIDs)
	if a.Columns != nil {
		out.Columns = make(map[string][]CellValue, len(a.Columns))
		for colID, values := range a.Columns {
			out.Columns[colID] = slices.Clone(values)
		}
	}
	if a.Info != nil {
		out.Info = maps.Clone(a.Info)
	}
	if a.Cols != nil {
		out.Cols = make([]ColInfo, len(a.Cols))
		for i, c := range a.Cols {
			out.Cols[i] = ColInfo{ID: c.ID, Info: maps.Clone(c.Info)}
		}
	}
	return out
}

// UserActionTableID extracts the table id of a table-addressed UserAction,
// or "" when the first argument is not a table id.
func UserActionTableID(ua UserAction) string {
	if len(ua.Args) == 0 {
		return ""
	}
	tableID, _ := ua.Args[0].(string)
	return tableID
}

// ScanUserActions walks user actions depth-first, descending into
// ApplyUndoActions and ApplyDocActions payloads. The walk stops early when
// visit returns false; the return value reports whether the walk completed.
func ScanUserActions(uas []UserAction, visit func(UserAction) bool) bool {
	for _, ua := range uas {
		if ua.Name == ApplyUndoActions || ua.Name == ApplyDocActions {
			if len(ua.Args) > 0 {
				if nested, ok := ua.Args[0].([]UserAction); ok {
					if !ScanUserActions(nested, visit) {
						return false
					}
					continue
				}
			}
			continue
		}
		if !visit(ua) {
			return false
		}
	}
	return true
}
