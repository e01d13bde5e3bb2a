/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package granular

import (
	"github.com/StateraAI/grist-core/pkg/actions"
	"github.com/StateraAI/grist-core/pkg/docdata"
	"github.com/StateraAI/grist-core/pkg/permissions"
)

// CensorshipInfo computes which structural-metadata rows a viewer may not
// see in full, and rewrites structural actions by blanking their sensitive
// fields. The metadata graph is cyclic (sections reference views reference
// tables reference columns), so everything is kept as integer row ids with
// lookup maps.
type CensorshipInfo struct {
	censoredTableRows map[int]bool // _grist_Tables
	censoredTableIDs  map[string]bool
	// uncensoredTableIDs holds tables whose read permission is an explicit
	// allow, not shadowed by column rules.
	uncensoredTableIDs map[string]bool
	censoredColumns    map[int]bool // _grist_Tables_column
	censoredSections   map[int]bool // _grist_Views_section
	censoredViews      map[int]bool // _grist_Views
	censoredFields     map[int]bool // _grist_Views_section_field
}

func newCensorshipInfo(meta map[string]*docdata.TableData, pi *PermissionInfo) *CensorshipInfo {
	c := &CensorshipInfo{
		censoredTableRows:  map[int]bool{},
		censoredTableIDs:   map[string]bool{},
		uncensoredTableIDs: map[string]bool{},
		censoredColumns:    map[int]bool{},
		censoredSections:   map[int]bool{},
		censoredViews:      map[int]bool{},
		censoredFields:     map[int]bool{},
	}

	tables := meta[actions.TableTables]
	tableIDByRow := map[int]string{}
	if tables != nil {
		for _, rowID := range tables.RowIDs {
			tableID, _ := tables.Get(rowID, "tableId").(string)
			tableIDByRow[rowID] = tableID
			if tableID == "" {
				continue
			}
			switch pi.GetTableAccess(tableID).Get(permissions.AxisRead) {
			case permissions.FlagDeny:
				c.censoredTableRows[rowID] = true
				c.censoredTableIDs[tableID] = true
			case permissions.FlagAllow:
				if !pi.coll.TableHasColumnRules(tableID) {
					c.uncensoredTableIDs[tableID] = true
				}
			}
		}
	}

	columns := meta[actions.TableColumns]
	if columns != nil {
		for _, rowID := range columns.RowIDs {
			parentRow := asRowRef(columns.Get(rowID, "parentId"))
			colID, _ := columns.Get(rowID, "colId").(string)
			if colID == actions.ManualSortColID {
				continue
			}
			if c.censoredTableRows[parentRow] {
				c.censoredColumns[rowID] = true
				continue
			}
			tableID := tableIDByRow[parentRow]
			if tableID == "" {
				continue
			}
			if pi.GetColumnAccess(tableID, colID).Get(permissions.AxisRead) == permissions.FlagDeny {
				c.censoredColumns[rowID] = true
			}
		}
	}

	sections := meta[actions.TableSections]
	if sections != nil {
		for _, rowID := range sections.RowIDs {
			tableRef := asRowRef(sections.Get(rowID, "tableRef"))
			if c.censoredTableRows[tableRef] {
				c.censoredSections[rowID] = true
				if viewRef := asRowRef(sections.Get(rowID, "parentId")); viewRef != 0 {
					c.censoredViews[viewRef] = true
				}
			}
		}
	}

	fields := meta[actions.TableFields]
	if fields != nil {
		for _, rowID := range fields.RowIDs {
			sectionRef := asRowRef(fields.Get(rowID, "parentId"))
			colRef := asRowRef(fields.Get(rowID, "colRef"))
			if c.censoredSections[sectionRef] || c.censoredColumns[colRef] {
				c.censoredFields[rowID] = true
			}
		}
	}
	return c
}

// blankings is the bit-exact per-table blanking map.
var blankings = map[string]struct {
	rows   func(c *CensorshipInfo) map[int]bool
	fields map[string]actions.CellValue
}{
	actions.TableTables: {
		rows:   func(c *CensorshipInfo) map[int]bool { return c.censoredTableRows },
		fields: map[string]actions.CellValue{"tableId": ""},
	},
	actions.TableViews: {
		rows:   func(c *CensorshipInfo) map[int]bool { return c.censoredViews },
		fields: map[string]actions.CellValue{"name": ""},
	},
	actions.TableSections: {
		rows:   func(c *CensorshipInfo) map[int]bool { return c.censoredSections },
		fields: map[string]actions.CellValue{"title": "", "tableRef": 0},
	},
	actions.TableColumns: {
		rows: func(c *CensorshipInfo) map[int]bool { return c.censoredColumns },
		fields: map[string]actions.CellValue{
			"label": "", "colId": "", "widgetOptions": "", "formula": "",
			"type": "Any", "parentId": 0,
		},
	},
	actions.TableFields: {
		rows:   func(c *CensorshipInfo) map[int]bool { return c.censoredFields },
		fields: map[string]actions.CellValue{"widgetOptions": "", "filter": "", "parentId": 0},
	},
}

// Apply rewrites one structural-table action in place. ACL tables (and any
// other metadata table outside the blanking map) pass through only for
// viewers with the AccessRules permission; everyone else gets an emptied
// payload. Returns whether the action was modified.
func (c *CensorshipInfo) Apply(a *actions.DocAction, hasAccessRules bool) bool {
	blanking, ok := blankings[a.TableID]
	if !ok {
		if hasAccessRules {
			return false
		}
		a.RowIDs = nil
		a.Columns = map[string][]actions.CellValue{}
		return true
	}
	rows := blanking.rows(c)
	modified := false
	for i, rowID := range a.RowIDs {
		if !rows[rowID] {
			continue
		}
		for field, blank := range blanking.fields {
			if values, present := a.Columns[field]; present && i < len(values) {
				values[i] = blank
				modified = true
			}
		}
	}
	return modified
}

// CensoredTables returns the ids of tables hidden from the viewer.
func (c *CensorshipInfo) CensoredTables() map[string]bool {
	return c.censoredTableIDs
}

// UncensoredTables returns the ids of tables the viewer reads in full: an
// explicit allow with no column rule in the way.
func (c *CensorshipInfo) UncensoredTables() map[string]bool {
	return c.uncensoredTableIDs
}

// CensoredRowsFor exposes the censored row-id set of one structural table.
func (c *CensorshipInfo) CensoredRowsFor(tableID string) map[int]bool {
	if blanking, ok := blankings[tableID]; ok {
		return blanking.rows(c)
	}
	return nil
}

// censorStructuralAction runs the metadata second pass for one step.
func (e *Engine) censorStructuralAction(step *ActionStep, pi *PermissionInfo, hasAccessRules bool) ([]actions.DocAction, error) {
	meta := step.MetaAfter
	if meta == nil {
		meta = e.deps.DocData.CloneTables(structuralTableIDs...)
	}
	ci := newCensorshipInfo(meta, pi)
	out := actions.Clone(step.Action)
	ci.Apply(&out, hasAccessRules)
	return []actions.DocAction{out}, nil
}

func asRowRef(v actions.CellValue) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
