/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package granular

import (
	"fmt"

	"github.com/StateraAI/grist-core/pkg/actions"
	"github.com/StateraAI/grist-core/pkg/docdata"
	"github.com/StateraAI/grist-core/pkg/permissions"
)

// filterStepForViewer rewrites one step's action for one viewer, yielding
// zero to three outgoing actions.
func (e *Engine) filterStepForViewer(steps []*ActionStep, idx int, pi *PermissionInfo, hasAccessRules bool) ([]actions.DocAction, error) {
	step := steps[idx]
	a := step.Action
	if actions.IsStructuralTable(a.TableID) {
		return e.censorStructuralAction(step, pi, hasAccessRules)
	}

	coll := step.Ruler.Collection()
	tableRead := pi.GetTableAccess(a.TableID).Get(permissions.AxisRead)
	if tableRead == permissions.FlagDeny {
		return nil, nil
	}
	rowRules := coll.TableHasRowRules(a.TableID)
	colRules := coll.TableHasColumnRules(a.TableID)
	if tableRead == permissions.FlagAllow && !rowRules && !colRules {
		out := actions.Clone(a)
		return []actions.DocAction{out}, nil
	}

	readCheck := AccessCheck{Axis: permissions.AxisRead, Severity: severityCheck}
	if !rowRules {
		pruned, err := pruneColumns(a, pi, readCheck)
		if err != nil || pruned == nil {
			return nil, err
		}
		return []actions.DocAction{*pruned}, nil
	}

	rf := &rowFilter{
		steps:    steps,
		step:     step,
		pi:       pi,
		tableID:  a.TableID,
		lastRows: lastRowsForTable(steps, idx, a.TableID),
		recPIs:   map[int]*PermissionInfo{},
	}
	rowFiltered, err := rf.filter()
	if err != nil {
		return nil, err
	}
	out := make([]actions.DocAction, 0, len(rowFiltered))
	for _, act := range rowFiltered {
		pruned, err := pruneColumns(act, pi, readCheck)
		if err != nil {
			return nil, err
		}
		if pruned != nil {
			out = append(out, *pruned)
		}
	}
	return out, nil
}

// rowFilter computes differential row visibility for one action within one
// step and rewrites it into forced adds, a trimmed original and forced
// removes.
type rowFilter struct {
	steps    []*ActionStep
	step     *ActionStep
	pi       *PermissionInfo
	tableID  string
	lastRows *docdata.TableData
	recPIs   map[int]*PermissionInfo
}

func (rf *rowFilter) filter() ([]actions.DocAction, error) {
	a := rf.step.Action
	strip := map[int]bool{}
	var forceAdd, forceRemove []int
	for _, rowID := range a.RowIDs {
		visibleBefore := rf.visibleIn(rf.step.RowsBefore, rowID)
		visibleAfter := rf.visibleIn(rf.step.RowsAfter, rowID)
		switch {
		case !visibleBefore && !visibleAfter:
			strip[rowID] = true
		case visibleBefore && visibleAfter:
			// keep
		case !visibleBefore:
			// Row became visible. Adds already carry the full row.
			if !actions.IsAddLike(a.Kind) {
				strip[rowID] = true
				forceAdd = append(forceAdd, rowID)
			}
		default:
			// Row became hidden. Removes already say the right thing.
			if !actions.IsRemoveKind(a.Kind) {
				strip[rowID] = true
				forceRemove = append(forceRemove, rowID)
			}
		}
	}

	out := make([]actions.DocAction, 0, 3)
	if len(forceAdd) > 0 {
		act, err := rf.buildForceAdd(forceAdd)
		if err != nil {
			return nil, err
		}
		out = append(out, act)
	}
	if pruned := stripRows(a, strip); pruned != nil {
		out = append(out, *pruned)
	}
	if len(forceRemove) > 0 {
		out = append(out, actions.DocAction{
			Kind:    actions.BulkRemoveRecord,
			TableID: rf.tableID,
			RowIDs:  forceRemove,
		})
	}
	for i := range out {
		rf.censorCells(&out[i])
	}
	return out, nil
}

// visibleIn evaluates the viewer's row read permission with the row filled
// into rec. Rows absent from the snapshot are not visible.
func (rf *rowFilter) visibleIn(t *docdata.TableData, rowID int) bool {
	i := t.IndexOf(rowID)
	if i < 0 {
		return false
	}
	rec := docdata.NewRecordView(t, i)
	rpi := rf.pi.forRecord(&rec, rf.newRecFor(rowID))
	return rpi.GetTableAccess(rf.tableID).Get(permissions.AxisRead) == permissions.FlagAllow
}

// newRecFor resolves newRec as the last snapshot of the table across the
// rest of the bundle. Row ids reused within one bundle alias here, and
// column renames are not tracked; kept as-is.
func (rf *rowFilter) newRecFor(rowID int) *docdata.RecordView {
	if rf.lastRows == nil {
		return nil
	}
	i := rf.lastRows.IndexOf(rowID)
	if i < 0 {
		return nil
	}
	rec := docdata.NewRecordView(rf.lastRows, i)
	return &rec
}

// buildForceAdd synthesizes a BulkAddRecord carrying the full post-state of
// newly-visible rows.
func (rf *rowFilter) buildForceAdd(rowIDs []int) (actions.DocAction, error) {
	after := rf.step.RowsAfter
	act := actions.DocAction{
		Kind:    actions.BulkAddRecord,
		TableID: rf.tableID,
		RowIDs:  rowIDs,
		Columns: map[string][]actions.CellValue{},
	}
	for colID := range after.Columns {
		act.Columns[colID] = make([]actions.CellValue, len(rowIDs))
	}
	for i, rowID := range rowIDs {
		if after.IndexOf(rowID) < 0 {
			return act, fmt.Errorf("%w: row %d of %q", ErrUnexpectedRowRemoval, rowID, rf.tableID)
		}
		for colID := range after.Columns {
			act.Columns[colID][i] = after.Get(rowID, colID)
		}
	}
	return act, nil
}

// censorCells overwrites cells in columns whose per-row read permission is
// deny.
func (rf *rowFilter) censorCells(a *actions.DocAction) {
	if !actions.IsCellCarrying(a.Kind) {
		return
	}
	for i, rowID := range a.RowIDs {
		rpi := rf.recPI(rowID)
		if rpi == nil {
			continue
		}
		for colID, values := range a.Columns {
			if colID == actions.ManualSortColID {
				continue
			}
			if rpi.GetColumnAccess(rf.tableID, colID).Get(permissions.AxisRead) == permissions.FlagDeny {
				values[i] = CensoredValue
			}
		}
	}
}

// recPI returns a memoized per-row evaluator, preferring the post-state of
// the row.
func (rf *rowFilter) recPI(rowID int) *PermissionInfo {
	if cached, ok := rf.recPIs[rowID]; ok {
		return cached
	}
	t := rf.step.RowsAfter
	i := t.IndexOf(rowID)
	if i < 0 {
		t = rf.step.RowsBefore
		i = t.IndexOf(rowID)
	}
	var rpi *PermissionInfo
	if i >= 0 {
		rec := docdata.NewRecordView(t, i)
		rpi = rf.pi.forRecord(&rec, rf.newRecFor(rowID))
	}
	rf.recPIs[rowID] = rpi
	return rpi
}

// stripRows removes the given rows from an action, ids and every column in
// lockstep; it returns nil when nothing is left to say.
func stripRows(a actions.DocAction, strip map[int]bool) *actions.DocAction {
	if len(strip) == 0 {
		out := actions.Clone(a)
		return &out
	}
	if !actions.IsDataKind(a.Kind) {
		out := actions.Clone(a)
		return &out
	}
	keep := make([]int, 0, len(a.RowIDs))
	for i, rowID := range a.RowIDs {
		if !strip[rowID] {
			keep = append(keep, i)
		}
	}
	if len(keep) == 0 {
		return nil
	}
	out := actions.Clone(a)
	out.RowIDs = make([]int, 0, len(keep))
	for colID := range out.Columns {
		out.Columns[colID] = make([]actions.CellValue, 0, len(keep))
	}
	for _, i := range keep {
		out.RowIDs = append(out.RowIDs, a.RowIDs[i])
		for colID, values := range a.Columns {
			out.Columns[colID] = append(out.Columns[colID], values[i])
		}
	}
	return &out
}
