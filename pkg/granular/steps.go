/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package granular

import (
	"context"
	"fmt"

	"github.com/untillpro/goutils/logger"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/StateraAI/grist-core/pkg/actions"
	"github.com/StateraAI/grist-core/pkg/docdata"
)

// ActionStep is one DocAction of a bundle with the table state around it:
// the touched table before and after, structural metadata snapshots when
// the bundle touches schema, and the rule state in force at this step.
type ActionStep struct {
	Action     actions.DocAction
	RowsBefore *docdata.TableData
	RowsAfter  *docdata.TableData
	MetaBefore map[string]*docdata.TableData
	MetaAfter  map[string]*docdata.TableData
	Ruler      *Ruler
}

var structuralTableIDs = []string{
	actions.TableTables,
	actions.TableColumns,
	actions.TableViews,
	actions.TableSections,
	actions.TableFields,
	actions.TableACLResources,
	actions.TableACLRules,
}

// getSteps materializes the active bundle's steps, once; later calls reuse
// the result.
func (e *Engine) getSteps(ctx context.Context) ([]*ActionStep, error) {
	b := e.bundle
	if b == nil {
		return nil, ErrNoBundle
	}
	if !b.stepsDone {
		b.steps, b.stepsErr = e.buildSteps(ctx, b.docActions, b.undo, b.applied)
		b.stepsDone = true
		if b.stepsErr != nil {
			logger.Error(fmt.Sprintf("step construction failed: %v", b.stepsErr))
		}
	}
	return b.steps, b.stepsErr
}

func (e *Engine) buildSteps(ctx context.Context, docActions, undo []actions.DocAction, applied bool) ([]*ActionStep, error) {
	related := relatedRows(docActions, undo)

	scratch := docdata.New(e.deps.FetchFromDB)
	for _, tableID := range sortedKeys(related) {
		rowIDs := maps.Keys(related[tableID])
		slices.Sort(rowIDs)
		if err := scratch.SyncTable(ctx, tableID, rowIDs); err != nil {
			return nil, err
		}
	}

	needMeta := false
	for _, a := range docActions {
		if actions.IsSchemaKind(a.Kind) || actions.IsStructuralTable(a.TableID) {
			needMeta = true
			break
		}
	}
	var metaScratch *docdata.DocData
	if needMeta {
		metaScratch = docdata.NewFromTables(e.deps.DocData.CloneTables(structuralTableIDs...))
	}

	if applied {
		// Rewind both scratches to the pre-bundle state.
		for i := len(undo) - 1; i >= 0; i-- {
			u := undo[i]
			ensureScratchTable(scratch, u)
			if err := scratch.ReceiveAction(u); err != nil {
				return nil, fmt.Errorf("rewind: %w", err)
			}
			if metaScratch != nil && actions.IsStructuralTable(u.TableID) {
				if err := metaScratch.ReceiveAction(u); err != nil {
					return nil, fmt.Errorf("rewind metadata: %w", err)
				}
			}
		}
	}

	var metaSnapshot map[string]*docdata.TableData
	if metaScratch != nil {
		metaSnapshot = snapshotMeta(metaScratch)
	}

	ruler := e.ruler
	replaceRuler := false
	steps := make([]*ActionStep, 0, len(docActions))
	for _, a := range docActions {
		// Adjacent ACL-table edits are batched: the rebuilt Ruler takes
		// over only when the run of ACL actions ends, so predicates never
		// see rules without their resources.
		if replaceRuler && !actions.IsACLTable(a.TableID) {
			ruler = newRuler(e.deps.Compiler, metaScratch)
			replaceRuler = false
		}
		step := &ActionStep{Action: actions.Clone(a), Ruler: ruler, MetaBefore: metaSnapshot}

		before := scratch.GetTable(a.TableID)
		if before == nil {
			before = docdata.NewTableData(a.TableID)
		} else {
			before = before.Clone()
		}
		step.RowsBefore = before

		ensureScratchTable(scratch, a)
		if err := scratch.ReceiveAction(a); err != nil {
			return nil, fmt.Errorf("step replay: %w", err)
		}
		if metaScratch != nil && actions.IsStructuralTable(a.TableID) {
			if err := metaScratch.ReceiveAction(a); err != nil {
				return nil, fmt.Errorf("step metadata replay: %w", err)
			}
			// Copy-on-write: share every table except the one just mutated.
			next := maps.Clone(metaSnapshot)
			if t := metaScratch.GetTable(a.TableID); t != nil {
				next[a.TableID] = t.Clone()
			} else {
				next[a.TableID] = docdata.NewTableData(a.TableID)
			}
			metaSnapshot = next
		}

		after := scratch.GetTable(a.TableID)
		if after == nil {
			// Table removed by this step; downstream reuses the pre-state.
			step.RowsAfter = step.RowsBefore
		} else {
			step.RowsAfter = after.Clone()
		}
		step.MetaAfter = metaSnapshot

		if actions.IsACLTable(a.TableID) {
			replaceRuler = true
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// ensureScratchTable materializes an empty snapshot for the action's table:
// a scratch only syncs tables with related rows, so a pure schema op may
// target a table the scratch never loaded.
func ensureScratchTable(d *docdata.DocData, a actions.DocAction) {
	if a.Kind == actions.AddTable {
		return
	}
	if d.GetTable(a.TableID) == nil {
		d.SetTable(docdata.NewTableData(a.TableID))
	}
}

// relatedRows maps each touched table to the set of row ids the bundle or
// its undo addresses.
func relatedRows(docActions, undo []actions.DocAction) map[string]map[int]bool {
	out := map[string]map[int]bool{}
	collect := func(list []actions.DocAction) {
		for _, a := range list {
			rowIDs := actions.TouchedRowIDs(a)
			if len(rowIDs) == 0 {
				continue
			}
			set := out[a.TableID]
			if set == nil {
				set = map[int]bool{}
				out[a.TableID] = set
			}
			for _, rowID := range rowIDs {
				set[rowID] = true
			}
		}
	}
	collect(docActions)
	collect(undo)
	return out
}

func snapshotMeta(d *docdata.DocData) map[string]*docdata.TableData {
	out := make(map[string]*docdata.TableData, len(structuralTableIDs))
	for _, tableID := range structuralTableIDs {
		if t := d.GetTable(tableID); t != nil {
			out[tableID] = t.Clone()
		} else {
			out[tableID] = docdata.NewTableData(tableID)
		}
	}
	return out
}

// lastRowsForTable resolves "newRec" for predicate evaluation: the final
// snapshot of the table across the rest of the bundle. This aliases row ids
// that are removed and re-added within one bundle and ignores column
// renames; the behavior is kept as-is.
func lastRowsForTable(steps []*ActionStep, from int, tableID string) *docdata.TableData {
	for i := len(steps) - 1; i >= from; i-- {
		if steps[i].Action.TableID == tableID {
			return steps[i].RowsAfter
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
