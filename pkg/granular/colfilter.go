/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package granular

import (
	"github.com/StateraAI/grist-core/pkg/actions"
	"github.com/StateraAI/grist-core/pkg/permissions"
)

// pruneColumns rewrites one action per the viewer's column permissions.
// With severityCheck it returns the pruned action (nil when nothing
// remains); with severityFatal it leaves the action alone and errors on the
// first denied column. manualSort is always preserved.
func pruneColumns(a actions.DocAction, pi *PermissionInfo, check AccessCheck) (*actions.DocAction, error) {
	switch {
	case actions.IsCellCarrying(a.Kind):
		out := actions.Clone(a)
		for colID := range a.Columns {
			if colID == actions.ManualSortColID {
				continue
			}
			pc := pi.GetColumnAccess(a.TableID, colID)
			if check.Severity == severityFatal {
				if err := check.ThrowIfDenied(pc); err != nil {
					return nil, err
				}
				continue
			}
			if check.Get(pc) == permissions.FlagDeny {
				// Mixed survives here: per-row censoring already took care
				// of rec-dependent columns.
				delete(out.Columns, colID)
			}
		}
		if check.Severity == severityCheck && !hasPayloadColumns(out) {
			return nil, nil
		}
		return &out, nil

	case a.Kind == actions.AddColumn, a.Kind == actions.RemoveColumn,
		a.Kind == actions.RenameColumn, a.Kind == actions.ModifyColumn:
		pc := pi.GetColumnAccess(a.TableID, a.ColID)
		if check.Severity == severityFatal {
			if err := check.ThrowIfDenied(pc); err != nil {
				return nil, err
			}
			return &a, nil
		}
		if check.Get(pc) == permissions.FlagDeny {
			return nil, nil
		}
		out := actions.Clone(a)
		return &out, nil

	default:
		// Pure removals and remaining schema ops carry no cells.
		out := actions.Clone(a)
		return &out, nil
	}
}

// hasPayloadColumns reports whether any real column remains besides
// manualSort.
func hasPayloadColumns(a actions.DocAction) bool {
	for colID := range a.Columns {
		if colID != actions.ManualSortColID {
			return true
		}
	}
	return false
}
