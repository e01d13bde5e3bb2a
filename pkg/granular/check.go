/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package granular

import (
	"context"
	"fmt"

	"github.com/StateraAI/grist-core/pkg/actions"
	"github.com/StateraAI/grist-core/pkg/permissions"
)

type severity int

const (
	// severityCheck prunes what the verdict denies; mixed verdicts survive.
	severityCheck severity = iota
	// severityFatal turns an explicit denial into an ACL_DENY.
	severityFatal
)

// AccessCheck binds a permission axis to a severity. The same pruning code
// serves egress (drop what is denied) and ingress (throw on denial).
type AccessCheck struct {
	Axis     permissions.Axis
	Severity severity
}

// Get returns the raw verdict on the bound axis.
func (ac AccessCheck) Get(pc *permissions.WithContext) permissions.Flag {
	return pc.Get(ac.Axis)
}

// ThrowIfDenied surfaces an explicit denial as ACL_DENY, carrying the memos
// of the denying rules.
func (ac AccessCheck) ThrowIfDenied(pc *permissions.WithContext) error {
	if pc.Get(ac.Axis) != permissions.FlagDeny {
		return nil
	}
	return NewDenyError(
		fmt.Sprintf("blocked by %s rule on %s", pc.RuleType, ac.Axis),
		pc.GetMemos(ac.Axis)...)
}

// axisForAction maps a DocAction to the permission axis it is judged on.
func axisForAction(a actions.DocAction) permissions.Axis {
	if actions.IsStructuralTable(a.TableID) {
		return permissions.AxisSchemaEdit
	}
	switch a.Kind {
	case actions.UpdateRecord, actions.BulkUpdateRecord:
		return permissions.AxisUpdate
	case actions.RemoveRecord, actions.BulkRemoveRecord:
		return permissions.AxisDelete
	case actions.AddRecord, actions.BulkAddRecord, actions.ReplaceTableData, actions.TableDataAction:
		return permissions.AxisCreate
	}
	return permissions.AxisSchemaEdit
}

// checkIncomingDocAction is the pre-apply assertion for one DocAction.
// Mixed verdicts pass: they are decided per row on the way out.
func (e *Engine) checkIncomingDocAction(pi *PermissionInfo, a actions.DocAction) error {
	check := AccessCheck{Axis: axisForAction(a), Severity: severityFatal}
	if actions.IsStructuralTable(a.TableID) {
		return check.ThrowIfDenied(pi.GetFullAccess())
	}
	if err := check.ThrowIfDenied(pi.GetTableAccess(a.TableID)); err != nil {
		return err
	}
	if actions.IsCellCarrying(a.Kind) {
		_, err := pruneColumns(a, pi, check)
		return err
	}
	if actions.IsSchemaKind(a.Kind) {
		// The SchemaEdit pseudo-permission can lock down schema edits
		// document-wide.
		if err := check.ThrowIfDenied(pi.GetFullAccess()); err != nil {
			return err
		}
		if a.ColID != "" {
			return check.ThrowIfDenied(pi.GetColumnAccess(a.TableID, a.ColID))
		}
	}
	return nil
}

// AssertCanMaybeApplyUserActions classifies user actions before lowering:
// true means allowed, false means undecidable without lowering; a hard
// denial is returned as ACL_DENY.
func (e *Engine) AssertCanMaybeApplyUserActions(ctx context.Context, session Session, userActions []actions.UserAction) (bool, error) {
	if !e.ruler.Collection().HaveRules() {
		return true, nil
	}
	user, err := e.resolveUser(ctx, session, e.ruler)
	if err != nil {
		return false, err
	}
	pi := e.ruler.PermissionInfo(session.ID(), user)
	return e.checkUserActions(pi, userActions)
}

func (e *Engine) checkUserActions(pi *PermissionInfo, userActions []actions.UserAction) (bool, error) {
	decidable := true
	for _, ua := range userActions {
		switch {
		case ua.Name == actions.ApplyUndoActions || ua.Name == actions.ApplyDocActions:
			if len(ua.Args) > 0 {
				if nested, ok := ua.Args[0].([]actions.UserAction); ok {
					nestedOK, err := e.checkUserActions(pi, nested)
					if err != nil {
						return false, err
					}
					decidable = decidable && nestedOK
				}
			}
		case actions.OKUserActions[ua.Name]:
			// Always allowed.
		case actions.SpecialUserActions[ua.Name]:
			if e.nuancedFor(pi) {
				return false, NewDenyError(fmt.Sprintf("%s is blocked by access rules", ua.Name))
			}
		case actions.SurprisingUserActions[ua.Name]:
			if pi.User().Access != permissions.RoleOwners {
				return false, NewDenyError(fmt.Sprintf("%s requires full access", ua.Name))
			}
		case actions.IsDataKind(actions.Kind(ua.Name)):
			da, ok := docActionFromUserAction(ua)
			if !ok {
				decidable = false
				continue
			}
			if err := e.checkIncomingDocAction(pi, da); err != nil {
				return false, err
			}
		default:
			// Needs lowering before it can be judged.
			decidable = false
		}
	}
	return decidable, nil
}

// nuancedFor reports whether the user carries any restriction beyond the
// plain role, i.e. rules exist and the user is not an owner.
func (e *Engine) nuancedFor(pi *PermissionInfo) bool {
	return e.ruler.Collection().HaveRules() && pi.User().Access != permissions.RoleOwners
}

// docActionFromUserAction reconstructs the doc-shaped payload of a data
// UserAction: [tableID, rowIds, colValues] for bulk shapes, [tableID,
// rowId, colValues] for singletons.
func docActionFromUserAction(ua actions.UserAction) (actions.DocAction, bool) {
	kind := actions.Kind(ua.Name)
	da := actions.DocAction{Kind: kind, TableID: actions.UserActionTableID(ua)}
	if da.TableID == "" {
		return da, false
	}
	if len(ua.Args) > 1 {
		switch ids := ua.Args[1].(type) {
		case int:
			da.RowIDs = []int{ids}
		case []int:
			da.RowIDs = ids
		}
	}
	if len(ua.Args) > 2 {
		switch cols := ua.Args[2].(type) {
		case map[string][]actions.CellValue:
			da.Columns = cols
		case map[string]actions.CellValue:
			da.Columns = map[string][]actions.CellValue{}
			for colID, value := range cols {
				da.Columns[colID] = []actions.CellValue{value}
			}
		}
	}
	return da, true
}
