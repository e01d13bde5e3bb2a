/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package granular

import (
	"context"

	"github.com/StateraAI/grist-core/pkg/docdata"
	"github.com/StateraAI/grist-core/pkg/permissions"
	"github.com/StateraAI/grist-core/pkg/rules"
)

func (e *Engine) permInfoFor(ctx context.Context, session Session) (*PermissionInfo, error) {
	user, err := e.resolveUser(ctx, session, e.ruler)
	if err != nil {
		return nil, err
	}
	return e.ruler.PermissionInfo(session.ID(), user), nil
}

// HasTableAccess reports whether the viewer can see any part of a table.
// A mixed verdict counts as access: some rows may be visible.
func (e *Engine) HasTableAccess(ctx context.Context, session Session, tableID string) (bool, error) {
	pi, err := e.permInfoFor(ctx, session)
	if err != nil {
		return false, err
	}
	return pi.GetTableAccess(tableID).Get(permissions.AxisRead) != permissions.FlagDeny, nil
}

// HasQueryAccess gates a subscription query; today a query reveals exactly
// its table.
func (e *Engine) HasQueryAccess(ctx context.Context, session Session, query docdata.Query) (bool, error) {
	return e.HasTableAccess(ctx, session, query.TableID)
}

// HasNuancedAccess reports whether any rule can restrict this viewer:
// rules exist and the viewer is not an owner.
func (e *Engine) HasNuancedAccess(ctx context.Context, session Session) (bool, error) {
	if !e.ruler.Collection().HaveRules() {
		return false, nil
	}
	user, err := e.resolveUser(ctx, session, e.ruler)
	if err != nil {
		return false, err
	}
	return user.Access != permissions.RoleOwners, nil
}

// HasFullAccess is synonymous with ownership.
func (e *Engine) HasFullAccess(ctx context.Context, session Session) (bool, error) {
	user, err := e.resolveUser(ctx, session, e.ruler)
	if err != nil {
		return false, err
	}
	return user.Access == permissions.RoleOwners, nil
}

// CanReadEverything reports whether no rule anywhere can hide data from
// the viewer.
func (e *Engine) CanReadEverything(ctx context.Context, session Session) (bool, error) {
	pi, err := e.permInfoFor(ctx, session)
	if err != nil {
		return false, err
	}
	return pi.GetFullAccess().Get(permissions.AxisRead) == permissions.FlagAllow, nil
}

// CanCopyEverything allows full-document export: readers of everything or
// holders of the FullCopies pseudo-permission.
func (e *Engine) CanCopyEverything(ctx context.Context, session Session) (bool, error) {
	if ok, err := e.HasFullCopiesPermission(ctx, session); err != nil || ok {
		return ok, err
	}
	return e.CanReadEverything(ctx, session)
}

// CanScanData gates value probes (autocomplete, find). There is no
// dedicated permission bit; the composite owner-or-reads-everything check
// is kept for compatibility.
func (e *Engine) CanScanData(ctx context.Context, session Session) (bool, error) {
	if ok, err := e.HasFullAccess(ctx, session); err != nil || ok {
		return ok, err
	}
	return e.CanReadEverything(ctx, session)
}

// HasFullCopiesPermission checks the FullCopies pseudo-permission.
func (e *Engine) HasFullCopiesPermission(ctx context.Context, session Session) (bool, error) {
	return e.specialAllowed(ctx, session, rules.SpecialFullCopies)
}

// HasAccessRulesPermission checks the AccessRules pseudo-permission, which
// guards the ACL tables themselves.
func (e *Engine) HasAccessRulesPermission(ctx context.Context, session Session) (bool, error) {
	return e.specialAllowed(ctx, session, rules.SpecialAccessRules)
}

func (e *Engine) specialAllowed(ctx context.Context, session Session, name string) (bool, error) {
	pi, err := e.permInfoFor(ctx, session)
	if err != nil {
		return false, err
	}
	return pi.GetSpecialAccess(name).Get(permissions.AxisRead) == permissions.FlagAllow, nil
}

// GetUserOverride returns the impersonation identity in effect for the
// session, or nil.
func (e *Engine) GetUserOverride(ctx context.Context, session Session) (*FullUser, error) {
	attrs, err := e.userAttributesFor(ctx, session, e.ruler, true)
	if err != nil {
		return nil, err
	}
	return attrs.Override, nil
}
