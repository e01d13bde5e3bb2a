/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package granular

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/erni27/imcache"
	"github.com/untillpro/goutils/logger"

	"github.com/StateraAI/grist-core/pkg/docdata"
	"github.com/StateraAI/grist-core/pkg/permissions"
	"github.com/StateraAI/grist-core/pkg/rules"
)

// userAttributes is the cached per-session state the resolver derives:
// the impersonation override and the rows matched by user-attribute rules.
type userAttributes struct {
	Override *FullUser
	Rows     map[string]*docdata.TableData
}

// resolveUser produces the UserInfo rule evaluation runs against: base
// identity, impersonation override, then rule-driven attributes.
func (e *Engine) resolveUser(ctx context.Context, session Session, ruler *Ruler) (*rules.UserInfo, error) {
	coll := ruler.Collection()
	if err := coll.RuleError(); err != nil && !e.deps.RecoveryMode {
		return nil, fmt.Errorf("%w: %v", ErrRuleError, err)
	}
	attrs, err := e.userAttributesFor(ctx, session, ruler, true)
	if err != nil {
		return nil, err
	}
	user := e.buildUserInfo(session, coll, attrs)
	if coll.RuleError() != nil && user.Access != permissions.RoleOwners {
		// Recovery mode: only owners keep access while rules are broken.
		user.Access = permissions.RoleNone
	}
	return user, nil
}

func (e *Engine) buildUserInfo(session Session, coll *rules.RuleCollection, attrs *userAttributes) *rules.UserInfo {
	base := session.Authorizer()
	identity := base.User()
	user := &rules.UserInfo{
		Access:     base.Role(),
		UserID:     identity.UserID,
		Email:      identity.Email,
		Name:       identity.Name,
		Origin:     session.Origin(),
		LinkKey:    session.LinkParameters(),
		Attributes: map[string]interface{}{},
	}
	if attrs.Override != nil {
		user.Access = attrs.Override.Access
		user.UserID = attrs.Override.UserID
		user.Email = attrs.Override.Email
		user.Name = attrs.Override.Name
	}
	for _, rule := range coll.GetUserAttributeRules() {
		t, ok := attrs.Rows[rule.Name]
		if !ok {
			continue
		}
		if t.NumRows() > 0 {
			user.Attributes[rule.Name] = docdata.NewRecordView(t, 0)
		} else {
			user.Attributes[rule.Name] = docdata.EmptyRecordView(t)
		}
	}
	return user
}

// userAttributesFor returns the session's attribute state, from the cache
// when allowed. The cache is keyed by session identity only (entries
// survive until the session is released or expires).
func (e *Engine) userAttributesFor(ctx context.Context, session Session, ruler *Ruler, useCache bool) (*userAttributes, error) {
	if useCache {
		if cached, ok := e.userAttrs.Get(session.ID()); ok {
			return cached, nil
		}
	}
	attrs, err := e.computeUserAttributes(ctx, session, ruler)
	if err != nil {
		return nil, err
	}
	e.userAttrs.Set(session.ID(), attrs, imcache.WithSlidingExpiration(userAttrTTL))
	return attrs, nil
}

func (e *Engine) computeUserAttributes(ctx context.Context, session Session, ruler *Ruler) (*userAttributes, error) {
	attrs := &userAttributes{Rows: map[string]*docdata.TableData{}}
	override, err := e.resolveOverride(session)
	if err != nil {
		return nil, err
	}
	attrs.Override = override

	// Attributes resolve sequentially so later rules may reference earlier
	// ones through dotted paths.
	scratch := e.buildUserInfo(session, ruler.Collection(), attrs)
	for _, rule := range ruler.Collection().GetUserAttributeRules() {
		if rules.BuiltinUserFields[rule.Name] {
			logger.Warning(fmt.Sprintf("user-attribute rule %d shadows built-in field %q, ignored", rule.Origin, rule.Name))
			continue
		}
		value := scratch.Get(rule.CharID)
		t, err := e.deps.FetchFromDB(ctx, docdata.Query{
			TableID: rule.TableID,
			Filters: map[string][]interface{}{rule.LookupColID: {value}},
		})
		if err != nil {
			logger.Warning(fmt.Sprintf("user-attribute rule %d query on %q failed: %v", rule.Origin, rule.TableID, err))
			t = docdata.NewTableData(rule.TableID)
		}
		if t == nil {
			t = docdata.NewTableData(rule.TableID)
		}
		attrs.Rows[rule.Name] = t
		if t.NumRows() > 0 {
			scratch.Attributes[rule.Name] = docdata.NewRecordView(t, 0)
		} else {
			scratch.Attributes[rule.Name] = docdata.EmptyRecordView(t)
		}
	}
	return attrs, nil
}

// resolveOverride handles the aclAsUserId / aclAsUser link parameters. Only
// owners may impersonate; anyone else ends up with no access at all. An
// unknown target likewise resolves to null access.
func (e *Engine) resolveOverride(session Session) (*FullUser, error) {
	lp := session.LinkParameters()
	asUserID, haveID := lp[LinkParamAsUserID]
	asUser, haveEmail := lp[LinkParamAsUser]
	if !haveID && !haveEmail {
		return nil, nil
	}
	if session.Authorizer().Role() != permissions.RoleOwners {
		logger.Warning(fmt.Sprintf("session %s attempted impersonation without ownership", session.ID()))
		return &FullUser{Access: permissions.RoleNone}, nil
	}
	if e.deps.HomeDB == nil {
		return &FullUser{Access: permissions.RoleNone}, nil
	}
	var target *FullUser
	var err error
	if haveID {
		id, convErr := strconv.Atoi(asUserID)
		if convErr != nil {
			return &FullUser{Access: permissions.RoleNone}, nil
		}
		target, err = e.deps.HomeDB.UserByID(id)
	} else {
		target, err = e.deps.HomeDB.UserByEmail(asUser)
	}
	if err != nil {
		return nil, fmt.Errorf("impersonation lookup: %w", err)
	}
	if target == nil {
		return &FullUser{Access: permissions.RoleNone}, nil
	}
	return target, nil
}

// checkUserAttributes guards every outgoing filter between applied and
// finished: if the bundle touched a user-attribute source table, a viewer
// whose attributes changed must reload instead of receiving a stream their
// old rules filtered.
func (e *Engine) checkUserAttributes(ctx context.Context, session Session, ruler *Ruler) error {
	if e.prevUserAttrs == nil {
		return nil
	}
	prev, ok := e.prevUserAttrs[session.ID()]
	if !ok {
		return nil
	}
	fresh, err := e.userAttributesFor(ctx, session, ruler, false)
	if err != nil {
		return err
	}
	if stableJSON(prev) != stableJSON(fresh) {
		return NewNeedReload("user attributes changed")
	}
	return nil
}

func stableJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("!%v", err)
	}
	return string(b)
}
