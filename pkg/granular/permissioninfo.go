/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package granular

import (
	"fmt"

	"github.com/untillpro/goutils/logger"

	"github.com/StateraAI/grist-core/pkg/docdata"
	"github.com/StateraAI/grist-core/pkg/permissions"
	"github.com/StateraAI/grist-core/pkg/rules"
)

// PermissionInfo evaluates rule verdicts for one user, optionally with a
// concrete record in scope. Without a record, rules whose formulas reference
// rec contribute "mixed", meaning decide per row. Results are memoized per
// resource.
type PermissionInfo struct {
	coll   *rules.RuleCollection
	user   *rules.UserInfo
	rec    *docdata.RecordView
	newRec *docdata.RecordView

	tableCache   map[string]*permissions.WithContext
	colCache     map[string]*permissions.WithContext
	specialCache map[string]*permissions.WithContext
	fullCache    *permissions.WithContext
}

func newPermissionInfo(coll *rules.RuleCollection, user *rules.UserInfo, rec, newRec *docdata.RecordView) *PermissionInfo {
	return &PermissionInfo{
		coll:         coll,
		user:         user,
		rec:          rec,
		newRec:       newRec,
		tableCache:   map[string]*permissions.WithContext{},
		colCache:     map[string]*permissions.WithContext{},
		specialCache: map[string]*permissions.WithContext{},
	}
}

// User returns the identity this info evaluates for.
func (p *PermissionInfo) User() *rules.UserInfo { return p.user }

// forRecord derives an evaluator with a concrete record in scope, sharing
// the rule collection but not the memo caches.
func (p *PermissionInfo) forRecord(rec, newRec *docdata.RecordView) *PermissionInfo {
	return newPermissionInfo(p.coll, p.user, rec, newRec)
}

// GetTableAccess returns the verdict for a whole table.
func (p *PermissionInfo) GetTableAccess(tableID string) *permissions.WithContext {
	if cached, ok := p.tableCache[tableID]; ok {
		return cached
	}
	ruleType := permissions.RuleTypeTable
	if p.rec != nil {
		ruleType = permissions.RuleTypeRow
	}
	result := p.evalRules(ruleType, p.coll.TableRules(tableID), p.coll.DefaultRules())
	p.tableCache[tableID] = result
	return result
}

// GetColumnAccess returns the verdict for one column: column rules shadow
// table rules, which shadow the document default.
func (p *PermissionInfo) GetColumnAccess(tableID, colID string) *permissions.WithContext {
	key := tableID + "\x00" + colID
	if cached, ok := p.colCache[key]; ok {
		return cached
	}
	result := p.evalRules(permissions.RuleTypeColumn,
		p.coll.ColumnRules(tableID, colID), p.coll.TableRules(tableID), p.coll.DefaultRules())
	p.colCache[key] = result
	return result
}

// GetSpecialAccess returns the verdict for a pseudo-permission such as
// AccessRules or FullCopies. The default grants them to owners only.
func (p *PermissionInfo) GetSpecialAccess(name string) *permissions.WithContext {
	if cached, ok := p.specialCache[name]; ok {
		return cached
	}
	result := p.evalRuleList(permissions.RuleTypeSpecial, specialDefault(p.user.Access), p.coll.SpecialRules(name))
	p.specialCache[name] = result
	return result
}

// GetFullAccess summarizes access over the whole document: a bit is allow
// only when no rule anywhere can deny it.
func (p *PermissionInfo) GetFullAccess() *permissions.WithContext {
	if p.fullCache != nil {
		return p.fullCache
	}
	result := &permissions.WithContext{RuleType: permissions.RuleTypeDefault}
	// The SchemaEdit pseudo-permission governs the schemaEdit axis
	// document-wide and outranks scoped rules there.
	p.applyRulesOnAxis(result, p.coll.SpecialRules(rules.SpecialSchemaEdit), permissions.AxisSchemaEdit)
	// Scoped rules constrain parts of the document: any reachable denial
	// makes the document-wide bit mixed.
	p.mergeScopedDenials(result)
	p.applyRules(result, p.coll.DefaultRules())
	result.Perms.MergeUnset(permissions.DefaultSet(p.user.Access))
	p.fullCache = result
	return result
}

func (p *PermissionInfo) evalRules(ruleType permissions.RuleType, ruleLists ...[]*rules.AclRule) *permissions.WithContext {
	return p.evalRuleList(ruleType, permissions.DefaultSet(p.user.Access), ruleLists...)
}

func (p *PermissionInfo) evalRuleList(ruleType permissions.RuleType, defaults permissions.PermissionSet, ruleLists ...[]*rules.AclRule) *permissions.WithContext {
	result := &permissions.WithContext{RuleType: ruleType}
	for _, list := range ruleLists {
		p.applyRules(result, list)
	}
	result.Perms.MergeUnset(defaults)
	return result
}

// applyRules folds a rule list into the verdict, first explicit wins per
// bit. A rule that cannot be decided without a record contributes mixed.
func (p *PermissionInfo) applyRules(result *permissions.WithContext, list []*rules.AclRule) {
	for _, rule := range list {
		matched, certain, failed := p.match(rule)
		if certain && !matched {
			continue
		}
		for _, axis := range permissions.Axes {
			delta := rule.Permissions.Get(axis)
			if delta == permissions.FlagUnset {
				continue
			}
			if failed && delta != permissions.FlagDeny {
				// A broken formula may deny, never grant.
				continue
			}
			if result.Perms.Get(axis) == permissions.FlagUnset {
				if certain {
					result.Perms.Set(axis, delta)
				} else {
					result.Perms.Set(axis, permissions.FlagMixed)
				}
			}
			if delta == permissions.FlagDeny {
				result.AddMemo(axis, rule.Memo)
			}
		}
	}
}

// applyRulesOnAxis folds a rule list into a single axis of the verdict,
// first explicit wins; the rules' other axes are ignored.
func (p *PermissionInfo) applyRulesOnAxis(result *permissions.WithContext, list []*rules.AclRule, axis permissions.Axis) {
	for _, rule := range list {
		matched, certain, failed := p.match(rule)
		if certain && !matched {
			continue
		}
		delta := rule.Permissions.Get(axis)
		if delta == permissions.FlagUnset {
			continue
		}
		if failed && delta != permissions.FlagDeny {
			continue
		}
		if result.Perms.Get(axis) == permissions.FlagUnset {
			if certain {
				result.Perms.Set(axis, delta)
			} else {
				result.Perms.Set(axis, permissions.FlagMixed)
			}
		}
		if delta == permissions.FlagDeny {
			result.AddMemo(axis, rule.Memo)
		}
	}
}

// mergeScopedDenials marks every bit mixed that some table- or
// column-scoped rule may deny somewhere in the document.
func (p *PermissionInfo) mergeScopedDenials(result *permissions.WithContext) {
	p.coll.ForEachScopedRule(func(rule *rules.AclRule) {
		matched, certain, _ := p.match(rule)
		if certain && !matched {
			return
		}
		for _, axis := range permissions.Axes {
			if rule.Permissions.Get(axis) != permissions.FlagDeny {
				continue
			}
			if result.Perms.Get(axis) == permissions.FlagUnset {
				result.Perms.Set(axis, permissions.FlagMixed)
			}
			result.AddMemo(axis, rule.Memo)
		}
	})
}

// match evaluates a rule's predicate in the current context. certain=false
// means the rule needs a record that is not in scope. Evaluation errors
// fail closed: the rule counts as matched, but only its denials apply.
func (p *PermissionInfo) match(rule *rules.AclRule) (matched, certain, failed bool) {
	if rule.Predicate == nil {
		return true, true, false
	}
	if rule.UsesRec() && p.rec == nil {
		return false, false, false
	}
	ok, err := rule.Predicate.Eval(rules.EvalContext{User: p.user, Rec: p.rec, NewRec: p.newRec})
	if err != nil {
		logger.Warning(fmt.Sprintf("rule %d formula %q failed: %v", rule.Origin, rule.AclFormula, err))
		return true, true, true
	}
	return ok, true, false
}

func specialDefault(role permissions.Role) permissions.PermissionSet {
	flag := permissions.FlagDeny
	if role == permissions.RoleOwners {
		flag = permissions.FlagAllow
	}
	return permissions.PermissionSet{
		Read: flag, Update: flag, Create: flag, Delete: flag, SchemaEdit: flag,
	}
}
