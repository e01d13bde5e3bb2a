/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/StateraAI/grist-core/pkg/actions"
	"github.com/StateraAI/grist-core/pkg/docdata"
	"github.com/StateraAI/grist-core/pkg/permissions"
)

// RuleCollection holds the compiled rules of one document, bucketed by
// resource. Construction never fails: malformed input is collected into
// RuleError so the engine can degrade gracefully.
type RuleCollection struct {
	tableRules    map[string][]*AclRule
	columnRules   map[string]map[string][]*AclRule
	defaultRules  []*AclRule
	specialRules  map[string][]*AclRule
	userAttrRules []*UserAttributeRule
	resources     []Resource
	ruleError     error
}

// ReadRules builds a collection from a DocData holding the four structural
// tables, compiling every formula with the injected compiler.
func ReadRules(d *docdata.DocData, compiler Compiler) *RuleCollection {
	c := &RuleCollection{
		tableRules:   map[string][]*AclRule{},
		columnRules:  map[string]map[string][]*AclRule{},
		specialRules: map[string][]*AclRule{},
	}
	resources := readResources(d)
	ruleRows := d.GetTable(actions.TableACLRules)
	if ruleRows == nil {
		return c
	}

	type rawRule struct {
		origin   int
		resource int
		rule     *AclRule
		userAttr string
	}
	raw := make([]rawRule, 0, ruleRows.NumRows())
	for _, rowID := range ruleRows.RowIDs {
		raw = append(raw, rawRule{
			origin:   rowID,
			resource: asInt(ruleRows.Get(rowID, "resource")),
			userAttr: asString(ruleRows.Get(rowID, "userAttributes")),
			rule: &AclRule{
				Origin:     rowID,
				AclFormula: asString(ruleRows.Get(rowID, "aclFormula")),
				Memo:       asString(ruleRows.Get(rowID, "memo")),
				RulePos:    asFloat(ruleRows.Get(rowID, "rulePos")),
			},
		})
	}
	sort.SliceStable(raw, func(i, j int) bool {
		if raw[i].rule.RulePos != raw[j].rule.RulePos {
			return raw[i].rule.RulePos < raw[j].rule.RulePos
		}
		return raw[i].origin < raw[j].origin
	})

	for _, r := range raw {
		if r.userAttr != "" {
			c.addUserAttrRule(r.origin, r.userAttr)
			continue
		}
		resource, ok := resources[r.resource]
		if !ok {
			c.fail(fmt.Errorf("rule %d: %w: %d", r.origin, ErrResourceNotFound, r.resource))
			continue
		}
		r.rule.Resource = resource
		permsText := asString(d.GetTable(actions.TableACLRules).Get(r.origin, "permissionsText"))
		perms, err := permissions.Parse(permsText)
		if err != nil {
			c.fail(fmt.Errorf("rule %d: %w", r.origin, err))
			continue
		}
		r.rule.Permissions = perms
		if r.rule.AclFormula != "" {
			predicate, err := compiler.Compile(r.rule.AclFormula)
			if err != nil {
				c.fail(fmt.Errorf("rule %d: compile %q: %w", r.origin, r.rule.AclFormula, err))
				continue
			}
			r.rule.Predicate = predicate
		}
		c.bucket(r.rule)
	}
	return c
}

func (c *RuleCollection) fail(err error) {
	c.ruleError = errors.Join(c.ruleError, err)
}

func (c *RuleCollection) addUserAttrRule(origin int, payload string) {
	var parsed struct {
		Name        string `json:"name"`
		TableID     string `json:"tableId"`
		LookupColID string `json:"lookupColId"`
		CharID      string `json:"charId"`
	}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		c.fail(fmt.Errorf("rule %d: %w: %v", origin, ErrBadUserAttributes, err))
		return
	}
	if parsed.Name == "" || parsed.TableID == "" || parsed.LookupColID == "" || parsed.CharID == "" {
		c.fail(fmt.Errorf("rule %d: %w: incomplete", origin, ErrBadUserAttributes))
		return
	}
	c.userAttrRules = append(c.userAttrRules, &UserAttributeRule{
		Origin:      origin,
		Name:        parsed.Name,
		TableID:     parsed.TableID,
		LookupColID: parsed.LookupColID,
		CharID:      parsed.CharID,
	})
}

func (c *RuleCollection) bucket(r *AclRule) {
	c.resources = append(c.resources, r.Resource)
	switch {
	case r.Resource.TableID == SpecialTableID:
		for _, colID := range r.Resource.ColIDs {
			if !specialColIDs[colID] {
				c.fail(fmt.Errorf("rule %d: %w: %q", r.Origin, ErrBadSpecialResource, colID))
				continue
			}
			c.specialRules[colID] = append(c.specialRules[colID], r)
		}
	case r.Resource.IsWildcard():
		c.defaultRules = append(c.defaultRules, r)
	case len(r.Resource.ColIDs) == 0:
		c.tableRules[r.Resource.TableID] = append(c.tableRules[r.Resource.TableID], r)
	default:
		byCol := c.columnRules[r.Resource.TableID]
		if byCol == nil {
			byCol = map[string][]*AclRule{}
			c.columnRules[r.Resource.TableID] = byCol
		}
		for _, colID := range r.Resource.ColIDs {
			byCol[colID] = append(byCol[colID], r)
		}
	}
}

func readResources(d *docdata.DocData) map[int]Resource {
	out := map[int]Resource{}
	t := d.GetTable(actions.TableACLResources)
	if t == nil {
		return out
	}
	for _, rowID := range t.RowIDs {
		resource := Resource{TableID: asString(t.Get(rowID, "tableId"))}
		colIDs := asString(t.Get(rowID, "colIds"))
		if colIDs != "" && colIDs != "*" {
			resource.ColIDs = strings.Split(colIDs, ",")
		}
		out[rowID] = resource
	}
	return out
}

// HaveRules reports whether the document carries any granular rules.
func (c *RuleCollection) HaveRules() bool {
	return len(c.tableRules) > 0 || len(c.columnRules) > 0 ||
		len(c.defaultRules) > 0 || len(c.specialRules) > 0 ||
		len(c.userAttrRules) > 0
}

// RuleError returns the accumulated construction failures, if any.
func (c *RuleCollection) RuleError() error { return c.ruleError }

// GetUserAttributeRules returns the user-attribute rules in rule order.
func (c *RuleCollection) GetUserAttributeRules() []*UserAttributeRule {
	return c.userAttrRules
}

// UserAttrTableIDs returns the set of tables user-attribute rules read from.
func (c *RuleCollection) UserAttrTableIDs() map[string]bool {
	out := map[string]bool{}
	for _, r := range c.userAttrRules {
		out[r.TableID] = true
	}
	return out
}

// TableRules returns the table-wide rules for tableID.
func (c *RuleCollection) TableRules(tableID string) []*AclRule {
	return c.tableRules[tableID]
}

// ColumnRules returns the rules scoped to (tableID, colID).
func (c *RuleCollection) ColumnRules(tableID, colID string) []*AclRule {
	return c.columnRules[tableID][colID]
}

// DefaultRules returns the document-wide wildcard rules.
func (c *RuleCollection) DefaultRules() []*AclRule { return c.defaultRules }

// SpecialRules returns the rules granting a pseudo-permission.
func (c *RuleCollection) SpecialRules(name string) []*AclRule {
	return c.specialRules[name]
}

// ForEachScopedRule visits every rule scoped to a specific table or column,
// i.e. everything except wildcard and special rules.
func (c *RuleCollection) ForEachScopedRule(visit func(r *AclRule)) {
	for _, list := range c.tableRules {
		for _, r := range list {
			visit(r)
		}
	}
	for _, byCol := range c.columnRules {
		seen := map[int]bool{}
		for _, list := range byCol {
			for _, r := range list {
				if !seen[r.Origin] {
					seen[r.Origin] = true
					visit(r)
				}
			}
		}
	}
}

// TableHasColumnRules reports whether any column of tableID is individually
// ruled.
func (c *RuleCollection) TableHasColumnRules(tableID string) bool {
	return len(c.columnRules[tableID]) > 0
}

// TableHasRowRules reports whether access to tableID can depend on record
// contents.
func (c *RuleCollection) TableHasRowRules(tableID string) bool {
	for _, r := range c.tableRules[tableID] {
		if r.UsesRec() {
			return true
		}
	}
	for _, byCol := range c.columnRules[tableID] {
		for _, r := range byCol {
			if r.UsesRec() {
				return true
			}
		}
	}
	for _, r := range c.defaultRules {
		if r.UsesRec() {
			return true
		}
	}
	return false
}

// CheckDocEntities verifies that every rule resource references a live
// table and live columns.
func (c *RuleCollection) CheckDocEntities(d *docdata.DocData) error {
	tables := d.GetTable(actions.TableTables)
	columns := d.GetTable(actions.TableColumns)
	tableRowByID := map[string]int{}
	if tables != nil {
		for _, rowID := range tables.RowIDs {
			tableRowByID[asString(tables.Get(rowID, "tableId"))] = rowID
		}
	}
	var err error
	for _, resource := range c.resources {
		if resource.TableID == WildcardTableID || resource.TableID == SpecialTableID {
			continue
		}
		tableRow, ok := tableRowByID[resource.TableID]
		if !ok {
			err = errors.Join(err, fmt.Errorf("%w: %q", ErrUnknownTable, resource.TableID))
			continue
		}
		for _, colID := range resource.ColIDs {
			if !columnExists(columns, tableRow, colID) {
				err = errors.Join(err, fmt.Errorf("%w: %q.%q", ErrUnknownColumn, resource.TableID, colID))
			}
		}
	}
	return err
}

func columnExists(columns *docdata.TableData, tableRow int, colID string) bool {
	if columns == nil {
		return false
	}
	for _, rowID := range columns.RowIDs {
		if asInt(columns.Get(rowID, "parentId")) == tableRow &&
			asString(columns.Get(rowID, "colId")) == colID {
			return true
		}
	}
	return false
}
