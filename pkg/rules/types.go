/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package rules

import (
	"strings"

	"github.com/StateraAI/grist-core/pkg/actions"
	"github.com/StateraAI/grist-core/pkg/docdata"
	"github.com/StateraAI/grist-core/pkg/permissions"
)

// UserInfo is the evaluated identity of a session: base fields plus the
// dynamic attributes produced by user-attribute rules.
type UserInfo struct {
	Access  permissions.Role
	UserID  int
	Email   string
	Name    string
	Origin  string
	LinkKey map[string]string

	// Attributes holds user-attribute rule results (docdata.RecordView) and
	// anything else the resolver attaches.
	Attributes map[string]interface{}
}

// BuiltinUserFields are the field names a user-attribute rule may not shadow.
var BuiltinUserFields = map[string]bool{
	"Access":  true,
	"UserID":  true,
	"Email":   true,
	"Name":    true,
	"Origin":  true,
	"LinkKey": true,
}

// Get resolves a dotted path such as "Email" or "Team.Location" against the
// user. Unknown segments yield nil.
func (u *UserInfo) Get(path string) interface{} {
	segments := strings.Split(path, ".")
	var cur interface{}
	switch segments[0] {
	case "Access":
		cur = string(u.Access)
	case "UserID":
		cur = u.UserID
	case "Email":
		cur = u.Email
	case "Name":
		cur = u.Name
	case "Origin":
		cur = u.Origin
	case "LinkKey":
		cur = u.LinkKey
	default:
		cur = u.Attributes[segments[0]]
	}
	for _, segment := range segments[1:] {
		switch v := cur.(type) {
		case docdata.RecordView:
			cur = v.Get(segment)
		case map[string]interface{}:
			cur = v[segment]
		case map[string]string:
			cur = v[segment]
		default:
			return nil
		}
	}
	return cur
}

// EvalContext is the input of a compiled rule predicate. Rec and NewRec are
// nil when no concrete record is in scope.
type EvalContext struct {
	User   *UserInfo
	Rec    *docdata.RecordView
	NewRec *docdata.RecordView
}

// Predicate is a compiled rule formula.
type Predicate interface {
	// Eval decides whether the rule applies in the given context.
	Eval(ctx EvalContext) (bool, error)
	// UsesRec reports whether the formula references rec or newRec, i.e.
	// whether it can only be decided with a concrete record.
	UsesRec() bool
}

// Compiler turns a formula text into a predicate over {user, rec, newRec}.
type Compiler interface {
	Compile(formula string) (Predicate, error)
}

// Resource addresses the scope of a rule: one table (ColIDs nil) or a set
// of its columns. TableID "*" is the document default; SpecialTableID hosts
// the pseudo-permissions.
type Resource struct {
	TableID string
	ColIDs  []string
}

// IsWildcard reports whether the resource covers the whole document.
func (r Resource) IsWildcard() bool { return r.TableID == WildcardTableID }

// AclRule is one compiled rule: a predicate plus the permission delta it
// contributes on match.
type AclRule struct {
	Origin      int // row id in _grist_ACLRules
	Resource    Resource
	AclFormula  string
	Predicate   Predicate // nil predicate always matches
	Permissions permissions.PermissionSet
	Memo        string
	RulePos     float64
}

// UsesRec reports whether the rule needs a concrete record to be decided.
func (r *AclRule) UsesRec() bool {
	return r.Predicate != nil && r.Predicate.UsesRec()
}

// UserAttributeRule attaches a looked-up record to the user object under
// Name: the row of TableID whose LookupColID equals user.<CharID>.
type UserAttributeRule struct {
	Origin      int
	Name        string
	TableID     string
	LookupColID string
	CharID      string
}

// MiniDoc collects the four structural tables a RuleCollection is built
// from.
func MiniDoc(d *docdata.DocData) map[string]*docdata.TableData {
	return map[string]*docdata.TableData{
		actions.TableTables:       d.GetTable(actions.TableTables),
		actions.TableColumns:      d.GetTable(actions.TableColumns),
		actions.TableACLResources: d.GetTable(actions.TableACLResources),
		actions.TableACLRules:     d.GetTable(actions.TableACLRules),
	}
}
