/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package granular

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/StateraAI/grist-core/pkg/actions"
	"github.com/StateraAI/grist-core/pkg/docdata"
	"github.com/StateraAI/grist-core/pkg/permissions"
	"github.com/StateraAI/grist-core/pkg/rules"
)

// testCompiler compiles the tiny formula subset the tests use:
//
//	rec.<col> == "lit"     rec.<col> != "lit"
//	newRec.<col> == "lit"  user.<path> == "lit"  user.<path> != "lit"
//	True
type testCompiler struct{}

type testPredicate struct {
	left    string
	negate  bool
	literal string
	usesRec bool
}

func (testCompiler) Compile(formula string) (rules.Predicate, error) {
	if formula == "True" {
		return &testPredicate{left: "True"}, nil
	}
	op := " == "
	negate := false
	if strings.Contains(formula, " != ") {
		op = " != "
		negate = true
	} else if !strings.Contains(formula, " == ") {
		return nil, fmt.Errorf("unsupported formula %q", formula)
	}
	parts := strings.SplitN(formula, op, 2)
	left := strings.TrimSpace(parts[0])
	literal := strings.Trim(strings.TrimSpace(parts[1]), `"`)
	usesRec := strings.HasPrefix(left, "rec.") || strings.HasPrefix(left, "newRec.")
	return &testPredicate{left: left, negate: negate, literal: literal, usesRec: usesRec}, nil
}

func (p *testPredicate) UsesRec() bool { return p.usesRec }

func (p *testPredicate) Eval(ctx rules.EvalContext) (bool, error) {
	if p.left == "True" {
		return true, nil
	}
	var value interface{}
	switch {
	case strings.HasPrefix(p.left, "rec."):
		if ctx.Rec == nil {
			return false, errors.New("rec is not in scope")
		}
		value = ctx.Rec.Get(strings.TrimPrefix(p.left, "rec."))
	case strings.HasPrefix(p.left, "newRec."):
		if ctx.NewRec == nil {
			return false, nil
		}
		value = ctx.NewRec.Get(strings.TrimPrefix(p.left, "newRec."))
	case strings.HasPrefix(p.left, "user."):
		value = ctx.User.Get(strings.TrimPrefix(p.left, "user."))
	default:
		return false, fmt.Errorf("unsupported reference %q", p.left)
	}
	equal := fmt.Sprint(value) == p.literal
	return equal != p.negate, nil
}

// testSession implements Session and Authorizer.
type testSession struct {
	id         string
	role       permissions.Role
	identity   UserIdentity
	linkParams map[string]string
}

func (s *testSession) ID() string { return s.id }

func (s *testSession) Authorizer() Authorizer { return s }

func (s *testSession) LinkParameters() map[string]string {
	if s.linkParams == nil {
		return map[string]string{}
	}
	return s.linkParams
}

func (s *testSession) Origin() string { return "test" }

func (s *testSession) Role() permissions.Role { return s.role }

func (s *testSession) User() UserIdentity { return s.identity }

// testHomeDB resolves impersonation targets from a fixed map.
type testHomeDB struct {
	byID map[int]*FullUser
}

func (h *testHomeDB) UserByID(id int) (*FullUser, error) { return h.byID[id], nil }

func (h *testHomeDB) UserByEmail(email string) (*FullUser, error) {
	for _, u := range h.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}

// collector captures what one subscriber receives.
type collector struct {
	msgs []OutgoingMessage
	errs []error
}

// fetchFrom serves queries straight from a DocData, matching filters by
// cell equality ("id" matches the row id).
func fetchFrom(db *docdata.DocData) docdata.FetchQueryFunc {
	return func(ctx context.Context, q docdata.Query) (*docdata.TableData, error) {
		src := db.GetTable(q.TableID)
		out := docdata.NewTableData(q.TableID)
		if src == nil {
			return out, nil
		}
		for colID := range src.Columns {
			out.Columns[colID] = nil
		}
		for _, rowID := range src.RowIDs {
			if !rowMatches(src, rowID, q.Filters) {
				continue
			}
			out.RowIDs = append(out.RowIDs, rowID)
			for colID := range src.Columns {
				out.Columns[colID] = append(out.Columns[colID], src.Get(rowID, colID))
			}
		}
		return out, nil
	}
}

func rowMatches(t *docdata.TableData, rowID int, filters map[string][]actions.CellValue) bool {
	for colID, allowed := range filters {
		cell := t.Get(rowID, colID)
		found := false
		for _, v := range allowed {
			if fmt.Sprint(cell) == fmt.Sprint(v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// aclRow describes one row of _grist_ACLRules for fixtures.
type aclRow struct {
	resource  int
	formula   string
	perms     string
	memo      string
	userAttrs string
}

// aclResource describes one row of _grist_ACLResources.
type aclResource struct {
	tableID string
	colIDs  string
}

// fixture builds a document with one data table T {status, note, public,
// secret}, presentation metadata for tables A and B, and the given rules.
type fixture struct {
	t      *testing.T
	db     *docdata.DocData
	engine *Engine
	bcast  *MemBroadcaster
}

func newFixture(t *testing.T, resources []aclResource, ruleRows []aclRow) *fixture {
	db := docdata.New(nil)

	tables := docdata.NewTableData(actions.TableTables, "tableId")
	tables.RowIDs = []int{1, 2, 3}
	tables.Columns["tableId"] = []actions.CellValue{"T", "A", "B"}
	db.SetTable(tables)

	columns := docdata.NewTableData(actions.TableColumns, "parentId", "colId", "label", "type", "widgetOptions", "formula")
	addCol := func(rowID, parent int, colID string) {
		columns.RowIDs = append(columns.RowIDs, rowID)
		columns.Columns["parentId"] = append(columns.Columns["parentId"], parent)
		columns.Columns["colId"] = append(columns.Columns["colId"], colID)
		columns.Columns["label"] = append(columns.Columns["label"], colID)
		columns.Columns["type"] = append(columns.Columns["type"], "Text")
		columns.Columns["widgetOptions"] = append(columns.Columns["widgetOptions"], "{}")
		columns.Columns["formula"] = append(columns.Columns["formula"], "")
	}
	addCol(1, 1, "status")
	addCol(2, 1, "note")
	addCol(3, 1, "public")
	addCol(4, 1, "secret")
	addCol(5, 2, "a1")
	addCol(6, 3, "b1")
	db.SetTable(columns)

	views := docdata.NewTableData(actions.TableViews, "name")
	views.RowIDs = []int{1, 2}
	views.Columns["name"] = []actions.CellValue{"ViewA", "ViewB"}
	db.SetTable(views)

	sections := docdata.NewTableData(actions.TableSections, "parentId", "tableRef", "title")
	sections.RowIDs = []int{1, 2}
	sections.Columns["parentId"] = []actions.CellValue{1, 2}
	sections.Columns["tableRef"] = []actions.CellValue{2, 3}
	sections.Columns["title"] = []actions.CellValue{"SecA", "SecB"}
	db.SetTable(sections)

	fields := docdata.NewTableData(actions.TableFields, "parentId", "colRef", "widgetOptions", "filter")
	fields.RowIDs = []int{1, 2}
	fields.Columns["parentId"] = []actions.CellValue{1, 2}
	fields.Columns["colRef"] = []actions.CellValue{5, 6}
	fields.Columns["widgetOptions"] = []actions.CellValue{"{}", "{}"}
	fields.Columns["filter"] = []actions.CellValue{"", ""}
	db.SetTable(fields)

	resTable := docdata.NewTableData(actions.TableACLResources, "tableId", "colIds")
	for i, r := range resources {
		resTable.RowIDs = append(resTable.RowIDs, i+1)
		resTable.Columns["tableId"] = append(resTable.Columns["tableId"], r.tableID)
		resTable.Columns["colIds"] = append(resTable.Columns["colIds"], r.colIDs)
	}
	db.SetTable(resTable)

	rulesTable := docdata.NewTableData(actions.TableACLRules,
		"resource", "aclFormula", "permissionsText", "memo", "userAttributes", "rulePos")
	for i, r := range ruleRows {
		rulesTable.RowIDs = append(rulesTable.RowIDs, i+1)
		rulesTable.Columns["resource"] = append(rulesTable.Columns["resource"], r.resource)
		rulesTable.Columns["aclFormula"] = append(rulesTable.Columns["aclFormula"], r.formula)
		rulesTable.Columns["permissionsText"] = append(rulesTable.Columns["permissionsText"], r.perms)
		rulesTable.Columns["memo"] = append(rulesTable.Columns["memo"], r.memo)
		rulesTable.Columns["userAttributes"] = append(rulesTable.Columns["userAttributes"], r.userAttrs)
		rulesTable.Columns["rulePos"] = append(rulesTable.Columns["rulePos"], float64(i+1))
	}
	db.SetTable(rulesTable)

	dataT := docdata.NewTableData("T", "status", "note", "public", "secret")
	db.SetTable(dataT)

	bcast := NewMemBroadcaster()
	engine, err := Provide(Dependencies{
		DocData:     db,
		FetchFromDB: fetchFrom(db),
		Compiler:    testCompiler{},
		HomeDB:      &testHomeDB{byID: map[int]*FullUser{42: {UserID: 42, Email: "zed@example.com", Name: "Zed", Access: permissions.RoleViewers}}},
		Broadcaster: bcast,
	})
	require.NoError(t, err)
	return &fixture{t: t, db: db, engine: engine, bcast: bcast}
}

func (f *fixture) subscribe(session Session) *collector {
	c := &collector{}
	cleanup := f.bcast.Subscribe(session,
		func(msg OutgoingMessage) error { c.msgs = append(c.msgs, msg); return nil },
		func(err error) { c.errs = append(c.errs, err) })
	f.t.Cleanup(cleanup)
	return c
}

func ownerSession() *testSession {
	return &testSession{id: "s-owner", role: permissions.RoleOwners, identity: UserIdentity{UserID: 1, Email: "owner@example.com", Name: "Owner"}}
}

func editorSession() *testSession {
	return &testSession{id: "s-editor", role: permissions.RoleEditors, identity: UserIdentity{UserID: 2, Email: "editor@example.com", Name: "Editor"}}
}

// runBundle drives a committed bundle end to end: begin, verify, commit to
// the live doc, applied, broadcast, finished.
func (f *fixture) runBundle(session Session, userActions []actions.UserAction, docActions, undo []actions.DocAction) error {
	e := f.engine
	if err := e.Begin(session, userActions, docActions, undo); err != nil {
		return err
	}
	ctx := context.Background()
	if err := e.CanApplyBundle(ctx); err != nil {
		e.FinishedBundle()
		return err
	}
	for _, a := range docActions {
		if err := f.db.ReceiveAction(a); err != nil {
			e.FinishedBundle()
			return err
		}
	}
	if err := e.AppliedBundle(); err != nil {
		e.FinishedBundle()
		return err
	}
	err := e.SendDocUpdateForBundle(ctx, &ActionGroup{ActionNum: 7, User: "tester", Desc: "test bundle", ActionSummary: "summary"})
	e.FinishedBundle()
	return err
}

// seedRows inserts rows directly into the live document, bypassing the
// engine (pre-existing state).
func (f *fixture) seedRows(tableID string, rowIDs []int, columns map[string][]actions.CellValue) {
	err := f.db.ReceiveAction(actions.DocAction{
		Kind: actions.BulkAddRecord, TableID: tableID, RowIDs: rowIDs, Columns: columns,
	})
	require.NoError(f.t, err)
}
