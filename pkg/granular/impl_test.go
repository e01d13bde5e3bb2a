/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package granular

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/StateraAI/grist-core/pkg/actions"
	"github.com/StateraAI/grist-core/pkg/permissions"
	"github.com/StateraAI/grist-core/pkg/rules"
)

func TestDenyReadColumn(t *testing.T) {
	require := require.New(t)
	f := newFixture(t,
		[]aclResource{{tableID: "T", colIDs: "secret"}},
		[]aclRow{{resource: 1, formula: `user.Access != "owners"`, perms: "-R", memo: "top secret"}})
	ownerCol := f.subscribe(ownerSession())
	editorCol := f.subscribe(editorSession())

	bundle := []actions.DocAction{{
		Kind: actions.BulkAddRecord, TableID: "T", RowIDs: []int{1, 2},
		Columns: map[string][]actions.CellValue{
			"public": {"a", "b"},
			"secret": {"x", "y"},
		},
	}}
	undo := []actions.DocAction{{Kind: actions.BulkRemoveRecord, TableID: "T", RowIDs: []int{1, 2}}}
	require.NoError(f.runBundle(ownerSession(), nil, bundle, undo))

	require.Len(editorCol.msgs, 1)
	require.Len(editorCol.msgs[0].DocActions, 1)
	got := editorCol.msgs[0].DocActions[0]
	require.Equal(actions.BulkAddRecord, got.Kind)
	require.Equal([]int{1, 2}, got.RowIDs)
	require.Equal([]actions.CellValue{"a", "b"}, got.Columns["public"])
	require.NotContains(got.Columns, "secret")

	require.Len(ownerCol.msgs, 1)
	ownerGot := ownerCol.msgs[0].DocActions[0]
	require.Equal([]actions.CellValue{"x", "y"}, ownerGot.Columns["secret"])
}

// statusRules hide rows of T whose status is not "open" from non-owners.
func statusRules() ([]aclResource, []aclRow) {
	return []aclResource{{tableID: "T", colIDs: ""}},
		[]aclRow{
			{resource: 1, formula: `rec.status == "open"`, perms: "+R"},
			{resource: 1, formula: `user.Access != "owners"`, perms: "-R", memo: "only open records"},
		}
}

func TestRowBecomesVisibleViaUpdate(t *testing.T) {
	require := require.New(t)
	resources, ruleRows := statusRules()
	f := newFixture(t, resources, ruleRows)
	f.seedRows("T", []int{5}, map[string][]actions.CellValue{
		"status": {"draft"}, "note": {""},
	})
	editorCol := f.subscribe(editorSession())

	bundle := []actions.DocAction{{
		Kind: actions.UpdateRecord, TableID: "T", RowIDs: []int{5},
		Columns: map[string][]actions.CellValue{"status": {"open"}, "note": {"ok"}},
	}}
	undo := []actions.DocAction{{
		Kind: actions.UpdateRecord, TableID: "T", RowIDs: []int{5},
		Columns: map[string][]actions.CellValue{"status": {"draft"}, "note": {""}},
	}}
	require.NoError(f.runBundle(ownerSession(), nil, bundle, undo))

	require.Len(editorCol.msgs, 1)
	require.Len(editorCol.msgs[0].DocActions, 1)
	got := editorCol.msgs[0].DocActions[0]
	require.Equal(actions.BulkAddRecord, got.Kind)
	require.Equal("T", got.TableID)
	require.Equal([]int{5}, got.RowIDs)
	require.Equal([]actions.CellValue{"open"}, got.Columns["status"])
	require.Equal([]actions.CellValue{"ok"}, got.Columns["note"])
}

func TestRowBecomesHiddenViaUpdate(t *testing.T) {
	require := require.New(t)
	resources, ruleRows := statusRules()
	f := newFixture(t, resources, ruleRows)
	f.seedRows("T", []int{7}, map[string][]actions.CellValue{
		"status": {"open"}, "note": {"visible"},
	})
	editorCol := f.subscribe(editorSession())

	bundle := []actions.DocAction{{
		Kind: actions.UpdateRecord, TableID: "T", RowIDs: []int{7},
		Columns: map[string][]actions.CellValue{"status": {"archived"}},
	}}
	undo := []actions.DocAction{{
		Kind: actions.UpdateRecord, TableID: "T", RowIDs: []int{7},
		Columns: map[string][]actions.CellValue{"status": {"open"}},
	}}
	require.NoError(f.runBundle(ownerSession(), nil, bundle, undo))

	require.Len(editorCol.msgs, 1)
	require.Equal([]actions.DocAction{
		{Kind: actions.BulkRemoveRecord, TableID: "T", RowIDs: []int{7}},
	}, editorCol.msgs[0].DocActions)
}

func TestRuleEditBundleForcesReload(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, []aclResource{{tableID: "T", colIDs: ""}}, nil)
	ownerCol := f.subscribe(ownerSession())
	editorCol := f.subscribe(editorSession())

	userActions := []actions.UserAction{{Name: "AddRecord", Args: []interface{}{actions.TableACLRules}}}
	bundle := []actions.DocAction{{
		Kind: actions.AddRecord, TableID: actions.TableACLRules, RowIDs: []int{1},
		Columns: map[string][]actions.CellValue{
			"resource":        {1},
			"aclFormula":      {"True"},
			"permissionsText": {"-U"},
			"memo":            {""},
			"userAttributes":  {""},
			"rulePos":         {1.0},
		},
	}}
	undo := []actions.DocAction{{Kind: actions.RemoveRecord, TableID: actions.TableACLRules, RowIDs: []int{1}}}
	require.NoError(f.runBundle(ownerSession(), userActions, bundle, undo))

	for _, col := range []*collector{ownerCol, editorCol} {
		require.Empty(col.msgs)
		require.Len(col.errs, 1)
		require.True(IsNeedReload(col.errs[0]))
	}
	// The new rule is in force after the bundle finishes.
	require.True(f.engine.ruler.Collection().HaveRules())
}

func TestDeliberateRuleChangeRequiresOwner(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, []aclResource{{tableID: "T", colIDs: ""}}, nil)
	userActions := []actions.UserAction{{Name: "UpdateRecord", Args: []interface{}{actions.TableACLResources}}}
	err := f.runBundle(editorSession(), userActions, nil, nil)
	require.Error(err)
	require.True(IsDenyError(err))
}

func TestImpersonation(t *testing.T) {
	require := require.New(t)
	resources, ruleRows := statusRules()
	f := newFixture(t, resources, ruleRows)
	ctx := context.Background()

	t.Run("owner may impersonate", func(t *testing.T) {
		session := ownerSession()
		session.linkParams = map[string]string{LinkParamAsUserID: "42"}
		override, err := f.engine.GetUserOverride(ctx, session)
		require.NoError(err)
		require.NotNil(override)
		require.Equal(42, override.UserID)
		require.Equal(permissions.RoleViewers, override.Access)
		full, err := f.engine.HasFullAccess(ctx, session)
		require.NoError(err)
		require.False(full)
	})

	t.Run("non-owner impersonator is denied", func(t *testing.T) {
		session := editorSession()
		session.id = "s-editor-imp"
		session.linkParams = map[string]string{LinkParamAsUserID: "42"}
		_, err := f.engine.AssertCanMaybeApplyUserActions(ctx, session, []actions.UserAction{
			{Name: "AddRecord", Args: []interface{}{"T", 9, map[string]actions.CellValue{"status": "open"}}},
		})
		require.Error(err)
		require.True(IsDenyError(err))
	})
}

func TestStructuralCensorshipOnOpen(t *testing.T) {
	require := require.New(t)
	f := newFixture(t,
		[]aclResource{{tableID: "B", colIDs: ""}},
		[]aclRow{{resource: 1, formula: `user.Access != "owners"`, perms: "-R"}})
	ctx := context.Background()

	tables := f.db.CloneTables(structuralTableIDs...)
	out, err := f.engine.FilterMetaTables(ctx, editorSession(), tables)
	require.NoError(err)

	metaTables := out[actions.TableTables]
	require.Equal([]actions.CellValue{"T", "A", ""}, metaTables.Columns["tableId"])

	cols := out[actions.TableColumns]
	// Column b1 (row 6) belongs to B and is blanked.
	require.Equal("", cols.Get(6, "colId"))
	require.Equal("Any", cols.Get(6, "type"))
	require.Equal(0, cols.Get(6, "parentId"))
	require.Equal("a1", cols.Get(5, "colId"))

	sections := out[actions.TableSections]
	require.Equal("", sections.Get(2, "title"))
	require.Equal(0, sections.Get(2, "tableRef"))
	require.Equal("SecA", sections.Get(1, "title"))

	views := out[actions.TableViews]
	require.Equal("", views.Get(2, "name"))
	require.Equal("ViewA", views.Get(1, "name"))

	fields := out[actions.TableFields]
	require.Equal(0, fields.Get(2, "parentId"))
	require.Equal("{}", fields.Get(1, "widgetOptions"))

	// P3: ACL payloads are empty for non-owners.
	require.Empty(out[actions.TableACLRules].RowIDs)
	require.Empty(out[actions.TableACLResources].RowIDs)

	// The owner keeps everything.
	ownerOut, err := f.engine.FilterMetaTables(ctx, ownerSession(), tables)
	require.NoError(err)
	require.Equal([]actions.CellValue{"T", "A", "B"}, ownerOut[actions.TableTables].Columns["tableId"])
	require.NotEmpty(ownerOut[actions.TableACLResources].RowIDs)
}

func TestCalculatePassesRegardlessOfRules(t *testing.T) {
	require := require.New(t)
	resources, ruleRows := statusRules()
	f := newFixture(t, resources, ruleRows)
	ok, err := f.engine.AssertCanMaybeApplyUserActions(context.Background(), editorSession(),
		[]actions.UserAction{{Name: "Calculate"}})
	require.NoError(err)
	require.True(ok)
}

func TestIngressDenialCarriesMemo(t *testing.T) {
	require := require.New(t)
	f := newFixture(t,
		[]aclResource{{tableID: "T", colIDs: "secret"}},
		[]aclRow{{resource: 1, formula: `user.Access != "owners"`, perms: "-RU", memo: "top secret"}})
	_, err := f.engine.AssertCanMaybeApplyUserActions(context.Background(), editorSession(),
		[]actions.UserAction{{Name: "UpdateRecord", Args: []interface{}{"T", 1, map[string]actions.CellValue{"secret": "w"}}}})
	require.Error(err)
	var ae *AccessError
	require.ErrorAs(err, &ae)
	require.Equal(CodeACLDeny, ae.Code)
	require.Contains(ae.Memos, "top secret")
}

func TestSpecialAndSurprisingActions(t *testing.T) {
	require := require.New(t)
	resources, ruleRows := statusRules()
	f := newFixture(t, resources, ruleRows)
	ctx := context.Background()

	t.Run("special action blocked for nuanced user", func(t *testing.T) {
		_, err := f.engine.AssertCanMaybeApplyUserActions(ctx, editorSession(),
			[]actions.UserAction{{Name: "AddView"}})
		require.True(IsDenyError(err))
	})
	t.Run("surprising action needs full access", func(t *testing.T) {
		_, err := f.engine.AssertCanMaybeApplyUserActions(ctx, editorSession(),
			[]actions.UserAction{{Name: "RemoveView"}})
		require.True(IsDenyError(err))
		ok, err := f.engine.AssertCanMaybeApplyUserActions(ctx, ownerSession(),
			[]actions.UserAction{{Name: "RemoveView"}})
		require.NoError(err)
		require.True(ok)
	})
	t.Run("unknown action is undecidable", func(t *testing.T) {
		ok, err := f.engine.AssertCanMaybeApplyUserActions(ctx, ownerSession(),
			[]actions.UserAction{{Name: "SomeNovelAction"}})
		require.NoError(err)
		require.False(ok)
	})
}

func TestFilterIdempotence(t *testing.T) {
	require := require.New(t)
	resources, ruleRows := statusRules()
	f := newFixture(t, resources, ruleRows)
	f.seedRows("T", []int{5, 6}, map[string][]actions.CellValue{
		"status": {"open", "draft"}, "note": {"n5", "n6"},
	})
	ctx := context.Background()
	e := f.engine

	bundle := []actions.DocAction{{
		Kind: actions.BulkUpdateRecord, TableID: "T", RowIDs: []int{5, 6},
		Columns: map[string][]actions.CellValue{"note": {"n5b", "n6b"}},
	}}
	undo := []actions.DocAction{{
		Kind: actions.BulkUpdateRecord, TableID: "T", RowIDs: []int{5, 6},
		Columns: map[string][]actions.CellValue{"note": {"n5", "n6"}},
	}}
	require.NoError(e.Begin(ownerSession(), nil, bundle, undo))
	require.NoError(e.CanApplyBundle(ctx))
	for _, a := range bundle {
		require.NoError(f.db.ReceiveAction(a))
	}
	require.NoError(e.AppliedBundle())

	editor := editorSession()
	once, err := e.FilterOutgoingDocActions(ctx, editor, bundle)
	require.NoError(err)
	// Row 6 is hidden throughout: only row 5's update survives.
	require.Len(once, 1)
	require.Equal([]int{5}, once[0].RowIDs)

	twice, err := e.FilterOutgoingDocActions(ctx, editor, once)
	require.NoError(err)
	require.Equal(once, twice)

	e.FinishedBundle()
}

func TestBundlePhases(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	e := f.engine

	require.NoError(e.Begin(ownerSession(), nil, nil, nil))
	require.ErrorIs(e.Begin(ownerSession(), nil, nil, nil), ErrBundleInProgress)
	require.ErrorIs(e.AppliedBundle(), ErrBadBundlePhase)
	require.NoError(e.CanApplyBundle(ctx))
	require.ErrorIs(e.CanApplyBundle(ctx), ErrBadBundlePhase)
	require.NoError(e.AppliedBundle())
	require.NoError(e.SendDocUpdateForBundle(ctx, nil))

	// P7: finishing restores idle whatever happened.
	e.FinishedBundle()
	require.Nil(e.bundle)
	require.Nil(e.prevUserAttrs)
	require.NoError(e.Begin(ownerSession(), nil, nil, nil))
	e.FinishedBundle()
	// FinishedBundle is idempotent.
	e.FinishedBundle()
}

func TestUserAttributeChangeForcesReload(t *testing.T) {
	require := require.New(t)
	f := newFixture(t,
		[]aclResource{{tableID: "T", colIDs: ""}},
		[]aclRow{
			{resource: 1, userAttrs: `{"name":"Profile","tableId":"T","lookupColId":"public","charId":"Email"}`},
			{resource: 1, formula: `user.Profile.note == "admin"`, perms: "+R"},
			{resource: 1, formula: `user.Access != "owners"`, perms: "-R"},
		})
	f.seedRows("T", []int{1}, map[string][]actions.CellValue{
		"public": {"editor@example.com"}, "note": {"admin"},
	})
	editor := editorSession()
	editorCol := f.subscribe(editor)
	ctx := context.Background()

	// Warm the editor's attribute cache.
	_, err := f.engine.HasTableAccess(ctx, editor, "T")
	require.NoError(err)

	bundle := []actions.DocAction{{
		Kind: actions.UpdateRecord, TableID: "T", RowIDs: []int{1},
		Columns: map[string][]actions.CellValue{"public": {"someone-else@example.com"}},
	}}
	undo := []actions.DocAction{{
		Kind: actions.UpdateRecord, TableID: "T", RowIDs: []int{1},
		Columns: map[string][]actions.CellValue{"public": {"editor@example.com"}},
	}}
	require.NoError(f.runBundle(ownerSession(), nil, bundle, undo))

	require.Empty(editorCol.msgs)
	require.Len(editorCol.errs, 1)
	require.True(IsNeedReload(editorCol.errs[0]))
}

func TestCapabilities(t *testing.T) {
	require := require.New(t)
	resources, ruleRows := statusRules()
	f := newFixture(t, resources, ruleRows)
	ctx := context.Background()
	owner, editor := ownerSession(), editorSession()

	full, err := f.engine.HasFullAccess(ctx, owner)
	require.NoError(err)
	require.True(full)

	nuanced, err := f.engine.HasNuancedAccess(ctx, editor)
	require.NoError(err)
	require.True(nuanced)
	nuanced, err = f.engine.HasNuancedAccess(ctx, owner)
	require.NoError(err)
	require.False(nuanced)

	readAll, err := f.engine.CanReadEverything(ctx, editor)
	require.NoError(err)
	require.False(readAll)
	scan, err := f.engine.CanScanData(ctx, owner)
	require.NoError(err)
	require.True(scan)
	scan, err = f.engine.CanScanData(ctx, editor)
	require.NoError(err)
	require.False(scan)

	access, err := f.engine.HasTableAccess(ctx, editor, "T")
	require.NoError(err)
	require.True(access) // mixed counts as access

	hasACL, err := f.engine.HasAccessRulesPermission(ctx, editor)
	require.NoError(err)
	require.False(hasACL)
	hasACL, err = f.engine.HasAccessRulesPermission(ctx, owner)
	require.NoError(err)
	require.True(hasACL)
}

func TestSchemaEditSpecialRule(t *testing.T) {
	require := require.New(t)
	f := newFixture(t,
		[]aclResource{{tableID: rules.SpecialTableID, colIDs: rules.SpecialSchemaEdit}},
		[]aclRow{{resource: 1, formula: `user.Access != "owners"`, perms: "-S", memo: "schema locked"}})

	bundle := []actions.DocAction{{Kind: actions.AddColumn, TableID: "T", ColID: "extra"}}
	undo := []actions.DocAction{{Kind: actions.RemoveColumn, TableID: "T", ColID: "extra"}}

	err := f.runBundle(editorSession(), nil, bundle, undo)
	require.Error(err)
	var ae *AccessError
	require.ErrorAs(err, &ae)
	require.Equal(CodeACLDeny, ae.Code)
	require.Contains(ae.Memos, "schema locked")

	// Structural-table actions are gated by the same pseudo-permission.
	_, err = f.engine.AssertCanMaybeApplyUserActions(context.Background(), editorSession(),
		[]actions.UserAction{{Name: "AddRecord", Args: []interface{}{actions.TableViews, 9, map[string]actions.CellValue{"name": "V"}}}})
	require.True(IsDenyError(err))

	require.NoError(f.runBundle(ownerSession(), nil, bundle, undo))
	require.Contains(f.db.GetTable("T").Columns, "extra")
}

func TestFilterActionGroup(t *testing.T) {
	require := require.New(t)
	resources, ruleRows := statusRules()
	f := newFixture(t, resources, ruleRows)
	ctx := context.Background()
	ag := &ActionGroup{ActionNum: 3, User: "someone", Desc: "secret description", ActionSummary: "sum"}

	got := f.engine.FilterActionGroup(ctx, editorSession(), ag)
	require.Empty(got.Desc)
	require.Nil(got.ActionSummary)
	require.Equal(3, got.ActionNum)

	got = f.engine.FilterActionGroup(ctx, ownerSession(), ag)
	require.Equal("secret description", got.Desc)
}
