/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package granular

import (
	"context"
	"fmt"
	"net/http"
	"reflect"

	"github.com/erni27/imcache"
	"github.com/untillpro/goutils/logger"

	"github.com/StateraAI/grist-core/pkg/actions"
	"github.com/StateraAI/grist-core/pkg/docdata"
	"github.com/StateraAI/grist-core/pkg/permissions"
	"github.com/StateraAI/grist-core/pkg/rules"
)

// Engine enforces per-row, per-column and per-table access on a document
// mutated by concurrent clients. It sits between the data engine and the
// broadcast layer: it gates incoming bundles and censors outgoing streams
// per viewer. Calls are serialized by the host; bundles never overlap.
type Engine struct {
	deps  Dependencies
	ruler *Ruler

	// userAttrs is keyed by session identity only; entries survive until
	// the session is released or the sliding TTL expires.
	userAttrs *imcache.Cache[string, *userAttributes]
	// prevUserAttrs is non-nil only between appliedBundle and
	// finishedBundle, and only when a user-attribute source was mutated.
	prevUserAttrs map[string]*userAttributes

	phase  bundlePhase
	bundle *bundle
}

// bundle is one atomic set of DocActions with its undo stream, tracked
// through the four phases.
type bundle struct {
	session     Session
	userActions []actions.UserAction
	docActions  []actions.DocAction
	undo        []actions.DocAction
	applied     bool

	hasDeliberateRuleChange bool
	ruleChange              bool
	schemaChange            bool
	userAttrChange          bool

	steps     []*ActionStep
	stepsErr  error
	stepsDone bool

	// filtered caches each viewer's rewritten stream for the lifetime of
	// the bundle; it also lets an already-filtered stream pass unchanged.
	filtered map[string][]actions.DocAction
}

// Begin opens a bundle. Exactly one bundle may be active; overlap is a
// host bug and is rejected.
func (e *Engine) Begin(session Session, userActions []actions.UserAction, docActions, undo []actions.DocAction) error {
	if e.phase != phaseIdle {
		return fmt.Errorf("%w (phase %s)", ErrBundleInProgress, e.phase)
	}
	b := &bundle{
		session:     session,
		userActions: userActions,
		docActions:  docActions,
		undo:        undo,
		filtered:    map[string][]actions.DocAction{},
	}
	// A deliberate rule change names an ACL table in the user actions
	// themselves, as opposed to incidentally touching one while lowering.
	actions.ScanUserActions(userActions, func(ua actions.UserAction) bool {
		if actions.IsACLTable(actions.UserActionTableID(ua)) {
			b.hasDeliberateRuleChange = true
			return false
		}
		return true
	})
	userAttrTables := e.ruler.Collection().UserAttrTableIDs()
	for _, a := range docActions {
		if actions.IsACLTable(a.TableID) {
			b.ruleChange = true
		}
		if actions.IsSchemaKind(a.Kind) || actions.IsStructuralTable(a.TableID) {
			b.schemaChange = true
		}
		if userAttrTables[a.TableID] {
			b.userAttrChange = true
		}
	}
	e.bundle = b
	e.phase = phaseOpen
	return nil
}

// CanApplyBundle decides whether the open bundle may be committed.
func (e *Engine) CanApplyBundle(ctx context.Context) error {
	if e.phase != phaseOpen {
		return fmt.Errorf("%w: CanApplyBundle in phase %s", ErrBadBundlePhase, e.phase)
	}
	b := e.bundle
	user, err := e.resolveUser(ctx, b.session, e.ruler)
	if err != nil {
		return err
	}
	if b.hasDeliberateRuleChange && user.Access != permissions.RoleOwners {
		return NewDenyError("only owners can modify access rules")
	}
	coll := e.ruler.Collection()
	if coll.HaveRules() {
		pi := e.ruler.PermissionInfo(b.session.ID(), user)
		for _, a := range b.docActions {
			if err := e.checkIncomingDocAction(pi, a); err != nil {
				return err
			}
		}
	}
	if b.ruleChange {
		// Simulate the rule rebuild: a commit that cannot be loaded back
		// would force the whole document into recovery mode.
		if err := e.simulateRuleRebuild(b.docActions); err != nil {
			return err
		}
	}
	e.phase = phaseVerified
	return nil
}

func (e *Engine) simulateRuleRebuild(docActions []actions.DocAction) error {
	sandbox := docdata.NewFromTables(e.deps.DocData.CloneTables(structuralTableIDs...))
	for _, a := range docActions {
		if !actions.IsStructuralTable(a.TableID) {
			continue
		}
		if err := sandbox.ReceiveAction(a); err != nil {
			return NewAPIError(http.StatusBadRequest, fmt.Sprintf("cannot apply rule change: %v", err))
		}
	}
	simulated := rules.ReadRules(docdata.NewFromTables(rules.MiniDoc(sandbox)), e.deps.Compiler)
	if err := simulated.RuleError(); err != nil {
		return NewAPIError(http.StatusBadRequest, fmt.Sprintf("invalid rule change: %v", err))
	}
	if err := simulated.CheckDocEntities(sandbox); err != nil {
		return NewAPIError(http.StatusBadRequest, fmt.Sprintf("rule change references missing entities: %v", err))
	}
	return nil
}

// AppliedBundle records that the host committed the verified bundle.
func (e *Engine) AppliedBundle() error {
	if e.phase != phaseVerified {
		return fmt.Errorf("%w: AppliedBundle in phase %s", ErrBadBundlePhase, e.phase)
	}
	b := e.bundle
	b.applied = true
	e.phase = phaseApplied
	if b.userAttrChange {
		// Keep the old attribute snapshots for the reload guard, start a
		// fresh map for re-evaluation.
		e.prevUserAttrs = e.userAttrs.GetAll()
		e.userAttrs = imcache.New[string, *userAttributes]()
	}
	if b.userAttrChange || b.schemaChange {
		e.ruler.ClearCache()
	}
	return nil
}

// SendDocUpdateForBundle broadcasts the applied bundle, rewriting the
// stream per subscriber. A deliberate rule change sends NEED_RELOAD to
// everyone instead of any actions.
func (e *Engine) SendDocUpdateForBundle(ctx context.Context, actionGroup *ActionGroup) error {
	if e.phase != phaseApplied {
		return fmt.Errorf("%w: SendDocUpdateForBundle in phase %s", ErrBadBundlePhase, e.phase)
	}
	b := e.bundle
	if b.hasDeliberateRuleChange {
		return e.deps.Broadcaster.ForEachSubscriber(func(sub Subscriber) error {
			sub.SendError(NewNeedReload("access rules changed"))
			return nil
		})
	}
	if _, err := e.getSteps(ctx); err != nil {
		return err
	}
	return e.deps.Broadcaster.ForEachSubscriber(func(sub Subscriber) error {
		session := sub.Session()
		filtered, err := e.filteredForViewer(ctx, session)
		if err != nil {
			sub.SendError(err)
			return nil
		}
		if err := sub.Send(OutgoingMessage{
			Type:        messageTypeDocUserAction,
			ActionGroup: e.filterActionGroupFor(ctx, session, actionGroup),
			DocActions:  filtered,
		}); err != nil {
			logger.Warning(fmt.Sprintf("delivery to session %s failed: %v", session.ID(), err))
		}
		return nil
	})
}

// FinishedBundle discards the bundle and, when it was applied, refreshes
// the rule state. Safe to call in any phase, including after failures.
func (e *Engine) FinishedBundle() {
	b := e.bundle
	if b != nil && b.applied && (b.ruleChange || b.schemaChange) {
		e.ruler.Update(e.deps.DocData)
		if err := e.ruler.Collection().RuleError(); err != nil {
			logger.Warning(fmt.Sprintf("rules failed to load after bundle: %v", err))
		}
	}
	e.bundle = nil
	e.prevUserAttrs = nil
	e.phase = phaseIdle
}

// Update rebuilds rules from the current document state and clears all
// session caches. Returns the rule error, if any (nil in recovery mode
// only suppresses resolution failures, not reporting).
func (e *Engine) Update() error {
	e.ruler.Update(e.deps.DocData)
	e.userAttrs.RemoveAll()
	return e.ruler.Collection().RuleError()
}

// ReleaseSession drops every cache entry held for a session. Hosts must
// call this when a session closes.
func (e *Engine) ReleaseSession(session Session) {
	e.userAttrs.Remove(session.ID())
	e.ruler.DropSession(session.ID())
}

// filteredForViewer computes (once per bundle and viewer) the censored
// action stream.
func (e *Engine) filteredForViewer(ctx context.Context, session Session) ([]actions.DocAction, error) {
	b := e.bundle
	if cached, ok := b.filtered[session.ID()]; ok {
		return cached, nil
	}
	steps, err := e.getSteps(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.checkUserAttributes(ctx, session, e.ruler); err != nil {
		return nil, err
	}
	out := make([]actions.DocAction, 0, len(steps))
	for idx, step := range steps {
		user, err := e.resolveUser(ctx, session, step.Ruler)
		if err != nil {
			return nil, err
		}
		pi := step.Ruler.PermissionInfo(session.ID(), user)
		hasAccessRules := pi.GetSpecialAccess(rules.SpecialAccessRules).Get(permissions.AxisRead) == permissions.FlagAllow
		acts, err := e.filterStepForViewer(steps, idx, pi, hasAccessRules)
		if err != nil {
			return nil, err
		}
		out = append(out, acts...)
	}
	b.filtered[session.ID()] = out
	return out, nil
}

// FilterOutgoingDocActions is the broadcast gate: it rewrites a committed
// stream for one viewer. Re-filtering an already-filtered stream is a
// no-op.
func (e *Engine) FilterOutgoingDocActions(ctx context.Context, session Session, docActions []actions.DocAction) ([]actions.DocAction, error) {
	if b := e.bundle; b != nil && b.applied {
		filtered, err := e.filteredForViewer(ctx, session)
		if err != nil {
			return nil, err
		}
		if actionsEqual(docActions, b.docActions) {
			return filtered, nil
		}
		if actionsEqual(docActions, filtered) {
			return docActions, nil
		}
	}
	return e.filterStandalone(ctx, session, docActions)
}

// filterStandalone censors actions against the live document state, with
// no before/after differential: visibility pruning and cell censoring
// only. Removals pass through; they reveal nothing but a row id.
func (e *Engine) filterStandalone(ctx context.Context, session Session, docActions []actions.DocAction) ([]actions.DocAction, error) {
	user, err := e.resolveUser(ctx, session, e.ruler)
	if err != nil {
		return nil, err
	}
	pi := e.ruler.PermissionInfo(session.ID(), user)
	hasAccessRules := pi.GetSpecialAccess(rules.SpecialAccessRules).Get(permissions.AxisRead) == permissions.FlagAllow
	meta := e.deps.DocData.CloneTables(structuralTableIDs...)
	ci := newCensorshipInfo(meta, pi)

	out := make([]actions.DocAction, 0, len(docActions))
	for _, a := range docActions {
		if actions.IsStructuralTable(a.TableID) {
			act := actions.Clone(a)
			ci.Apply(&act, hasAccessRules)
			out = append(out, act)
			continue
		}
		tableRead := pi.GetTableAccess(a.TableID).Get(permissions.AxisRead)
		if tableRead == permissions.FlagDeny {
			continue
		}
		if actions.IsRemoveKind(a.Kind) {
			out = append(out, actions.Clone(a))
			continue
		}
		live := e.deps.DocData.GetTable(a.TableID)
		if live == nil {
			live = docdata.NewTableData(a.TableID)
		}
		step := &ActionStep{Action: actions.Clone(a), RowsBefore: live, RowsAfter: live, Ruler: e.ruler}
		acts, err := e.filterStepForViewer([]*ActionStep{step}, 0, pi, hasAccessRules)
		if err != nil {
			return nil, err
		}
		out = append(out, acts...)
	}
	return out, nil
}

// FilterActionGroup suppresses the action summary and description for
// viewers who cannot read everything.
func (e *Engine) FilterActionGroup(ctx context.Context, session Session, actionGroup *ActionGroup) *ActionGroup {
	return e.filterActionGroupFor(ctx, session, actionGroup)
}

func (e *Engine) filterActionGroupFor(ctx context.Context, session Session, actionGroup *ActionGroup) *ActionGroup {
	if actionGroup == nil {
		return nil
	}
	canRead, err := e.CanReadEverything(ctx, session)
	if err != nil || !canRead {
		out := *actionGroup
		out.Desc = ""
		out.ActionSummary = nil
		return &out
	}
	return actionGroup
}

// FilterMetaTables censors the structural-table bundle handed to a client
// at doc-open. The input tables are not modified.
func (e *Engine) FilterMetaTables(ctx context.Context, session Session, tables map[string]*docdata.TableData) (map[string]*docdata.TableData, error) {
	pi, err := e.permInfoFor(ctx, session)
	if err != nil {
		return nil, err
	}
	hasAccessRules := pi.GetSpecialAccess(rules.SpecialAccessRules).Get(permissions.AxisRead) == permissions.FlagAllow
	ci := newCensorshipInfo(tables, pi)
	out := make(map[string]*docdata.TableData, len(tables))
	for tableID, t := range tables {
		clone := t.Clone()
		act := clone.ToAction()
		ci.Apply(&act, hasAccessRules)
		clone.RowIDs = act.RowIDs
		clone.Columns = act.Columns
		out[tableID] = clone
	}
	return out, nil
}

// FilterData censors one table snapshot in place: forbidden rows removed,
// denied columns dropped, per-row denied cells overwritten.
func (e *Engine) FilterData(ctx context.Context, session Session, t *docdata.TableData) error {
	pi, err := e.permInfoFor(ctx, session)
	if err != nil {
		return err
	}
	if pi.GetTableAccess(t.TableID).Get(permissions.AxisRead) == permissions.FlagDeny {
		t.RowIDs = nil
		for colID := range t.Columns {
			t.Columns[colID] = nil
		}
		return nil
	}
	step := &ActionStep{Action: t.ToAction(), RowsBefore: t, RowsAfter: t, Ruler: e.ruler}
	hasAccessRules := pi.GetSpecialAccess(rules.SpecialAccessRules).Get(permissions.AxisRead) == permissions.FlagAllow
	acts, err := e.filterStepForViewer([]*ActionStep{step}, 0, pi, hasAccessRules)
	if err != nil {
		return err
	}
	if len(acts) == 0 {
		t.RowIDs = nil
		for colID := range t.Columns {
			t.Columns[colID] = nil
		}
		return nil
	}
	t.RowIDs = acts[0].RowIDs
	t.Columns = acts[0].Columns
	return nil
}

func actionsEqual(a, b []actions.DocAction) bool {
	return reflect.DeepEqual(a, b)
}
