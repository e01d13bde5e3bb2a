/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package granular

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/StateraAI/grist-core/pkg/docdata"
	"github.com/StateraAI/grist-core/pkg/rules"
)

// Ruler pairs one immutable RuleCollection with a per-session cache of
// record-less PermissionInfo. Step construction builds a new Ruler when
// rules change mid-bundle, so earlier steps keep the rules they were built
// with; Update, by contrast, replaces this Ruler's collection in place.
type Ruler struct {
	compiler rules.Compiler
	coll     *rules.RuleCollection
	cache    *lru.Cache[string, *PermissionInfo]
}

func newRuler(compiler rules.Compiler, d *docdata.DocData) *Ruler {
	cache, err := lru.New[string, *PermissionInfo](sessionCacheSize)
	if err != nil {
		panic(err)
	}
	return &Ruler{
		compiler: compiler,
		coll:     rules.ReadRules(docdata.NewFromTables(rules.MiniDoc(d)), compiler),
		cache:    cache,
	}
}

// Collection returns the compiled rules.
func (r *Ruler) Collection() *rules.RuleCollection { return r.coll }

// Update rebuilds the collection from the given document state and clears
// the session cache.
func (r *Ruler) Update(d *docdata.DocData) {
	r.coll = rules.ReadRules(docdata.NewFromTables(rules.MiniDoc(d)), r.compiler)
	r.ClearCache()
}

// ClearCache drops all cached PermissionInfo; invoked on schema changes and
// on user-attribute source changes.
func (r *Ruler) ClearCache() {
	r.cache.Purge()
}

// PermissionInfo returns the cached record-less evaluator for a session,
// creating it on first use.
func (r *Ruler) PermissionInfo(sessionKey string, user *rules.UserInfo) *PermissionInfo {
	if cached, ok := r.cache.Get(sessionKey); ok {
		return cached
	}
	info := newPermissionInfo(r.coll, user, nil, nil)
	r.cache.Add(sessionKey, info)
	return info
}

// DropSession evicts one session's cached evaluator.
func (r *Ruler) DropSession(sessionKey string) {
	r.cache.Remove(sessionKey)
}
