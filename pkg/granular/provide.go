/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package granular

import (
	"errors"
	"fmt"

	"github.com/erni27/imcache"
	"github.com/untillpro/goutils/logger"
)

// Provide builds the engine around its collaborators and compiles the
// document's current rules. A rule error does not fail construction: it is
// carried on the Ruler and surfaced at user resolution, so broken rules
// can be repaired in recovery mode.
func Provide(deps Dependencies) (*Engine, error) {
	if deps.DocData == nil {
		return nil, errors.New("granular: DocData is required")
	}
	if deps.Compiler == nil {
		return nil, errors.New("granular: Compiler is required")
	}
	e := &Engine{
		deps:      deps,
		ruler:     newRuler(deps.Compiler, deps.DocData),
		userAttrs: imcache.New[string, *userAttributes](),
	}
	if err := e.ruler.Collection().RuleError(); err != nil {
		logger.Warning(fmt.Sprintf("document rules failed to load: %v", err))
	}
	return e, nil
}
