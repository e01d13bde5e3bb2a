/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package rules

// NullCompiler compiles every formula to an always-matching predicate that
// references no record. Useful for structural linting, where only resource
// wiring matters.
type NullCompiler struct{}

type nullPredicate struct{}

func (nullPredicate) Eval(EvalContext) (bool, error) { return true, nil }
func (nullPredicate) UsesRec() bool                  { return false }

func (NullCompiler) Compile(string) (Predicate, error) {
	return nullPredicate{}, nil
}
