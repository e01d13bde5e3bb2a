/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package permissions

import (
	"errors"
	"fmt"
)

var ErrBadPermissionsText = errors.New("bad permissions text")

var axisByLetter = map[byte]Axis{
	'R': AxisRead,
	'U': AxisUpdate,
	'C': AxisCreate,
	'D': AxisDelete,
	'S': AxisSchemaEdit,
}

// Parse decodes a permissions delta such as "+R-UCD" or the shortcuts
// "all" and "none". A sign applies to every letter that follows it.
func Parse(text string) (PermissionSet, error) {
	ps := PermissionSet{}
	switch text {
	case "all":
		return PermissionSet{FlagAllow, FlagAllow, FlagAllow, FlagAllow, FlagAllow}, nil
	case "none":
		return PermissionSet{FlagDeny, FlagDeny, FlagDeny, FlagDeny, FlagDeny}, nil
	}
	flag := FlagUnset
	for i := 0; i < len(text); i++ {
		switch c := text[i]; c {
		case '+':
			flag = FlagAllow
		case '-':
			flag = FlagDeny
		default:
			axis, ok := axisByLetter[c]
			if !ok || flag == FlagUnset {
				return ps, fmt.Errorf("%w: %q", ErrBadPermissionsText, text)
			}
			ps.Set(axis, flag)
		}
	}
	return ps, nil
}

// DefaultSet returns the table-default permissions for a role: owners hold
// everything, editors hold data and schema edits, viewers read only.
func DefaultSet(role Role) PermissionSet {
	switch role {
	case RoleOwners:
		return PermissionSet{FlagAllow, FlagAllow, FlagAllow, FlagAllow, FlagAllow}
	case RoleEditors:
		return PermissionSet{FlagAllow, FlagAllow, FlagAllow, FlagAllow, FlagAllow}
	case RoleViewers:
		return PermissionSet{FlagAllow, FlagDeny, FlagDeny, FlagDeny, FlagDeny}
	}
	return PermissionSet{FlagDeny, FlagDeny, FlagDeny, FlagDeny, FlagDeny}
}

// WithContext is a PermissionSet together with the bucket that produced it
// and the memos of the rules that contributed denials.
type WithContext struct {
	Perms    PermissionSet
	RuleType RuleType
	memos    map[Axis][]string
}

// NewWithContext wraps a decided set.
func NewWithContext(ps PermissionSet, ruleType RuleType) *WithContext {
	return &WithContext{Perms: ps, RuleType: ruleType}
}

// Get returns the verdict on one axis.
func (pc *WithContext) Get(axis Axis) Flag { return pc.Perms.Get(axis) }

// AddMemo attaches a rule author's explanation for a verdict on axis.
func (pc *WithContext) AddMemo(axis Axis, memo string) {
	if memo == "" {
		return
	}
	if pc.memos == nil {
		pc.memos = map[Axis][]string{}
	}
	pc.memos[axis] = append(pc.memos[axis], memo)
}

// GetMemos returns the memos recorded for axis.
func (pc *WithContext) GetMemos(axis Axis) []string {
	return pc.memos[axis]
}
