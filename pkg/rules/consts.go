/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package rules

// WildcardTableID scopes a resource to every table.
const WildcardTableID = "*"

// SpecialTableID hosts the pseudo-permission resources.
const SpecialTableID = "*SPECIAL"

// Pseudo-permissions addressed as columns of SpecialTableID.
const (
	SpecialAccessRules = "AccessRules"
	SpecialFullCopies  = "FullCopies"
	SpecialSchemaEdit  = "SchemaEdit"
)

var specialColIDs = map[string]bool{
	SpecialAccessRules: true,
	SpecialFullCopies:  true,
	SpecialSchemaEdit:  true,
}
