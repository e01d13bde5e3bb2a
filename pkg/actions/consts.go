/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package actions

// Structural metadata tables. The engine treats these seven specially: they
// define the document schema, the presentation tree and the access rules.
const (
	TableTables       = "_grist_Tables"
	TableColumns      = "_grist_Tables_column"
	TableViews        = "_grist_Views"
	TableSections     = "_grist_Views_section"
	TableFields       = "_grist_Views_section_field"
	TableACLResources = "_grist_ACLResources"
	TableACLRules     = "_grist_ACLRules"
)

// ManualSortColID is the hidden ordering column; it is never censored.
const ManualSortColID = "manualSort"

// Recursive UserAction containers.
const (
	ApplyUndoActions = "ApplyUndoActions"
	ApplyDocActions  = "ApplyDocActions"
)

var structuralTables = map[string]bool{
	TableTables:       true,
	TableColumns:      true,
	TableViews:        true,
	TableSections:     true,
	TableFields:       true,
	TableACLResources: true,
	TableACLRules:     true,
}

// OKUserActions are always allowed regardless of rules.
var OKUserActions = map[string]bool{
	"Calculate": true,
}

// SpecialUserActions are allowed unless the user has nuanced restrictions.
var SpecialUserActions = map[string]bool{
	"InitNewDoc":               true,
	"EvalCode":                 true,
	"SetDisplayFormula":        true,
	"UpdateSummaryViewSection": true,
	"DetachSummaryViewSection": true,
	"GenImporterView":          true,
	"TransformAndFinishImport": true,
	"AddView":                  true,
	"CopyFromColumn":           true,
	"AddHiddenColumn":          true,
}

// SurprisingUserActions are allowed to full-access users only.
var SurprisingUserActions = map[string]bool{
	"RemoveView":     true,
	"AddViewSection": true,
}

var dataKinds = map[Kind]bool{
	AddRecord:        true,
	BulkAddRecord:    true,
	UpdateRecord:     true,
	BulkUpdateRecord: true,
	RemoveRecord:     true,
	BulkRemoveRecord: true,
	ReplaceTableData: true,
	TableDataAction:  true,
}

var schemaKinds = map[Kind]bool{
	AddTable:     true,
	RemoveTable:  true,
	RenameTable:  true,
	AddColumn:    true,
	RemoveColumn: true,
	RenameColumn: true,
	ModifyColumn: true,
}
