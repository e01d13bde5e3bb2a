/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package actions

// CellValue is a single cell of a document table. Values are the JSON-ish
// scalars the data engine produces: nil, bool, float64, int, string.
type CellValue = interface{}

// Kind identifies a DocAction variant by its wire name.
type Kind string

// Row ops
const (
	AddRecord        Kind = "AddRecord"
	BulkAddRecord    Kind = "BulkAddRecord"
	UpdateRecord     Kind = "UpdateRecord"
	BulkUpdateRecord Kind = "BulkUpdateRecord"
	RemoveRecord     Kind = "RemoveRecord"
	BulkRemoveRecord Kind = "BulkRemoveRecord"
	ReplaceTableData Kind = "ReplaceTableData"
	TableDataAction  Kind = "TableData"
)

// Schema ops
const (
	AddTable     Kind = "AddTable"
	RemoveTable  Kind = "RemoveTable"
	RenameTable  Kind = "RenameTable"
	AddColumn    Kind = "AddColumn"
	RemoveColumn Kind = "RemoveColumn"
	RenameColumn Kind = "RenameColumn"
	ModifyColumn Kind = "ModifyColumn"
)

// ColInfo is the schema payload of AddTable: one column with its metadata.
type ColInfo struct {
	ID   string
	Info map[string]CellValue
}

// DocAction is one committed change to the document. A single struct covers
// the whole closed variant set; which fields are meaningful depends on Kind.
//
// For row ops RowIDs and Columns are aligned: row i has id RowIDs[i] and cell
// Columns[colID][i]. Singleton ops carry exactly one row.
type DocAction struct {
	Kind    Kind
	TableID string

	// Row ops
	RowIDs  []int
	Columns map[string][]CellValue

	// Column schema ops
	ColID string
	// RenameTable / RenameColumn target
	NewName string
	// AddColumn / ModifyColumn metadata
	Info map[string]CellValue
	// AddTable schema
	Cols []ColInfo
}

// UserAction is a higher-level command before the data engine lowers it to
// DocActions. Args[0] is the table id for table-addressed actions; the
// recursive containers ApplyUndoActions and ApplyDocActions carry a nested
// []UserAction in Args[0] instead.
type UserAction struct {
	Name string
	Args []interface{}
}
