/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/StateraAI/grist-core/pkg/docdata"
	"github.com/StateraAI/grist-core/pkg/rules"
)

// tableDump is the JSON shape of one structural table in a metadata dump:
// {"rowIds": [...], "columns": {"colId": [...]}}.
type tableDump struct {
	RowIDs  []int                    `json:"rowIds"`
	Columns map[string][]interface{} `json:"columns"`
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <metadata.json>",
		Short: "Lint the access-rule metadata of a document dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(args[0])
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the version of the gacscan utility",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("gacscan version", version)
		},
	}
}

func runCheck(path string) error {
	red := color.New(color.FgRed).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()

	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var dump map[string]tableDump
	if err := json.Unmarshal(content, &dump); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	d := docdata.New(nil)
	for tableID, t := range dump {
		snapshot := docdata.NewTableData(tableID)
		snapshot.RowIDs = t.RowIDs
		for colID, values := range t.Columns {
			snapshot.Columns[colID] = values
		}
		d.SetTable(snapshot)
	}

	// Formulas are out of scope here; only resource wiring is linted.
	coll := rules.ReadRules(docdata.NewFromTables(rules.MiniDoc(d)), rules.NullCompiler{})
	failed := false
	if err := coll.RuleError(); err != nil {
		failed = true
		fmt.Println(red("rule errors:"))
		fmt.Println(err)
	}
	if err := coll.CheckDocEntities(d); err != nil {
		failed = true
		fmt.Println(red("entity errors:"))
		fmt.Println(err)
	}
	if failed {
		return fmt.Errorf("%s failed the check", path)
	}
	summary := "no rules"
	if coll.HaveRules() {
		summary = "rules present"
	}
	fmt.Println(green("ok:"), len(coll.GetUserAttributeRules()), "user-attribute rule(s),", summary)
	return nil
}
