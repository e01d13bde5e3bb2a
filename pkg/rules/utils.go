/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package rules

import "github.com/StateraAI/grist-core/pkg/actions"

func asString(v actions.CellValue) string {
	s, _ := v.(string)
	return s
}

func asInt(v actions.CellValue) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asFloat(v actions.CellValue) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
