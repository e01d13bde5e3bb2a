/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package rules

import "errors"

var ErrResourceNotFound = errors.New("rule references unknown resource")

var ErrUnknownTable = errors.New("rule resource references unknown table")

var ErrUnknownColumn = errors.New("rule resource references unknown column")

var ErrBadUserAttributes = errors.New("bad userAttributes payload")

var ErrBadSpecialResource = errors.New("unknown special resource")
