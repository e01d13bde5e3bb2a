/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package granular

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is the wire-level code of an AccessError.
type ErrorCode string

const (
	CodeACLDeny     ErrorCode = "ACL_DENY"
	CodeNeedReload  ErrorCode = "NEED_RELOAD"
	CodeAuthNoOwner ErrorCode = "AUTH_NO_OWNER"
	CodeBadRequest  ErrorCode = "BAD_REQUEST"
)

// AccessError is the engine's wire error: a stable code, an HTTP status and
// the memos of the rules that produced a denial.
type AccessError struct {
	Code       ErrorCode
	HTTPStatus int
	Message    string
	Memos      []string
}

func (e *AccessError) Error() string {
	if len(e.Memos) > 0 {
		return fmt.Sprintf("%s: %s [%s]", e.Code, e.Message, strings.Join(e.Memos, "; "))
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewDenyError builds an ACL_DENY with optional rule memos.
func NewDenyError(message string, memos ...string) *AccessError {
	return &AccessError{Code: CodeACLDeny, HTTPStatus: http.StatusForbidden, Message: message, Memos: memos}
}

// NewNeedReload tells one client (or all) to reconnect and re-open the doc.
func NewNeedReload(message string) *AccessError {
	return &AccessError{Code: CodeNeedReload, Message: message}
}

// NewAuthNoOwner marks an owner-only operation attempted by a non-owner;
// upstream UI treats it as "not available" rather than an error.
func NewAuthNoOwner(message string) *AccessError {
	return &AccessError{Code: CodeAuthNoOwner, HTTPStatus: http.StatusForbidden, Message: message}
}

// NewAPIError is a plain HTTP-status error, e.g. 400 for a rule change that
// would not load back.
func NewAPIError(status int, message string) *AccessError {
	return &AccessError{Code: CodeBadRequest, HTTPStatus: status, Message: message}
}

// IsDenyError reports whether err is an ACL_DENY.
func IsDenyError(err error) bool {
	var ae *AccessError
	return errors.As(err, &ae) && ae.Code == CodeACLDeny
}

// IsNeedReload reports whether err asks the client to reconnect.
func IsNeedReload(err error) bool {
	var ae *AccessError
	return errors.As(err, &ae) && ae.Code == CodeNeedReload
}

var ErrBundleInProgress = errors.New("another bundle is in progress")

var ErrNoBundle = errors.New("no bundle is in progress")

var ErrBadBundlePhase = errors.New("call out of bundle phase order")

var ErrUnexpectedRowRemoval = errors.New("unexpected row removal during filtering")

var ErrRuleError = errors.New("access rules failed to load")
