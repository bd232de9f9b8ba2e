// SPDX-FileCopyrightText: 2023 M. Shulhan <ms@kilabit.info>
// SPDX-License-Identifier: GPL-3.0-or-later

package auton

import (
	"net/http"

	liberrors "git.sr.ht/~shulhan/pakakeh.go/lib/errors"
)

// List of error names used across the control API and plugins.
const (
	errNameBadRequest    = `ERR_BAD_REQUEST`
	errNameUnknownEpt    = `ERR_ENDPOINT_NOT_FOUND`
	errNameUIDExists     = `ERR_UID_ALREADY_EXISTS`
	errNameLockTimeout   = `ERR_LOCK_TIMEOUT`
	errNameJobNotFound   = `ERR_JOB_NOT_FOUND`
	errNameConfig        = `ERR_CONFIGURATION`
	errNameTargetFailed  = `ERR_TARGET_FAILED`
	errNameTargetTimeout = `ERR_TARGET_TIMEOUT`
	errNameUnauthorized  = `ERR_TARGET_UNAUTHORIZED`
	errNameUnknownMethod = `ERR_UNKNOWN_METHOD`
)

var errUnknownEndpoint = liberrors.E{
	Code:    http.StatusNotFound,
	Name:    errNameUnknownEpt,
	Message: `unknown endpoint`,
}

var errLockTimeout = liberrors.E{
	Code:    http.StatusServiceUnavailable,
	Name:    errNameLockTimeout,
	Message: `lock acquisition timed out`,
}

var errJobNotFound = liberrors.E{
	Code:    http.StatusNotFound,
	Name:    errNameJobNotFound,
	Message: `job not found`,
}

func errBadRequest(msg string) error {
	return &liberrors.E{
		Code:    http.StatusBadRequest,
		Name:    errNameBadRequest,
		Message: msg,
	}
}

func errUIDExists(uid string) error {
	return &liberrors.E{
		Code:    http.StatusUnsupportedMediaType,
		Name:    errNameUIDExists,
		Message: `uid already exists: ` + uid,
	}
}

// ErrConfiguration is raised for structural problems found while loading
// the daemon or a target's static configuration. It is fatal to the
// affected endpoint only, never to the whole daemon.
func ErrConfiguration(msg string) error {
	return &liberrors.E{
		Code:    http.StatusInternalServerError,
		Name:    errNameConfig,
		Message: msg,
	}
}

// ErrTargetFailed reports a plugin-level failure. Code, when non-zero,
// carries a subprocess return code or an upstream HTTP status.
func ErrTargetFailed(code int, msg string) error {
	return &liberrors.E{
		Code:    code,
		Name:    errNameTargetFailed,
		Message: msg,
	}
}

// ErrTargetTimeout is a TargetFailed raised when a Job exceeds its
// target's configured timeout.
func ErrTargetTimeout(msg string) error {
	return &liberrors.E{
		Code:    0,
		Name:    errNameTargetTimeout,
		Message: msg,
	}
}

// ErrTargetUnauthorized is raised by the EndpointWorker when the caller is
// missing from the endpoint's users allowlist.
func ErrTargetUnauthorized(user string) error {
	return &liberrors.E{
		Code:    http.StatusUnauthorized,
		Name:    errNameUnauthorized,
		Message: `unauthorized user: ` + user,
	}
}

// ErrUnknownMethod is raised when a Job names a method the plugin has no
// handler for. Unlike the source this always terminates the Job instead
// of looping silently, see DESIGN.md.
func ErrUnknownMethod(method string) error {
	return &liberrors.E{
		Code:    http.StatusBadRequest,
		Name:    errNameUnknownMethod,
		Message: `unknown method: ` + method,
	}
}

// errorCode extracts the HTTP-ish code carried by err, if any.
func errorCode(err error) int {
	var e *liberrors.E
	if ee, ok := err.(*liberrors.E); ok {
		e = ee
	} else if ee, ok := err.(liberrors.E); ok {
		e = &ee
	}
	if e == nil {
		return 0
	}
	return e.Code
}
