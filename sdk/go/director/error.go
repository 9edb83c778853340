// Copyright (C) The Director Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package director

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is a domain error: it carries a stable numeric code and the
// HTTP status to use when it surfaces through the API. Anything else
// (wrapped I/O errors, SQL errors, bugs) is a non-domain error and is
// reported as an internal error with its backtrace in the task debug
// log.
type Error struct {
	Code    int    `json:"code"`
	Status  int    `json:"-"`
	Message string `json:"description"`
}

func (e *Error) Error() string { return e.Message }

// HTTPStatus implements the status-carrying error interface consumed
// by the API layer.
func (e *Error) HTTPStatus() int { return e.Status }

// Is reports two domain errors with the same code as equivalent, so
// errors.Is(err, ErrCancelled) works on wrapped copies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Stable numeric error codes. These appear in task results and API
// error bodies; do not renumber.
const (
	CodeNotFound          = 40010
	CodeValidationFailed  = 40020
	CodeBadManifest       = 40021
	CodeImmutableUsername = 40030
	CodeNotAuthorized     = 40110

	CodeLockBusy        = 40910
	CodeReleaseInUse    = 40911
	CodeStemcellInUse   = 40912
	CodeDeploymentInUse = 40913

	CodeAgentUnreachable = 50010
	CodeAgentTimeout     = 50011
	CodeRemoteError      = 50012
	CodeCloudError       = 50013

	CodeCompilationFailed    = 50020
	CodeInstanceUpdateFailed = 50021
	CodeCancelled            = 50030
)

// ErrCancelled is raised at cancellation checkpoints inside task
// bodies, and mapped to task state "cancelled" by the task worker.
var ErrCancelled = &Error{Code: CodeCancelled, Status: http.StatusInternalServerError, Message: "task cancelled"}

// ErrNotAuthorized is returned for missing or wrong credentials.
var ErrNotAuthorized = &Error{Code: CodeNotAuthorized, Status: http.StatusUnauthorized, Message: "not authorized"}

// Errorf returns a new domain error.
func Errorf(code, status int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError reports a missing release, deployment, stemcell,
// task, or user.
func NewNotFoundError(kind, name string) *Error {
	return Errorf(CodeNotFound, http.StatusNotFound, "%s %q not found", kind, name)
}

// NewValidationError aggregates one or more manifest/plan validation
// problems into a single error.
func NewValidationError(problems []string) *Error {
	return Errorf(CodeValidationFailed, http.StatusBadRequest, "validation failed: %s", strings.Join(problems, "; "))
}

// NewBadManifestError reports an unparseable or structurally invalid
// manifest.
func NewBadManifestError(err error) *Error {
	return Errorf(CodeBadManifest, http.StatusBadRequest, "invalid manifest: %s", err)
}

// NewLockBusyError reports a lock acquisition that timed out.
func NewLockBusyError(name string) *Error {
	return Errorf(CodeLockBusy, http.StatusConflict, "lock %q is in use", name)
}

// NewCloudError wraps a provider failure.
func NewCloudError(op string, err error) *Error {
	return Errorf(CodeCloudError, http.StatusInternalServerError, "cloud error in %s: %s", op, err)
}

// NewRemoteError surfaces an agent-side exception verbatim.
func NewRemoteError(agentID, message string) *Error {
	return Errorf(CodeRemoteError, http.StatusInternalServerError, "agent %s: %s", agentID, message)
}

// NewAgentTimeoutError reports an agent that did not reply in time.
func NewAgentTimeoutError(agentID, method string) *Error {
	return Errorf(CodeAgentTimeout, http.StatusInternalServerError, "timed out waiting for agent %s to respond to %s", agentID, method)
}

// NewCompilationFailedError reports a failed package compile.
func NewCompilationFailedError(pkg string, err error) *Error {
	return Errorf(CodeCompilationFailed, http.StatusInternalServerError, "compilation of package %q failed: %s", pkg, err)
}

// NewInstanceUpdateFailedError reports a failed instance transition.
func NewInstanceUpdateFailedError(job string, index int, err error) *Error {
	return Errorf(CodeInstanceUpdateFailed, http.StatusInternalServerError, "update of instance %s/%d failed: %s", job, index, err)
}

// AsError returns err as a domain error if it is (or wraps) one,
// otherwise nil.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return nil
}
