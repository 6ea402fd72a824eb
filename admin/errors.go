/* SPDX-License-Identifier: MIT
 *
 * AdminError is the idiomatic-Go analogue of the teacher's IPCError
 * in device/uapi.go: a small error type carrying a wire-level status,
 * matched at the boundary that must turn it into an HTTP response.
 * Kinds and their status codes are fixed by spec.md §7.
 */

package admin

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	KindUnserialisation  ErrorKind = "unserialisation"
	KindInvalidRequest   ErrorKind = "invalid_request"
	KindNotPaired        ErrorKind = "not_paired"
	KindForbidden        ErrorKind = "forbidden"
	KindNotReachable     ErrorKind = "not_reachable"
	KindNotImplemented   ErrorKind = "not_implemented"
	KindInternal         ErrorKind = "internal"
)

var statusByKind = map[ErrorKind]int{
	KindUnserialisation: http.StatusBadRequest,
	KindInvalidRequest:  http.StatusBadRequest,
	KindNotPaired:       http.StatusUnauthorized,
	KindForbidden:       http.StatusForbidden,
	KindNotReachable:    http.StatusNotFound,
	KindNotImplemented:  http.StatusNotImplemented,
	KindInternal:        http.StatusInternalServerError,
}

// AdminError carries a failure kind that the HTTP layer maps to a
// fixed status code, and a human-readable message surfaced in the
// JSON response body.
type AdminError struct {
	Kind ErrorKind
	Msg  string
}

func (e *AdminError) Error() string {
	return e.Msg
}

func newError(kind ErrorKind, format string, args ...interface{}) *AdminError {
	return &AdminError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func statusFor(err error) int {
	var adminErr *AdminError
	if errors.As(err, &adminErr) {
		if status, ok := statusByKind[adminErr.Kind]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}
