// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package share

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes the Share service returns for a session id it no longer accepts
const (
	CodeSessionNotValid   = "SessionNotValid"
	CodeSessionIDNotFound = "SessionIdNotFound"
)

// AuthError reports rejected credentials or a session id the service no
// longer accepts. Callers recover by logging in again.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("share: authentication failed (HTTP %d)", e.Status)
	}
	return fmt.Sprintf("share: authentication failed (HTTP %d): %s", e.Status, e.Body)
}

// NetworkError reports a failed request: the connection failed, the server
// answered with an unexpected status, or the body could not be parsed.
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("share: %s: HTTP %d: %v", e.Op, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("share: %s: HTTP %d", e.Op, e.Status)
	default:
		return fmt.Sprintf("share: %s: %v", e.Op, e.Err)
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsAuth reports whether err means the session must log in again
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// sessionRejected reports whether a failed readings response means the
// session id expired. The service answers 500 with an error code in the
// body for an unknown session id, so the status alone is not enough.
func sessionRejected(status int, body []byte) bool {
	if status != http.StatusUnauthorized && status != http.StatusInternalServerError {
		return false
	}
	text := string(body)
	return strings.Contains(text, CodeSessionNotValid) || strings.Contains(text, CodeSessionIDNotFound)
}
