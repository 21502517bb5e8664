// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"errors"
	"fmt"
	"strings"
)

// MatrixError is a structured error response from the homeserver.
//
//	var matrixErr *MatrixError
//	if errors.As(err, &matrixErr) && matrixErr.Code == ErrCodeLimitExceeded { ... }
type MatrixError struct {
	// Code is the Matrix error code (e.g., "M_FORBIDDEN").
	Code string `json:"errcode"`
	// Message is the human-readable description from the server.
	Message string `json:"error"`
	// RetryAfterMS is set on M_LIMIT_EXCEEDED responses.
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Standard Matrix error codes.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeUnknownToken  = "M_UNKNOWN_TOKEN"
	ErrCodeNotFound      = "M_NOT_FOUND"
	ErrCodeUserInUse     = "M_USER_IN_USE"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeUnrecognized  = "M_UNRECOGNIZED"
	ErrCodeUnknown       = "M_UNKNOWN"
	ErrCodeInvalidParam  = "M_INVALID_PARAM"
	ErrCodeMissingParam  = "M_MISSING_PARAM"
	ErrCodeExclusive     = "M_EXCLUSIVE"
	ErrCodeRoomInUse     = "M_ROOM_IN_USE"
)

// IsMatrixError checks whether err is a *MatrixError with the given code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}

// AuthFlow is one sequence of User-Interactive Authentication stages
// the server will accept.
type AuthFlow struct {
	Stages []string `json:"stages"`
}

// IncompleteRegistrationError is the 401 response to a registration
// request that has not completed User-Interactive Authentication. It
// carries the session the next request must echo back.
type IncompleteRegistrationError struct {
	Session   string         `json:"session"`
	Flows     []AuthFlow     `json:"flows"`
	Completed []string       `json:"completed,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

func (e *IncompleteRegistrationError) Error() string {
	var stages []string
	for _, flow := range e.Flows {
		stages = append(stages, strings.Join(flow.Stages, "+"))
	}
	return fmt.Sprintf("matrix: registration incomplete; offered flows [%s]", strings.Join(stages, ", "))
}

// Offers reports whether any flow consists of exactly the given stage.
func (e *IncompleteRegistrationError) Offers(stage string) bool {
	for _, flow := range e.Flows {
		if len(flow.Stages) == 1 && flow.Stages[0] == stage {
			return true
		}
	}
	return false
}
