// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"fmt"
)

// Error kinds surfaced at the RPC boundary. Handlers wrap these with
// context; callers match with errors.Is.
var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrNotFound              = errors.New("not found")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrDuplicate             = errors.New("duplicate entry")
	ErrAlreadyTerminal       = errors.New("job is in a terminal state")
	ErrInsufficientResources = errors.New("insufficient resources")
	ErrValidationFail        = errors.New("node resources below configured template")
	ErrDeadlineExceeded      = errors.New("deadline exceeded")
	ErrNodeDown              = errors.New("node is down")
	ErrJobPreempted          = errors.New("job preempted")
	ErrFatalConfig           = errors.New("configuration is inconsistent")
	ErrShutdown              = errors.New("controller shutting down")
)

// NewInvalidRequestError wraps ErrInvalidRequest with a caller facing
// explanation of what contradicted the data model.
func NewInvalidRequestError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// IsRecoverable returns true for errors that the caller may retry without
// changing the request: resource exhaustion and deadlines, not semantic
// failures.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrInsufficientResources) ||
		errors.Is(err, ErrDeadlineExceeded) ||
		errors.Is(err, ErrNodeDown)
}
