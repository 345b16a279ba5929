package dtc

import (
	"errors"
	"fmt"
)

// ErrGatewayFailure matches every error returned by Manager.
var ErrGatewayFailure = errors.New("gateway failure")

const (
	OpRead        = "read"
	OpReadPending = "read_pending"
	OpClear       = "clear"
)

// OperationError reports a failed read or clear. It is never fatal; the
// caller shows Description to the user.
type OperationError struct {
	Op          string
	Description string
	Err         error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Description, e.Err)
}

func (e *OperationError) Unwrap() []error {
	return []error{ErrGatewayFailure, e.Err}
}
