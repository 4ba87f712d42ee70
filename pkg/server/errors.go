package server

import (
	"errors"
	"fmt"

	"github.com/NicolasHaas/roomrelay/pkg/protocol"
)

var (
	ErrUserNotFound       = errors.New("server: user not found in identity directory")
	ErrInviteCodeMismatch = errors.New("server: user is bound to a different invite code")
	ErrNotInRoom          = errors.New("server: session is not in a room")
)

// OpError is a failed client operation. Code is reported to the
// originating session only; Err is the cause for logs.
type OpError struct {
	Code protocol.Code
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opError(code protocol.Code, err error) *OpError {
	return &OpError{Code: code, Err: err}
}

// codeOf maps any error to the code sent to the client.
func codeOf(err error) protocol.Code {
	var op *OpError
	if errors.As(err, &op) {
		return op.Code
	}
	return protocol.CodeStoreFailure
}
