package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/ddpctl/internal/protocol"
)

var (
	ErrUnsolicitedMessage    = errors.New("session: unsolicited message")
	ErrOperationRejected     = errors.New("session: operation rejected")
	ErrHandshakeFailed       = errors.New("session: handshake failed")
	ErrTransportFailed       = errors.New("session: transport failed")
	ErrPreconditionViolation = errors.New("session: precondition violation")
	ErrTimeout               = errors.New("session: request timed out")
	ErrSessionClosed         = errors.New("session: closed")
	ErrCorrelationIDRequired = errors.New("session: correlation id required")
	ErrDuplicatePending      = errors.New("session: duplicate pending request")
	ErrInvalidCommand        = errors.New("session: invalid command")
	ErrInvalidCredential     = errors.New("session: invalid credential payload")

	ErrNotReady = fmt.Errorf("%w: session not ready", ErrPreconditionViolation)
)

// OperationError carries the server's rejection of one correlated request.
type OperationError struct {
	ID     string
	Kind   protocol.Kind
	Remote protocol.RemoteError
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("session: %s %s rejected: %s", e.Kind, e.ID, e.Remote.String())
}

func (e *OperationError) Is(target error) bool {
	return target == ErrOperationRejected
}
