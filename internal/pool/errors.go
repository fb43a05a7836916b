package pool

import "errors"

var (
	// ErrUnauthorized is returned when the caller lacks the role an operation requires
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidState is returned when an operation is not valid in the current lock state
	ErrInvalidState = errors.New("invalid pool state")
	// ErrInvalidAmount is returned for zero or malformed amounts
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInvalidAddress is returned for a zero operator identity
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInsufficientBalance is returned when a withdrawal exceeds the depositor's share
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInsufficientBond is returned when locking below the bond threshold
	ErrInsufficientBond = errors.New("insufficient bond")
	// ErrTransferFailed is returned when the token ledger rejects a pull or push
	ErrTransferFailed = errors.New("transfer failed")
	// ErrDeregistrationPending is returned when the registry refuses to deregister
	ErrDeregistrationPending = errors.New("deregistration pending")
	// ErrNothingToClaim is returned when no rewards are available
	ErrNothingToClaim = errors.New("nothing to claim")
	// ErrOverflow is an arithmetic invariant breach; the operation is halted
	ErrOverflow = errors.New("arithmetic overflow or underflow")
	// ErrReentrantCall is returned when an external collaborator calls back into
	// the pool it is serving
	ErrReentrantCall = errors.New("reentrant call")
)
