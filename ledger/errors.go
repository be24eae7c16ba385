package ledger

import (
	"errors"
	"fmt"

	"github.com/TEENet-io/swap-go/escrow"
)

// Class buckets adapter failures for the coordinator's recovery policy.
type Class string

const (
	// Retryable with exponential backoff.
	ClassTransient Class = "transient"

	// Not retryable without user action.
	ClassInsufficientFunds Class = "insufficient_funds"
	ClassInvalidSignature  Class = "invalid_signature"
	ClassNonceConflict     Class = "nonce_conflict"

	// Fatal to the current step; carries an escrow reject code.
	ClassContractReject Class = "contract_reject"

	// Submission lost past the wait horizon; safe to resubmit with
	// identical parameters.
	ClassTxNotFound Class = "tx_not_found"

	// In mempool but unconfirmed past deadline. The caller must NOT
	// submit a replacement deposit for the same escrow.
	ClassConfirmationTimeout Class = "confirmation_timeout"
)

var ErrUnknownEscrow = errors.New("unknown escrow id")

// Error is the classified failure every adapter returns.
type Error struct {
	Class  Class
	Reject escrow.RejectCode // set when Class == ClassContractReject
	Cause  error
}

func (e *Error) Error() string {
	if e.Class == ClassContractReject {
		return fmt.Sprintf("ledger error [%s/%s]: %v", e.Class, e.Reject, e.Cause)
	}
	return fmt.Sprintf("ledger error [%s]: %v", e.Class, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func Transient(cause error) *Error {
	return &Error{Class: ClassTransient, Cause: cause}
}

func ContractReject(code escrow.RejectCode, cause error) *Error {
	return &Error{Class: ClassContractReject, Reject: code, Cause: cause}
}

func Classified(class Class, cause error) *Error {
	return &Error{Class: class, Cause: cause}
}

// IsTransient reports whether the coordinator may retry the call with
// backoff.
func IsTransient(err error) bool {
	var le *Error
	return errors.As(err, &le) && le.Class == ClassTransient
}

// RejectCode extracts the escrow reject carried by a contract reject,
// or "" when err is anything else.
func RejectCode(err error) escrow.RejectCode {
	var le *Error
	if errors.As(err, &le) && le.Class == ClassContractReject {
		return le.Reject
	}
	return ""
}

func ClassOf(err error) Class {
	var le *Error
	if errors.As(err, &le) {
		return le.Class
	}
	return ""
}
