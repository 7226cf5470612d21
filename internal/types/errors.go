package types

import "errors"

// Sentinel errors for the taxonomy in the broker's error handling design.
// Every one of these is fatal to the enclosing call; callers wrap them with
// %w and contextual fields, the same way the teacher wraps
// ErrTaskNotFound/ErrTaskInvalidStatus in its task storage.
var (
	// ErrNotRegistered is returned when a consumer or producer operation
	// is attempted against an account that never registered.
	ErrNotRegistered = errors.New("account not registered")

	// ErrProducerNotFound is returned when an operation references a
	// producer id with no matching record.
	ErrProducerNotFound = errors.New("producer does not exist")

	// ErrInsufficientBalance is returned when escrow cannot cover a
	// required fee.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidPayment is returned for attached-value misuse: a nonzero
	// value against a None-fee producer, or a malformed ft_on_transfer
	// message.
	ErrInvalidPayment = errors.New("invalid payment")

	// ErrArithmetic is returned on balance overflow/underflow.
	ErrArithmetic = errors.New("arithmetic overflow")

	// ErrRequestNotFound is returned by Respond for an unknown or
	// already-responded request id.
	ErrRequestNotFound = errors.New("request not found or already responded")

	// ErrTokenUnknown names an unrecognized resumption token. No broker
	// operation returns it: continuation.Host.Resume reports an unknown
	// token by returning false, and the broker's settlement ignores that
	// result once its transaction has committed.
	ErrTokenUnknown = errors.New("resumption token not found")

	// ErrRefundExceedsPrepaid is returned at payout time if a refund
	// amount would exceed what was originally escrowed.
	ErrRefundExceedsPrepaid = errors.New("refund exceeds prepaid amount")

	// ErrSerialization is returned when an event payload cannot be
	// encoded or a resumption token cannot be parsed. Malformed
	// ft_on_transfer messages return ErrInvalidPayment instead.
	ErrSerialization = errors.New("serialization error")

	// ErrRequestTimedOut is returned to a Request caller whose suspended
	// call was resumed by the deadline sweeper rather than a Respond.
	ErrRequestTimedOut = errors.New("request timed out")

	// ErrProtocol is returned when a fee schedule or stored prepaid fee
	// carries a kind or source tag this version does not recognize.
	ErrProtocol = errors.New("protocol violation")
)
