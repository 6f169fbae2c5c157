package escrow

import "errors"

var (
	ErrInvalidAmount      = errors.New("escrow: amount must be positive")
	ErrArithmeticOverflow = errors.New("escrow: arithmetic overflow")
	ErrNoDepositFound     = errors.New("escrow: no deposit found")
	ErrLockNotExpired     = errors.New("escrow: lock not expired")
	ErrTransferFailed     = errors.New("escrow: transfer failed")

	// ErrLockDurationMismatch is returned when a persisted ledger is reopened
	// with a lock duration other than the one it was created with.
	ErrLockDurationMismatch = errors.New("escrow: lock duration differs from persisted ledger")

	errNilState     = errors.New("escrow ledger: state not configured")
	errNilCustodian = errors.New("escrow ledger: custodian not configured")
)

// Error codes exposed to API clients and metrics.
const (
	CodeOK                 = "OK"
	CodeInvalidAmount      = "INVALID_AMOUNT"
	CodeArithmeticOverflow = "ARITHMETIC_OVERFLOW"
	CodeNoDepositFound     = "NO_DEPOSIT_FOUND"
	CodeLockNotExpired     = "LOCK_NOT_EXPIRED"
	CodeTransferFailed     = "TRANSFER_FAILED"
	CodeInternal           = "INTERNAL"
)

// Code classifies err into one of the stable error codes.
func Code(err error) string {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrInvalidAmount):
		return CodeInvalidAmount
	case errors.Is(err, ErrArithmeticOverflow):
		return CodeArithmeticOverflow
	case errors.Is(err, ErrNoDepositFound):
		return CodeNoDepositFound
	case errors.Is(err, ErrLockNotExpired):
		return CodeLockNotExpired
	case errors.Is(err, ErrTransferFailed):
		return CodeTransferFailed
	default:
		return CodeInternal
	}
}
