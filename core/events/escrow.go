package events

import (
	"fmt"
	"strconv"

	"github.com/holiman/uint256"

	"escrowledger/core/types"
	"escrowledger/crypto"
)

const (
	TypeDepositCompleted        = "escrow.deposit_completed"
	TypeDepositReceiveCompleted = "escrow.deposit_receive_completed"
	TypeWithdrawCompleted       = "escrow.withdraw_completed"
)

// EscrowTransfer carries the fields shared by every escrow event. Amount is
// the value moved by the single operation that produced the event, never the
// cumulative balance.
type EscrowTransfer struct {
	Sequence  uint64
	Depositor [20]byte
	Collector [20]byte
	Amount    *uint256.Int
	Timestamp uint64
}

// Transfer returns the shared event payload.
func (t EscrowTransfer) Transfer() EscrowTransfer { return t }

func (t EscrowTransfer) attributes() map[string]string {
	return map[string]string{
		"sequence":  strconv.FormatUint(t.Sequence, 10),
		"depositor": crypto.FormatIdentity(t.Depositor),
		"collector": crypto.FormatIdentity(t.Collector),
		"amount":    formatAmount(t.Amount),
		"timestamp": strconv.FormatUint(t.Timestamp, 10),
	}
}

// EscrowEvent is implemented by the three ledger events.
type EscrowEvent interface {
	Event
	Transfer() EscrowTransfer
	Event() *types.Event
}

// DepositCompleted is emitted when a depositor adds funds to an escrow.
type DepositCompleted struct {
	EscrowTransfer
	LockDeadline uint64
}

func (DepositCompleted) EventType() string { return TypeDepositCompleted }

func (e DepositCompleted) Event() *types.Event {
	attrs := e.attributes()
	attrs["lockDeadline"] = strconv.FormatUint(e.LockDeadline, 10)
	return &types.Event{Type: TypeDepositCompleted, Attributes: attrs}
}

// DepositReceiveCompleted is emitted when the collector claims an escrow.
type DepositReceiveCompleted struct {
	EscrowTransfer
}

func (DepositReceiveCompleted) EventType() string { return TypeDepositReceiveCompleted }

func (e DepositReceiveCompleted) Event() *types.Event {
	return &types.Event{Type: TypeDepositReceiveCompleted, Attributes: e.attributes()}
}

// WithdrawCompleted is emitted when the depositor reclaims an expired escrow.
type WithdrawCompleted struct {
	EscrowTransfer
}

func (WithdrawCompleted) EventType() string { return TypeWithdrawCompleted }

func (e WithdrawCompleted) Event() *types.Event {
	return &types.Event{Type: TypeWithdrawCompleted, Attributes: e.attributes()}
}

// NewEscrowEvent rebuilds a typed event from its persisted form.
func NewEscrowEvent(kind string, transfer EscrowTransfer, lockDeadline uint64) (EscrowEvent, error) {
	switch kind {
	case TypeDepositCompleted:
		return DepositCompleted{EscrowTransfer: transfer, LockDeadline: lockDeadline}, nil
	case TypeDepositReceiveCompleted:
		return DepositReceiveCompleted{EscrowTransfer: transfer}, nil
	case TypeWithdrawCompleted:
		return WithdrawCompleted{EscrowTransfer: transfer}, nil
	default:
		return nil, fmt.Errorf("events: unknown escrow event type %q", kind)
	}
}

// IsEscrowType reports whether kind names one of the ledger events.
func IsEscrowType(kind string) bool {
	switch kind {
	case TypeDepositCompleted, TypeDepositReceiveCompleted, TypeWithdrawCompleted:
		return true
	default:
		return false
	}
}
