package escrow

import (
	"context"

	"github.com/holiman/uint256"
)

// Record is the escrow held for a single (depositor, collector) pair. A zero
// amount means no escrow exists; the deadline of such a record is never read.
type Record struct {
	Amount       *uint256.Int
	LockDeadline uint64
}

// Clone returns a deep copy of the record so callers can safely mutate the
// copy without affecting the stored instance.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = r.Amount.Clone()
	} else {
		clone.Amount = new(uint256.Int)
	}
	return &clone
}

// Empty reports whether the record holds no escrowed value.
func (r *Record) Empty() bool {
	return r == nil || r.Amount == nil || r.Amount.IsZero()
}

// DepositReceipt describes the effect of a successful deposit. Deposited is
// the value added by this call; Amount is the resulting escrow balance.
type DepositReceipt struct {
	Depositor    [20]byte
	Collector    [20]byte
	Deposited    *uint256.Int
	Amount       *uint256.Int
	LockDeadline uint64
	Sequence     uint64
}

// ClaimReceipt describes a settlement paid to the collector.
type ClaimReceipt struct {
	Depositor [20]byte
	Collector [20]byte
	Amount    *uint256.Int
	Sequence  uint64
}

// RefundReceipt describes a settlement returned to the depositor.
type RefundReceipt struct {
	Depositor [20]byte
	Collector [20]byte
	Amount    *uint256.Int
	Sequence  uint64
}

// Pending is one live escrow seen from either side of the pair.
type Pending struct {
	Counterparty [20]byte
	Amount       *uint256.Int
	LockDeadline uint64
	// Refundable is set on outbound entries once the depositor may reclaim.
	Refundable bool
}

// Custodian moves value between participants and the escrow vault. It stands
// for the transaction submission channel that actually carries funds.
type Custodian interface {
	// Collect takes amount from the depositor into custody.
	Collect(ctx context.Context, from [20]byte, amount *uint256.Int) error
	// Release pays amount out of custody to the recipient.
	Release(ctx context.Context, to [20]byte, amount *uint256.Int) error
}
