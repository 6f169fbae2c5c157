package escrow

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"math/bits"
	"sort"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"escrowledger/core/events"
	"escrowledger/crypto"
	"escrowledger/observability/metrics"
)

// Role identifies which side of an escrow pair a participant takes.
type Role uint8

const (
	RoleDepositor Role = iota + 1
	RoleCollector
)

func (r Role) String() string {
	switch r {
	case RoleDepositor:
		return "depositor"
	case RoleCollector:
		return "collector"
	default:
		return "unknown"
	}
}

type ledgerState interface {
	EscrowRecordGet(depositor, collector [20]byte) (*Record, error)
	// EscrowCommit persists record together with the event built for the next
	// sequence in one atomic write. An empty record removes the pair.
	EscrowCommit(depositor, collector [20]byte, record *Record, build func(seq uint64) events.EscrowEvent) (events.EscrowEvent, error)
	EscrowLockDuration() (uint64, bool, error)
	EscrowSetLockDuration(duration uint64) error
	// EscrowCounterparties lists the distinct parties that appeared opposite
	// party in any escrow event where party held role.
	EscrowCounterparties(party [20]byte, role Role) ([][20]byte, error)
}

// Ledger applies deposits, claims and refunds against persisted escrow
// records. Every operation on a (depositor, collector) pair is serialised;
// distinct pairs proceed in parallel. Operations run to completion once
// started: cancelling the caller's context does not abort a custody move.
type Ledger struct {
	lockDuration uint64
	state        ledgerState
	custodian    Custodian
	emitter      events.Emitter
	logger       *slog.Logger
	metrics      *metrics.LedgerMetrics
	nowFn        func() uint64
	locks        *keyLocks
}

// NewLedger binds a ledger to state. The lock duration is recorded on first
// use and must match on every later open of the same state.
func NewLedger(lockDuration uint64, state ledgerState, custodian Custodian) (*Ledger, error) {
	if state == nil {
		return nil, errNilState
	}
	if custodian == nil {
		return nil, errNilCustodian
	}
	stored, ok, err := state.EscrowLockDuration()
	if err != nil {
		return nil, fmt.Errorf("escrow ledger: load lock duration: %w", err)
	}
	if ok && stored != lockDuration {
		return nil, fmt.Errorf("%w: persisted %d, requested %d", ErrLockDurationMismatch, stored, lockDuration)
	}
	if !ok {
		if err := state.EscrowSetLockDuration(lockDuration); err != nil {
			return nil, fmt.Errorf("escrow ledger: persist lock duration: %w", err)
		}
	}
	return &Ledger{
		lockDuration: lockDuration,
		state:        state,
		custodian:    custodian,
		emitter:      events.NoopEmitter{},
		logger:       slog.Default(),
		nowFn:        wallClock,
		locks:        newKeyLocks(),
	}, nil
}

func wallClock() uint64 { return uint64(time.Now().Unix()) }

// SetNowFunc overrides the logical time source. Passing nil restores the
// wall clock.
func (l *Ledger) SetNowFunc(now func() uint64) {
	if now == nil {
		l.nowFn = wallClock
		return
	}
	l.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil discards events.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

func (l *Ledger) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	l.logger = logger
}

// SetMetrics enables operation metrics. A nil registry disables them.
func (l *Ledger) SetMetrics(m *metrics.LedgerMetrics) { l.metrics = m }

// LockDuration returns the immutable waiting period applied to deposits.
func (l *Ledger) LockDuration() uint64 { return l.lockDuration }

func (l *Ledger) now() uint64 {
	if l.nowFn == nil {
		return wallClock()
	}
	return l.nowFn()
}

func (l *Ledger) emit(evt events.Event) {
	if l.emitter == nil || evt == nil {
		return
	}
	l.emitter.Emit(evt)
}

func (l *Ledger) observe(operation string, start time.Time, amount *uint256.Int, err error) {
	if l.metrics == nil {
		return
	}
	var moved *big.Int
	if err == nil && amount != nil {
		moved = amount.ToBig()
	}
	l.metrics.ObserveOperation(operation, strings.ToLower(Code(err)), time.Since(start), moved)
}

func (l *Ledger) load(depositor, collector [20]byte) (*Record, error) {
	record, err := l.state.EscrowRecordGet(depositor, collector)
	if err != nil {
		return nil, fmt.Errorf("escrow ledger: load record: %w", err)
	}
	if record == nil {
		return &Record{Amount: new(uint256.Int)}, nil
	}
	return record.Clone(), nil
}

// Lookup returns the escrow held for the pair. Absent and settled pairs both
// report a zero amount.
func (l *Ledger) Lookup(depositor, collector [20]byte) (*Record, error) {
	record, err := l.load(depositor, collector)
	if err != nil {
		return nil, err
	}
	if record.Empty() {
		return &Record{Amount: new(uint256.Int)}, nil
	}
	return record, nil
}

// Deposit moves amount from depositor into custody and credits the pair's
// escrow. The lock deadline is reset to now plus the lock duration on every
// deposit, including top-ups of a live escrow.
func (l *Ledger) Deposit(ctx context.Context, depositor, collector [20]byte, amount *uint256.Int) (receipt *DepositReceipt, err error) {
	start := time.Now()
	defer func() { l.observe("deposit", start, amount, err) }()

	if amount == nil || amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	amount = amount.Clone()
	ctx = context.WithoutCancel(ctx)

	unlock := l.locks.lock(pairKey{depositor, collector})
	defer unlock()

	now := l.now()
	deadline, carry := bits.Add64(now, l.lockDuration, 0)
	if carry != 0 {
		return nil, fmt.Errorf("%w: lock deadline", ErrArithmeticOverflow)
	}
	prev, err := l.load(depositor, collector)
	if err != nil {
		return nil, err
	}
	balance := amount.Clone()
	if !prev.Empty() {
		if _, overflow := balance.AddOverflow(prev.Amount, amount); overflow {
			return nil, fmt.Errorf("%w: escrow balance", ErrArithmeticOverflow)
		}
	}

	if err := l.custodian.Collect(ctx, depositor, amount); err != nil {
		return nil, fmt.Errorf("%w: collect: %w", ErrTransferFailed, err)
	}

	record := &Record{Amount: balance, LockDeadline: deadline}
	evt, err := l.state.EscrowCommit(depositor, collector, record, func(seq uint64) events.EscrowEvent {
		return events.DepositCompleted{
			EscrowTransfer: events.EscrowTransfer{
				Sequence:  seq,
				Depositor: depositor,
				Collector: collector,
				Amount:    amount.Clone(),
				Timestamp: now,
			},
			LockDeadline: deadline,
		}
	})
	if err != nil {
		rollbackErr := l.custodian.Release(ctx, depositor, amount)
		l.metrics.ObserveRollback("deposit", rollbackErr == nil)
		if rollbackErr != nil {
			l.logger.Error("escrow deposit rollback failed",
				slog.String("depositor", crypto.FormatIdentity(depositor)),
				slog.String("amount", amount.Dec()),
				slog.Any("error", rollbackErr))
		}
		return nil, fmt.Errorf("escrow ledger: persist deposit: %w", err)
	}
	l.emit(evt)
	l.logger.Debug("escrow deposit applied",
		slog.String("depositor", crypto.FormatIdentity(depositor)),
		slog.String("collector", crypto.FormatIdentity(collector)),
		slog.String("amount", amount.Dec()),
		slog.Uint64("lockDeadline", deadline))

	return &DepositReceipt{
		Depositor:    depositor,
		Collector:    collector,
		Deposited:    amount.Clone(),
		Amount:       balance.Clone(),
		LockDeadline: deadline,
		Sequence:     evt.Transfer().Sequence,
	}, nil
}

// Claim pays the full escrow held by depositor for caller to caller. The
// collector may claim at any time.
func (l *Ledger) Claim(ctx context.Context, caller, depositor [20]byte) (receipt *ClaimReceipt, err error) {
	start := time.Now()
	var paid *uint256.Int
	defer func() { l.observe("claim", start, paid, err) }()
	ctx = context.WithoutCancel(ctx)

	unlock := l.locks.lock(pairKey{depositor, caller})
	defer unlock()

	prev, err := l.load(depositor, caller)
	if err != nil {
		return nil, err
	}
	if prev.Empty() {
		return nil, ErrNoDepositFound
	}
	seq, err := l.settle(ctx, "claim", depositor, caller, caller, prev, func(t events.EscrowTransfer) events.EscrowEvent {
		return events.DepositReceiveCompleted{EscrowTransfer: t}
	})
	if err != nil {
		return nil, err
	}
	paid = prev.Amount
	return &ClaimReceipt{Depositor: depositor, Collector: caller, Amount: prev.Amount.Clone(), Sequence: seq}, nil
}

// Refund returns the escrow caller holds for collector once its lock deadline
// has passed. A settled pair reports ErrNoDepositFound regardless of the
// deadline.
func (l *Ledger) Refund(ctx context.Context, caller, collector [20]byte) (receipt *RefundReceipt, err error) {
	start := time.Now()
	var paid *uint256.Int
	defer func() { l.observe("refund", start, paid, err) }()
	ctx = context.WithoutCancel(ctx)

	unlock := l.locks.lock(pairKey{caller, collector})
	defer unlock()

	prev, err := l.load(caller, collector)
	if err != nil {
		return nil, err
	}
	if prev.Empty() {
		return nil, ErrNoDepositFound
	}
	if now := l.now(); now < prev.LockDeadline {
		return nil, fmt.Errorf("%w: unlocks at %d, now %d", ErrLockNotExpired, prev.LockDeadline, now)
	}
	seq, err := l.settle(ctx, "refund", caller, collector, caller, prev, func(t events.EscrowTransfer) events.EscrowEvent {
		return events.WithdrawCompleted{EscrowTransfer: t}
	})
	if err != nil {
		return nil, err
	}
	paid = prev.Amount
	return &RefundReceipt{Depositor: caller, Collector: collector, Amount: prev.Amount.Clone(), Sequence: seq}, nil
}

// settle pays prev.Amount to recipient and then zeroes the pair. Value leaves
// custody before anything is written, so a failed release leaves no trace in
// the record or the event log. A failed write claws the payment back.
func (l *Ledger) settle(ctx context.Context, operation string, depositor, collector, recipient [20]byte, prev *Record, build func(events.EscrowTransfer) events.EscrowEvent) (uint64, error) {
	if err := l.custodian.Release(ctx, recipient, prev.Amount); err != nil {
		return 0, fmt.Errorf("%w: release: %w", ErrTransferFailed, err)
	}
	evt, err := l.state.EscrowCommit(depositor, collector, &Record{Amount: new(uint256.Int)}, func(seq uint64) events.EscrowEvent {
		return build(events.EscrowTransfer{
			Sequence:  seq,
			Depositor: depositor,
			Collector: collector,
			Amount:    prev.Amount.Clone(),
			Timestamp: l.now(),
		})
	})
	if err != nil {
		rollbackErr := l.custodian.Collect(ctx, recipient, prev.Amount)
		l.metrics.ObserveRollback(operation, rollbackErr == nil)
		if rollbackErr != nil {
			l.logger.Error("escrow settlement rollback failed",
				slog.String("operation", operation),
				slog.String("depositor", crypto.FormatIdentity(depositor)),
				slog.String("collector", crypto.FormatIdentity(collector)),
				slog.String("amount", prev.Amount.Dec()),
				slog.Any("error", rollbackErr))
		}
		return 0, fmt.Errorf("escrow ledger: persist %s: %w", operation, err)
	}
	l.emit(evt)
	l.logger.Debug("escrow settled",
		slog.String("operation", operation),
		slog.String("depositor", crypto.FormatIdentity(depositor)),
		slog.String("collector", crypto.FormatIdentity(collector)),
		slog.String("amount", prev.Amount.Dec()))
	return evt.Transfer().Sequence, nil
}

// Inbound lists the live escrows held for collector, largest first.
func (l *Ledger) Inbound(collector [20]byte) ([]Pending, error) {
	depositors, err := l.state.EscrowCounterparties(collector, RoleCollector)
	if err != nil {
		return nil, fmt.Errorf("escrow ledger: inbound counterparties: %w", err)
	}
	out := make([]Pending, 0, len(depositors))
	for _, depositor := range depositors {
		record, err := l.load(depositor, collector)
		if err != nil {
			return nil, err
		}
		if record.Empty() {
			continue
		}
		out = append(out, Pending{Counterparty: depositor, Amount: record.Amount, LockDeadline: record.LockDeadline})
	}
	sortPending(out)
	return out, nil
}

// Outbound lists the live escrows funded by depositor, largest first, marking
// those that can already be refunded.
func (l *Ledger) Outbound(depositor [20]byte) ([]Pending, error) {
	collectors, err := l.state.EscrowCounterparties(depositor, RoleDepositor)
	if err != nil {
		return nil, fmt.Errorf("escrow ledger: outbound counterparties: %w", err)
	}
	now := l.now()
	out := make([]Pending, 0, len(collectors))
	for _, collector := range collectors {
		record, err := l.load(depositor, collector)
		if err != nil {
			return nil, err
		}
		if record.Empty() {
			continue
		}
		out = append(out, Pending{
			Counterparty: collector,
			Amount:       record.Amount,
			LockDeadline: record.LockDeadline,
			Refundable:   now >= record.LockDeadline,
		})
	}
	sortPending(out)
	return out, nil
}

func sortPending(entries []Pending) {
	sort.SliceStable(entries, func(i, j int) bool {
		if c := entries[i].Amount.Cmp(entries[j].Amount); c != 0 {
			return c > 0
		}
		return bytes.Compare(entries[i].Counterparty[:], entries[j].Counterparty[:]) < 0
	})
}
