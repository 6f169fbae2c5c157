package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	"escrowledger/core/events"
	"escrowledger/native/escrow"
)

type storedEvent struct {
	Kind         string
	Sequence     uint64
	Depositor    [20]byte
	Collector    [20]byte
	Amount       *big.Int
	Timestamp    uint64
	LockDeadline uint64
}

func newStoredEvent(evt events.EscrowEvent) *storedEvent {
	transfer := evt.Transfer()
	amount := big.NewInt(0)
	if transfer.Amount != nil {
		amount = transfer.Amount.ToBig()
	}
	stored := &storedEvent{
		Kind:      evt.EventType(),
		Sequence:  transfer.Sequence,
		Depositor: transfer.Depositor,
		Collector: transfer.Collector,
		Amount:    amount,
		Timestamp: transfer.Timestamp,
	}
	if deposit, ok := evt.(events.DepositCompleted); ok {
		stored.LockDeadline = deposit.LockDeadline
	}
	return stored
}

func (s *storedEvent) toEvent() (events.EscrowEvent, error) {
	amount := new(uint256.Int)
	if s.Amount != nil {
		if overflow := amount.SetFromBig(s.Amount); overflow {
			return nil, fmt.Errorf("state: event amount exceeds 256 bits")
		}
	}
	return events.NewEscrowEvent(s.Kind, events.EscrowTransfer{
		Sequence:  s.Sequence,
		Depositor: s.Depositor,
		Collector: s.Collector,
		Amount:    amount,
		Timestamp: s.Timestamp,
	}, s.LockDeadline)
}

// EscrowEventRecord is an entry of the append-only event log. ID is the
// BLAKE3 digest of the persisted encoding.
type EscrowEventRecord struct {
	ID    [32]byte
	Event events.EscrowEvent
}

// EventFilter narrows an event log query. Nil parties and empty Types match
// everything. Only events with a sequence above After are returned.
type EventFilter struct {
	Depositor *[20]byte
	Collector *[20]byte
	Types     []string
	After     uint64
	Limit     int
}

// Matches reports whether evt passes the filter, ignoring Limit.
func (f EventFilter) Matches(evt events.EscrowEvent) bool {
	transfer := evt.Transfer()
	if transfer.Sequence <= f.After {
		return false
	}
	if f.Depositor != nil && transfer.Depositor != *f.Depositor {
		return false
	}
	if f.Collector != nil && transfer.Collector != *f.Collector {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, kind := range f.Types {
		if kind == evt.EventType() {
			return true
		}
	}
	return false
}

// EscrowEvents returns the events matching filter in sequence order.
func (m *Manager) EscrowEvents(filter EventFilter) ([]EscrowEventRecord, error) {
	seqs, err := m.candidateSequences(filter)
	if err != nil {
		return nil, err
	}
	out := make([]EscrowEventRecord, 0)
	for _, seq := range seqs {
		record, ok, err := m.EscrowEvent(seq)
		if err != nil {
			return nil, err
		}
		if !ok || !filter.Matches(record.Event) {
			continue
		}
		out = append(out, record)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// EscrowEvent loads a single event by sequence.
func (m *Manager) EscrowEvent(sequence uint64) (EscrowEventRecord, bool, error) {
	raw, ok, err := m.getRaw(EscrowEventKey(sequence))
	if err != nil || !ok {
		return EscrowEventRecord{}, false, err
	}
	var stored storedEvent
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return EscrowEventRecord{}, false, fmt.Errorf("state: decode escrow event %d: %w", sequence, err)
	}
	evt, err := stored.toEvent()
	if err != nil {
		return EscrowEventRecord{}, false, err
	}
	return EscrowEventRecord{ID: blake3.Sum256(raw), Event: evt}, true, nil
}

// candidateSequences collects sequence numbers from the narrowest index the
// filter allows. Reads happen after iteration completes so backends holding a
// read transaction during Iterate are never re-entered.
func (m *Manager) candidateSequences(filter EventFilter) ([]uint64, error) {
	var (
		prefix []byte
		offset int
	)
	switch {
	case filter.Depositor != nil:
		prefix = escrowIndexPrefix(escrowDepositorIdxPrefix, *filter.Depositor)
	case filter.Collector != nil:
		prefix = escrowIndexPrefix(escrowCollectorIdxPrefix, *filter.Collector)
	default:
		prefix = escrowEventPrefix
	}
	offset = len(prefix)
	var seqs []uint64
	err := m.db.Iterate(prefix, func(key, _ []byte) bool {
		if len(key) != offset+8 {
			return true
		}
		seq := binary.BigEndian.Uint64(key[offset:])
		if seq > filter.After {
			seqs = append(seqs, seq)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("state: scan escrow events: %w", err)
	}
	return seqs, nil
}

// EscrowCounterparties returns the distinct parties that appeared opposite
// party in a DepositCompleted event where party held role, in order of first
// appearance.
func (m *Manager) EscrowCounterparties(party [20]byte, role escrow.Role) ([][20]byte, error) {
	filter := EventFilter{Types: []string{events.TypeDepositCompleted}}
	switch role {
	case escrow.RoleDepositor:
		filter.Depositor = &party
	case escrow.RoleCollector:
		filter.Collector = &party
	default:
		return nil, fmt.Errorf("state: unknown escrow role %d", role)
	}
	records, err := m.EscrowEvents(filter)
	if err != nil {
		return nil, err
	}
	seen := make(map[[20]byte]struct{}, len(records))
	out := make([][20]byte, 0, len(records))
	for _, record := range records {
		transfer := record.Event.Transfer()
		counterparty := transfer.Collector
		if role == escrow.RoleCollector {
			counterparty = transfer.Depositor
		}
		if _, dup := seen[counterparty]; dup {
			continue
		}
		seen[counterparty] = struct{}{}
		out = append(out, counterparty)
	}
	return out, nil
}
