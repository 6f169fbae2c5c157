package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"escrowledger/core/events"
	"escrowledger/native/escrow"
	"escrowledger/storage"
)

type storedRecord struct {
	Depositor    [20]byte
	Collector    [20]byte
	Amount       *big.Int
	LockDeadline uint64
}

func newStoredRecord(depositor, collector [20]byte, record *escrow.Record) *storedRecord {
	amount := big.NewInt(0)
	if record != nil && record.Amount != nil {
		amount = record.Amount.ToBig()
	}
	var deadline uint64
	if record != nil {
		deadline = record.LockDeadline
	}
	return &storedRecord{Depositor: depositor, Collector: collector, Amount: amount, LockDeadline: deadline}
}

func (s *storedRecord) toRecord() (*escrow.Record, error) {
	amount := new(uint256.Int)
	if s.Amount != nil {
		if overflow := amount.SetFromBig(s.Amount); overflow {
			return nil, fmt.Errorf("state: escrow amount exceeds 256 bits")
		}
	}
	return &escrow.Record{Amount: amount, LockDeadline: s.LockDeadline}, nil
}

// StoredEscrow is a persisted record together with the pair it belongs to.
type StoredEscrow struct {
	Depositor [20]byte
	Collector [20]byte
	Record    *escrow.Record
}

// EscrowRecordGet loads the record for the pair. A missing record returns nil
// without error.
func (m *Manager) EscrowRecordGet(depositor, collector [20]byte) (*escrow.Record, error) {
	raw, ok, err := m.getRaw(EscrowRecordKey(depositor, collector))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var stored storedRecord
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("state: decode escrow record: %w", err)
	}
	return stored.toRecord()
}

// EscrowCommit assigns the next event sequence, builds the event for it and
// writes record and event in one batch. An empty record deletes the pair so
// settled and never-funded pairs are indistinguishable on disk. Sequences are
// handed out under the commit lock, so the log has no gaps and a reader
// paging by sequence never skips an entry committed later.
func (m *Manager) EscrowCommit(depositor, collector [20]byte, record *escrow.Record, build func(seq uint64) events.EscrowEvent) (events.EscrowEvent, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	seq := m.seq + 1
	evt := build(seq)
	if evt == nil {
		return nil, fmt.Errorf("state: escrow event required")
	}
	if got := evt.Transfer().Sequence; got != seq {
		return nil, fmt.Errorf("state: escrow event sequence %d, expected %d", got, seq)
	}
	batch := m.db.NewBatch()
	if err := putRecord(batch, depositor, collector, record); err != nil {
		return nil, err
	}
	stored := newStoredEvent(evt)
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return nil, fmt.Errorf("state: encode escrow event: %w", err)
	}
	batch.Put(EscrowEventKey(seq), encoded)
	batch.Put(escrowIndexKey(escrowDepositorIdxPrefix, stored.Depositor, seq), indexMarker)
	batch.Put(escrowIndexKey(escrowCollectorIdxPrefix, stored.Collector, seq), indexMarker)
	if err := m.db.Write(batch); err != nil {
		return nil, err
	}
	m.seq = seq
	return evt, nil
}

func putRecord(batch storage.Batch, depositor, collector [20]byte, record *escrow.Record) error {
	key := EscrowRecordKey(depositor, collector)
	if record.Empty() {
		batch.Delete(key)
		return nil
	}
	encoded, err := rlp.EncodeToBytes(newStoredRecord(depositor, collector, record))
	if err != nil {
		return fmt.Errorf("state: encode escrow record: %w", err)
	}
	batch.Put(key, encoded)
	return nil
}

// EscrowLastSequence returns the sequence of the newest committed event.
func (m *Manager) EscrowLastSequence() uint64 {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	return m.seq
}

// EscrowLockDuration returns the lock duration fixed when the ledger was first
// created against this store.
func (m *Manager) EscrowLockDuration() (uint64, bool, error) {
	raw, ok, err := m.getRaw(escrowLockDurationKey)
	if err != nil || !ok {
		return 0, false, err
	}
	if len(raw) != 8 {
		return 0, false, fmt.Errorf("state: malformed lock duration (%d bytes)", len(raw))
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

func (m *Manager) EscrowSetLockDuration(duration uint64) error {
	return m.db.Put(escrowLockDurationKey, encodeUint64(duration))
}

// EscrowRecords visits every live record. Iteration order follows the hashed
// storage key and carries no meaning.
func (m *Manager) EscrowRecords(fn func(StoredEscrow) bool) error {
	var decodeErr error
	err := m.db.Iterate(escrowRecordPrefix, func(_, value []byte) bool {
		var stored storedRecord
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			decodeErr = fmt.Errorf("state: decode escrow record: %w", err)
			return false
		}
		record, err := stored.toRecord()
		if err != nil {
			decodeErr = err
			return false
		}
		return fn(StoredEscrow{Depositor: stored.Depositor, Collector: stored.Collector, Record: record})
	})
	if err != nil {
		return err
	}
	return decodeErr
}
