package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"escrowledger/storage"
)

// Manager persists escrow records, the escrow event log and custody account
// balances in a key-value store. Every mutation that must be observed together
// is written through a single storage batch.
type Manager struct {
	db storage.Database

	commitMu sync.Mutex
	seq      uint64
}

// NewManager opens a manager over db and resumes the event sequence from the
// highest persisted event.
func NewManager(db storage.Database) (*Manager, error) {
	if db == nil {
		return nil, errors.New("state: database not configured")
	}
	m := &Manager{db: db}
	var last uint64
	err := db.Iterate(escrowEventPrefix, func(key, _ []byte) bool {
		if len(key) != len(escrowEventPrefix)+8 {
			return true
		}
		seq := binary.BigEndian.Uint64(key[len(escrowEventPrefix):])
		if seq > last {
			last = seq
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("state: scan event log: %w", err)
	}
	m.seq = last
	return m, nil
}

// Database exposes the underlying store.
func (m *Manager) Database() storage.Database { return m.db }

func (m *Manager) getRaw(key []byte) ([]byte, bool, error) {
	value, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}
