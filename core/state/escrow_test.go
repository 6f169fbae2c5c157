package state

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"escrowledger/core/events"
	"escrowledger/native/escrow"
	"escrowledger/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	mgr, err := NewManager(db)
	require.NoError(t, err)
	return mgr
}

func depositEvent(seq uint64, depositor, collector [20]byte, amount uint64) events.DepositCompleted {
	return events.DepositCompleted{
		EscrowTransfer: events.EscrowTransfer{
			Sequence:  seq,
			Depositor: depositor,
			Collector: collector,
			Amount:    uint256.NewInt(amount),
			Timestamp: 100,
		},
		LockDeadline: 200,
	}
}

func commitDeposit(t *testing.T, mgr *Manager, d, c [20]byte, record *escrow.Record, amount uint64) uint64 {
	t.Helper()
	evt, err := mgr.EscrowCommit(d, c, record, func(seq uint64) events.EscrowEvent {
		return depositEvent(seq, d, c, amount)
	})
	require.NoError(t, err)
	return evt.Transfer().Sequence
}

func TestEscrowRecordCommitAndDelete(t *testing.T) {
	mgr := newTestManager(t)
	d, c := [20]byte{1}, [20]byte{2}

	rec, err := mgr.EscrowRecordGet(d, c)
	require.NoError(t, err)
	require.Nil(t, rec)

	require.Equal(t, uint64(1), commitDeposit(t, mgr, d, c, &escrow.Record{Amount: uint256.NewInt(5), LockDeadline: 200}, 5))

	rec, err = mgr.EscrowRecordGet(d, c)
	require.NoError(t, err)
	require.Equal(t, uint64(5), rec.Amount.Uint64())
	require.Equal(t, uint64(200), rec.LockDeadline)

	// Reverse pair is a distinct key.
	other, err := mgr.EscrowRecordGet(c, d)
	require.NoError(t, err)
	require.Nil(t, other)

	claim, err := mgr.EscrowCommit(d, c, &escrow.Record{Amount: new(uint256.Int)}, func(seq uint64) events.EscrowEvent {
		return events.DepositReceiveCompleted{EscrowTransfer: events.EscrowTransfer{
			Sequence: seq, Depositor: d, Collector: c, Amount: uint256.NewInt(5),
		}}
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), claim.Transfer().Sequence)

	ok, err := mgr.Database().Has(EscrowRecordKey(d, c))
	require.NoError(t, err)
	require.False(t, ok, "settled record must be deleted")
}

type failingDB struct {
	storage.Database
	fail bool
}

func (f *failingDB) Write(batch storage.Batch) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Database.Write(batch)
}

func TestEscrowCommitFailureConsumesNoSequence(t *testing.T) {
	mem := storage.NewMemDB()
	t.Cleanup(mem.Close)
	db := &failingDB{Database: mem}
	mgr, err := NewManager(db)
	require.NoError(t, err)
	d, c := [20]byte{1}, [20]byte{2}
	prev := &escrow.Record{Amount: uint256.NewInt(9), LockDeadline: 50}
	commitDeposit(t, mgr, d, c, prev, 9)

	db.fail = true
	_, err = mgr.EscrowCommit(d, c, &escrow.Record{Amount: new(uint256.Int)}, func(seq uint64) events.EscrowEvent {
		return events.DepositReceiveCompleted{EscrowTransfer: events.EscrowTransfer{
			Sequence: seq, Depositor: d, Collector: c, Amount: uint256.NewInt(9),
		}}
	})
	require.Error(t, err)
	require.Equal(t, uint64(1), mgr.EscrowLastSequence())

	rec, err := mgr.EscrowRecordGet(d, c)
	require.NoError(t, err)
	require.Equal(t, uint64(9), rec.Amount.Uint64())

	db.fail = false
	require.Equal(t, uint64(2), commitDeposit(t, mgr, d, c, &escrow.Record{Amount: uint256.NewInt(10), LockDeadline: 60}, 1))
	recs, err := mgr.EscrowEvents(EventFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestEscrowCommitRejectsForeignSequence(t *testing.T) {
	mgr := newTestManager(t)
	d, c := [20]byte{1}, [20]byte{2}
	_, err := mgr.EscrowCommit(d, c, &escrow.Record{Amount: uint256.NewInt(1)}, func(seq uint64) events.EscrowEvent {
		return depositEvent(seq+5, d, c, 1)
	})
	require.Error(t, err)
	_, err = mgr.EscrowCommit(d, c, &escrow.Record{Amount: uint256.NewInt(1)}, func(uint64) events.EscrowEvent { return nil })
	require.Error(t, err)
	require.Zero(t, mgr.EscrowLastSequence())

	rec, err := mgr.EscrowRecordGet(d, c)
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestEscrowEventsFilterAndCounterparties(t *testing.T) {
	mgr := newTestManager(t)
	a, b, c := [20]byte{0xA}, [20]byte{0xB}, [20]byte{0xC}

	apply := func(d, col [20]byte, amount uint64) {
		commitDeposit(t, mgr, d, col, &escrow.Record{Amount: uint256.NewInt(amount), LockDeadline: 200}, amount)
	}
	apply(a, b, 1)
	apply(c, b, 2)
	apply(a, b, 3)
	apply(a, c, 4)

	collector := b
	recs, err := mgr.EscrowEvents(EventFilter{Collector: &collector})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i := 1; i < len(recs); i++ {
		require.Less(t, recs[i-1].Event.Transfer().Sequence, recs[i].Event.Transfer().Sequence)
	}
	require.NotEqual(t, recs[0].ID, recs[1].ID)

	depositor := a
	recs, err = mgr.EscrowEvents(EventFilter{Depositor: &depositor, Collector: &collector})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	recs, err = mgr.EscrowEvents(EventFilter{After: 2, Limit: 1})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, uint64(3), recs[0].Event.Transfer().Sequence)

	recs, err = mgr.EscrowEvents(EventFilter{Types: []string{events.TypeWithdrawCompleted}})
	require.NoError(t, err)
	require.Empty(t, recs)

	depositors, err := mgr.EscrowCounterparties(b, escrow.RoleCollector)
	require.NoError(t, err)
	require.Equal(t, [][20]byte{a, c}, depositors)

	collectors, err := mgr.EscrowCounterparties(a, escrow.RoleDepositor)
	require.NoError(t, err)
	require.Equal(t, [][20]byte{b, c}, collectors)
}

func TestEventIDStableAcrossReads(t *testing.T) {
	mgr := newTestManager(t)
	d, c := [20]byte{1}, [20]byte{2}
	seq := commitDeposit(t, mgr, d, c, &escrow.Record{Amount: uint256.NewInt(1), LockDeadline: 200}, 1)

	first, ok, err := mgr.EscrowEvent(seq)
	require.NoError(t, err)
	require.True(t, ok)
	second, _, err := mgr.EscrowEvent(seq)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	deposit, ok := first.Event.(events.DepositCompleted)
	require.True(t, ok)
	require.Equal(t, uint64(200), deposit.LockDeadline)
}

func TestSequenceAndLockDurationSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger")
	d, c := [20]byte{1}, [20]byte{2}

	db, err := storage.NewLevelDB(path)
	require.NoError(t, err)
	mgr, err := NewManager(db)
	require.NoError(t, err)
	require.NoError(t, mgr.EscrowSetLockDuration(3600))
	for i := 0; i < 3; i++ {
		commitDeposit(t, mgr, d, c, &escrow.Record{Amount: uint256.NewInt(uint64(i + 1)), LockDeadline: 10}, 1)
	}
	db.Close()

	db, err = storage.NewLevelDB(path)
	require.NoError(t, err)
	defer db.Close()
	mgr, err = NewManager(db)
	require.NoError(t, err)

	require.Equal(t, uint64(3), mgr.EscrowLastSequence())
	duration, ok, err := mgr.EscrowLockDuration()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(3600), duration)

	rec, err := mgr.EscrowRecordGet(d, c)
	require.NoError(t, err)
	require.Equal(t, uint64(3), rec.Amount.Uint64())
}

func TestEscrowRecordsVisitsLivePairs(t *testing.T) {
	mgr := newTestManager(t)
	pairs := [][2][20]byte{{{1}, {2}}, {{3}, {2}}, {{1}, {4}}}
	for i, p := range pairs {
		commitDeposit(t, mgr, p[0], p[1], &escrow.Record{Amount: uint256.NewInt(uint64(i + 1)), LockDeadline: 10}, uint64(i+1))
	}
	total := uint64(0)
	count := 0
	require.NoError(t, mgr.EscrowRecords(func(s StoredEscrow) bool {
		total += s.Record.Amount.Uint64()
		count++
		return true
	}))
	require.Equal(t, 3, count)
	require.Equal(t, uint64(6), total)
}

func TestAccountsPutIsAtomicMap(t *testing.T) {
	mgr := newTestManager(t)
	a, b := [20]byte{1}, [20]byte{2}
	require.NoError(t, mgr.AccountsPut(map[[20]byte]*uint256.Int{a: uint256.NewInt(7), b: uint256.NewInt(3)}))

	bal, err := mgr.AccountBalance(a)
	require.NoError(t, err)
	require.Equal(t, uint64(7), bal.Uint64())

	require.NoError(t, mgr.AccountsPut(map[[20]byte]*uint256.Int{a: new(uint256.Int)}))
	ok, err := mgr.Database().Has(AccountKey(a))
	require.NoError(t, err)
	require.False(t, ok)

	bal, err = mgr.AccountBalance([20]byte{9})
	require.NoError(t, err)
	require.True(t, bal.IsZero())
}
