package state_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"escrowledger/core/events"
	"escrowledger/core/state"
	"escrowledger/native/bank"
	"escrowledger/native/escrow"
	"escrowledger/storage"
)

type ledgerFixture struct {
	db     storage.Database
	mgr    *state.Manager
	bank   *bank.Bank
	ledger *escrow.Ledger
	now    uint64
}

func openFixture(t *testing.T, db storage.Database, lockDuration uint64) *ledgerFixture {
	t.Helper()
	mgr, err := state.NewManager(db)
	require.NoError(t, err)
	custody, err := bank.New(mgr, [20]byte{0xEE})
	require.NoError(t, err)
	ledger, err := escrow.NewLedger(lockDuration, mgr, custody)
	require.NoError(t, err)
	f := &ledgerFixture{db: db, mgr: mgr, bank: custody, ledger: ledger, now: 1_000}
	ledger.SetNowFunc(func() uint64 { return f.now })
	return f
}

func TestLedgerOverBoltPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.bolt")
	depositor, collector := [20]byte{0x01}, [20]byte{0x02}
	ctx := context.Background()

	db, err := storage.NewBoltDB(path, nil)
	require.NoError(t, err)
	f := openFixture(t, db, 100)
	_, err = f.bank.Fund(depositor, uint256.NewInt(50))
	require.NoError(t, err)
	_, err = f.ledger.Deposit(ctx, depositor, collector, uint256.NewInt(20))
	require.NoError(t, err)
	db.Close()

	db, err = storage.NewBoltDB(path, nil)
	require.NoError(t, err)
	defer db.Close()

	mgr, err := state.NewManager(db)
	require.NoError(t, err)
	_, err = escrow.NewLedger(5, mgr, &noopCustodian{})
	require.ErrorIs(t, err, escrow.ErrLockDurationMismatch)

	f = openFixture(t, db, 100)
	rec, err := f.ledger.Lookup(depositor, collector)
	require.NoError(t, err)
	require.Equal(t, uint64(20), rec.Amount.Uint64())
	require.Equal(t, uint64(1_100), rec.LockDeadline)

	f.now = 1_100
	receipt, err := f.ledger.Refund(ctx, depositor, collector)
	require.NoError(t, err)
	require.Equal(t, uint64(20), receipt.Amount.Uint64())

	bal, err := f.bank.Balance(depositor)
	require.NoError(t, err)
	require.Equal(t, uint64(50), bal.Uint64())

	d := depositor
	history, err := f.mgr.EscrowEvents(state.EventFilter{Depositor: &d})
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, events.TypeDepositCompleted, history[0].Event.EventType())
	require.Equal(t, events.TypeWithdrawCompleted, history[1].Event.EventType())
	require.Greater(t, history[1].Event.Transfer().Sequence, history[0].Event.Transfer().Sequence)
}

func TestLedgerConservesValueThroughBank(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	f := openFixture(t, db, 10)
	ctx := context.Background()
	parties := [][20]byte{{0x01}, {0x02}, {0x03}}
	for _, p := range parties {
		_, err := f.bank.Fund(p, uint256.NewInt(100))
		require.NoError(t, err)
	}

	total := func() uint64 {
		sum := uint64(0)
		for _, p := range append(parties, f.bank.Vault()) {
			bal, err := f.bank.Balance(p)
			require.NoError(t, err)
			sum += bal.Uint64()
		}
		return sum
	}
	escrowed := func() uint64 {
		sum := uint64(0)
		require.NoError(t, f.mgr.EscrowRecords(func(s state.StoredEscrow) bool {
			sum += s.Record.Amount.Uint64()
			return true
		}))
		return sum
	}
	vault := func() uint64 {
		bal, err := f.bank.Balance(f.bank.Vault())
		require.NoError(t, err)
		return bal.Uint64()
	}

	steps := []func() error{
		func() error { _, err := f.ledger.Deposit(ctx, parties[0], parties[1], uint256.NewInt(30)); return err },
		func() error { _, err := f.ledger.Deposit(ctx, parties[2], parties[1], uint256.NewInt(40)); return err },
		func() error { _, err := f.ledger.Claim(ctx, parties[1], parties[0]); return err },
		func() error { _, err := f.ledger.Deposit(ctx, parties[1], parties[1], uint256.NewInt(5)); return err },
		func() error { _, err := f.ledger.Refund(ctx, parties[2], parties[1]); return err },
		func() error { _, err := f.ledger.Deposit(ctx, parties[0], parties[2], uint256.NewInt(500)); return err },
	}
	for i, step := range steps {
		if i == 4 {
			f.now += 10
		}
		err := step()
		if i == 5 {
			require.ErrorIs(t, err, escrow.ErrTransferFailed)
			require.True(t, errors.Is(err, bank.ErrInsufficientFunds))
		} else {
			require.NoError(t, err, "step %d", i)
		}
		require.Equal(t, uint64(300), total(), "step %d", i)
		require.Equal(t, escrowed(), vault(), "step %d", i)
	}

	inbound, err := f.ledger.Inbound(parties[1])
	require.NoError(t, err)
	require.Len(t, inbound, 1)
	require.Equal(t, parties[1], inbound[0].Counterparty)
}

func TestClaimCompletesAfterCallerCancels(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	f := openFixture(t, db, 100)
	depositor, collector := [20]byte{0x01}, [20]byte{0x02}
	_, err := f.bank.Fund(depositor, uint256.NewInt(10))
	require.NoError(t, err)
	_, err = f.ledger.Deposit(context.Background(), depositor, collector, uint256.NewInt(10))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	receipt, err := f.ledger.Claim(ctx, collector, depositor)
	require.NoError(t, err)
	require.Equal(t, uint64(10), receipt.Amount.Uint64())

	rec, err := f.ledger.Lookup(depositor, collector)
	require.NoError(t, err)
	require.True(t, rec.Amount.IsZero())
	bal, err := f.bank.Balance(collector)
	require.NoError(t, err)
	require.Equal(t, uint64(10), bal.Uint64())
}

func TestCursorPagingSeesEveryEventUnderConcurrentDeposits(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	f := openFixture(t, db, 10)
	ctx := context.Background()

	const (
		pairs    = 8
		deposits = 25
	)
	for i := 0; i < pairs; i++ {
		_, err := f.bank.Fund([20]byte{byte(i + 1)}, uint256.NewInt(deposits))
		require.NoError(t, err)
	}

	var (
		seen    []uint64
		cursor  uint64
		writers sync.WaitGroup
		done    atomic.Bool
	)
	page := func() error {
		recs, err := f.mgr.EscrowEvents(state.EventFilter{After: cursor, Limit: 7})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			seen = append(seen, rec.Event.Transfer().Sequence)
			cursor = rec.Event.Transfer().Sequence
		}
		return nil
	}
	reader := make(chan struct{})
	go func() {
		defer close(reader)
		for !done.Load() {
			if err := page(); err != nil {
				t.Errorf("page events: %v", err)
				return
			}
		}
	}()

	for i := 0; i < pairs; i++ {
		writers.Add(1)
		go func(depositor [20]byte) {
			defer writers.Done()
			collector := [20]byte{0xC0, depositor[0]}
			for j := 0; j < deposits; j++ {
				if _, err := f.ledger.Deposit(ctx, depositor, collector, uint256.NewInt(1)); err != nil {
					t.Errorf("deposit: %v", err)
					return
				}
			}
		}([20]byte{byte(i + 1)})
	}
	writers.Wait()
	done.Store(true)
	<-reader
	for {
		before := len(seen)
		require.NoError(t, page())
		if len(seen) == before {
			break
		}
	}

	require.Len(t, seen, pairs*deposits)
	for i, seq := range seen {
		require.Equal(t, uint64(i+1), seq, "cursor reader skipped or repeated an event")
	}
}

type noopCustodian struct{}

func (noopCustodian) Collect(context.Context, [20]byte, *uint256.Int) error { return nil }
func (noopCustodian) Release(context.Context, [20]byte, *uint256.Int) error { return nil }
