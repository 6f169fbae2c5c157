package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	ErrInvalidAmount     = errors.New("bank: amount must be positive")
	ErrBalanceOverflow   = errors.New("bank: balance overflow")
)

type accountState interface {
	AccountBalance(addr [20]byte) (*uint256.Int, error)
	AccountsPut(updates map[[20]byte]*uint256.Int) error
}

// DefaultVault is the custody account used when none is configured. It is
// derived from a fixed label so no private key controls it.
func DefaultVault() [20]byte {
	var out [20]byte
	copy(out[:], crypto.Keccak256([]byte("escrow/vault"))[12:])
	return out
}

// Bank keeps spendable balances for participants and holds escrowed value in
// a dedicated vault account. It satisfies the escrow ledger's custodian
// contract: Collect moves funds into the vault and Release pays them out.
type Bank struct {
	mu    sync.Mutex
	state accountState
	vault [20]byte
}

// New returns a bank storing balances in state and custody in vault.
func New(state accountState, vault [20]byte) (*Bank, error) {
	if state == nil {
		return nil, fmt.Errorf("bank: state required")
	}
	return &Bank{state: state, vault: vault}, nil
}

// Vault returns the custody account address.
func (b *Bank) Vault() [20]byte { return b.vault }

// Balance returns the spendable balance of addr.
func (b *Bank) Balance(addr [20]byte) (*uint256.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.AccountBalance(addr)
}

// Fund credits addr with newly issued value.
func (b *Bank) Fund(addr [20]byte, amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	balance, err := b.state.AccountBalance(addr)
	if err != nil {
		return nil, err
	}
	updated, overflow := new(uint256.Int).AddOverflow(balance, amount)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	if err := b.state.AccountsPut(map[[20]byte]*uint256.Int{addr: updated}); err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Collect moves amount from the participant into the vault.
func (b *Bank) Collect(ctx context.Context, from [20]byte, amount *uint256.Int) error {
	return b.transfer(ctx, from, b.vault, amount)
}

// Release pays amount out of the vault to the participant.
func (b *Bank) Release(ctx context.Context, to [20]byte, amount *uint256.Int) error {
	return b.transfer(ctx, b.vault, to, amount)
}

func (b *Bank) transfer(ctx context.Context, from, to [20]byte, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	fromBalance, err := b.state.AccountBalance(from)
	if err != nil {
		return err
	}
	if fromBalance.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, fromBalance.Dec(), amount.Dec())
	}
	if from == to {
		return nil
	}
	toBalance, err := b.state.AccountBalance(to)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(toBalance, amount)
	if overflow {
		return ErrBalanceOverflow
	}
	return b.state.AccountsPut(map[[20]byte]*uint256.Int{
		from: new(uint256.Int).Sub(fromBalance, amount),
		to:   credited,
	})
}
