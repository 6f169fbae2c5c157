package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

type storedAccount struct {
	Balance *big.Int
}

// AccountBalance returns the custody balance held for addr. Unknown accounts
// have a zero balance.
func (m *Manager) AccountBalance(addr [20]byte) (*uint256.Int, error) {
	raw, ok, err := m.getRaw(AccountKey(addr))
	if err != nil {
		return nil, err
	}
	balance := new(uint256.Int)
	if !ok {
		return balance, nil
	}
	var stored storedAccount
	if err := rlp.DecodeBytes(raw, &stored); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	if stored.Balance != nil {
		if overflow := balance.SetFromBig(stored.Balance); overflow {
			return nil, fmt.Errorf("state: account balance exceeds 256 bits")
		}
	}
	return balance, nil
}

// AccountsPut writes every balance in updates in one batch. Zero balances
// remove the account.
func (m *Manager) AccountsPut(updates map[[20]byte]*uint256.Int) error {
	batch := m.db.NewBatch()
	for addr, balance := range updates {
		key := AccountKey(addr)
		if balance == nil || balance.IsZero() {
			batch.Delete(key)
			continue
		}
		encoded, err := rlp.EncodeToBytes(&storedAccount{Balance: balance.ToBig()})
		if err != nil {
			return fmt.Errorf("state: encode account: %w", err)
		}
		batch.Put(key, encoded)
	}
	return m.db.Write(batch)
}
