package state

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	escrowRecordPrefix       = []byte("escrow/record/")
	escrowEventPrefix        = []byte("escrow/event/")
	escrowDepositorIdxPrefix = []byte("escrow/idx/depositor/")
	escrowCollectorIdxPrefix = []byte("escrow/idx/collector/")
	escrowLockDurationKey    = []byte("escrow/meta/lockDuration")
	accountPrefix            = []byte("bank/account/")

	// indexMarker is the value stored under secondary index keys.
	indexMarker = []byte{1}
)

// EscrowRecordKey returns the storage key of the (depositor, collector) record.
func EscrowRecordKey(depositor, collector [20]byte) []byte {
	digest := ethcrypto.Keccak256(depositor[:], collector[:])
	return concat(escrowRecordPrefix, digest)
}

// EscrowEventKey returns the storage key of the event with the given sequence.
// Keys sort in sequence order.
func EscrowEventKey(sequence uint64) []byte {
	return concat(escrowEventPrefix, encodeUint64(sequence))
}

func escrowIndexKey(prefix []byte, party [20]byte, sequence uint64) []byte {
	return concat(prefix, party[:], encodeUint64(sequence))
}

func escrowIndexPrefix(prefix []byte, party [20]byte) []byte {
	return concat(prefix, party[:])
}

// AccountKey returns the storage key of a custody account balance.
func AccountKey(addr [20]byte) []byte {
	return concat(accountPrefix, addr[:])
}

func encodeUint64(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func concat(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += len(p)
	}
	buf := make([]byte, 0, size)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf
}
