package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"escrowledger/storage"
)

var (
	nonceKeyPrefix    = []byte("auth/nonce/")
	observedKeyPrefix = []byte("auth/observed/")
)

// StoreNoncePersistence keeps nonce usage in a storage.Database so replay
// protection survives restarts on any configured backend.
type StoreNoncePersistence struct {
	db storage.Database
}

// NewStoreNoncePersistence wraps db. The caller owns db's lifecycle.
func NewStoreNoncePersistence(db storage.Database) (*StoreNoncePersistence, error) {
	if db == nil {
		return nil, fmt.Errorf("nonce persistence database required")
	}
	return &StoreNoncePersistence{db: db}, nil
}

// OpenNoncePersistence opens a dedicated LevelDB database at path.
func OpenNoncePersistence(path string) (*StoreNoncePersistence, func(), error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil, fmt.Errorf("nonce persistence path required")
	}
	db, err := storage.NewLevelDB(trimmed)
	if err != nil {
		return nil, nil, fmt.Errorf("open nonce store: %w", err)
	}
	return &StoreNoncePersistence{db: db}, db.Close, nil
}

// EnsureNonce records a nonce usage if it has not been observed previously.
func (p *StoreNoncePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	signer := strings.TrimSpace(record.Signer)
	ts := strings.TrimSpace(record.Timestamp)
	nonce := strings.TrimSpace(record.Nonce)
	if signer == "" || ts == "" || nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	composite := compositeKey(signer, ts, nonce)
	nonceKey := append(append([]byte(nil), nonceKeyPrefix...), composite...)

	existing, err := p.db.Get(nonceKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("load nonce: %w", err)
	default:
		if len(existing) == 8 {
			previous := int64(binary.BigEndian.Uint64(existing))
			if observed.UnixNano() > previous {
				batch := p.db.NewBatch()
				batch.Put(nonceKey, encodeUnixNano(observed.UnixNano()))
				batch.Delete(observedKey(previous, composite))
				batch.Put(observedKey(observed.UnixNano(), composite), []byte{1})
				if err := p.db.Write(batch); err != nil {
					return true, fmt.Errorf("update observed nonce: %w", err)
				}
			}
		}
		return true, nil
	}

	batch := p.db.NewBatch()
	batch.Put(nonceKey, encodeUnixNano(observed.UnixNano()))
	batch.Put(observedKey(observed.UnixNano(), composite), []byte{1})
	if err := p.db.Write(batch); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// RecentNonces returns persisted nonces observed at or after the provided cutoff.
func (p *StoreNoncePersistence) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	cutoffKey := observedKey(cutoff.UTC().UnixNano(), "")
	records := make([]NonceRecord, 0)
	err := p.db.Iterate(observedKeyPrefix, func(key, _ []byte) bool {
		if ctx.Err() != nil {
			return false
		}
		if bytes.Compare(key, cutoffKey) < 0 {
			return true
		}
		composite, nanos, ok := parseObservedKey(key)
		if !ok {
			return true
		}
		parts := strings.SplitN(composite, "|", 3)
		if len(parts) != 3 {
			return true
		}
		records = append(records, NonceRecord{
			Signer:     parts[0],
			Timestamp:  parts[1],
			Nonce:      parts[2],
			ObservedAt: time.Unix(0, nanos).UTC(),
		})
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("iterate observed nonces: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// PruneNonces deletes entries observed before the provided cutoff time.
func (p *StoreNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	cutoffKey := observedKey(cutoff.UTC().UnixNano(), "")
	var stale [][]byte
	err := p.db.Iterate(observedKeyPrefix, func(key, _ []byte) bool {
		if ctx.Err() != nil || bytes.Compare(key, cutoffKey) >= 0 {
			return false
		}
		stale = append(stale, append([]byte(nil), key...))
		return true
	})
	if err != nil {
		return fmt.Errorf("iterate observed nonces: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	batch := p.db.NewBatch()
	for _, key := range stale {
		batch.Delete(key)
		if composite, _, ok := parseObservedKey(key); ok {
			batch.Delete(append(append([]byte(nil), nonceKeyPrefix...), composite...))
		}
	}
	if err := p.db.Write(batch); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

func observedKey(nanos int64, composite string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", observedKeyPrefix, nanos, composite))
}

func parseObservedKey(key []byte) (string, int64, bool) {
	raw := strings.TrimPrefix(string(key), string(observedKeyPrefix))
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[1], nanos, true
}

func encodeUnixNano(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}

func compositeKey(signer, timestamp, nonce string) string {
	return strings.Join([]string{signer, timestamp, nonce}, "|")
}
