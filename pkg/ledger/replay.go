package ledger

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"

	"github.com/heliosevm/helios/internal/types"
)

// Key prefixes for the badger account store.
var (
	// prefixAccount is the prefix for account snapshots.
	// Key format: prefixAccount + pubkey (32 bytes)
	prefixAccount = []byte{0x01}

	// prefixMeta is the prefix for metadata keys.
	prefixMeta = []byte{0x02}

	// metaSlot stores the slot the snapshot was taken at.
	metaSlot = append(prefixMeta, []byte("slot")...)
)

// bbolt bucket for the slot -> block time index.
var bucketBlockTimes = []byte("block_times")

// ReplayConfig holds configuration for the historical replay backend.
type ReplayConfig struct {
	// Dir is the directory holding the account store and slot index.
	Dir string

	// InMemory runs the account store in memory (for tests).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool
}

// ReplayDB is the historical Ledger backend. It serves account state that was
// captured at a fixed slot, letting transactions be emulated against past
// ledger contents.
//
// Account snapshots live in badger (pubkey-keyed, zstd-compressed values);
// the slot -> block time index lives in a bbolt file next to it.
type ReplayDB struct {
	db     *badger.DB
	index  *bolt.DB
	slot   atomic.Uint64
	closed atomic.Bool

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// OpenReplay opens (or creates) a replay store in cfg.Dir.
func OpenReplay(cfg ReplayConfig) (*ReplayDB, error) {
	opts := badger.DefaultOptions(filepath.Join(cfg.Dir, "accounts"))
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open account store: %w", err)
	}

	var index *bolt.DB
	if !cfg.InMemory {
		index, err = bolt.Open(filepath.Join(cfg.Dir, "slots.db"), 0o600, nil)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open slot index: %w", err)
		}
		err = index.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketBlockTimes)
			return err
		})
		if err != nil {
			db.Close()
			index.Close()
			return nil, fmt.Errorf("create slot index bucket: %w", err)
		}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	r := &ReplayDB{db: db, index: index, enc: enc, dec: dec}
	if err := r.loadSlot(); err != nil {
		r.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return r, nil
}

func (r *ReplayDB) loadSlot() error {
	return r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaSlot)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				r.slot.Store(binary.LittleEndian.Uint64(val))
			}
			return nil
		})
	})
}

func accountKey(key types.Pubkey) []byte {
	k := make([]byte, 1+types.PubkeySize)
	k[0] = prefixAccount[0]
	copy(k[1:], key[:])
	return k
}

// PutAccount captures an account snapshot. A nil or zero account removes any
// stored snapshot for the key.
func (r *ReplayDB) PutAccount(key types.Pubkey, account *Account) error {
	if r.closed.Load() {
		return ErrClosed
	}
	return r.db.Update(func(txn *badger.Txn) error {
		if account == nil || account.IsZero() {
			err := txn.Delete(accountKey(key))
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return txn.Set(accountKey(key), r.enc.EncodeAll(account.Serialize(), nil))
	})
}

// SetSlot records the slot the captured state belongs to.
func (r *ReplayDB) SetSlot(slot uint64) error {
	if r.closed.Load() {
		return ErrClosed
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], slot)
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaSlot, buf[:])
	})
	if err != nil {
		return err
	}
	r.slot.Store(slot)
	return nil
}

// PutBlockTime records the unix timestamp of a slot in the bbolt index.
func (r *ReplayDB) PutBlockTime(slot uint64, unix int64) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if r.index == nil {
		return fmt.Errorf("ledger: slot index unavailable in memory mode")
	}
	var k, v [8]byte
	binary.BigEndian.PutUint64(k[:], slot) // big-endian keys keep bbolt iteration in slot order
	binary.LittleEndian.PutUint64(v[:], uint64(unix))
	return r.index.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlockTimes).Put(k[:], v[:])
	})
}

// GetAccount retrieves a captured account, or nil if none was captured.
func (r *ReplayDB) GetAccount(key types.Pubkey) (*Account, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	var account *Account
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(accountKey(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			raw, err := r.dec.DecodeAll(val, nil)
			if err != nil {
				return fmt.Errorf("decompress account: %w", err)
			}
			account, err = DeserializeAccount(raw)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// GetMultipleAccounts retrieves a batch in request order within one view
// transaction, so the batch observes a single consistent state.
func (r *ReplayDB) GetMultipleAccounts(keys []types.Pubkey) ([]*Account, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	out := make([]*Account, len(keys))
	err := r.db.View(func(txn *badger.Txn) error {
		for i, key := range keys {
			item, err := txn.Get(accountKey(key))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			err = item.Value(func(val []byte) error {
				raw, err := r.dec.DecodeAll(val, nil)
				if err != nil {
					return fmt.Errorf("decompress account: %w", err)
				}
				out[i], err = DeserializeAccount(raw)
				return err
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetSlot returns the slot the captured state belongs to.
func (r *ReplayDB) GetSlot() (uint64, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	return r.slot.Load(), nil
}

// GetBlockTime returns the recorded block time for slot.
func (r *ReplayDB) GetBlockTime(slot uint64) (int64, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	if r.index == nil {
		return 0, ErrSlotNotFound
	}
	var unix int64
	found := false
	err := r.index.View(func(tx *bolt.Tx) error {
		var k [8]byte
		binary.BigEndian.PutUint64(k[:], slot)
		if v := tx.Bucket(bucketBlockTimes).Get(k[:]); v != nil {
			unix = int64(binary.LittleEndian.Uint64(v))
			found = true
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrSlotNotFound
	}
	return unix, nil
}

// Close closes the underlying stores.
func (r *ReplayDB) Close() error {
	if r.closed.Swap(true) {
		return ErrClosed
	}
	r.enc.Close()
	r.dec.Close()
	var firstErr error
	if err := r.db.Close(); err != nil {
		firstErr = err
	}
	if r.index != nil {
		if err := r.index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
