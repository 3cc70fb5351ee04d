// Package ledger provides read access to host-ledger account state.
//
// The engine consumes ledger state through the Ledger interface. Two real
// backends exist, selected at construction time: Client speaks JSON-RPC 2.0
// to a live node, and ReplayDB reads a locally persisted historical snapshot
// for emulating transactions against past state. MemoryLedger backs tests.
//
// All backends promise consistency within a single call: an account observed
// by GetMultipleAccounts cannot appear and then vanish mid-batch.
package ledger

import (
	"encoding/binary"
	"errors"

	"github.com/heliosevm/helios/internal/types"
)

var (
	// ErrClosed is returned when operating on a closed backend.
	ErrClosed = errors.New("ledger: backend closed")

	// ErrInvalidData is returned when stored account data is malformed.
	ErrInvalidData = errors.New("ledger: invalid account data")

	// ErrSlotNotFound is returned when a slot has no recorded block time.
	ErrSlotNotFound = errors.New("ledger: slot not found")
)

// Account is a snapshot of one host-ledger account.
type Account struct {
	// Lamports is the account balance in lamports.
	Lamports uint64

	// Data is the raw account data region.
	Data []byte

	// Owner is the program that owns this account.
	Owner types.Pubkey

	// Executable indicates a program account.
	Executable bool

	// RentEpoch is the epoch at which rent was last collected.
	RentEpoch uint64
}

// Clone creates a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	dataCopy := make([]byte, len(a.Data))
	copy(dataCopy, a.Data)
	return &Account{
		Lamports:   a.Lamports,
		Data:       dataCopy,
		Owner:      a.Owner,
		Executable: a.Executable,
		RentEpoch:  a.RentEpoch,
	}
}

// IsZero returns true if the account has no lamports and no data.
func (a *Account) IsZero() bool {
	return a.Lamports == 0 && len(a.Data) == 0
}

// Serialize encodes the account for replay storage.
// Format: lamports (8) + data_len (8) + data + owner (32) + executable (1) +
// rent_epoch (8), all little-endian.
func (a *Account) Serialize() []byte {
	buf := make([]byte, 8+8+len(a.Data)+32+1+8)
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], a.Lamports)
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], uint64(len(a.Data)))
	offset += 8
	copy(buf[offset:], a.Data)
	offset += len(a.Data)
	copy(buf[offset:], a.Owner[:])
	offset += 32
	if a.Executable {
		buf[offset] = 1
	}
	offset++
	binary.LittleEndian.PutUint64(buf[offset:], a.RentEpoch)

	return buf
}

// DeserializeAccount decodes an account from replay storage bytes.
func DeserializeAccount(data []byte) (*Account, error) {
	if len(data) < 57 { // 8 + 8 + 0 + 32 + 1 + 8
		return nil, ErrInvalidData
	}
	offset := 0

	lamports := binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	dataLen := binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	const maxAccountDataSize = 10 * 1024 * 1024
	if dataLen > maxAccountDataSize {
		return nil, ErrInvalidData
	}
	if uint64(len(data)-offset) < dataLen+41 {
		return nil, ErrInvalidData
	}

	accountData := make([]byte, dataLen)
	copy(accountData, data[offset:offset+int(dataLen)])
	offset += int(dataLen)

	var owner types.Pubkey
	copy(owner[:], data[offset:offset+32])
	offset += 32

	executable := data[offset] != 0
	offset++

	return &Account{
		Lamports:   lamports,
		Data:       accountData,
		Owner:      owner,
		Executable: executable,
		RentEpoch:  binary.LittleEndian.Uint64(data[offset:]),
	}, nil
}

// Ledger is the read interface the engine consumes.
//
// GetAccount and GetMultipleAccounts return nil entries (not errors) for
// accounts that do not exist; an error means the fetch itself failed and the
// whole batch must be treated as failed.
type Ledger interface {
	// GetAccount retrieves one account, or nil if it does not exist.
	GetAccount(key types.Pubkey) (*Account, error)

	// GetMultipleAccounts retrieves a batch of accounts. The result slice has
	// the same length and order as keys, with nil for missing accounts.
	GetMultipleAccounts(keys []types.Pubkey) ([]*Account, error)

	// GetSlot returns the slot the backend serves state for.
	GetSlot() (uint64, error)

	// GetBlockTime returns the unix timestamp of the given slot.
	GetBlockTime(slot uint64) (int64, error)
}

// MemoryLedger is an in-memory Ledger for tests.
type MemoryLedger struct {
	accounts map[types.Pubkey]*Account
	times    map[uint64]int64
	slot     uint64

	// Fetches counts GetAccount/GetMultipleAccounts keys actually served,
	// letting tests assert which keys reached the backend.
	Fetches []types.Pubkey

	// FailNext forces the next fetch to fail with the given error.
	FailNext error
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts: make(map[types.Pubkey]*Account),
		times:    make(map[uint64]int64),
	}
}

// SetAccount stores an account, or deletes it if zero.
func (m *MemoryLedger) SetAccount(key types.Pubkey, account *Account) {
	if account == nil || account.IsZero() {
		delete(m.accounts, key)
		return
	}
	m.accounts[key] = account.Clone()
}

// SetSlot sets the served slot.
func (m *MemoryLedger) SetSlot(slot uint64) {
	m.slot = slot
}

// SetBlockTime records a block time for a slot.
func (m *MemoryLedger) SetBlockTime(slot uint64, unix int64) {
	m.times[slot] = unix
}

// GetAccount retrieves an account, or nil if absent.
func (m *MemoryLedger) GetAccount(key types.Pubkey) (*Account, error) {
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	m.Fetches = append(m.Fetches, key)
	return m.accounts[key].Clone(), nil
}

// GetMultipleAccounts retrieves a batch in request order.
func (m *MemoryLedger) GetMultipleAccounts(keys []types.Pubkey) ([]*Account, error) {
	if err := m.takeErr(); err != nil {
		return nil, err
	}
	out := make([]*Account, len(keys))
	for i, key := range keys {
		m.Fetches = append(m.Fetches, key)
		out[i] = m.accounts[key].Clone()
	}
	return out, nil
}

// GetSlot returns the configured slot.
func (m *MemoryLedger) GetSlot() (uint64, error) {
	return m.slot, nil
}

// GetBlockTime returns the recorded block time for slot.
func (m *MemoryLedger) GetBlockTime(slot uint64) (int64, error) {
	ts, ok := m.times[slot]
	if !ok {
		return 0, ErrSlotNotFound
	}
	return ts, nil
}

func (m *MemoryLedger) takeErr() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}
