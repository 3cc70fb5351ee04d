// Package state implements the persisted execution continuation.
//
// One EVM transaction whose gas cost exceeds a single host-transaction budget
// is executed across several host transactions. The continuation record in
// the transaction's state account carries everything the next step needs:
// progress, accumulated gas, and a revision counter guarding against stale
// or duplicate continuation attempts. The record is a fixed little-endian
// layout at offset 0 of the state account's data, decoded explicitly; the
// account's extended working memory (managed by pkg/arena) follows it.
package state

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/heliosevm/helios/internal/types"
	"github.com/heliosevm/helios/pkg/arena"
)

var (
	// ErrRevisionMismatch is returned when the stored revision does not
	// match the caller's expected revision.
	ErrRevisionMismatch = errors.New("state: revision mismatch")

	// ErrHashMismatch is returned when a caller-supplied transaction hash
	// does not equal the stored one.
	ErrHashMismatch = errors.New("state: transaction hash mismatch")

	// ErrNotActive is returned when an operation requires an active
	// continuation.
	ErrNotActive = errors.New("state: continuation not active")

	// ErrTerminal is returned when mutating a finished or cancelled
	// continuation.
	ErrTerminal = errors.New("state: continuation already terminal")

	// ErrGasExceeded is returned when a step would push gas_used past the
	// prepaid gas limit.
	ErrGasExceeded = errors.New("state: gas limit exceeded")

	// ErrInvalidRecord is returned when stored bytes do not decode to a
	// valid continuation.
	ErrInvalidRecord = errors.New("state: invalid continuation record")
)

// Status is the continuation lifecycle state.
type Status uint8

// Continuation lifecycle. Active may be re-entered once per host transaction
// until the transaction completes; Finished and Cancelled are terminal.
const (
	Uninitialized Status = 0
	Active        Status = 1
	Finished      Status = 2
	Cancelled     Status = 3
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether the status admits no further mutation.
func (s Status) Terminal() bool {
	return s == Finished || s == Cancelled
}

// Binary layout of the continuation record, little-endian, no padding:
//
//	0    status             u8
//	1    scheduled flag     u8
//	2    reserved           u16
//	4    revision           u32
//	8    payer              [32]
//	40   transaction hash   [32]
//	72   chain id           u64
//	80   gas limit          u64
//	88   gas used           u64
//	96   step counter       u32
//	100  gas price          [32] big-endian
//	132  priority fee used  [32] big-endian
const RecordSize = 164

// State is the in-memory form of one continuation record.
type State struct {
	Status    Status
	Scheduled bool
	Revision  uint32
	Payer     types.Pubkey
	TxHash    types.Hash
	ChainID   uint64
	GasLimit  uint64
	GasUsed   uint64
	Steps     uint32

	// GasPrice is the effective wei-per-gas price settled against the payer.
	GasPrice *uint256.Int

	// PriorityFeeUsed accumulates the wei already granted as priority fee.
	PriorityFeeUsed *uint256.Int
}

// New creates the continuation for the first step of a multi-step
// transaction. Revision starts at 1: revision 0 is reserved as "never
// persisted".
func New(payer types.Pubkey, tx *types.Transaction, scheduled bool) *State {
	gasPrice := uint256.NewInt(0)
	if tx.GasPrice != nil {
		gasPrice = new(uint256.Int).Set(tx.GasPrice)
	}
	return &State{
		Status:          Active,
		Scheduled:       scheduled,
		Revision:        1,
		Payer:           payer,
		TxHash:          tx.Hash,
		ChainID:         tx.ChainID,
		GasLimit:        tx.GasLimit,
		GasPrice:        gasPrice,
		PriorityFeeUsed: uint256.NewInt(0),
	}
}

// Load decodes a continuation record.
func Load(data []byte) (*State, error) {
	if len(data) < RecordSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidRecord, len(data))
	}
	status := Status(data[0])
	if status > Cancelled {
		return nil, fmt.Errorf("%w: status %d", ErrInvalidRecord, data[0])
	}
	s := &State{
		Status:    status,
		Scheduled: data[1] != 0,
		Revision:  binary.LittleEndian.Uint32(data[4:]),
		ChainID:   binary.LittleEndian.Uint64(data[72:]),
		GasLimit:  binary.LittleEndian.Uint64(data[80:]),
		GasUsed:   binary.LittleEndian.Uint64(data[88:]),
		Steps:     binary.LittleEndian.Uint32(data[96:]),
	}
	copy(s.Payer[:], data[8:40])
	copy(s.TxHash[:], data[40:72])
	s.GasPrice = new(uint256.Int).SetBytes(data[100:132])
	s.PriorityFeeUsed = new(uint256.Int).SetBytes(data[132:164])
	return s, nil
}

// Restore decodes a continuation record and verifies the caller's expected
// revision, rejecting stale or concurrently-advanced continuations.
func Restore(data []byte, expectedRevision uint32) (*State, error) {
	s, err := Load(data)
	if err != nil {
		return nil, err
	}
	if s.Revision != expectedRevision {
		return nil, fmt.Errorf("%w: have %d, expected %d", ErrRevisionMismatch, s.Revision, expectedRevision)
	}
	return s, nil
}

// Store encodes the record into data at offset 0.
func (s *State) Store(data []byte) error {
	if len(data) < RecordSize {
		return fmt.Errorf("%w: buffer %d bytes", ErrInvalidRecord, len(data))
	}
	data[0] = byte(s.Status)
	if s.Scheduled {
		data[1] = 1
	} else {
		data[1] = 0
	}
	data[2], data[3] = 0, 0
	binary.LittleEndian.PutUint32(data[4:], s.Revision)
	copy(data[8:40], s.Payer[:])
	copy(data[40:72], s.TxHash[:])
	binary.LittleEndian.PutUint64(data[72:], s.ChainID)
	binary.LittleEndian.PutUint64(data[80:], s.GasLimit)
	binary.LittleEndian.PutUint64(data[88:], s.GasUsed)
	binary.LittleEndian.PutUint32(data[96:], s.Steps)
	writeBE32(data[100:132], s.GasPrice)
	writeBE32(data[132:164], s.PriorityFeeUsed)
	return nil
}

// GasAvailable returns the gas still available under the prepaid limit.
func (s *State) GasAvailable() uint64 {
	if s.GasUsed >= s.GasLimit {
		return 0
	}
	return s.GasLimit - s.GasUsed
}

// Advance records one completed execution step. Gas used grows
// monotonically; the revision increments so any continuation holding the old
// revision is rejected on its next Restore.
func (s *State) Advance(gasStep uint64, priorityFee *uint256.Int) error {
	if s.Status != Active {
		if s.Status.Terminal() {
			return ErrTerminal
		}
		return ErrNotActive
	}
	if gasStep > s.GasAvailable() {
		return fmt.Errorf("%w: step %d, available %d", ErrGasExceeded, gasStep, s.GasAvailable())
	}
	s.GasUsed += gasStep
	if priorityFee != nil {
		s.PriorityFeeUsed = new(uint256.Int).Add(s.PriorityFeeUsed, priorityFee)
	}
	s.Steps++
	s.Revision++
	return nil
}

// Finish moves an active continuation to its successful terminal state.
func (s *State) Finish() error {
	if s.Status != Active {
		if s.Status.Terminal() {
			return ErrTerminal
		}
		return ErrNotActive
	}
	s.Status = Finished
	s.Revision++
	return nil
}

// Cancel aborts an active continuation. txHash must equal the stored hash
// over all 32 bytes. maxCharge is the cancellation cost (the fixed cancel
// charge plus the final iteration's cost); the amount actually charged is
// capped by the gas still available and returned to the caller for
// settlement. Scheduled continuations never refund at cancellation, so the
// caller must reconcile their unused gas at tree resolution instead.
func (s *State) Cancel(txHash types.Hash, maxCharge uint64) (charged uint64, err error) {
	if s.Status != Active {
		if s.Status.Terminal() {
			return 0, ErrTerminal
		}
		return 0, ErrNotActive
	}
	if !bytes.Equal(txHash[:], s.TxHash[:]) {
		return 0, fmt.Errorf("%w: got %s, stored %s", ErrHashMismatch, txHash, s.TxHash)
	}
	charged = maxCharge
	if avail := s.GasAvailable(); charged > avail {
		charged = avail
	}
	s.GasUsed += charged
	s.Status = Cancelled
	s.Revision++
	return charged, nil
}

// FormatHeap initializes the continuation's working-memory heap in the
// region of the state account's data past the record. It runs once, by the
// step that creates the account; later steps use AttachHeap.
func FormatHeap(data []byte) (*arena.Arena, error) {
	if len(data) < RecordSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidRecord, len(data))
	}
	return arena.Format(data, RecordSize)
}

// AttachHeap re-binds the heap a previous step formatted with FormatHeap.
func AttachHeap(data []byte) (*arena.Arena, error) {
	if len(data) < RecordSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidRecord, len(data))
	}
	return arena.Attach(data, RecordSize)
}

func writeBE32(dst []byte, v *uint256.Int) {
	var b [32]byte
	if v != nil {
		b = v.Bytes32()
	}
	copy(dst, b[:])
}
