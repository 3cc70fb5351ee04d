// Package instructions implements the engine's host-invoked entry points.
//
// Each entry point receives a fixed-format binary payload (little-endian
// fields at fixed offsets, no padding) and the accounts the host transaction
// declared. Handlers validate everything before mutating anything: staged
// writes reach account buffers only after a handler completes without error.
package instructions

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/heliosevm/helios/internal/types"
)

// Instruction opcodes, the first payload byte.
const (
	OpCollectTreasury       = uint8(0x1E)
	OpOperatorWithdraw      = uint8(0x1A)
	OpOperatorDeleteBalance = uint8(0x1B)
	OpTransactionCancel     = uint8(0x37)
	OpScheduledDestroy      = uint8(0x49)
	OpScheduledSkip         = uint8(0x4B)
)

var (
	// ErrUnknownInstruction is returned for an unrecognized opcode.
	ErrUnknownInstruction = errors.New("instructions: unknown instruction")

	// ErrPayloadTooShort is returned when a payload is shorter than its
	// fixed layout requires.
	ErrPayloadTooShort = errors.New("instructions: payload too short")

	// ErrAccountCount is returned when the host transaction supplied too
	// few accounts for the instruction.
	ErrAccountCount = errors.New("instructions: not enough accounts")

	// ErrNotSigner is returned when a required signer did not sign.
	ErrNotSigner = errors.New("instructions: missing required signer")

	// ErrNotWritable is returned when a mutated account was not declared
	// writable.
	ErrNotWritable = errors.New("instructions: account not writable")

	// ErrKeyMismatch is returned when a supplied account key does not match
	// the address derived for its role.
	ErrKeyMismatch = errors.New("instructions: account key mismatch")

	// ErrInsufficientLamports is returned when a lamport transfer exceeds
	// the source account's balance.
	ErrInsufficientLamports = errors.New("instructions: insufficient lamports")
)

// AccountMeta describes one account the host transaction passed in.
type AccountMeta struct {
	Key      types.Pubkey
	Signer   bool
	Writable bool
}

// Instruction is a decoded instruction payload.
type Instruction struct {
	Op uint8

	// TreasuryIndex is set for OpCollectTreasury and OpScheduledDestroy.
	TreasuryIndex uint32

	// TreeIndex is set for OpScheduledSkip.
	TreeIndex uint16

	// TxHash is set for OpTransactionCancel.
	TxHash types.Hash
}

// Payload layouts, offsets relative to the start of the payload:
//
//	collect_treasury:        op u8 | treasury_index u32      (5 bytes)
//	operator_withdraw:       op u8                           (1 byte)
//	operator_delete_balance: op u8                           (1 byte)
//	transaction_cancel:      op u8 | transaction_hash [32]   (33 bytes)
//	scheduled_destroy:       op u8 | treasury_index u32      (5 bytes)
//	scheduled_skip:          op u8 | tree_index u16          (3 bytes)

// Decode parses a raw instruction payload.
func Decode(payload []byte) (*Instruction, error) {
	if len(payload) < 1 {
		return nil, ErrPayloadTooShort
	}
	ins := &Instruction{Op: payload[0]}
	switch ins.Op {
	case OpCollectTreasury, OpScheduledDestroy:
		if len(payload) < 5 {
			return nil, fmt.Errorf("%w: %d bytes for op %#x", ErrPayloadTooShort, len(payload), ins.Op)
		}
		ins.TreasuryIndex = binary.LittleEndian.Uint32(payload[1:5])
	case OpScheduledSkip:
		if len(payload) < 3 {
			return nil, fmt.Errorf("%w: %d bytes for op %#x", ErrPayloadTooShort, len(payload), ins.Op)
		}
		ins.TreeIndex = binary.LittleEndian.Uint16(payload[1:3])
	case OpTransactionCancel:
		if len(payload) < 33 {
			return nil, fmt.Errorf("%w: %d bytes for op %#x", ErrPayloadTooShort, len(payload), ins.Op)
		}
		copy(ins.TxHash[:], payload[1:33])
	case OpOperatorWithdraw, OpOperatorDeleteBalance:
		// No operands.
	default:
		return nil, fmt.Errorf("%w: opcode %#x", ErrUnknownInstruction, ins.Op)
	}
	return ins, nil
}

// Encode serializes an instruction to its payload form. The inverse of
// Decode, used by the emulation harness and by tests.
func (ins *Instruction) Encode() ([]byte, error) {
	switch ins.Op {
	case OpCollectTreasury, OpScheduledDestroy:
		payload := make([]byte, 5)
		payload[0] = ins.Op
		binary.LittleEndian.PutUint32(payload[1:5], ins.TreasuryIndex)
		return payload, nil
	case OpScheduledSkip:
		payload := make([]byte, 3)
		payload[0] = ins.Op
		binary.LittleEndian.PutUint16(payload[1:3], ins.TreeIndex)
		return payload, nil
	case OpTransactionCancel:
		payload := make([]byte, 33)
		payload[0] = ins.Op
		copy(payload[1:33], ins.TxHash[:])
		return payload, nil
	case OpOperatorWithdraw, OpOperatorDeleteBalance:
		return []byte{ins.Op}, nil
	default:
		return nil, fmt.Errorf("%w: opcode %#x", ErrUnknownInstruction, ins.Op)
	}
}
