// Package events emits the structured lines off-chain indexers consume.
//
// The tag strings and field order below are an external contract: existing
// consumers match them byte for byte. Do not reword, reorder, or re-case
// anything here without versioning the consumers first.
package events

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/heliosevm/helios/internal/types"
)

// Exit reasons reported by EXIT lines.
const (
	ExitStop         = "STOP"
	ExitReturn       = "RETURN"
	ExitRevert       = "REVERT"
	ExitSelfDestruct = "SELFDESTRUCT"
	ExitOutOfGas     = "OUT OF GAS"
)

// Return statuses reported by RETURN lines.
const (
	StatusSuccess = uint8(0x11)
	StatusRevert  = uint8(0xd0)
	StatusFailed  = uint8(0xf0)
)

// Emitter writes event lines to the host's program-log sink.
type Emitter struct {
	w io.Writer
}

// NewEmitter creates an emitter over w.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Hash emits the transaction hash line:
//
//	HASH <64 lowercase hex chars>
func (e *Emitter) Hash(h types.Hash) {
	fmt.Fprintf(e.w, "HASH %s\n", hex.EncodeToString(h[:]))
}

// Miner emits the rewarded operator address line:
//
//	MINER <40 lowercase hex chars>
func (e *Emitter) Miner(a types.Address) {
	fmt.Fprintf(e.w, "MINER %s\n", hex.EncodeToString(a[:]))
}

// Gas emits the gas accounting line:
//
//	GAS <used> <total>
func (e *Emitter) Gas(used, total uint64) {
	fmt.Fprintf(e.w, "GAS %d %d\n", used, total)
}

// Block emits the execution context line:
//
//	BLOCK <slot> <64 lowercase hex chars>
func (e *Emitter) Block(slot uint64, blockHash types.Hash) {
	fmt.Fprintf(e.w, "BLOCK %d %s\n", slot, hex.EncodeToString(blockHash[:]))
}

// Enter emits a call-frame entry line:
//
//	ENTER <opcode name> <40 lowercase hex chars>
func (e *Emitter) Enter(opcode string, callee types.Address) {
	fmt.Fprintf(e.w, "ENTER %s %s\n", opcode, hex.EncodeToString(callee[:]))
}

// Exit emits a call-frame exit line:
//
//	EXIT <reason>
func (e *Emitter) Exit(reason string) {
	fmt.Fprintf(e.w, "EXIT %s\n", reason)
}

// Return emits the final status line:
//
//	RETURN <status>
func (e *Emitter) Return(status uint8) {
	fmt.Fprintf(e.w, "RETURN %d\n", status)
}
