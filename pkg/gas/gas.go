// Package gas implements gas accounting and priority-fee settlement.
//
// A Gasometer is step-scoped: it accumulates the cost components of one host
// transaction and is folded into the persisted continuation at step end. It
// is never persisted itself. Token conversion (gas to wei) and the atomic
// continuation/operator-balance settlement live here too, so no call site
// can debit gas without crediting the miner or vice versa.
package gas

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/heliosevm/helios/internal/types"
	"github.com/heliosevm/helios/pkg/state"
	"github.com/heliosevm/helios/pkg/treasury"
)

// Gas cost components, in gas units.
const (
	// TxFixedCost is the base cost of any EVM transaction.
	TxFixedCost = uint64(21_000)

	// HostTxCost is the fixed overhead charged per host transaction spent
	// executing one step.
	HostTxCost = uint64(5_000)

	// HolderWriteCostPerByte is charged for each payload byte written into
	// durable holder storage.
	HolderWriteCostPerByte = uint64(8)

	// CancelCost is the fixed charge for cancelling an in-flight
	// transaction.
	CancelCost = uint64(5_000)

	// LastIterationCost covers the final iteration performed by the
	// cancelling host transaction.
	LastIterationCost = HostTxCost
)

var (
	// ErrGasOverflow is returned when cost accumulation overflows.
	ErrGasOverflow = errors.New("gas: cost overflow")

	// ErrPriorityFeeExceeded is returned when the requested priority fee
	// exceeds the transaction's declared maximum.
	ErrPriorityFeeExceeded = errors.New("gas: priority fee exceeds declared maximum")

	// ErrNoPriorityFee is returned when finalizing a priority fee for a
	// transaction kind that cannot pay one.
	ErrNoPriorityFee = errors.New("gas: transaction kind has no priority fee")
)

// Gasometer accumulates the gas cost of one execution step.
type Gasometer struct {
	used     uint64
	overflow bool
}

// NewGasometer creates a gasometer preloaded with the fixed per-host-
// transaction overhead.
func NewGasometer() *Gasometer {
	g := &Gasometer{}
	g.Record(HostTxCost)
	return g
}

// Record adds a cost component.
func (g *Gasometer) Record(cost uint64) {
	sum := g.used + cost
	if sum < g.used {
		g.overflow = true
		return
	}
	g.used = sum
}

// RecordHolderWrite charges the per-byte cost of writing n payload bytes
// into durable holder storage.
func (g *Gasometer) RecordHolderWrite(n int) {
	g.Record(uint64(n) * HolderWriteCostPerByte)
}

// Used returns the accumulated gas, or an error if accumulation overflowed.
func (g *Gasometer) Used() (uint64, error) {
	if g.overflow {
		return 0, ErrGasOverflow
	}
	return g.used, nil
}

// SkipCost returns the gas cost attributed to a skipped scheduled
// transaction: the transaction overhead plus the holder-write cost for its
// payload. A skipped branch never runs, so no interpreter execution cost
// applies.
func SkipCost(payloadLen int) uint64 {
	return TxFixedCost + uint64(payloadLen)*HolderWriteCostPerByte
}

// CancelCharge returns the gas charged when cancelling: the fixed cancel
// cost plus the final iteration, capped by the gas still available.
func CancelCharge(available uint64) uint64 {
	charge := CancelCost + LastIterationCost
	if charge > available {
		return available
	}
	return charge
}

// Finalize computes the priority-fee token amount for a completed
// transaction: the declared max priority fee per gas times the gas used,
// capped so the accumulated total never exceeds what the transaction can
// pay. Only dynamic-fee transactions carry a priority fee.
func Finalize(tx *types.Transaction, gasUsed uint64, priorityFeeUsed *uint256.Int) (*uint256.Int, error) {
	if !tx.HasPriorityFee() {
		return nil, ErrNoPriorityFee
	}
	maxTotal := new(uint256.Int).Mul(tx.MaxPriorityFeePerGas, uint256.NewInt(gasUsed))
	if priorityFeeUsed != nil && priorityFeeUsed.Gt(maxTotal) {
		return nil, fmt.Errorf("%w: used %s, max %s", ErrPriorityFeeExceeded, priorityFeeUsed, maxTotal)
	}
	if priorityFeeUsed == nil {
		return maxTotal, nil
	}
	return new(uint256.Int).Sub(maxTotal, priorityFeeUsed), nil
}

// TokenCost converts a gas amount to wei at the given price.
func TokenCost(gas uint64, gasPrice *uint256.Int) (*uint256.Int, error) {
	cost, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(gas), gasPrice)
	if overflow {
		return nil, ErrGasOverflow
	}
	return cost, nil
}

// Consume settles one step's gas against the continuation and, optionally,
// mints the equivalent reward to the operator's balance. The operation is
// atomic: every validation runs against copies before either side mutates,
// so a failure leaves both the continuation and the balance untouched.
//
// balance may be nil (emulation paths meter gas without settling rewards).
func Consume(st *state.State, used uint64, priorityFee *uint256.Int, balance *treasury.Balance) error {
	// Validate the continuation side without mutating it.
	if st.Status != state.Active {
		return state.ErrNotActive
	}
	if used > st.GasAvailable() {
		return fmt.Errorf("%w: step %d, available %d", state.ErrGasExceeded, used, st.GasAvailable())
	}

	var reward *uint256.Int
	if balance != nil {
		cost, err := TokenCost(used, st.GasPrice)
		if err != nil {
			return err
		}
		reward = cost
		if priorityFee != nil {
			sum, overflow := new(uint256.Int).AddOverflow(reward, priorityFee)
			if overflow {
				return ErrGasOverflow
			}
			reward = sum
		}
		if _, overflow := new(uint256.Int).AddOverflow(balance.Amount, reward); overflow {
			return fmt.Errorf("gas: operator balance overflow")
		}
	}

	// All checks passed; apply both sides together.
	if err := st.Advance(used, priorityFee); err != nil {
		return err
	}
	if balance != nil {
		if err := balance.Mint(reward); err != nil {
			// Unreachable: overflow was pre-checked above.
			return err
		}
	}
	return nil
}

// Refund returns unused prepaid gas to the payer's balance at transaction
// finish. Scheduled transactions must not call this at cancellation; their
// unused gas is reconciled only when the owning tree node is resolved.
func Refund(st *state.State, payerBalance *treasury.Balance) error {
	unused := st.GasAvailable()
	if unused == 0 {
		return nil
	}
	amount, err := TokenCost(unused, st.GasPrice)
	if err != nil {
		return err
	}
	return payerBalance.Mint(amount)
}
