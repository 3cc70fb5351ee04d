package instructions

import (
	"fmt"
	"io"
	"log"

	"github.com/heliosevm/helios/internal/types"
	"github.com/heliosevm/helios/pkg/events"
	"github.com/heliosevm/helios/pkg/gas"
	"github.com/heliosevm/helios/pkg/ledger"
	"github.com/heliosevm/helios/pkg/runtime"
	"github.com/heliosevm/helios/pkg/state"
	"github.com/heliosevm/helios/pkg/treasury"
	"github.com/heliosevm/helios/pkg/tree"
)

// Config holds the engine's static identity and policy.
type Config struct {
	// Program is the engine's program id; derived account addresses are
	// validated against it.
	Program types.Pubkey

	// Operator is the host signer key of the running operator. The account
	// cache resolves it to a placeholder without a ledger fetch.
	Operator types.Pubkey

	// OperatorAddress is the EVM address the operator's balance accounts
	// are keyed by.
	OperatorAddress types.Address

	// Whitelist is the set of authorized operator signer keys.
	Whitelist treasury.Whitelist

	// Rent is the host rent schedule used for sweep thresholds.
	Rent treasury.Rent

	// Events receives the structured event lines. Defaults to io.Discard.
	Events io.Writer
}

// Engine executes instruction payloads against a ledger backend.
type Engine struct {
	config  Config
	backend ledger.Ledger
	emitter *events.Emitter
}

// New creates an engine over the given ledger backend.
func New(backend ledger.Ledger, config Config) *Engine {
	w := config.Events
	if w == nil {
		w = io.Discard
	}
	return &Engine{
		config:  config,
		backend: backend,
		emitter: events.NewEmitter(w),
	}
}

// Execute decodes and runs one instruction. On success it returns the
// post-state of every account the instruction mutated; on error nothing is
// committed and the error is the instruction's failure reason, surfaced
// unmodified.
func (e *Engine) Execute(payload []byte, accounts []AccountMeta) (map[types.Pubkey]*ledger.Account, error) {
	ins, err := Decode(payload)
	if err != nil {
		return nil, err
	}

	cache := runtime.NewAccountCache(e.backend, e.config.Operator)

	switch ins.Op {
	case OpCollectTreasury:
		err = e.collectTreasury(ins, cache, accounts)
	case OpOperatorWithdraw:
		err = e.operatorWithdraw(cache, accounts)
	case OpOperatorDeleteBalance:
		err = e.operatorDeleteBalance(cache, accounts)
	case OpTransactionCancel:
		err = e.transactionCancel(ins, cache, accounts)
	case OpScheduledSkip:
		err = e.scheduledSkip(ins, cache, accounts)
	case OpScheduledDestroy:
		err = e.scheduledDestroy(ins, cache, accounts)
	}
	if err != nil {
		return nil, err
	}

	result := make(map[types.Pubkey]*ledger.Account)
	err = cache.Flush(func(key types.Pubkey, account *ledger.Account) error {
		result[key] = account.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// requireAccounts validates the account count and the signer/writable flags
// the instruction relies on. flags[i] is "s", "w", "sw" or "".
func requireAccounts(accounts []AccountMeta, flags ...string) error {
	if len(accounts) < len(flags) {
		return fmt.Errorf("%w: have %d, need %d", ErrAccountCount, len(accounts), len(flags))
	}
	for i, f := range flags {
		for _, c := range f {
			switch c {
			case 's':
				if !accounts[i].Signer {
					return fmt.Errorf("%w: account %d (%s)", ErrNotSigner, i, accounts[i].Key)
				}
			case 'w':
				if !accounts[i].Writable {
					return fmt.Errorf("%w: account %d (%s)", ErrNotWritable, i, accounts[i].Key)
				}
			}
		}
	}
	return nil
}

func (e *Engine) checkedOperator(meta AccountMeta) (*treasury.Operator, error) {
	return treasury.OperatorFromSigner(meta.Key, meta.Signer, e.config.OperatorAddress, e.config.Whitelist)
}

// transferLamports moves lamports between two staged snapshots.
func transferLamports(from, to *runtime.Snapshot, amount uint64) error {
	if from.Account.Lamports < amount {
		return fmt.Errorf("%w: account %s has %d, need %d",
			ErrInsufficientLamports, from.Key, from.Account.Lamports, amount)
	}
	from.Account.Lamports -= amount
	to.Account.Lamports += amount
	from.MarkDirty()
	to.MarkDirty()
	return nil
}

// collectTreasury sweeps one pool treasury's lamports above its rent-exempt
// minimum into the main treasury.
//
// Accounts: 0 operator (signer), 1 pool treasury (writable), 2 main
// treasury (writable).
func (e *Engine) collectTreasury(ins *Instruction, cache *runtime.AccountCache, accounts []AccountMeta) error {
	if err := requireAccounts(accounts, "s", "w", "w"); err != nil {
		return err
	}
	if _, err := e.checkedOperator(accounts[0]); err != nil {
		return err
	}
	if want := types.TreasuryAddress(e.config.Program, ins.TreasuryIndex); accounts[1].Key != want {
		return fmt.Errorf("%w: treasury %d is %s, got %s", ErrKeyMismatch, ins.TreasuryIndex, want, accounts[1].Key)
	}
	if want := types.MainTreasuryAddress(e.config.Program); accounts[2].Key != want {
		return fmt.Errorf("%w: main treasury is %s, got %s", ErrKeyMismatch, want, accounts[2].Key)
	}

	snaps, err := cache.GetMultiple([]types.Pubkey{accounts[1].Key, accounts[2].Key})
	if err != nil {
		return err
	}
	pool, main := snaps[0], snaps[1]
	if !pool.Exists {
		return fmt.Errorf("instructions: treasury %d does not exist", ins.TreasuryIndex)
	}

	amount := e.config.Rent.SweepAmount(pool.Account.Lamports, len(pool.Account.Data))
	if amount == 0 {
		// At or below the rent-exempt minimum: nothing to sweep.
		return nil
	}
	return transferLamports(pool, main, amount)
}

// operatorWithdraw moves the full prepaid amount of the operator's balance
// into a target balance, bumping both revisions together.
//
// Accounts: 0 operator (signer), 1 source balance (writable), 2 target
// balance (writable).
func (e *Engine) operatorWithdraw(cache *runtime.AccountCache, accounts []AccountMeta) error {
	if err := requireAccounts(accounts, "s", "w", "w"); err != nil {
		return err
	}
	op, err := e.checkedOperator(accounts[0])
	if err != nil {
		return err
	}

	snaps, err := cache.GetMultiple([]types.Pubkey{accounts[1].Key, accounts[2].Key})
	if err != nil {
		return err
	}
	srcSnap, dstSnap := snaps[0], snaps[1]
	if !srcSnap.Exists || !dstSnap.Exists {
		return fmt.Errorf("instructions: balance account missing")
	}
	src, err := treasury.LoadBalance(srcSnap.Account.Data)
	if err != nil {
		return err
	}
	dst, err := treasury.LoadBalance(dstSnap.Account.Data)
	if err != nil {
		return err
	}

	if err := src.Withdraw(op.Address, dst, src.Amount); err != nil {
		return err
	}
	if err := src.Store(srcSnap.Account.Data); err != nil {
		return err
	}
	if err := dst.Store(dstSnap.Account.Data); err != nil {
		return err
	}
	srcSnap.MarkDirty()
	dstSnap.MarkDirty()
	return nil
}

// operatorDeleteBalance destroys an empty, owner-authorized balance account
// and returns its lamports to the operator.
//
// Accounts: 0 operator (signer, writable), 1 balance (writable).
func (e *Engine) operatorDeleteBalance(cache *runtime.AccountCache, accounts []AccountMeta) error {
	if err := requireAccounts(accounts, "sw", "w"); err != nil {
		return err
	}
	op, err := e.checkedOperator(accounts[0])
	if err != nil {
		return err
	}

	snaps, err := cache.GetMultiple([]types.Pubkey{accounts[0].Key, accounts[1].Key})
	if err != nil {
		return err
	}
	opSnap, balSnap := snaps[0], snaps[1]
	if !balSnap.Exists {
		return fmt.Errorf("instructions: balance account missing")
	}
	bal, err := treasury.LoadBalance(balSnap.Account.Data)
	if err != nil {
		return err
	}

	residual, err := bal.Suicide(op.Address)
	if err != nil {
		return err
	}
	if !residual.IsZero() {
		return fmt.Errorf("%w: %s remaining", treasury.ErrBalanceNotEmpty, residual)
	}

	reclaimed := balSnap.Account.Lamports
	balSnap.Account.Lamports = 0
	balSnap.Account.Data = nil
	balSnap.MarkDirty()
	opSnap.Account.Lamports += reclaimed
	opSnap.MarkDirty()
	return nil
}

// transactionCancel aborts an in-flight multi-step transaction. The caller
// must present the exact stored transaction hash. The minimum cancellation
// cost is charged and settled to the operator; the state account's lamports
// are released back to the payer.
//
// Accounts: 0 operator (signer), 1 state (writable), 2 payer balance
// (writable, key must equal the continuation's stored payer), 3 operator
// balance (writable).
func (e *Engine) transactionCancel(ins *Instruction, cache *runtime.AccountCache, accounts []AccountMeta) error {
	if err := requireAccounts(accounts, "s", "w", "w", "w"); err != nil {
		return err
	}
	op, err := e.checkedOperator(accounts[0])
	if err != nil {
		return err
	}

	snaps, err := cache.GetMultiple([]types.Pubkey{accounts[1].Key, accounts[2].Key, accounts[3].Key})
	if err != nil {
		return err
	}
	stateSnap, payerSnap, opBalSnap := snaps[0], snaps[1], snaps[2]
	if !stateSnap.Exists {
		return fmt.Errorf("instructions: state account missing")
	}
	st, err := state.Load(stateSnap.Account.Data)
	if err != nil {
		return err
	}
	if payerSnap.Key != st.Payer {
		return fmt.Errorf("%w: payer balance %s, stored payer %s", ErrKeyMismatch, payerSnap.Key, st.Payer)
	}

	charged, err := st.Cancel(ins.TxHash, gas.CancelCost+gas.LastIterationCost)
	if err != nil {
		return err
	}

	// Fee settlement during a forced cancellation is best-effort by policy:
	// the transaction is being torn down regardless, so a metering failure
	// here is reported and deliberately ignored rather than blocking the
	// cancel.
	if err := e.settleCancelFee(st, charged, payerSnap, opBalSnap); err != nil {
		log.Printf("transaction_cancel %s: ignoring metering failure: %v", st.TxHash, err)
	}

	// Release the state account to the payer and reclaim it.
	released := stateSnap.Account.Lamports
	stateSnap.Account.Lamports = 0
	stateSnap.Account.Data = nil
	stateSnap.MarkDirty()
	payerSnap.Account.Lamports += released
	payerSnap.MarkDirty()

	e.emitter.Hash(st.TxHash)
	e.emitter.Miner(op.Address)
	e.emitter.Gas(st.GasUsed, st.GasLimit)
	return nil
}

// settleCancelFee mints the cancellation charge to the operator balance and
// refunds unused gas to the payer balance. Scheduled transactions skip the
// refund entirely: their unused gas is reconciled at tree resolution.
func (e *Engine) settleCancelFee(st *state.State, charged uint64, payerSnap, opBalSnap *runtime.Snapshot) error {
	if !opBalSnap.Exists {
		return fmt.Errorf("operator balance account missing")
	}
	opBal, err := treasury.LoadBalance(opBalSnap.Account.Data)
	if err != nil {
		return err
	}
	reward, err := gas.TokenCost(charged, st.GasPrice)
	if err != nil {
		return err
	}
	if err := opBal.Mint(reward); err != nil {
		return err
	}

	if !st.Scheduled && payerSnap.Exists {
		payerBal, err := treasury.LoadBalance(payerSnap.Account.Data)
		if err != nil {
			return err
		}
		if err := gas.Refund(st, payerBal); err != nil {
			return err
		}
		if err := payerBal.Store(payerSnap.Account.Data); err != nil {
			return err
		}
		payerSnap.MarkDirty()
	}

	if err := opBal.Store(opBalSnap.Account.Data); err != nil {
		return err
	}
	opBalSnap.MarkDirty()
	return nil
}

// scheduledSkip resolves one stale tree node without executing it, burning
// the skip cost from the tree and rewarding the operator.
//
// Accounts: 0 operator (signer), 1 tree (writable), 2 operator balance
// (writable).
func (e *Engine) scheduledSkip(ins *Instruction, cache *runtime.AccountCache, accounts []AccountMeta) error {
	if err := requireAccounts(accounts, "s", "w", "w"); err != nil {
		return err
	}
	op, err := e.checkedOperator(accounts[0])
	if err != nil {
		return err
	}

	snaps, err := cache.GetMultiple([]types.Pubkey{accounts[1].Key, accounts[2].Key})
	if err != nil {
		return err
	}
	treeSnap, opBalSnap := snaps[0], snaps[1]
	if !treeSnap.Exists || !opBalSnap.Exists {
		return fmt.Errorf("instructions: tree or balance account missing")
	}
	t, err := tree.Load(treeSnap.Account.Data)
	if err != nil {
		return err
	}
	opBal, err := treasury.LoadBalance(opBalSnap.Account.Data)
	if err != nil {
		return err
	}

	slot, err := e.backend.GetSlot()
	if err != nil {
		return err
	}
	if err := t.Skip(ins.TreeIndex, op, opBal, slot); err != nil {
		return err
	}

	if err := t.Store(treeSnap.Account.Data); err != nil {
		return err
	}
	if err := opBal.Store(opBalSnap.Account.Data); err != nil {
		return err
	}
	treeSnap.MarkDirty()
	opBalSnap.MarkDirty()

	node := t.Nodes[ins.TreeIndex]
	e.emitter.Hash(node.TxHash)
	e.emitter.Miner(op.Address)
	e.emitter.Gas(gas.SkipCost(int(node.PayloadLen)), node.GasLimit)
	return nil
}

// scheduledDestroy withdraws a fully-resolved tree's funds back to the
// payer's balance, then reclaims the tree account's lamports through the
// treasury settlement path.
//
// Accounts: 0 operator (signer), 1 tree (writable), 2 payer balance
// (writable), 3 pool treasury (writable).
func (e *Engine) scheduledDestroy(ins *Instruction, cache *runtime.AccountCache, accounts []AccountMeta) error {
	if err := requireAccounts(accounts, "s", "w", "w", "w"); err != nil {
		return err
	}
	if _, err := e.checkedOperator(accounts[0]); err != nil {
		return err
	}
	if want := types.TreasuryAddress(e.config.Program, ins.TreasuryIndex); accounts[3].Key != want {
		return fmt.Errorf("%w: treasury %d is %s, got %s", ErrKeyMismatch, ins.TreasuryIndex, want, accounts[3].Key)
	}

	snaps, err := cache.GetMultiple([]types.Pubkey{accounts[1].Key, accounts[2].Key, accounts[3].Key})
	if err != nil {
		return err
	}
	treeSnap, payerSnap, treasurySnap := snaps[0], snaps[1], snaps[2]
	if !treeSnap.Exists || !payerSnap.Exists {
		return fmt.Errorf("instructions: tree or balance account missing")
	}
	if !treasurySnap.Exists {
		return fmt.Errorf("instructions: treasury %d does not exist", ins.TreasuryIndex)
	}
	t, err := tree.Load(treeSnap.Account.Data)
	if err != nil {
		return err
	}
	payerBal, err := treasury.LoadBalance(payerSnap.Account.Data)
	if err != nil {
		return err
	}

	if err := t.Destroy(payerBal); err != nil {
		return err
	}

	if err := payerBal.Store(payerSnap.Account.Data); err != nil {
		return err
	}
	payerSnap.MarkDirty()

	reclaimed := treeSnap.Account.Lamports
	treeSnap.Account.Lamports = 0
	treeSnap.Account.Data = nil
	treeSnap.MarkDirty()
	treasurySnap.Account.Lamports += reclaimed
	treasurySnap.MarkDirty()
	return nil
}
