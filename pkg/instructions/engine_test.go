package instructions

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/holiman/uint256"

	"github.com/heliosevm/helios/internal/types"
	"github.com/heliosevm/helios/pkg/gas"
	"github.com/heliosevm/helios/pkg/ledger"
	"github.com/heliosevm/helios/pkg/state"
	"github.com/heliosevm/helios/pkg/treasury"
	"github.com/heliosevm/helios/pkg/tree"
)

func pk(b byte) types.Pubkey {
	var p types.Pubkey
	p[0] = b
	return p
}

func addr(b byte) types.Address {
	var a types.Address
	for i := range a {
		a[i] = b
	}
	return a
}

type fixture struct {
	engine  *Engine
	backend *ledger.MemoryLedger
	events  *bytes.Buffer

	program  types.Pubkey
	operator types.Pubkey
	opAddr   types.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		backend:  ledger.NewMemoryLedger(),
		events:   &bytes.Buffer{},
		program:  pk(0x70),
		operator: pk(0x0E),
		opAddr:   addr(0x0A),
	}
	f.engine = New(f.backend, Config{
		Program:         f.program,
		Operator:        f.operator,
		OperatorAddress: f.opAddr,
		Whitelist:       treasury.NewWhitelist(f.operator),
		Rent:            treasury.Rent{LamportsPerByteYear: 1, ExemptionThreshold: 1.0},
		Events:          f.events,
	})
	return f
}

func (f *fixture) setBalance(key types.Pubkey, bal *treasury.Balance, lamports uint64) {
	data := make([]byte, treasury.BalanceRecordSize)
	if err := bal.Store(data); err != nil {
		panic(err)
	}
	f.backend.SetAccount(key, &ledger.Account{Lamports: lamports, Data: data, Owner: f.program})
}

func (f *fixture) setTree(key types.Pubkey, tr *tree.Tree, lamports uint64) {
	data := make([]byte, tree.RecordSize(len(tr.Nodes)))
	if err := tr.Store(data); err != nil {
		panic(err)
	}
	f.backend.SetAccount(key, &ledger.Account{Lamports: lamports, Data: data, Owner: f.program})
}

func meta(key types.Pubkey, flags string) AccountMeta {
	return AccountMeta{
		Key:      key,
		Signer:   strings.ContainsRune(flags, 's'),
		Writable: strings.ContainsRune(flags, 'w'),
	}
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	var hash types.Hash
	hash[0], hash[31] = 0x01, 0xFF

	cases := []*Instruction{
		{Op: OpCollectTreasury, TreasuryIndex: 7},
		{Op: OpScheduledDestroy, TreasuryIndex: 0xDEADBEEF},
		{Op: OpScheduledSkip, TreeIndex: 513},
		{Op: OpTransactionCancel, TxHash: hash},
		{Op: OpOperatorWithdraw},
		{Op: OpOperatorDeleteBalance},
	}
	for _, want := range cases {
		payload, err := want.Encode()
		if err != nil {
			t.Fatalf("encode %#x: %v", want.Op, err)
		}
		got, err := Decode(payload)
		if err != nil {
			t.Fatalf("decode %#x: %v", want.Op, err)
		}
		if *got != *want {
			t.Fatalf("round trip %#x: got %+v, want %+v", want.Op, got, want)
		}
	}
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrPayloadTooShort) {
		t.Fatalf("empty payload error = %v, want ErrPayloadTooShort", err)
	}
	if _, err := Decode([]byte{0x00}); !errors.Is(err, ErrUnknownInstruction) {
		t.Fatalf("unknown opcode error = %v, want ErrUnknownInstruction", err)
	}
	short := [][]byte{
		{OpCollectTreasury, 1, 2},
		{OpScheduledSkip, 1},
		{OpTransactionCancel, 1, 2, 3},
		{OpScheduledDestroy},
	}
	for _, payload := range short {
		if _, err := Decode(payload); !errors.Is(err, ErrPayloadTooShort) {
			t.Fatalf("payload %v error = %v, want ErrPayloadTooShort", payload, err)
		}
	}
}

func TestCollectTreasurySweepsExcess(t *testing.T) {
	f := newFixture(t)
	poolKey := types.TreasuryAddress(f.program, 3)
	mainKey := types.MainTreasuryAddress(f.program)
	// Minimum for a dataless account is 128 under the test rent schedule.
	f.backend.SetAccount(poolKey, &ledger.Account{Lamports: 278, Owner: f.program})
	f.backend.SetAccount(mainKey, &ledger.Account{Lamports: 500, Owner: f.program})

	payload, _ := (&Instruction{Op: OpCollectTreasury, TreasuryIndex: 3}).Encode()
	result, err := f.engine.Execute(payload, []AccountMeta{
		meta(f.operator, "s"), meta(poolKey, "w"), meta(mainKey, "w"),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := result[poolKey].Lamports; got != 128 {
		t.Fatalf("pool lamports = %d, want rent minimum 128", got)
	}
	if got := result[mainKey].Lamports; got != 650 {
		t.Fatalf("main lamports = %d, want 650", got)
	}
}

func TestCollectTreasuryAtMinimumIsNoop(t *testing.T) {
	f := newFixture(t)
	poolKey := types.TreasuryAddress(f.program, 3)
	mainKey := types.MainTreasuryAddress(f.program)
	f.backend.SetAccount(poolKey, &ledger.Account{Lamports: 128, Owner: f.program})
	f.backend.SetAccount(mainKey, &ledger.Account{Lamports: 500, Owner: f.program})

	payload, _ := (&Instruction{Op: OpCollectTreasury, TreasuryIndex: 3}).Encode()
	result, err := f.engine.Execute(payload, []AccountMeta{
		meta(f.operator, "s"), meta(poolKey, "w"), meta(mainKey, "w"),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(result) != 0 {
		t.Fatalf("no-op sweep committed %d accounts", len(result))
	}
}

func TestCollectTreasuryValidatesDerivedKeys(t *testing.T) {
	f := newFixture(t)
	wrongPool := pk(0x77)
	mainKey := types.MainTreasuryAddress(f.program)
	f.backend.SetAccount(wrongPool, &ledger.Account{Lamports: 999, Owner: f.program})
	f.backend.SetAccount(mainKey, &ledger.Account{Lamports: 0, Owner: f.program})

	payload, _ := (&Instruction{Op: OpCollectTreasury, TreasuryIndex: 3}).Encode()
	_, err := f.engine.Execute(payload, []AccountMeta{
		meta(f.operator, "s"), meta(wrongPool, "w"), meta(mainKey, "w"),
	})
	if !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("wrong pool key error = %v, want ErrKeyMismatch", err)
	}
}

func TestCollectTreasuryRequiresSigner(t *testing.T) {
	f := newFixture(t)
	poolKey := types.TreasuryAddress(f.program, 0)
	mainKey := types.MainTreasuryAddress(f.program)

	payload, _ := (&Instruction{Op: OpCollectTreasury}).Encode()
	_, err := f.engine.Execute(payload, []AccountMeta{
		meta(f.operator, ""), meta(poolKey, "w"), meta(mainKey, "w"),
	})
	if !errors.Is(err, ErrNotSigner) {
		t.Fatalf("unsigned error = %v, want ErrNotSigner", err)
	}

	_, err = f.engine.Execute(payload, []AccountMeta{meta(f.operator, "s")})
	if !errors.Is(err, ErrAccountCount) {
		t.Fatalf("short account list error = %v, want ErrAccountCount", err)
	}
}

func TestOperatorWithdrawMovesFullAmount(t *testing.T) {
	f := newFixture(t)
	srcKey, dstKey := pk(0x31), pk(0x32)
	src := treasury.NewBalance(f.opAddr, 1)
	if err := src.Mint(uint256.NewInt(500)); err != nil {
		t.Fatal(err)
	}
	dst := treasury.NewBalance(addr(0x0B), 1)
	f.setBalance(srcKey, src, 100)
	f.setBalance(dstKey, dst, 100)

	payload, _ := (&Instruction{Op: OpOperatorWithdraw}).Encode()
	result, err := f.engine.Execute(payload, []AccountMeta{
		meta(f.operator, "s"), meta(srcKey, "w"), meta(dstKey, "w"),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	gotSrc, err := treasury.LoadBalance(result[srcKey].Data)
	if err != nil {
		t.Fatal(err)
	}
	gotDst, err := treasury.LoadBalance(result[dstKey].Data)
	if err != nil {
		t.Fatal(err)
	}
	if !gotSrc.Amount.IsZero() {
		t.Fatalf("source amount = %s, want 0", gotSrc.Amount)
	}
	if !gotDst.Amount.Eq(uint256.NewInt(500)) {
		t.Fatalf("target amount = %s, want 500", gotDst.Amount)
	}
	if gotSrc.Revision != src.Revision+1 || gotDst.Revision != dst.Revision+1 {
		t.Fatalf("revisions %d/%d not bumped", gotSrc.Revision, gotDst.Revision)
	}
}

func TestOperatorWithdrawRejectsForeignOwner(t *testing.T) {
	f := newFixture(t)
	srcKey, dstKey := pk(0x31), pk(0x32)
	src := treasury.NewBalance(addr(0x99), 1) // not the operator's
	if err := src.Mint(uint256.NewInt(500)); err != nil {
		t.Fatal(err)
	}
	f.setBalance(srcKey, src, 100)
	f.setBalance(dstKey, treasury.NewBalance(addr(0x0B), 1), 100)

	payload, _ := (&Instruction{Op: OpOperatorWithdraw}).Encode()
	_, err := f.engine.Execute(payload, []AccountMeta{
		meta(f.operator, "s"), meta(srcKey, "w"), meta(dstKey, "w"),
	})
	if !errors.Is(err, treasury.ErrWrongOwner) {
		t.Fatalf("foreign withdraw error = %v, want ErrWrongOwner", err)
	}
}

func TestOperatorDeleteBalanceReclaimsLamports(t *testing.T) {
	f := newFixture(t)
	balKey := pk(0x41)
	f.setBalance(balKey, treasury.NewBalance(f.opAddr, 1), 2000)

	payload, _ := (&Instruction{Op: OpOperatorDeleteBalance}).Encode()
	result, err := f.engine.Execute(payload, []AccountMeta{
		meta(f.operator, "sw"), meta(balKey, "w"),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := result[balKey]; got.Lamports != 0 || len(got.Data) != 0 {
		t.Fatalf("balance account not zeroed: %+v", got)
	}
	if got := result[f.operator].Lamports; got < 2000 {
		t.Fatalf("operator lamports = %d, want at least reclaimed 2000", got)
	}
}

func TestOperatorDeleteBalanceRejectsNonEmpty(t *testing.T) {
	f := newFixture(t)
	balKey := pk(0x41)
	bal := treasury.NewBalance(f.opAddr, 1)
	if err := bal.Mint(uint256.NewInt(1)); err != nil {
		t.Fatal(err)
	}
	f.setBalance(balKey, bal, 2000)

	payload, _ := (&Instruction{Op: OpOperatorDeleteBalance}).Encode()
	_, err := f.engine.Execute(payload, []AccountMeta{
		meta(f.operator, "sw"), meta(balKey, "w"),
	})
	if !errors.Is(err, treasury.ErrBalanceNotEmpty) {
		t.Fatalf("non-empty delete error = %v, want ErrBalanceNotEmpty", err)
	}
}

func cancelFixture(t *testing.T, f *fixture, scheduled bool) (*state.State, types.Pubkey, types.Pubkey, types.Pubkey) {
	t.Helper()
	tx := &types.Transaction{
		Kind:     types.TxLegacy,
		ChainID:  1,
		GasLimit: 100000,
		GasPrice: uint256.NewInt(10),
	}
	tx.Hash[0] = 0xCC

	// The stored payer is the payer's balance account key.
	payerKey, opBalKey := pk(0x52), pk(0x53)
	st := state.New(payerKey, tx, scheduled)

	stateKey := pk(0x51)
	data := make([]byte, state.RecordSize)
	if err := st.Store(data); err != nil {
		t.Fatal(err)
	}
	f.backend.SetAccount(stateKey, &ledger.Account{Lamports: 5000, Data: data, Owner: f.program})

	f.setBalance(payerKey, treasury.NewBalance(addr(0x0C), 1), 100)
	f.setBalance(opBalKey, treasury.NewBalance(f.opAddr, 1), 100)
	return st, stateKey, payerKey, opBalKey
}

func TestTransactionCancelSettlesAndReclaims(t *testing.T) {
	f := newFixture(t)
	st, stateKey, payerKey, opBalKey := cancelFixture(t, f, false)

	payload, _ := (&Instruction{Op: OpTransactionCancel, TxHash: st.TxHash}).Encode()
	result, err := f.engine.Execute(payload, []AccountMeta{
		meta(f.operator, "s"), meta(stateKey, "w"), meta(payerKey, "w"), meta(opBalKey, "w"),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Charged 10000 gas at price 10.
	opBal, err := treasury.LoadBalance(result[opBalKey].Data)
	if err != nil {
		t.Fatal(err)
	}
	if want := uint256.NewInt((gas.CancelCost + gas.LastIterationCost) * 10); !opBal.Amount.Eq(want) {
		t.Fatalf("operator reward = %s, want %s", opBal.Amount, want)
	}

	// The remaining 90000 gas refunds to the payer, plus the state
	// account's released lamports.
	payerBal, err := treasury.LoadBalance(result[payerKey].Data)
	if err != nil {
		t.Fatal(err)
	}
	if want := uint256.NewInt(900000); !payerBal.Amount.Eq(want) {
		t.Fatalf("payer refund = %s, want %s", payerBal.Amount, want)
	}
	if got := result[payerKey].Lamports; got != 5100 {
		t.Fatalf("payer lamports = %d, want 5100", got)
	}
	if got := result[stateKey]; got.Lamports != 0 || len(got.Data) != 0 {
		t.Fatalf("state account not reclaimed: %+v", got)
	}

	out := f.events.String()
	if !strings.Contains(out, "HASH cc000000") {
		t.Fatalf("missing HASH event in %q", out)
	}
	if !strings.Contains(out, "GAS 10000 100000\n") {
		t.Fatalf("missing GAS event in %q", out)
	}
}

func TestTransactionCancelRejectsWrongHash(t *testing.T) {
	f := newFixture(t)
	st, stateKey, payerKey, opBalKey := cancelFixture(t, f, false)

	wrong := st.TxHash
	wrong[31] ^= 0x01
	payload, _ := (&Instruction{Op: OpTransactionCancel, TxHash: wrong}).Encode()
	_, err := f.engine.Execute(payload, []AccountMeta{
		meta(f.operator, "s"), meta(stateKey, "w"), meta(payerKey, "w"), meta(opBalKey, "w"),
	})
	if !errors.Is(err, state.ErrHashMismatch) {
		t.Fatalf("wrong-hash cancel error = %v, want ErrHashMismatch", err)
	}

	// Nothing committed: the stored continuation is still active.
	stored, err := f.backend.GetAccount(stateKey)
	if err != nil {
		t.Fatal(err)
	}
	got, err := state.Load(stored.Data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != state.Active {
		t.Fatalf("stored status = %v, want active", got.Status)
	}
}

func TestTransactionCancelRejectsForeignPayerAccount(t *testing.T) {
	f := newFixture(t)
	st, stateKey, _, opBalKey := cancelFixture(t, f, false)

	// A balance account that is not the continuation's stored payer.
	strangerKey := pk(0x5F)
	f.setBalance(strangerKey, treasury.NewBalance(addr(0xEE), 1), 100)

	payload, _ := (&Instruction{Op: OpTransactionCancel, TxHash: st.TxHash}).Encode()
	_, err := f.engine.Execute(payload, []AccountMeta{
		meta(f.operator, "s"), meta(stateKey, "w"), meta(strangerKey, "w"), meta(opBalKey, "w"),
	})
	if !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("foreign-payer cancel error = %v, want ErrKeyMismatch", err)
	}

	// Nothing committed: the continuation is still active and the stranger
	// received neither refund nor lamports.
	stored, err := f.backend.GetAccount(stateKey)
	if err != nil {
		t.Fatal(err)
	}
	got, err := state.Load(stored.Data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != state.Active {
		t.Fatalf("stored status = %v, want active", got.Status)
	}
	stranger, err := f.backend.GetAccount(strangerKey)
	if err != nil {
		t.Fatal(err)
	}
	strangerBal, err := treasury.LoadBalance(stranger.Data)
	if err != nil {
		t.Fatal(err)
	}
	if !strangerBal.Amount.IsZero() || stranger.Lamports != 100 {
		t.Fatalf("stranger account mutated: %s wei, %d lamports", strangerBal.Amount, stranger.Lamports)
	}
}

func TestTransactionCancelScheduledSkipsRefund(t *testing.T) {
	f := newFixture(t)
	st, stateKey, payerKey, opBalKey := cancelFixture(t, f, true)

	payload, _ := (&Instruction{Op: OpTransactionCancel, TxHash: st.TxHash}).Encode()
	result, err := f.engine.Execute(payload, []AccountMeta{
		meta(f.operator, "s"), meta(stateKey, "w"), meta(payerKey, "w"), meta(opBalKey, "w"),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	// The operator is still rewarded for the cancellation work.
	opBal, err := treasury.LoadBalance(result[opBalKey].Data)
	if err != nil {
		t.Fatal(err)
	}
	if want := uint256.NewInt((gas.CancelCost + gas.LastIterationCost) * 10); !opBal.Amount.Eq(want) {
		t.Fatalf("operator reward = %s, want %s", opBal.Amount, want)
	}

	// The payer gets the state account's lamports back but no gas refund:
	// the tree reconciles scheduled gas at node resolution instead.
	payerBal, err := treasury.LoadBalance(result[payerKey].Data)
	if err != nil {
		t.Fatal(err)
	}
	if !payerBal.Amount.IsZero() {
		t.Fatalf("scheduled cancel refunded %s wei to the payer", payerBal.Amount)
	}
	if got := result[payerKey].Lamports; got != 5100 {
		t.Fatalf("payer lamports = %d, want 5100", got)
	}
	if got := result[stateKey]; got.Lamports != 0 || len(got.Data) != 0 {
		t.Fatalf("state account not reclaimed: %+v", got)
	}
}

func TestTransactionCancelCompletesWhenSettlementFails(t *testing.T) {
	f := newFixture(t)
	st, stateKey, payerKey, opBalKey := cancelFixture(t, f, false)

	// Corrupt the operator balance record so fee settlement cannot load it.
	f.backend.SetAccount(opBalKey, &ledger.Account{Lamports: 100, Data: []byte{1, 2, 3}, Owner: f.program})

	payload, _ := (&Instruction{Op: OpTransactionCancel, TxHash: st.TxHash}).Encode()
	result, err := f.engine.Execute(payload, []AccountMeta{
		meta(f.operator, "s"), meta(stateKey, "w"), meta(payerKey, "w"), meta(opBalKey, "w"),
	})
	if err != nil {
		t.Fatalf("cancel blocked by settlement failure: %v", err)
	}

	// The teardown still completes: state account reclaimed, lamports
	// released to the payer, events emitted.
	if got := result[stateKey]; got.Lamports != 0 || len(got.Data) != 0 {
		t.Fatalf("state account not reclaimed: %+v", got)
	}
	if got := result[payerKey].Lamports; got != 5100 {
		t.Fatalf("payer lamports = %d, want 5100", got)
	}
	if !strings.Contains(f.events.String(), "HASH cc000000") {
		t.Fatalf("missing HASH event in %q", f.events.String())
	}

	// The failed settlement left the corrupt balance and the payer's wei
	// untouched.
	payerBal, err := treasury.LoadBalance(result[payerKey].Data)
	if err != nil {
		t.Fatal(err)
	}
	if !payerBal.Amount.IsZero() {
		t.Fatalf("aborted settlement still refunded %s wei", payerBal.Amount)
	}
}

func TestScheduledSkipResolvesNodeAndRewards(t *testing.T) {
	f := newFixture(t)
	f.backend.SetSlot(777)

	node := tree.Node{GasLimit: 50000, Value: uint256.NewInt(0), PayloadLen: 100}
	node.TxHash[0] = 0xDD
	tr := tree.New(addr(0x10), 1, uint256.NewInt(1_000_000), uint256.NewInt(2), []tree.Node{node})

	treeKey, opBalKey := pk(0x61), pk(0x62)
	f.setTree(treeKey, tr, 100)
	f.setBalance(opBalKey, treasury.NewBalance(f.opAddr, 1), 100)

	payload, _ := (&Instruction{Op: OpScheduledSkip, TreeIndex: 0}).Encode()
	result, err := f.engine.Execute(payload, []AccountMeta{
		meta(f.operator, "s"), meta(treeKey, "w"), meta(opBalKey, "w"),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	got, err := tree.Load(result[treeKey].Data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Nodes[0].Status != tree.Skipped {
		t.Fatalf("node status = %v, want skipped", got.Nodes[0].Status)
	}
	if got.LastSlot != 777 {
		t.Fatalf("last slot = %d, want 777", got.LastSlot)
	}

	cost := uint256.NewInt(gas.SkipCost(100) * 2)
	opBal, err := treasury.LoadBalance(result[opBalKey].Data)
	if err != nil {
		t.Fatal(err)
	}
	if !opBal.Amount.Eq(cost) {
		t.Fatalf("operator reward = %s, want %s", opBal.Amount, cost)
	}

	out := f.events.String()
	if !strings.Contains(out, "HASH dd000000") {
		t.Fatalf("missing HASH event in %q", out)
	}
}

func TestScheduledSkipRejectsUnwhitelistedSigner(t *testing.T) {
	f := newFixture(t)
	intruder := pk(0x66)
	treeKey, opBalKey := pk(0x61), pk(0x62)
	f.setTree(treeKey, tree.New(addr(0x10), 1, uint256.NewInt(1), uint256.NewInt(1), nil), 100)
	f.setBalance(opBalKey, treasury.NewBalance(f.opAddr, 1), 100)

	payload, _ := (&Instruction{Op: OpScheduledSkip}).Encode()
	_, err := f.engine.Execute(payload, []AccountMeta{
		meta(intruder, "s"), meta(treeKey, "w"), meta(opBalKey, "w"),
	})
	if !errors.Is(err, treasury.ErrNotWhitelisted) {
		t.Fatalf("intruder skip error = %v, want ErrNotWhitelisted", err)
	}
}

func TestScheduledDestroyWithdrawsAndReclaims(t *testing.T) {
	f := newFixture(t)
	node := tree.Node{GasLimit: 50000, Value: uint256.NewInt(0)}
	tr := tree.New(addr(0x10), 1, uint256.NewInt(123456), uint256.NewInt(2), []tree.Node{node})
	if err := tr.Cancel(0, 50); err != nil {
		t.Fatal(err)
	}

	treeKey, payerKey := pk(0x71), pk(0x72)
	poolKey := types.TreasuryAddress(f.program, 2)
	f.setTree(treeKey, tr, 3000)
	f.setBalance(payerKey, treasury.NewBalance(addr(0x10), 1), 100)
	f.backend.SetAccount(poolKey, &ledger.Account{Lamports: 128, Owner: f.program})

	payload, _ := (&Instruction{Op: OpScheduledDestroy, TreasuryIndex: 2}).Encode()
	result, err := f.engine.Execute(payload, []AccountMeta{
		meta(f.operator, "s"), meta(treeKey, "w"), meta(payerKey, "w"), meta(poolKey, "w"),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	payerBal, err := treasury.LoadBalance(result[payerKey].Data)
	if err != nil {
		t.Fatal(err)
	}
	if !payerBal.Amount.Eq(uint256.NewInt(123456)) {
		t.Fatalf("withdrawn = %s, want 123456", payerBal.Amount)
	}
	if got := result[treeKey]; got.Lamports != 0 || len(got.Data) != 0 {
		t.Fatalf("tree account not reclaimed: %+v", got)
	}
	if got := result[poolKey].Lamports; got != 3128 {
		t.Fatalf("pool lamports = %d, want 3128", got)
	}
}

func TestScheduledDestroyRequiresExistingTreasury(t *testing.T) {
	f := newFixture(t)
	node := tree.Node{GasLimit: 50000, Value: uint256.NewInt(0)}
	tr := tree.New(addr(0x10), 1, uint256.NewInt(123456), uint256.NewInt(2), []tree.Node{node})
	if err := tr.Cancel(0, 50); err != nil {
		t.Fatal(err)
	}

	treeKey, payerKey := pk(0x71), pk(0x72)
	poolKey := types.TreasuryAddress(f.program, 2)
	f.setTree(treeKey, tr, 3000)
	f.setBalance(payerKey, treasury.NewBalance(addr(0x10), 1), 100)
	// The pool treasury account is never created.

	payload, _ := (&Instruction{Op: OpScheduledDestroy, TreasuryIndex: 2}).Encode()
	_, err := f.engine.Execute(payload, []AccountMeta{
		meta(f.operator, "s"), meta(treeKey, "w"), meta(payerKey, "w"), meta(poolKey, "w"),
	})
	if err == nil {
		t.Fatal("destroy into a nonexistent treasury accepted")
	}

	// Nothing committed: the tree still holds its funds and lamports.
	stored, err := f.backend.GetAccount(treeKey)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil || stored.Lamports != 3000 {
		t.Fatalf("failed destroy moved tree lamports: %+v", stored)
	}
	got, err := tree.Load(stored.Data)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Balance.Eq(uint256.NewInt(123456)) {
		t.Fatalf("failed destroy drained tree balance: %s", got.Balance)
	}
}

func TestScheduledDestroyRejectsPendingNodes(t *testing.T) {
	f := newFixture(t)
	node := tree.Node{GasLimit: 50000, Value: uint256.NewInt(0)}
	tr := tree.New(addr(0x10), 1, uint256.NewInt(1), uint256.NewInt(1), []tree.Node{node})

	treeKey, payerKey := pk(0x71), pk(0x72)
	poolKey := types.TreasuryAddress(f.program, 2)
	f.setTree(treeKey, tr, 3000)
	f.setBalance(payerKey, treasury.NewBalance(addr(0x10), 1), 100)
	f.backend.SetAccount(poolKey, &ledger.Account{Lamports: 128, Owner: f.program})

	payload, _ := (&Instruction{Op: OpScheduledDestroy, TreasuryIndex: 2}).Encode()
	_, err := f.engine.Execute(payload, []AccountMeta{
		meta(f.operator, "s"), meta(treeKey, "w"), meta(payerKey, "w"), meta(poolKey, "w"),
	})
	if !errors.Is(err, tree.ErrNodesPending) {
		t.Fatalf("pending destroy error = %v, want ErrNodesPending", err)
	}

	// The stored tree is unchanged.
	stored, err := f.backend.GetAccount(treeKey)
	if err != nil {
		t.Fatal(err)
	}
	got, err := tree.Load(stored.Data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Revision != 1 || !got.Balance.Eq(uint256.NewInt(1)) {
		t.Fatalf("failed destroy mutated stored tree: %+v", got)
	}
}
