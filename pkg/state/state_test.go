package state

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"github.com/heliosevm/helios/internal/types"
)

func testTx() *types.Transaction {
	tx := &types.Transaction{
		Kind:     types.TxDynamicFee,
		ChainID:  245022934,
		Nonce:    7,
		GasLimit: 100000,
		GasPrice: uint256.NewInt(2_000_000_000),
	}
	for i := range tx.Hash {
		tx.Hash[i] = byte(i + 1)
	}
	return tx
}

func testPayer() types.Pubkey {
	var p types.Pubkey
	for i := range p {
		p[i] = 0xAB
	}
	return p
}

func TestNewStartsAtRevisionOne(t *testing.T) {
	s := New(testPayer(), testTx(), false)
	if s.Revision != 1 {
		t.Fatalf("new continuation revision = %d, want 1", s.Revision)
	}
	if s.Status != Active {
		t.Fatalf("new continuation status = %v, want active", s.Status)
	}
	if s.Steps != 0 || s.GasUsed != 0 {
		t.Fatalf("new continuation has progress: steps=%d gas=%d", s.Steps, s.GasUsed)
	}
}

func TestAdvanceAccumulatesAcrossSteps(t *testing.T) {
	s := New(testPayer(), testTx(), false)

	steps := []uint64{30000, 45000, 25000}
	var total uint64
	for i, g := range steps {
		if err := s.Advance(g, nil); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		total += g
		if s.GasUsed != total {
			t.Fatalf("step %d: gas used = %d, want %d", i, s.GasUsed, total)
		}
		if s.Revision != uint32(i)+2 {
			t.Fatalf("step %d: revision = %d, want %d", i, s.Revision, i+2)
		}
	}
	if s.GasAvailable() != 0 {
		t.Fatalf("gas available = %d after exhausting limit", s.GasAvailable())
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if s.Status != Finished {
		t.Fatalf("status = %v, want finished", s.Status)
	}
}

func TestAdvanceRejectsGasOverrun(t *testing.T) {
	s := New(testPayer(), testTx(), false)
	if err := s.Advance(90000, nil); err != nil {
		t.Fatalf("first step: %v", err)
	}
	before := *s

	err := s.Advance(10001, nil)
	if !errors.Is(err, ErrGasExceeded) {
		t.Fatalf("overrun step error = %v, want ErrGasExceeded", err)
	}
	if s.GasUsed != before.GasUsed || s.Steps != before.Steps || s.Revision != before.Revision {
		t.Fatalf("failed step mutated continuation: %+v", s)
	}

	// The exact remainder still fits.
	if err := s.Advance(10000, nil); err != nil {
		t.Fatalf("exact-fit step: %v", err)
	}
}

func TestAdvanceAccumulatesPriorityFee(t *testing.T) {
	s := New(testPayer(), testTx(), false)
	if err := s.Advance(1000, uint256.NewInt(500)); err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if err := s.Advance(1000, uint256.NewInt(700)); err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if want := uint256.NewInt(1200); !s.PriorityFeeUsed.Eq(want) {
		t.Fatalf("priority fee used = %s, want %s", s.PriorityFeeUsed, want)
	}
}

func TestRestoreRejectsStaleRevision(t *testing.T) {
	s := New(testPayer(), testTx(), false)
	if err := s.Advance(1000, nil); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, RecordSize)
	if err := s.Store(buf); err != nil {
		t.Fatal(err)
	}

	if _, err := Restore(buf, 2); err != nil {
		t.Fatalf("matching revision rejected: %v", err)
	}
	if _, err := Restore(buf, 1); !errors.Is(err, ErrRevisionMismatch) {
		t.Fatalf("stale revision error = %v, want ErrRevisionMismatch", err)
	}
	if _, err := Restore(buf, 3); !errors.Is(err, ErrRevisionMismatch) {
		t.Fatalf("future revision error = %v, want ErrRevisionMismatch", err)
	}
}

func TestStoreLoadRoundTrip(t *testing.T) {
	s := New(testPayer(), testTx(), true)
	if err := s.Advance(23456, uint256.NewInt(999)); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, RecordSize)
	if err := s.Store(buf); err != nil {
		t.Fatal(err)
	}
	got, err := Load(buf)
	if err != nil {
		t.Fatal(err)
	}

	if got.Status != s.Status || got.Scheduled != s.Scheduled || got.Revision != s.Revision {
		t.Fatalf("header mismatch: %+v vs %+v", got, s)
	}
	if got.Payer != s.Payer || got.TxHash != s.TxHash {
		t.Fatalf("identity mismatch")
	}
	if got.ChainID != s.ChainID || got.GasLimit != s.GasLimit || got.GasUsed != s.GasUsed || got.Steps != s.Steps {
		t.Fatalf("progress mismatch: %+v vs %+v", got, s)
	}
	if !got.GasPrice.Eq(s.GasPrice) || !got.PriorityFeeUsed.Eq(s.PriorityFeeUsed) {
		t.Fatalf("fee mismatch: price %s/%s fee %s/%s", got.GasPrice, s.GasPrice, got.PriorityFeeUsed, s.PriorityFeeUsed)
	}
}

func TestLoadRejectsBadRecords(t *testing.T) {
	if _, err := Load(make([]byte, RecordSize-1)); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("short record error = %v, want ErrInvalidRecord", err)
	}
	buf := make([]byte, RecordSize)
	buf[0] = 9
	if _, err := Load(buf); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("bad status error = %v, want ErrInvalidRecord", err)
	}
}

func TestHeapSharesAccountWithRecord(t *testing.T) {
	s := New(testPayer(), testTx(), false)
	data := make([]byte, RecordSize+1024)
	if err := s.Store(data); err != nil {
		t.Fatal(err)
	}

	heap, err := FormatHeap(data)
	if err != nil {
		t.Fatalf("format heap: %v", err)
	}
	off, err := heap.Alloc(64, 8)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if off < RecordSize {
		t.Fatalf("allocation at %d overlaps the record", off)
	}

	// The record survives heap activity, and the heap survives a reload.
	if _, err := Load(data); err != nil {
		t.Fatalf("load after heap use: %v", err)
	}
	reattached, err := AttachHeap(data)
	if err != nil {
		t.Fatalf("attach heap: %v", err)
	}
	if _, err := reattached.Alloc(64, 8); err != nil {
		t.Fatalf("alloc after reattach: %v", err)
	}
	if _, err := FormatHeap(data); err == nil {
		t.Fatal("re-format of a live heap accepted")
	}

	if _, err := FormatHeap(make([]byte, RecordSize)); err == nil {
		t.Fatal("heap formatted with no room past the record")
	}
}

func TestCancelRequiresFullHashMatch(t *testing.T) {
	s := New(testPayer(), testTx(), false)

	wrong := s.TxHash
	wrong[31] ^= 0x01
	if _, err := s.Cancel(wrong, 10000); !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("one-byte-off hash error = %v, want ErrHashMismatch", err)
	}
	if s.Status != Active {
		t.Fatalf("failed cancel changed status to %v", s.Status)
	}

	charged, err := s.Cancel(s.TxHash, 10000)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if charged != 10000 {
		t.Fatalf("charged = %d, want 10000", charged)
	}
	if s.Status != Cancelled {
		t.Fatalf("status = %v, want cancelled", s.Status)
	}
}

func TestCancelChargeCappedByAvailableGas(t *testing.T) {
	s := New(testPayer(), testTx(), false)
	if err := s.Advance(99_500, nil); err != nil {
		t.Fatal(err)
	}

	charged, err := s.Cancel(s.TxHash, 10000)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if charged != 500 {
		t.Fatalf("charged = %d, want remaining 500", charged)
	}
	if s.GasUsed != s.GasLimit {
		t.Fatalf("gas used = %d, want limit %d", s.GasUsed, s.GasLimit)
	}
}

func TestTerminalRejectsFurtherMutation(t *testing.T) {
	s := New(testPayer(), testTx(), false)
	if _, err := s.Cancel(s.TxHash, 100); err != nil {
		t.Fatal(err)
	}

	if err := s.Advance(1, nil); !errors.Is(err, ErrTerminal) {
		t.Fatalf("advance after cancel = %v, want ErrTerminal", err)
	}
	if err := s.Finish(); !errors.Is(err, ErrTerminal) {
		t.Fatalf("finish after cancel = %v, want ErrTerminal", err)
	}
	if _, err := s.Cancel(s.TxHash, 100); !errors.Is(err, ErrTerminal) {
		t.Fatalf("double cancel = %v, want ErrTerminal", err)
	}
}
