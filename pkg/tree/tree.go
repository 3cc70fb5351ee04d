// Package tree implements the scheduled transaction tree: a batch of
// dependent sub-transactions under one payer and chain, resolved node by
// node. A node is executed, skipped, or cancelled; the tree can only be
// destroyed once every node is resolved and its funds have been withdrawn
// back to the payer's balance.
package tree

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/heliosevm/helios/internal/types"
	"github.com/heliosevm/helios/pkg/gas"
	"github.com/heliosevm/helios/pkg/treasury"
)

var (
	// ErrInvalidPayer is returned when a supplied balance account's owner
	// does not equal the tree's stored payer.
	ErrInvalidPayer = errors.New("tree: invalid payer")

	// ErrChainIDMismatch is returned when a supplied account's chain id
	// does not equal the tree's stored chain id.
	ErrChainIDMismatch = errors.New("tree: chain id mismatch")

	// ErrNodesPending is returned when destroying a tree that still has
	// unresolved nodes.
	ErrNodesPending = errors.New("tree: nodes still pending")

	// ErrNodeIndex is returned for an out-of-range node index.
	ErrNodeIndex = errors.New("tree: node index out of range")

	// ErrNodeResolved is returned when skipping or cancelling a node that
	// already reached a terminal status.
	ErrNodeResolved = errors.New("tree: node already resolved")

	// ErrInsufficientFunds is returned when the tree's prepaid balance
	// cannot cover a charge.
	ErrInsufficientFunds = errors.New("tree: insufficient funds")

	// ErrInvalidRecord is returned when stored bytes do not decode to a
	// valid tree record.
	ErrInvalidRecord = errors.New("tree: invalid record")
)

// NodeStatus is the lifecycle state of one sub-transaction.
type NodeStatus uint8

// Node lifecycle: Pending transitions to exactly one terminal status.
const (
	Pending   NodeStatus = 0
	Executed  NodeStatus = 1
	Skipped   NodeStatus = 2
	Cancelled NodeStatus = 3
)

// String returns the status name.
func (s NodeStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case Executed:
		return "executed"
	case Skipped:
		return "skipped"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Resolved reports whether the node reached a terminal status.
func (s NodeStatus) Resolved() bool {
	return s != Pending
}

// Node is one scheduled sub-transaction.
type Node struct {
	Status   NodeStatus
	GasLimit uint64
	Value    *uint256.Int
	TxHash   types.Hash

	// PayloadLen is the byte length of the sub-transaction's payload in
	// holder storage; it prices the holder-write component of skip costs.
	PayloadLen uint32
}

// Binary layout, little-endian, no padding.
//
// Header:
//
//	0    record tag   u8 (0x54)
//	1    reserved     [3]
//	4    revision     u32
//	8    payer        [20]
//	28   chain id     u64
//	36   balance      [32] big-endian
//	68   gas price    [32] big-endian
//	100  last slot    u64
//	108  node count   u16
//	110  reserved     u16
//
// Then nodeCount nodes of nodeSize bytes each:
//
//	0   status       u8
//	1   reserved     [3]
//	4   payload len  u32
//	8   gas limit    u64
//	16  value        [32] big-endian
//	48  tx hash      [32]
const (
	HeaderSize = 112
	nodeSize   = 80
	treeTag    = 0x54
)

// Tree is the in-memory form of a scheduled transaction tree account.
type Tree struct {
	Payer    types.Address
	ChainID  uint64
	Revision uint32

	// Balance is the prepaid wei funding the tree's scheduled gas.
	Balance *uint256.Int

	// GasPrice prices gas burned out of Balance.
	GasPrice *uint256.Int

	// LastSlot is the most recent slot a node was resolved in.
	LastSlot uint64

	Nodes []Node
}

// RecordSize returns the serialized size for a tree with n nodes.
func RecordSize(n int) int {
	return HeaderSize + n*nodeSize
}

// New creates a tree for payer on chainID with the given prepaid balance.
func New(payer types.Address, chainID uint64, balance, gasPrice *uint256.Int, nodes []Node) *Tree {
	return &Tree{
		Payer:    payer,
		ChainID:  chainID,
		Revision: 1,
		Balance:  new(uint256.Int).Set(balance),
		GasPrice: new(uint256.Int).Set(gasPrice),
		Nodes:    nodes,
	}
}

// Load decodes a tree record.
func Load(data []byte) (*Tree, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidRecord, len(data))
	}
	if data[0] != treeTag {
		return nil, fmt.Errorf("%w: tag %#x", ErrInvalidRecord, data[0])
	}
	t := &Tree{
		Revision: binary.LittleEndian.Uint32(data[4:]),
		ChainID:  binary.LittleEndian.Uint64(data[28:]),
		LastSlot: binary.LittleEndian.Uint64(data[100:]),
	}
	copy(t.Payer[:], data[8:28])
	t.Balance = new(uint256.Int).SetBytes(data[36:68])
	t.GasPrice = new(uint256.Int).SetBytes(data[68:100])

	count := int(binary.LittleEndian.Uint16(data[108:]))
	if len(data) < RecordSize(count) {
		return nil, fmt.Errorf("%w: %d nodes in %d bytes", ErrInvalidRecord, count, len(data))
	}
	t.Nodes = make([]Node, count)
	for i := range t.Nodes {
		n := data[HeaderSize+i*nodeSize:]
		status := NodeStatus(n[0])
		if status > Cancelled {
			return nil, fmt.Errorf("%w: node %d status %d", ErrInvalidRecord, i, n[0])
		}
		t.Nodes[i] = Node{
			Status:     status,
			PayloadLen: binary.LittleEndian.Uint32(n[4:]),
			GasLimit:   binary.LittleEndian.Uint64(n[8:]),
			Value:      new(uint256.Int).SetBytes(n[16:48]),
		}
		copy(t.Nodes[i].TxHash[:], n[48:80])
	}
	return t, nil
}

// Restore decodes a tree record and verifies the caller's expected revision.
func Restore(data []byte, expectedRevision uint32) (*Tree, error) {
	t, err := Load(data)
	if err != nil {
		return nil, err
	}
	if t.Revision != expectedRevision {
		return nil, fmt.Errorf("tree: revision %d, expected %d", t.Revision, expectedRevision)
	}
	return t, nil
}

// Store encodes the record into data at offset 0.
func (t *Tree) Store(data []byte) error {
	if len(data) < RecordSize(len(t.Nodes)) {
		return fmt.Errorf("%w: buffer %d bytes for %d nodes", ErrInvalidRecord, len(data), len(t.Nodes))
	}
	data[0] = treeTag
	data[1], data[2], data[3] = 0, 0, 0
	binary.LittleEndian.PutUint32(data[4:], t.Revision)
	copy(data[8:28], t.Payer[:])
	binary.LittleEndian.PutUint64(data[28:], t.ChainID)
	balance := t.Balance.Bytes32()
	copy(data[36:68], balance[:])
	gasPrice := t.GasPrice.Bytes32()
	copy(data[68:100], gasPrice[:])
	binary.LittleEndian.PutUint64(data[100:], t.LastSlot)
	binary.LittleEndian.PutUint16(data[108:], uint16(len(t.Nodes)))
	data[110], data[111] = 0, 0
	for i, node := range t.Nodes {
		n := data[HeaderSize+i*nodeSize:]
		n[0] = byte(node.Status)
		n[1], n[2], n[3] = 0, 0, 0
		binary.LittleEndian.PutUint32(n[4:], node.PayloadLen)
		binary.LittleEndian.PutUint64(n[8:], node.GasLimit)
		value := node.Value.Bytes32()
		copy(n[16:48], value[:])
		copy(n[48:80], node.TxHash[:])
	}
	return nil
}

// Pending returns the number of unresolved nodes.
func (t *Tree) Pending() int {
	pending := 0
	for _, n := range t.Nodes {
		if !n.Status.Resolved() {
			pending++
		}
	}
	return pending
}

// Skip resolves one stale node without executing it. The caller supplies the
// authorized operator and that operator's balance; the skip-specific gas
// cost (transaction overhead plus holder-write cost, no execution cost) is
// burned from the tree's prepaid balance and minted as reward to the
// operator. All validation completes before either account mutates.
func (t *Tree) Skip(index uint16, op *treasury.Operator, opBalance *treasury.Balance, slot uint64) error {
	if int(index) >= len(t.Nodes) {
		return fmt.Errorf("%w: %d of %d", ErrNodeIndex, index, len(t.Nodes))
	}
	node := &t.Nodes[index]
	if node.Status.Resolved() {
		return fmt.Errorf("%w: node %d is %s", ErrNodeResolved, index, node.Status)
	}
	if opBalance.Owner != op.Address {
		return fmt.Errorf("%w: balance owner %s, operator %s", treasury.ErrWrongOwner, opBalance.Owner, op.Address)
	}
	if opBalance.ChainID != t.ChainID {
		return fmt.Errorf("%w: tree %d, balance %d", ErrChainIDMismatch, t.ChainID, opBalance.ChainID)
	}

	cost, err := gas.TokenCost(gas.SkipCost(int(node.PayloadLen)), t.GasPrice)
	if err != nil {
		return err
	}
	if t.Balance.Lt(cost) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, t.Balance, cost)
	}
	if _, overflow := new(uint256.Int).AddOverflow(opBalance.Amount, cost); overflow {
		return fmt.Errorf("tree: operator balance overflow")
	}

	node.Status = Skipped
	t.Balance = new(uint256.Int).Sub(t.Balance, cost)
	t.LastSlot = slot
	t.Revision++
	if err := opBalance.Mint(cost); err != nil {
		// Unreachable: overflow was pre-checked above.
		return err
	}
	return nil
}

// Cancel resolves one pending node as cancelled. Scheduled transactions do
// not refund at cancellation; the node's unused gas stays in the tree
// balance until Withdraw.
func (t *Tree) Cancel(index uint16, slot uint64) error {
	if int(index) >= len(t.Nodes) {
		return fmt.Errorf("%w: %d of %d", ErrNodeIndex, index, len(t.Nodes))
	}
	node := &t.Nodes[index]
	if node.Status.Resolved() {
		return fmt.Errorf("%w: node %d is %s", ErrNodeResolved, index, node.Status)
	}
	node.Status = Cancelled
	t.LastSlot = slot
	t.Revision++
	return nil
}

// MarkExecuted resolves one pending node as executed.
func (t *Tree) MarkExecuted(index uint16, slot uint64) error {
	if int(index) >= len(t.Nodes) {
		return fmt.Errorf("%w: %d of %d", ErrNodeIndex, index, len(t.Nodes))
	}
	node := &t.Nodes[index]
	if node.Status.Resolved() {
		return fmt.Errorf("%w: node %d is %s", ErrNodeResolved, index, node.Status)
	}
	node.Status = Executed
	t.LastSlot = slot
	t.Revision++
	return nil
}

// Withdraw moves the tree's remaining prepaid balance back to the payer's
// balance account. The balance must belong to the tree's payer on the
// tree's chain.
func (t *Tree) Withdraw(balance *treasury.Balance) error {
	if err := t.validatePayer(balance); err != nil {
		return err
	}
	if t.Balance.IsZero() {
		return nil
	}
	if err := balance.Mint(t.Balance); err != nil {
		return err
	}
	t.Balance = uint256.NewInt(0)
	t.Revision++
	return nil
}

// Destroy validates that the tree is fully resolved and drained and that
// balance belongs to the tree's payer. On success the caller reclaims the
// tree account's lamports through the treasury settlement path. Any
// remaining funds are withdrawn into balance first.
func (t *Tree) Destroy(balance *treasury.Balance) error {
	if err := t.validatePayer(balance); err != nil {
		return err
	}
	if pending := t.Pending(); pending > 0 {
		return fmt.Errorf("%w: %d unresolved", ErrNodesPending, pending)
	}
	return t.Withdraw(balance)
}

func (t *Tree) validatePayer(balance *treasury.Balance) error {
	if balance.Owner != t.Payer {
		return fmt.Errorf("%w: balance owner %s, tree payer %s", ErrInvalidPayer, balance.Owner, t.Payer)
	}
	if balance.ChainID != t.ChainID {
		return fmt.Errorf("%w: tree %d, balance %d", ErrChainIDMismatch, t.ChainID, balance.ChainID)
	}
	return nil
}
