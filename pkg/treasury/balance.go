package treasury

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/heliosevm/helios/internal/types"
)

var (
	// ErrWrongOwner is returned when an operation is attempted by someone
	// other than the balance's recorded owner.
	ErrWrongOwner = errors.New("treasury: wrong balance owner")

	// ErrChainIDMismatch is returned when two settling accounts disagree on
	// the chain id.
	ErrChainIDMismatch = errors.New("treasury: chain id mismatch")

	// ErrInsufficientBalance is returned when a burn or withdrawal exceeds
	// the prepaid amount.
	ErrInsufficientBalance = errors.New("treasury: insufficient balance")

	// ErrBalanceNotEmpty is returned when deleting a balance that still
	// holds tokens.
	ErrBalanceNotEmpty = errors.New("treasury: balance not empty")

	// ErrNotWhitelisted is returned when a signer is not an authorized
	// operator.
	ErrNotWhitelisted = errors.New("treasury: operator not whitelisted")

	// ErrInvalidRecord is returned when stored bytes do not decode to a
	// valid balance record.
	ErrInvalidRecord = errors.New("treasury: invalid balance record")
)

// Binary layout of a balance record, little-endian, no padding:
//
//	0   reserved (record tag) u8
//	1   reserved              [3]
//	4   revision              u32
//	8   owner address         [20]
//	28  chain id              u64
//	36  amount                [32] big-endian
const BalanceRecordSize = 68

// balanceTag marks an initialized balance record.
const balanceTag = 0xB1

// Balance is a prepaid operator balance keyed by (owner, chain id). It funds
// gas for the operator's submitted transactions and receives mining rewards.
type Balance struct {
	Owner    types.Address
	ChainID  uint64
	Revision uint32
	Amount   *uint256.Int
}

// NewBalance creates an empty balance for (owner, chainID). Revision starts
// at 1; revision 0 is reserved as "never persisted".
func NewBalance(owner types.Address, chainID uint64) *Balance {
	return &Balance{
		Owner:    owner,
		ChainID:  chainID,
		Revision: 1,
		Amount:   uint256.NewInt(0),
	}
}

// LoadBalance decodes a balance record.
func LoadBalance(data []byte) (*Balance, error) {
	if len(data) < BalanceRecordSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidRecord, len(data))
	}
	if data[0] != balanceTag {
		return nil, fmt.Errorf("%w: tag %#x", ErrInvalidRecord, data[0])
	}
	b := &Balance{
		Revision: binary.LittleEndian.Uint32(data[4:]),
		ChainID:  binary.LittleEndian.Uint64(data[28:]),
	}
	copy(b.Owner[:], data[8:28])
	b.Amount = new(uint256.Int).SetBytes(data[36:68])
	return b, nil
}

// RestoreBalance decodes a balance record and verifies the caller's expected
// revision.
func RestoreBalance(data []byte, expectedRevision uint32) (*Balance, error) {
	b, err := LoadBalance(data)
	if err != nil {
		return nil, err
	}
	if b.Revision != expectedRevision {
		return nil, fmt.Errorf("treasury: balance revision %d, expected %d", b.Revision, expectedRevision)
	}
	return b, nil
}

// Store encodes the record into data at offset 0.
func (b *Balance) Store(data []byte) error {
	if len(data) < BalanceRecordSize {
		return fmt.Errorf("%w: buffer %d bytes", ErrInvalidRecord, len(data))
	}
	data[0] = balanceTag
	data[1], data[2], data[3] = 0, 0, 0
	binary.LittleEndian.PutUint32(data[4:], b.Revision)
	copy(data[8:28], b.Owner[:])
	binary.LittleEndian.PutUint64(data[28:], b.ChainID)
	amount := b.Amount.Bytes32()
	copy(data[36:68], amount[:])
	return nil
}

// Mint credits a mining reward or gas reimbursement. The revision
// increments: minting is a mutation concurrent continuations must observe.
func (b *Balance) Mint(amount *uint256.Int) error {
	sum, overflow := new(uint256.Int).AddOverflow(b.Amount, amount)
	if overflow {
		return fmt.Errorf("treasury: balance overflow minting %s", amount)
	}
	b.Amount = sum
	b.Revision++
	return nil
}

// Burn debits a gas cost.
func (b *Balance) Burn(amount *uint256.Int) error {
	if b.Amount.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, b.Amount, amount)
	}
	b.Amount = new(uint256.Int).Sub(b.Amount, amount)
	b.Revision++
	return nil
}

// Withdraw moves amount from b to target. owner must equal b's recorded
// owner. Both revisions increment in the same operation so a concurrent
// continuation of either side observes a consistent post-withdrawal state.
func (b *Balance) Withdraw(owner types.Address, target *Balance, amount *uint256.Int) error {
	if owner != b.Owner {
		return fmt.Errorf("%w: %s is not %s", ErrWrongOwner, owner, b.Owner)
	}
	if b.Amount.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, b.Amount, amount)
	}
	sum, overflow := new(uint256.Int).AddOverflow(target.Amount, amount)
	if overflow {
		return fmt.Errorf("treasury: target balance overflow")
	}
	b.Amount = new(uint256.Int).Sub(b.Amount, amount)
	target.Amount = sum
	b.Revision++
	target.Revision++
	return nil
}

// Suicide validates ownership and marks the balance for destruction. It
// returns the residual token amount the caller settles back to the operator
// before reclaiming the account's lamports. Irreversible.
func (b *Balance) Suicide(owner types.Address) (*uint256.Int, error) {
	if owner != b.Owner {
		return nil, fmt.Errorf("%w: %s is not %s", ErrWrongOwner, owner, b.Owner)
	}
	residual := b.Amount
	b.Amount = uint256.NewInt(0)
	b.Revision++
	return residual, nil
}
