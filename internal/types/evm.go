package types

import (
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// TxKind identifies the Ethereum transaction envelope type.
type TxKind uint8

// Supported transaction envelope types.
const (
	TxLegacy     TxKind = 0x00
	TxAccessList TxKind = 0x01
	TxDynamicFee TxKind = 0x02
)

// Transaction carries the Ethereum-side fields the engine meters and settles.
// Payload decoding (RLP, signature recovery) happens outside the engine; by
// the time a transaction reaches this core it is already validated and hashed.
type Transaction struct {
	// Hash is the canonical Ethereum transaction hash.
	Hash Hash

	// Kind is the envelope type; priority fees only exist for TxDynamicFee.
	Kind TxKind

	// From is the recovered sender address.
	From Address

	// ChainID is the EVM chain the transaction targets.
	ChainID uint64

	// Nonce is the sender's account nonce.
	Nonce uint64

	// GasLimit is the maximum gas the sender prepaid for.
	GasLimit uint64

	// GasPrice is the effective price per gas unit, in wei.
	GasPrice *uint256.Int

	// MaxPriorityFeePerGas caps the per-gas tip for dynamic-fee transactions.
	// Nil for legacy and access-list transactions.
	MaxPriorityFeePerGas *uint256.Int

	// Value is the wei amount transferred by the call.
	Value *uint256.Int
}

// HasPriorityFee returns true if the transaction can pay a priority fee.
func (tx *Transaction) HasPriorityFee() bool {
	return tx.Kind == TxDynamicFee && tx.MaxPriorityFeePerGas != nil
}

// Keccak256 computes the Ethereum Keccak-256 hash of the concatenated inputs.
func Keccak256(data ...[]byte) Hash {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	var h Hash
	d.Sum(h[:0])
	return h
}

// ContractAddress computes the address of a contract created by sender with
// the given nonce, per the CREATE rule (last 20 bytes of the keccak of the
// RLP list [sender, nonce]).
func ContractAddress(sender Address, nonce uint64) Address {
	// Minimal RLP for a two-element list of a 20-byte string and an integer.
	enc := make([]byte, 0, 32)
	enc = append(enc, 0x80+AddressSize)
	enc = append(enc, sender[:]...)
	switch {
	case nonce == 0:
		enc = append(enc, 0x80)
	case nonce < 0x80:
		enc = append(enc, byte(nonce))
	default:
		var be [8]byte
		n := 0
		for v := nonce; v > 0; v >>= 8 {
			n++
		}
		for i := 0; i < n; i++ {
			be[n-1-i] = byte(nonce >> (8 * i))
		}
		enc = append(enc, 0x80+byte(n))
		enc = append(enc, be[:n]...)
	}
	list := make([]byte, 0, len(enc)+1)
	list = append(list, 0xc0+byte(len(enc)))
	list = append(list, enc...)
	h := Keccak256(list)
	var a Address
	copy(a[:], h[12:])
	return a
}
