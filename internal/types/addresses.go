// Package types provides well-known host program addresses and the seed
// prefixes for engine-derived accounts.
package types

import "fmt"

// Native host program addresses.
var (
	// SystemProgramAddr is the System Program address.
	SystemProgramAddr = MustPubkeyFromBase58("11111111111111111111111111111111")

	// ComputeBudgetProgramAddr is the Compute Budget Program address.
	ComputeBudgetProgramAddr = MustPubkeyFromBase58("ComputeBudget111111111111111111111111111111")

	// Ed25519PrecompileAddr is the Ed25519 signature verification precompile.
	Ed25519PrecompileAddr = MustPubkeyFromBase58("Ed25519SigVerify111111111111111111111111111")

	// Secp256k1PrecompileAddr is the Secp256k1 recovery precompile.
	Secp256k1PrecompileAddr = MustPubkeyFromBase58("KeccakSecp256k11111111111111111111111111111")
)

// Sysvar addresses.
var (
	// SysvarClockAddr is the Clock sysvar address.
	SysvarClockAddr = MustPubkeyFromBase58("SysvarC1ock11111111111111111111111111111111")

	// SysvarRentAddr is the Rent sysvar address.
	SysvarRentAddr = MustPubkeyFromBase58("SysvarRent111111111111111111111111111111111")

	// SysvarInstructionsAddr is the Instructions sysvar address.
	SysvarInstructionsAddr = MustPubkeyFromBase58("Sysvar1nstructions1111111111111111111111111")
)

// Seed prefixes for engine-derived account addresses.
// Every persistent account kind the engine owns is reachable through
// DeriveAddress(program, prefix, ...material).
var (
	// SeedBalance prefixes operator balance accounts: (operator, chain id).
	SeedBalance = []byte("balance")

	// SeedState prefixes execution state (continuation) accounts: tx hash.
	SeedState = []byte("state")

	// SeedTree prefixes scheduled transaction tree accounts: (payer, nonce).
	SeedTree = []byte("tree")

	// SeedTreasury prefixes treasury pool accounts: little-endian index.
	SeedTreasury = []byte("treasury")

	// SeedMainTreasury is the seed of the single main treasury account.
	SeedMainTreasury = []byte("treasury-main")

	// SeedContract prefixes per-contract storage accounts: EVM address.
	SeedContract = []byte("contract")
)

// MustPubkeyFromBase58 parses a base58 pubkey or panics.
// Only use for compile-time constants.
func MustPubkeyFromBase58(s string) Pubkey {
	p, err := PubkeyFromBase58(s)
	if err != nil {
		panic(fmt.Sprintf("invalid pubkey constant %q: %v", s, err))
	}
	return p
}

// BalanceAddress derives the operator balance account for (operator, chainID).
func BalanceAddress(program Pubkey, operator Address, chainID uint64) Pubkey {
	return DeriveAddress(program, SeedBalance, operator[:], uint64le(chainID))
}

// StateAddress derives the execution state account for an EVM transaction hash.
func StateAddress(program Pubkey, txHash Hash) Pubkey {
	return DeriveAddress(program, SeedState, txHash[:])
}

// TreeAddress derives the scheduled transaction tree account for a payer nonce.
func TreeAddress(program Pubkey, payer Address, nonce uint64) Pubkey {
	return DeriveAddress(program, SeedTree, payer[:], uint64le(nonce))
}

// TreasuryAddress derives the pool treasury account for the given slot index.
func TreasuryAddress(program Pubkey, index uint32) Pubkey {
	return DeriveAddress(program, SeedTreasury, []byte{
		byte(index), byte(index >> 8), byte(index >> 16), byte(index >> 24),
	})
}

// MainTreasuryAddress derives the single main treasury account.
func MainTreasuryAddress(program Pubkey) Pubkey {
	return DeriveAddress(program, SeedMainTreasury)
}

func uint64le(v uint64) []byte {
	return []byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
	}
}
