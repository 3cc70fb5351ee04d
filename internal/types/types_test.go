package types

import (
	"testing"
)

func TestPubkeyBase58RoundTrip(t *testing.T) {
	p := MustPubkeyFromBase58("11111111111111111111111111111111")
	if !p.IsZero() {
		t.Fatalf("system program pubkey not zero: %v", p)
	}
	if got := p.String(); got != "11111111111111111111111111111111" {
		t.Fatalf("encoded = %q", got)
	}

	if _, err := PubkeyFromBase58("tooshort"); err == nil {
		t.Fatal("short pubkey accepted")
	}
	if _, err := PubkeyFromBase58("not!!base58"); err == nil {
		t.Fatal("invalid base58 accepted")
	}
}

func TestHashHexParsing(t *testing.T) {
	s := "0x00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	h, err := HashFromHex(s)
	if err != nil {
		t.Fatal(err)
	}
	if h.String() != s {
		t.Fatalf("round trip = %q", h.String())
	}
	// The prefix is optional.
	h2, err := HashFromHex(s[2:])
	if err != nil {
		t.Fatal(err)
	}
	if h != h2 {
		t.Fatal("prefixed and bare parses differ")
	}
	if _, err := HashFromHex("0x1234"); err == nil {
		t.Fatal("short hash accepted")
	}
}

func TestAddressHexParsing(t *testing.T) {
	s := "0xd8da6bf26964af9d7eed9e03e53415d37aa96045"
	a, err := AddressFromHex(s)
	if err != nil {
		t.Fatal(err)
	}
	if a.String() != s {
		t.Fatalf("round trip = %q", a.String())
	}
	if _, err := AddressFromHex(s + "00"); err == nil {
		t.Fatal("long address accepted")
	}
}

func TestDeriveAddressIsDeterministicAndSeparated(t *testing.T) {
	var program Pubkey
	program[0] = 0x42
	var payer Address
	payer[0] = 0x01

	a := TreeAddress(program, payer, 1)
	b := TreeAddress(program, payer, 1)
	if a != b {
		t.Fatal("derivation not deterministic")
	}
	if a == TreeAddress(program, payer, 2) {
		t.Fatal("nonce not separated")
	}

	var otherProgram Pubkey
	otherProgram[0] = 0x43
	if a == TreeAddress(otherProgram, payer, 1) {
		t.Fatal("program not separated")
	}
}

func TestDeriveAddressSeedBoundaries(t *testing.T) {
	var program Pubkey
	// Length-prefixed seeds: ("ab","c") and ("a","bc") must not collide.
	a := DeriveAddress(program, []byte("ab"), []byte("c"))
	b := DeriveAddress(program, []byte("a"), []byte("bc"))
	if a == b {
		t.Fatal("seed boundaries collapse")
	}
}

func TestAccountKindsNeverCollide(t *testing.T) {
	var program Pubkey
	program[0] = 0x42
	var owner Address
	owner[0] = 0x07
	var hash Hash
	copy(hash[:], append(append([]byte{}, SeedBalance...), owner[:]...))

	seen := map[Pubkey]string{}
	for name, key := range map[string]Pubkey{
		"balance":  BalanceAddress(program, owner, 1),
		"state":    StateAddress(program, hash),
		"tree":     TreeAddress(program, owner, 1),
		"treasury": TreasuryAddress(program, 1),
		"main":     MainTreasuryAddress(program),
	} {
		if prev, ok := seen[key]; ok {
			t.Fatalf("%s and %s derive the same address", prev, name)
		}
		seen[key] = name
	}
}

func TestContractAddressMatchesCreateRule(t *testing.T) {
	// Widely used CREATE vector: sender 0x6ac7ea…dbf0 with nonce 0.
	sender, err := AddressFromHex("0x6ac7ea33f8831ea9dcc53393aaa88b25a785dbf0")
	if err != nil {
		t.Fatal(err)
	}
	got := ContractAddress(sender, 0)
	want, err := AddressFromHex("0xcd234a471b72ba2f1ccf0a70fcaba648a5eecd8d")
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("contract address = %s, want %s", got, want)
	}

	if ContractAddress(sender, 1) == got {
		t.Fatal("nonce ignored")
	}
	if ContractAddress(sender, 200) == ContractAddress(sender, 201) {
		t.Fatal("multi-byte nonces collapse")
	}
}

func TestKeccak256KnownVector(t *testing.T) {
	// keccak256("") is the well-known empty-input digest.
	got := Keccak256(nil)
	want, err := HashFromHex("0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470")
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("keccak256(\"\") = %s, want %s", got, want)
	}
}
