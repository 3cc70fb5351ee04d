package treasury

import (
	"fmt"

	"github.com/heliosevm/helios/internal/types"
)

// Whitelist is the set of host signer keys authorized to operate the engine.
type Whitelist map[types.Pubkey]struct{}

// NewWhitelist builds a whitelist from signer keys.
func NewWhitelist(keys ...types.Pubkey) Whitelist {
	wl := make(Whitelist, len(keys))
	for _, k := range keys {
		wl[k] = struct{}{}
	}
	return wl
}

// Contains reports whether key is whitelisted.
func (w Whitelist) Contains(key types.Pubkey) bool {
	_, ok := w[key]
	return ok
}

// Operator is a proven operator identity: the host signer key plus the EVM
// address its balance accounts are keyed by.
type Operator struct {
	Key     types.Pubkey
	Address types.Address
}

// OperatorFromSigner is the checked constructor: the signer must have signed
// the instruction and must be whitelisted. This is the only way external
// input becomes an Operator.
func OperatorFromSigner(signer types.Pubkey, signed bool, address types.Address, wl Whitelist) (*Operator, error) {
	if !signed {
		return nil, fmt.Errorf("treasury: operator key %s did not sign", signer)
	}
	if !wl.Contains(signer) {
		return nil, fmt.Errorf("%w: %s", ErrNotWhitelisted, signer)
	}
	return &Operator{Key: signer, Address: address}, nil
}

// TrustedOperator constructs an Operator without re-checking the whitelist.
//
// Callers must have already established trust through an independent check:
// the instruction validated a signed, owner-matching balance account for this
// identity. Never call this with identities taken directly from instruction
// input.
func TrustedOperator(key types.Pubkey, address types.Address) *Operator {
	return &Operator{Key: key, Address: address}
}
