// Package treasury implements fee settlement state: the pooled treasury
// accounts gas fees collect into, and the prepaid per-operator balance
// accounts that fund gas and receive mining rewards.
package treasury

import "math"

// Host rent parameters. The sweep threshold for a treasury account is always
// computed from these and the account's data size, never hard-coded.
const (
	// AccountStorageOverhead is the byte overhead the host charges per
	// account on top of its data.
	AccountStorageOverhead = 128

	// DefaultLamportsPerByteYear is the host's rent rate.
	DefaultLamportsPerByteYear = 3480

	// DefaultExemptionThreshold is the number of prepaid rent-years that
	// makes an account rent-exempt.
	DefaultExemptionThreshold = 2.0
)

// Rent models the host's rent schedule.
type Rent struct {
	LamportsPerByteYear uint64
	ExemptionThreshold  float64
}

// DefaultRent returns the mainnet rent schedule.
func DefaultRent() Rent {
	return Rent{
		LamportsPerByteYear: DefaultLamportsPerByteYear,
		ExemptionThreshold:  DefaultExemptionThreshold,
	}
}

// MinimumBalance returns the rent-exempt minimum for an account with
// dataLen bytes of data.
func (r Rent) MinimumBalance(dataLen int) uint64 {
	bytes := uint64(AccountStorageOverhead + dataLen)
	return uint64(math.Round(float64(bytes*r.LamportsPerByteYear) * r.ExemptionThreshold))
}

// SweepAmount returns the lamports a treasury account holding lamports with
// dataLen bytes of data can release to the main treasury: everything above
// its rent-exempt minimum. Zero means the sweep is a no-op, not an error.
func (r Rent) SweepAmount(lamports uint64, dataLen int) uint64 {
	min := r.MinimumBalance(dataLen)
	if lamports <= min {
		return 0
	}
	return lamports - min
}
