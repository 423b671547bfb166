package evidence

import (
	"math"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

// LockupPolicy returns how many milliseconds to add to an offender's stake
// lockup, given the offenses recorded in this event and the offender's total
// after recording them. Implementations must return 0 when numNew is 0 and
// be strictly increasing in both arguments below saturation.
type LockupPolicy func(numNew, total int64) int64

const DefaultLockupBaseMs = types.DefaultLockupExtensionBaseMs

// maxDoublings bounds the exponent so the product stays inside int64.
const maxDoublings = 30

// ExponentialLockupPolicy doubles the extension for every offense already on
// record: baseMs * numNew * 2^(total-1). The result saturates at MaxInt64.
func ExponentialLockupPolicy(baseMs int64) LockupPolicy {
	return func(numNew, total int64) int64 {
		if numNew <= 0 || baseMs <= 0 {
			return 0
		}
		exp := total - 1
		if exp < 0 {
			exp = 0
		}
		if exp > maxDoublings {
			exp = maxDoublings
		}
		factor := int64(1) << uint(exp)
		if numNew > math.MaxInt64/factor/baseMs {
			return math.MaxInt64
		}
		return baseMs * numNew * factor
	}
}

// LinearLockupPolicy adds baseMs per new offense, scaled by the total.
func LinearLockupPolicy(baseMs int64) LockupPolicy {
	return func(numNew, total int64) int64 {
		if numNew <= 0 || baseMs <= 0 {
			return 0
		}
		if total < 1 {
			total = 1
		}
		if numNew > math.MaxInt64/total/baseMs {
			return math.MaxInt64
		}
		return baseMs * numNew * total
	}
}
