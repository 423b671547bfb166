package types

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ValidatorInfo is one entry of a block's validator snapshot.
// NOTE: it is derived from staking records every height and never mutated
// in place.
type ValidatorInfo struct {
	Stake         int64 `json:"stake"`
	ProposalRight bool  `json:"proposal_right"`
}

// Validators is the snapshot embedded in a block: address -> stake and
// proposal right. Votes on a block are evaluated against it.
type Validators map[Address]ValidatorInfo

// ValidateBasic performs basic validation.
func (vals Validators) ValidateBasic() error {
	for addr, info := range vals {
		if err := addr.ValidateBasic(); err != nil {
			return errors.Wrap(err, "invalid validator address")
		}
		if info.Stake <= 0 {
			return fmt.Errorf("validator %v has non-positive stake %d", addr, info.Stake)
		}
	}
	return nil
}

func (vals Validators) Size() int {
	return len(vals)
}

func (vals Validators) Has(addr Address) bool {
	_, ok := vals[addr]
	return ok
}

func (vals Validators) Get(addr Address) (ValidatorInfo, bool) {
	info, ok := vals[addr]
	return info, ok
}

// TotalStake sums the stake of every validator in the snapshot.
func (vals Validators) TotalStake() int64 {
	var total int64
	for _, info := range vals {
		total += info.Stake
	}
	return total
}

// Addresses returns the validator addresses in ascending order.
func (vals Validators) Addresses() []Address {
	addrs := make(Addresses, 0, len(vals))
	for addr := range vals {
		addrs = append(addrs, addr)
	}
	sort.Sort(addrs)
	return addrs
}

func (vals Validators) Copy() Validators {
	if vals == nil {
		return nil
	}
	cpy := make(Validators, len(vals))
	for addr, info := range vals {
		cpy[addr] = info
	}
	return cpy
}

// Equal compares two snapshots entry by entry.
func (vals Validators) Equal(other Validators) bool {
	if len(vals) != len(other) {
		return false
	}
	for addr, info := range vals {
		o, ok := other[addr]
		if !ok || o != info {
			return false
		}
	}
	return true
}

func (vals Validators) String() string {
	if vals == nil {
		return "nil-Validators"
	}
	parts := make([]string, 0, len(vals))
	for _, addr := range vals.Addresses() {
		info := vals[addr]
		parts = append(parts, fmt.Sprintf("%v:%d:%v", addr, info.Stake, info.ProposalRight))
	}
	return fmt.Sprintf("Validators{%s}", strings.Join(parts, " "))
}

// StakeRecord is the staking balance of one address on the consensus
// staking path.
type StakeRecord struct {
	Amount   int64 `json:"amount"`
	ExpireAt int64 `json:"expire_at"`
}
