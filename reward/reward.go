// Package reward splits the gas cost of a finalized block between its
// proposer and the validators whose votes finalized it.
//
// All amounts are exact rationals. Voters are visited in ascending address
// order and the last one takes whatever the pool has left, so the validator
// shares always sum to exactly the pool.
package reward

import (
	"context"
	"math/big"
	"sort"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

// Ledger is the part of the state store that keeps reward balances.
type Ledger interface {
	// WriteRewardLedger adds delta to both unclaimed and cumulative.
	WriteRewardLedger(addr types.Address, delta *big.Rat) error
	Rewarded(height int64) (bool, error)
	MarkRewarded(height int64) error
}

// Balance is the reward ledger entry of one address.
type Balance struct {
	Unclaimed  *big.Rat `json:"unclaimed"`
	Cumulative *big.Rat `json:"cumulative"`
}

func NewBalance() Balance {
	return Balance{Unclaimed: new(big.Rat), Cumulative: new(big.Rat)}
}

// Credit adds delta to both fields.
func (b Balance) Credit(delta *big.Rat) Balance {
	return Balance{
		Unclaimed:  new(big.Rat).Add(b.Unclaimed, delta),
		Cumulative: new(big.Rat).Add(b.Cumulative, delta),
	}
}

// Share is the amount credited to one address for one block.
type Share struct {
	Address types.Address `json:"address"`
	Amount  *big.Rat      `json:"amount"`
}

// voter is one distinct supporting voter and its stake.
type voter struct {
	addr  types.Address
	stake int64
}

// distinctVoters keeps supporting votes only, one per address (the later
// vote wins), ordered by ascending address.
func distinctVoters(votes types.Votes) []voter {
	byAddr := make(map[types.Address]int64, len(votes))
	for _, v := range votes {
		if v == nil || v.IsAgainst || v.Stake <= 0 {
			continue
		}
		byAddr[v.Address] = v.Stake
	}
	out := make([]voter, 0, len(byAddr))
	for addr, stake := range byAddr {
		out = append(out, voter{addr, stake})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

// Split computes every address's reward for a block with the given gas cost,
// proposer and finalizing votes. The proposer's two components are summed.
// Shares are returned in ascending address order.
func Split(gasCostTotal int64, proposer types.Address, votes types.Votes) []Share {
	if gasCostTotal <= 0 {
		return nil
	}
	total := new(big.Rat).SetInt64(gasCostTotal)
	proposerReward := new(big.Rat).Quo(total, big.NewRat(2, 1))
	pool := new(big.Rat).Sub(total, proposerReward)

	amounts := map[types.Address]*big.Rat{proposer: proposerReward}

	voters := distinctVoters(votes)
	var totalStake int64
	for _, v := range voters {
		totalStake += v.stake
	}
	if totalStake > 0 {
		assigned := new(big.Rat)
		for i, v := range voters {
			var r *big.Rat
			if i == len(voters)-1 {
				r = new(big.Rat).Sub(pool, assigned)
			} else {
				r = new(big.Rat).Mul(pool, big.NewRat(v.stake, totalStake))
			}
			assigned.Add(assigned, r)
			if prev, ok := amounts[v.addr]; ok {
				amounts[v.addr] = new(big.Rat).Add(prev, r)
			} else {
				amounts[v.addr] = r
			}
		}
	}

	shares := make([]Share, 0, len(amounts))
	for addr, amt := range amounts {
		shares = append(shares, Share{Address: addr, Amount: amt})
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i].Address < shares[j].Address })
	return shares
}

// Distributor credits block rewards once per height.
type Distributor struct {
	logger log.Logger
}

func NewDistributor() *Distributor {
	return &Distributor{logger: log.NewNopLogger()}
}

func (d *Distributor) SetLogger(l log.Logger) {
	d.logger = l
}

// Distribute credits the rewards of the block finalized at height to ledger.
// It is a no-op when the gas cost is zero or the height was already rewarded.
func (d *Distributor) Distribute(ctx context.Context, ledger Ledger, height int64, proposer types.Address, votes types.Votes, gasCostTotal int64) ([]Share, error) {
	if gasCostTotal <= 0 {
		return nil, nil
	}
	done, err := ledger.Rewarded(height)
	if err != nil {
		return nil, err
	}
	if done {
		d.logger.Debug("rewards already distributed", "height", height)
		return nil, nil
	}

	shares := Split(gasCostTotal, proposer, votes)
	for _, s := range shares {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := ledger.WriteRewardLedger(s.Address, s.Amount); err != nil {
			return nil, errors.Wrapf(err, "credit %v", s.Address)
		}
	}
	if err := ledger.MarkRewarded(height); err != nil {
		return nil, err
	}
	d.logger.Info("rewards distributed", "height", height, "gas_cost_total", gasCostTotal, "recipients", len(shares))
	return shares, nil
}
