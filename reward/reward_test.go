package reward

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

type memLedger struct {
	balances map[types.Address]Balance
	rewarded map[int64]bool
}

func newMemLedger() *memLedger {
	return &memLedger{balances: map[types.Address]Balance{}, rewarded: map[int64]bool{}}
}

func (l *memLedger) WriteRewardLedger(addr types.Address, delta *big.Rat) error {
	b, ok := l.balances[addr]
	if !ok {
		b = NewBalance()
	}
	l.balances[addr] = b.Credit(delta)
	return nil
}

func (l *memLedger) Rewarded(height int64) (bool, error) { return l.rewarded[height], nil }
func (l *memLedger) MarkRewarded(height int64) error     { l.rewarded[height] = true; return nil }

func addr(i int) types.Address {
	return types.Address(fmt.Sprintf("0x%040x", i))
}

func votesOf(stakes ...int64) types.Votes {
	votes := types.Votes{}
	for i, s := range stakes {
		votes = append(votes, &types.Vote{Address: addr(i + 1), Stake: s})
	}
	return votes
}

func sumOf(shares []Share, except types.Address) *big.Rat {
	sum := new(big.Rat)
	for _, s := range shares {
		if s.Address != except {
			sum.Add(sum, s.Amount)
		}
	}
	return sum
}

func TestSplitIsExact(t *testing.T) {
	cases := []struct {
		gas    int64
		stakes []int64
	}{
		{1, []int64{1}},
		{7, []int64{1, 1, 1}},
		{1000003, []int64{3, 7, 11, 13}},
		{99, []int64{100000, 100000, 100000}},
		{5, []int64{1, 2}},
	}
	for _, tc := range cases {
		proposer := addr(1000)
		shares := Split(tc.gas, proposer, votesOf(tc.stakes...))

		pool := new(big.Rat).Sub(big.NewRat(tc.gas, 1), big.NewRat(tc.gas, 2))
		assert.Zero(t, pool.Cmp(sumOf(shares, proposer)), "gas %d", tc.gas)

		total := sumOf(shares, "")
		assert.Zero(t, big.NewRat(tc.gas, 1).Cmp(total))
	}
}

func TestSplitProportionalAndOrdered(t *testing.T) {
	shares := Split(100, addr(9), votesOf(1, 3))
	require.Len(t, shares, 3)
	assert.Equal(t, addr(1), shares[0].Address)
	assert.Equal(t, addr(2), shares[1].Address)
	assert.Equal(t, addr(9), shares[2].Address)

	assert.Zero(t, big.NewRat(25, 2).Cmp(shares[0].Amount))
	assert.Zero(t, big.NewRat(75, 2).Cmp(shares[1].Amount))
	assert.Zero(t, big.NewRat(50, 1).Cmp(shares[2].Amount))
}

func TestSplitProposerAlsoVoter(t *testing.T) {
	votes := votesOf(1, 1)
	shares := Split(10, addr(1), votes)
	require.Len(t, shares, 2)
	assert.Zero(t, big.NewRat(15, 2).Cmp(shares[0].Amount), "5 as proposer plus 5/2 as voter")
	assert.Zero(t, big.NewRat(5, 2).Cmp(shares[1].Amount))
}

func TestSplitIgnoresAgainstAndDuplicates(t *testing.T) {
	votes := votesOf(1, 1)
	votes = append(votes,
		&types.Vote{Address: addr(3), Stake: 5, IsAgainst: true, OffenseType: types.InvalidProposal},
		&types.Vote{Address: addr(2), Stake: 3},
	)
	shares := Split(8, addr(9), votes)
	require.Len(t, shares, 3)
	assert.Zero(t, big.NewRat(1, 1).Cmp(shares[0].Amount))
	assert.Zero(t, big.NewRat(3, 1).Cmp(shares[1].Amount))
	assert.Equal(t, addr(9), shares[2].Address)
}

func TestSplitZeroGas(t *testing.T) {
	assert.Nil(t, Split(0, addr(1), votesOf(1)))
}

func TestDistributeOncePerHeight(t *testing.T) {
	ledger := newMemLedger()
	d := NewDistributor()
	proposer := addr(1)

	_, err := d.Distribute(context.Background(), ledger, 5, proposer, votesOf(1, 1), 10)
	require.NoError(t, err)
	_, err = d.Distribute(context.Background(), ledger, 5, proposer, votesOf(1, 1), 10)
	require.NoError(t, err)

	b := ledger.balances[proposer]
	assert.Zero(t, big.NewRat(15, 2).Cmp(b.Unclaimed))
	assert.Zero(t, big.NewRat(15, 2).Cmp(b.Cumulative))

	shares, err := d.Distribute(context.Background(), ledger, 6, proposer, votesOf(1, 1), 0)
	require.NoError(t, err)
	assert.Nil(t, shares)
	assert.False(t, ledger.rewarded[6])
}
