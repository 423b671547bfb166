package types

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/tmhash"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

func testKeys(n int) []types.PrivKey {
	keys := make([]types.PrivKey, n)
	for i := range keys {
		keys[i] = types.GenPrivKeyFromSeed([]byte{0xc0, byte(i)})
	}
	return keys
}

func testValidators(keys []types.PrivKey, stakes ...int64) types.Validators {
	vals := types.Validators{}
	for i, k := range keys {
		vals[k.Address()] = types.ValidatorInfo{Stake: stakes[i], ProposalRight: true}
	}
	return vals
}

func signedVote(t *testing.T, key types.PrivKey, height int64, hash tmbytes.HexBytes, stake int64, against bool) *types.Vote {
	vote := &types.Vote{Number: height, BlockHash: hash, Stake: stake, Timestamp: 1}
	if against {
		vote.IsAgainst = true
		vote.OffenseType = types.InvalidProposal
	}
	require.NoError(t, types.SignVote(key, vote))
	return vote
}

func TestVoteSetQuorum(t *testing.T) {
	keys := testKeys(3)
	// total 400000, threshold floor(400000*2/3) = 266666
	vals := testValidators(keys, 200000, 66666, 133334)
	hash := tmhash.Sum([]byte("B"))
	vs := NewVoteSet(5, vals)

	_, err := vs.AddVote(signedVote(t, keys[0], 5, hash, 200000, false))
	require.NoError(t, err)
	assert.False(t, vs.HasMajority(hash))

	_, err = vs.AddVote(signedVote(t, keys[1], 5, hash, 66666, false))
	require.NoError(t, err)
	assert.EqualValues(t, 266666, vs.Tally(hash))
	assert.True(t, vs.HasMajority(hash), "the floored threshold is inclusive")

	// replaying the same votes keeps the verdict
	for i := 0; i < 3; i++ {
		changed, err := vs.AddVote(signedVote(t, keys[0], 5, hash, 200000, false))
		require.NoError(t, err)
		assert.False(t, changed)
	}
	assert.EqualValues(t, 266666, vs.Tally(hash))
	assert.True(t, vs.HasMajority(hash))
}

func TestVoteSetBelowThreshold(t *testing.T) {
	keys := testKeys(2)
	vals := testValidators(keys, 266665, 133335)
	hash := tmhash.Sum([]byte("B"))
	vs := NewVoteSet(1, vals)

	_, err := vs.AddVote(signedVote(t, keys[0], 1, hash, 266665, false))
	require.NoError(t, err)
	assert.False(t, vs.HasMajority(hash), "266665 < 266666")
}

func TestVoteSetZeroTotalNeverFinalizes(t *testing.T) {
	vs := NewVoteSet(1, types.Validators{})
	hash := tmhash.Sum([]byte("B"))
	assert.False(t, vs.HasMajority(hash))

	_, err := vs.AddVote(signedVote(t, testKeys(1)[0], 1, hash, 1, false))
	assert.Equal(t, ErrVoteFromUnknownValidator, errors.Cause(err))
}

func TestVoteSetRejectsBadVotes(t *testing.T) {
	keys := testKeys(3)
	vals := testValidators(keys[:2], 100, 100)
	hash := tmhash.Sum([]byte("B"))
	vs := NewVoteSet(2, vals)

	_, err := vs.AddVote(signedVote(t, keys[2], 2, hash, 100, false))
	assert.Equal(t, ErrVoteFromUnknownValidator, errors.Cause(err))

	_, err = vs.AddVote(signedVote(t, keys[0], 3, hash, 100, false))
	assert.Equal(t, ErrVoteUnexpectedHeight, errors.Cause(err))

	_, err = vs.AddVote(signedVote(t, keys[0], 2, hash, 99, false))
	assert.Equal(t, ErrVoteStakeMismatch, errors.Cause(err))

	forged := signedVote(t, keys[0], 2, hash, 100, false)
	forged.Timestamp++
	_, err = vs.AddVote(forged)
	assert.Error(t, err)

	assert.Empty(t, vs.Votes(hash))
}

func TestVoteSetLaterVoteOverwrites(t *testing.T) {
	keys := testKeys(2)
	vals := testValidators(keys, 100, 100)
	hash := tmhash.Sum([]byte("B"))
	vs := NewVoteSet(1, vals)

	_, err := vs.AddVote(signedVote(t, keys[0], 1, hash, 100, false))
	require.NoError(t, err)
	changed, err := vs.AddVote(signedVote(t, keys[0], 1, hash, 100, true))
	require.NoError(t, err)
	assert.True(t, changed)

	assert.Zero(t, vs.Tally(hash))
	assert.EqualValues(t, 100, vs.AgainstTally(hash))
	assert.True(t, vs.HasAgainst(hash))
	assert.Len(t, vs.Votes(hash), 1)
}

func TestVoteSetSeparatesCandidates(t *testing.T) {
	keys := testKeys(3)
	vals := testValidators(keys, 100, 100, 100)
	h1, h2 := tmhash.Sum([]byte("B1")), tmhash.Sum([]byte("B2"))
	vs := NewVoteSet(1, vals)

	for _, k := range keys {
		_, err := vs.AddVote(signedVote(t, k, 1, h1, 100, true))
		require.NoError(t, err)
		_, err = vs.AddVote(signedVote(t, k, 1, h2, 100, false))
		require.NoError(t, err)
	}
	assert.False(t, vs.HasMajority(h1))
	assert.True(t, vs.HasMajority(h2))

	against := vs.AgainstVotes(h1)
	require.Len(t, against, 3)
	for i := 1; i < len(against); i++ {
		assert.True(t, against[i-1].Address < against[i].Address, "sorted by address")
	}
	assert.Len(t, vs.SupportVotes(h2), 3)
	assert.Len(t, vs.BlockHashes(), 2)
}

// adding votes never turns a majority back into a minority
func TestVoteSetMonotonic(t *testing.T) {
	keys := testKeys(4)
	vals := testValidators(keys, 10, 20, 30, 40)
	hash := tmhash.Sum([]byte("B"))
	vs := NewVoteSet(1, vals)

	reached := false
	for i, k := range keys {
		_, err := vs.AddVote(signedVote(t, k, 1, hash, vals[k.Address()].Stake, false))
		require.NoError(t, err)
		if reached {
			assert.True(t, vs.HasMajority(hash), "vote #%d", i)
		}
		reached = vs.HasMajority(hash)
	}
	assert.True(t, reached)
}

func TestRoundHistory(t *testing.T) {
	h := NewRoundHistory(2)
	h.Add(RoundRecord{Height: 1, Epoch: 1})
	h.Add(RoundRecord{Height: 1, Epoch: 2})
	h.Add(RoundRecord{Height: 2, Epoch: 3})
	assert.Len(t, h.Get(1), 2)

	h.Add(RoundRecord{Height: 3, Epoch: 4})
	assert.Empty(t, h.Get(1), "oldest height evicted")
	assert.Equal(t, []int64{2, 3}, h.Heights())
}

func TestMakeRoundRecord(t *testing.T) {
	keys := testKeys(1)
	vals := testValidators(keys, 100000)
	rs := NewHeightRoundState(1, 4, vals)
	block := types.MakeBlock(1, 4, tmhash.Sum([]byte("parent")), nil, nil, keys[0].Address(), vals, 1)
	block.FillHeader(tmhash.Sum([]byte("bad")))
	rs.Proposal = &Candidate{Block: block, Reason: "state_proof_hash mismatch"}
	rs.Step = RoundStepRejected

	_, err := rs.Votes.AddVote(signedVote(t, keys[0], 1, block.Hash, 100000, true))
	require.NoError(t, err)

	rec := MakeRoundRecord(rs)
	assert.Equal(t, "REJECTED", rec.Step)
	assert.EqualValues(t, 100000, rec.AgainstTally)
	assert.Zero(t, rec.Tally)
	assert.Len(t, rec.Votes, 1)
}
