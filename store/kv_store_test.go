package store

import (
	"context"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/tmhash"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"
	"github.com/tendermint/tm-db/memdb"

	"github.com/ainblockchain/ain-blockchain-sub002/state"
	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

var (
	alice = types.GenPrivKeyFromSeed([]byte("alice"))
	bob   = types.GenPrivKeyFromSeed([]byte("bob"))
)

func testGenesis() *types.GenesisDoc {
	return &types.GenesisDoc{
		GenesisTime: time.Unix(1600000000, 0),
		ChainID:     "test-chain",
		Stakes: []types.GenesisStake{
			{Address: alice.Address(), Amount: 100000, Name: "alice"},
		},
		Accounts: []types.GenesisAccount{
			{Address: alice.Address(), Balance: 1000},
			{Address: bob.Address(), Balance: 5},
		},
	}
}

// newGenesisStore returns a memdb store with block 0 committed.
func newGenesisStore(t *testing.T) (*KVStore, tmdb.DB) {
	db := memdb.NewDB()
	kv, err := NewKVStoreWithDB(db, log.TestingLogger())
	require.NoError(t, err)

	genDoc := testGenesis()
	require.NoError(t, genDoc.ValidateAndComplete())
	proof, err := kv.InitChain(context.Background(), genDoc)
	require.NoError(t, err)
	require.NotEmpty(t, proof)

	vals := types.Validators{alice.Address(): {Stake: 100000, ProposalRight: true}}
	genesis := types.MakeGenesisBlock(genDoc, vals, proof)
	_, err = kv.Commit(context.Background(), genesis)
	require.NoError(t, err)
	return kv, db
}

func signedTx(t *testing.T, key types.PrivKey, nonce int64, op types.Operation) *types.Tx {
	tx := &types.Tx{Nonce: nonce, Timestamp: 1600000001000, GasPrice: 1, Operation: op}
	require.NoError(t, tx.Sign(key))
	return tx
}

func transfer(to types.PrivKey, value int64) types.Operation {
	return types.Operation{Type: types.OpTransfer, To: to.Address(), Value: value}
}

func TestGenesisCommitKeepsInitProof(t *testing.T) {
	kv, _ := newGenesisStore(t)

	assert.EqualValues(t, 0, kv.Version())
	last, err := kv.LastBlock()
	require.NoError(t, err)
	assert.EqualValues(t, 0, last.Number)
	assert.Equal(t, kv.proof, last.StateProofHash)

	stakes, err := kv.StakingMap()
	require.NoError(t, err)
	assert.Equal(t, map[types.Address]types.StakeRecord{alice.Address(): {Amount: 100000}}, stakes)

	bal, err := kv.Balance(alice.Address())
	require.NoError(t, err)
	assert.EqualValues(t, 1000, bal)
}

func TestEmptyStore(t *testing.T) {
	kv, err := NewKVStoreWithDB(memdb.NewDB(), log.TestingLogger())
	require.NoError(t, err)

	last, err := kv.LastBlock()
	assert.NoError(t, err)
	assert.Nil(t, last)
	assert.EqualValues(t, -1, kv.Version())

	_, err = kv.LoadBlock(3)
	assert.Equal(t, state.ErrBlockNotFound, errors.Cause(err))
}

func TestApplyTransactions(t *testing.T) {
	kv, _ := newGenesisStore(t)
	ctx := context.Background()

	txs := types.Txs{
		signedTx(t, alice, 0, transfer(bob, 100)),
		signedTx(t, alice, 0, transfer(bob, 100)), // replayed nonce
		signedTx(t, bob, 0, transfer(alice, 500)), // bob cannot afford it
		signedTx(t, alice, 1, types.Operation{Type: types.OpStake, Value: 50}),
	}
	res, err := kv.ApplyTransactions(ctx, 0, txs)
	require.NoError(t, err)
	require.Len(t, res.TxResults, 4)

	assert.True(t, res.TxResults[0].Success)
	assert.EqualValues(t, GasTransfer, res.TxResults[0].GasUsed)
	assert.False(t, res.TxResults[1].Success)
	assert.Zero(t, res.TxResults[1].GasCost, "failed txs cost nothing")
	assert.False(t, res.TxResults[2].Success)
	assert.True(t, res.TxResults[3].Success)
	assert.EqualValues(t, GasTransfer+GasStake, res.GasCostTotal)
	assert.NotEqual(t, kv.proof, res.StateProofHash)

	// applying is a dry run
	bal, err := kv.Balance(alice.Address())
	require.NoError(t, err)
	assert.EqualValues(t, 1000, bal)

	again, err := kv.ApplyTransactions(ctx, 0, txs)
	require.NoError(t, err)
	assert.Equal(t, res.StateProofHash, again.StateProofHash, "execution is deterministic")

	empty, err := kv.ApplyTransactions(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, kv.proof, empty.StateProofHash)
	assert.Zero(t, empty.GasCostTotal)
}

func TestApplyTransactionsRejects(t *testing.T) {
	kv, _ := newGenesisStore(t)
	ctx := context.Background()

	_, err := kv.ApplyTransactions(ctx, 1, nil)
	assert.Equal(t, state.ErrStaleParentVersion, errors.Cause(err))

	forged := signedTx(t, alice, 0, transfer(bob, 1))
	forged.Operation.Value = 999
	_, err = kv.ApplyTransactions(ctx, 0, types.Txs{signedTx(t, alice, 0, transfer(bob, 1)), forged})
	assert.Error(t, err, "a bad signature fails the batch")
}

func TestCommit(t *testing.T) {
	kv, db := newGenesisStore(t)
	ctx := context.Background()
	genesis, err := kv.LoadBlock(0)
	require.NoError(t, err)

	txs := types.Txs{signedTx(t, alice, 0, transfer(bob, 100))}
	res, err := kv.ApplyTransactions(ctx, 0, txs)
	require.NoError(t, err)

	block := types.MakeBlock(1, 0, genesis.Hash, nil, txs, alice.Address(), genesis.Validators, genesis.Timestamp+1)

	block.FillHeader(tmhash.Sum([]byte("wrong")))
	_, err = kv.Commit(ctx, block)
	assert.Error(t, err, "proof mismatch")
	assert.EqualValues(t, 0, kv.Version())

	block.FillHeader(res.StateProofHash)
	committed, err := kv.Commit(ctx, block)
	require.NoError(t, err)
	assert.Equal(t, res, committed)
	assert.EqualValues(t, 1, kv.Version())

	bal, err := kv.Balance(bob.Address())
	require.NoError(t, err)
	assert.EqualValues(t, 105, bal)
	bal, err = kv.Balance(alice.Address())
	require.NoError(t, err)
	assert.EqualValues(t, 1000-100-GasTransfer, bal)
	nonce, err := kv.Nonce(alice.Address())
	require.NoError(t, err)
	assert.EqualValues(t, 1, nonce)

	stored, err := kv.LoadApplyResult(1)
	require.NoError(t, err)
	assert.Equal(t, res.GasCostTotal, stored.GasCostTotal)

	_, err = kv.Commit(ctx, block)
	assert.Error(t, err, "height already committed")

	// reopening restores the version and proof
	reopened, err := NewKVStoreWithDB(db, log.TestingLogger())
	require.NoError(t, err)
	assert.EqualValues(t, 1, reopened.Version())
	assert.Equal(t, res.StateProofHash, reopened.proof)
}

func TestUnstakeRespectsLockup(t *testing.T) {
	kv, _ := newGenesisStore(t)
	ctx := context.Background()

	// the genesis stake never expired
	res, err := kv.ApplyTransactions(ctx, 0, types.Txs{
		signedTx(t, alice, 0, types.Operation{Type: types.OpUnstake, Value: 10}),
	})
	require.NoError(t, err)
	assert.True(t, res.TxResults[0].Success)

	require.NoError(t, kv.ExtendStakeLockup(alice.Address(), time.Hour.Milliseconds()))
	res, err = kv.ApplyTransactions(ctx, 0, types.Txs{
		signedTx(t, alice, 0, types.Operation{Type: types.OpUnstake, Value: 10}),
	})
	require.NoError(t, err)
	assert.False(t, res.TxResults[0].Success)
	assert.Contains(t, res.TxResults[0].Error, ErrStakeLocked.Error())
}

func TestExtendStakeLockupSaturates(t *testing.T) {
	kv, _ := newGenesisStore(t)

	genesisMs := testGenesis().GenesisTimeMs()
	require.NoError(t, kv.ExtendStakeLockup(alice.Address(), 1000))
	rec, err := kv.ReadStake(alice.Address())
	require.NoError(t, err)
	assert.EqualValues(t, genesisMs+1000, rec.ExpireAt)

	require.NoError(t, kv.ExtendStakeLockup(alice.Address(), 500))
	rec, err = kv.ReadStake(alice.Address())
	require.NoError(t, err)
	assert.EqualValues(t, genesisMs+1500, rec.ExpireAt, "a running lockup is extended")
	assert.EqualValues(t, 100000, rec.Amount)

	require.NoError(t, kv.ExtendStakeLockup(alice.Address(), math.MaxInt64))
	rec, err = kv.ReadStake(alice.Address())
	require.NoError(t, err)
	assert.EqualValues(t, int64(math.MaxInt64), rec.ExpireAt)
}

func TestExtendStakeLockupLapsed(t *testing.T) {
	kv, _ := newGenesisStore(t)
	ctx := context.Background()
	genesis, err := kv.LoadBlock(0)
	require.NoError(t, err)

	require.NoError(t, kv.ExtendStakeLockup(alice.Address(), 1000))
	rec, err := kv.ReadStake(alice.Address())
	require.NoError(t, err)
	require.EqualValues(t, genesis.Timestamp+1000, rec.ExpireAt)

	// block 1 comes after the lockup ran out
	res, err := kv.ApplyTransactions(ctx, 0, nil)
	require.NoError(t, err)
	block := types.MakeBlock(1, 0, genesis.Hash, nil, nil, alice.Address(), genesis.Validators, genesis.Timestamp+5000)
	block.FillHeader(res.StateProofHash)
	_, err = kv.Commit(ctx, block)
	require.NoError(t, err)

	require.NoError(t, kv.ExtendStakeLockup(alice.Address(), 200))
	rec, err = kv.ReadStake(alice.Address())
	require.NoError(t, err)
	assert.EqualValues(t, block.Timestamp+200, rec.ExpireAt, "a lapsed lockup restarts from the last block time")

	require.NoError(t, kv.ExtendStakeLockup(alice.Address(), 300))
	rec, err = kv.ReadStake(alice.Address())
	require.NoError(t, err)
	assert.EqualValues(t, block.Timestamp+500, rec.ExpireAt, "a running lockup is extended from its expiry")
}

func TestBookkeepingStagesUntilCommit(t *testing.T) {
	kv, _ := newGenesisStore(t)
	addr := alice.Address()

	bk := kv.NewBookkeeping()
	require.NoError(t, bk.WriteRewardLedger(addr, big.NewRat(1, 2)))
	require.NoError(t, bk.WriteRewardLedger(addr, big.NewRat(1, 2)))
	require.NoError(t, bk.MarkRewarded(1))
	total, err := bk.WriteOffenseRecord(addr, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	total, err = bk.WriteOffenseRecord(addr, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total, "reads see staged writes")
	done, err := bk.Rewarded(1)
	require.NoError(t, err)
	assert.True(t, done)

	// nothing is visible before commit
	done, err = kv.Rewarded(1)
	require.NoError(t, err)
	assert.False(t, done)
	total, err = kv.OffenseRecord(addr)
	require.NoError(t, err)
	assert.Zero(t, total)

	require.NoError(t, bk.Commit())
	bal, err := kv.RewardLedger(addr)
	require.NoError(t, err)
	assert.Zero(t, bal.Cumulative.Cmp(big.NewRat(1, 1)))
	total, err = kv.OffenseRecord(addr)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Error(t, bk.Commit(), "a bookkeeping commits once")

	// a closed bookkeeping leaves no trace
	dropped := kv.NewBookkeeping()
	require.NoError(t, dropped.WriteRewardLedger(addr, big.NewRat(5, 1)))
	require.NoError(t, dropped.MarkRewarded(2))
	require.NoError(t, dropped.Close())
	require.NoError(t, dropped.Close())
	bal, err = kv.RewardLedger(addr)
	require.NoError(t, err)
	assert.Zero(t, bal.Cumulative.Cmp(big.NewRat(1, 1)))
	done, err = kv.Rewarded(2)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestLedgers(t *testing.T) {
	kv, _ := newGenesisStore(t)
	addr := alice.Address()

	require.NoError(t, kv.WriteRewardLedger(addr, big.NewRat(1, 3)))
	require.NoError(t, kv.WriteRewardLedger(addr, big.NewRat(2, 3)))
	bal, err := kv.RewardLedger(addr)
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Unclaimed.Cmp(big.NewRat(1, 1)))
	assert.Equal(t, 0, bal.Cumulative.Cmp(big.NewRat(1, 1)))

	empty, err := kv.RewardLedger(bob.Address())
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Cumulative.Sign())

	total, err := kv.WriteOffenseRecord(addr, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	total, err = kv.WriteOffenseRecord(addr, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	done, err := kv.Rewarded(7)
	require.NoError(t, err)
	assert.False(t, done)
	require.NoError(t, kv.MarkRewarded(7))
	done, err = kv.Rewarded(7)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestEvidence(t *testing.T) {
	kv, _ := newGenesisStore(t)
	genesis, err := kv.LoadBlock(0)
	require.NoError(t, err)

	bad := types.MakeBlock(1, 2, genesis.Hash, nil, nil, alice.Address(), genesis.Validators, genesis.Timestamp+1)
	bad.FillHeader(tmhash.Sum([]byte("bogus")))
	vote := &types.Vote{Number: 1, BlockHash: bad.Hash, Stake: 100000, IsAgainst: true,
		OffenseType: types.InvalidProposal, Timestamp: genesis.Timestamp + 2}
	require.NoError(t, types.SignVote(alice, vote))
	ev := &types.OffenseEvidence{OffenseType: types.InvalidProposal, Block: bad, Votes: types.Votes{vote}}

	seen, err := kv.HasEvidence(alice.Address(), bad.Hash)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, kv.AppendEvidence(alice.Address(), ev))
	seen, err = kv.HasEvidence(alice.Address(), bad.Hash)
	require.NoError(t, err)
	assert.True(t, seen)

	evs, err := kv.Evidence(alice.Address())
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, bad.Hash, evs[0].Block.Hash)
	assert.NoError(t, evs[0].Block.VerifyHash())

	evs, err = kv.Evidence(bob.Address())
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestValidatorsRoundTrip(t *testing.T) {
	kv, _ := newGenesisStore(t)
	vals := types.Validators{
		alice.Address(): {Stake: 10, ProposalRight: true},
		bob.Address():   {Stake: 20},
	}
	require.NoError(t, kv.SaveValidators(3, vals))
	got, err := kv.LoadValidators(3)
	require.NoError(t, err)
	assert.True(t, vals.Equal(got))

	_, err = kv.LoadValidators(4)
	assert.Error(t, err)
}

func TestSeenVotes(t *testing.T) {
	kv, _ := newGenesisStore(t)

	votes, err := kv.LoadSeenVotes(1)
	require.NoError(t, err)
	assert.Nil(t, votes)

	hash := tmhash.Sum([]byte("block 1"))
	for _, key := range []types.PrivKey{alice, bob} {
		vote := &types.Vote{Number: 1, BlockHash: hash, Stake: 10, Timestamp: 1600000002000}
		require.NoError(t, types.SignVote(key, vote))
		votes = append(votes, vote)
	}
	require.NoError(t, kv.SaveSeenVotes(1, votes))

	got, err := kv.LoadSeenVotes(1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, votes.Hash(), got.Hash())
	for _, vote := range got {
		assert.NoError(t, vote.ValidateBasic())
	}
}
