package state_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/crypto/tmhash"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"
	"github.com/tendermint/tm-db/memdb"

	"github.com/ainblockchain/ain-blockchain-sub002/evidence"
	"github.com/ainblockchain/ain-blockchain-sub002/mempool"
	sm "github.com/ainblockchain/ain-blockchain-sub002/state"
	"github.com/ainblockchain/ain-blockchain-sub002/store"
	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

var (
	alice = types.GenPrivKeyFromSeed([]byte("alice"))
	bob   = types.GenPrivKeyFromSeed([]byte("bob"))
)

type testNode struct {
	db      tmdb.DB
	kv      *store.KVStore
	mem     *mempool.ListMempool
	evpool  *evidence.Pool
	exec    sm.BlockExecutor
	genDoc  *types.GenesisDoc
	valMgr  *sm.ValidatorSetManager
	history *sm.ValidatorHistory
}

func genesisDoc(t *testing.T) *types.GenesisDoc {
	genDoc := &types.GenesisDoc{
		GenesisTime: time.Unix(1600000000, 0),
		ChainID:     "executor-test",
		Stakes:      []types.GenesisStake{{Address: alice.Address(), Amount: 100000}},
		Accounts:    []types.GenesisAccount{{Address: alice.Address(), Balance: 1000}},
	}
	require.NoError(t, genDoc.ValidateAndComplete())
	return genDoc
}

func newTestNode(t *testing.T, db tmdb.DB) *testNode {
	kv, err := store.NewKVStoreWithDB(db, log.TestingLogger())
	require.NoError(t, err)
	n := &testNode{
		db:     db,
		kv:     kv,
		mem:    mempool.NewListMempool(cfg.TestConfig().Mempool, 0),
		evpool: evidence.NewPool(),
		genDoc: genesisDoc(t),
		valMgr: sm.NewValidatorSetManager(types.DefaultMaxNumValidators),
	}
	n.history = sm.NewValidatorHistory(kv)
	n.exec = sm.NewBlockExecutor(kv, n.mem, n.evpool, n.valMgr, n.history,
		sm.WithLockupPolicy(evidence.ExponentialLockupPolicy(1000)))
	n.exec.SetLogger(log.TestingLogger())
	return n
}

func (n *testNode) loadState(t *testing.T) sm.State {
	st, err := sm.LoadState(context.Background(), n.kv, n.genDoc, n.valMgr, n.history, log.TestingLogger())
	require.NoError(t, err)
	return st
}

func supportVote(t *testing.T, key types.PrivKey, b *types.Block, stake int64) *types.Vote {
	vote := &types.Vote{Number: b.Number, BlockHash: b.Hash, Stake: stake, Timestamp: b.Timestamp + 1}
	require.NoError(t, types.SignVote(key, vote))
	return vote
}

// commitNext proposes, validates and applies the next block.
func (n *testNode) commitNext(t *testing.T, st sm.State, epoch int64, lastVotes types.Votes) (sm.State, *types.Block) {
	ctx := context.Background()
	block, _, err := n.exec.CreateProposalBlock(ctx, st, epoch, alice.Address(), lastVotes, st.EpochStart(epoch))
	require.NoError(t, err)
	require.NoError(t, n.exec.ValidateBlock(ctx, st, block))
	next, err := n.exec.ApplyBlock(ctx, st, block)
	require.NoError(t, err)
	return next, block
}

func TestLoadStateGenesis(t *testing.T) {
	n := newTestNode(t, memdb.NewDB())
	st := n.loadState(t)

	assert.EqualValues(t, 0, st.LastBlockNumber)
	assert.EqualValues(t, 1, st.Height())
	assert.Equal(t, n.genDoc.GenesisTimeMs(), st.GenesisTime)
	want := types.Validators{alice.Address(): {Stake: 100000, ProposalRight: true}}
	assert.True(t, want.Equal(st.LastValidators))
	assert.True(t, want.Equal(st.NextValidators))

	vals, err := n.history.At(0)
	require.NoError(t, err)
	assert.True(t, want.Equal(vals))
}

func TestApplyBlocksAndRewards(t *testing.T) {
	n := newTestNode(t, memdb.NewDB())
	st0 := n.loadState(t)

	tx := &types.Tx{Nonce: 0, Timestamp: 1600000000500, GasPrice: 1,
		Operation: types.Operation{Type: types.OpTransfer, To: bob.Address(), Value: 100}}
	require.NoError(t, tx.Sign(alice))
	require.NoError(t, n.mem.CheckTx(tx, mempool.TxInfo{}))

	st1, b1 := n.commitNext(t, st0, 1, nil)
	assert.Len(t, b1.Transactions, 1)
	assert.EqualValues(t, 1, st1.LastBlockNumber)
	assert.EqualValues(t, store.GasTransfer, st1.LastGasCostTotal)
	assert.Zero(t, n.mem.Size(), "committed txs leave the mempool")

	// block 1 is rewarded once block 2 carries the votes that finalized it
	bal, err := n.kv.RewardLedger(alice.Address())
	require.NoError(t, err)
	assert.Zero(t, bal.Cumulative.Sign())

	st2, b2 := n.commitNext(t, st1, 2, types.Votes{supportVote(t, alice, b1, 100000)})
	assert.Equal(t, b1.Hash, b2.LastHash)

	bal, err = n.kv.RewardLedger(alice.Address())
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Cumulative.Cmp(big.NewRat(store.GasTransfer, 1)), "proposer half plus the whole voter pool")

	// replay from the same database ends at the same state
	replayed := newTestNode(t, n.db)
	st := replayed.loadState(t)
	assert.Equal(t, st2, st)

	// finishing the last commit again changes nothing
	require.NoError(t, replayed.exec.FinishCommit(context.Background(), st))
	bal, err = replayed.kv.RewardLedger(alice.Address())
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Cumulative.Cmp(big.NewRat(store.GasTransfer, 1)))
}

func TestValidateBlockRejects(t *testing.T) {
	n := newTestNode(t, memdb.NewDB())
	ctx := context.Background()
	st1, b1 := n.commitNext(t, n.loadState(t), 1, nil)
	votes := types.Votes{supportVote(t, alice, b1, 100000)}

	propose := func(lastVotes types.Votes) *types.Block {
		block, _, err := n.exec.CreateProposalBlock(ctx, st1, 2, alice.Address(), lastVotes, st1.EpochStart(2))
		require.NoError(t, err)
		return block
	}
	reseal := func(b *types.Block) *types.Block {
		b.FillHeader(b.StateProofHash)
		return b
	}

	cases := []struct {
		name  string
		block func() *types.Block
	}{
		{"tampered hash", func() *types.Block {
			b := propose(votes)
			b.Hash = tmhash.Sum([]byte("x"))
			return b
		}},
		{"wrong number", func() *types.Block {
			b := propose(votes)
			b.Number = 3
			return reseal(b)
		}},
		{"wrong last hash", func() *types.Block {
			b := propose(votes)
			b.LastHash = tmhash.Sum([]byte("fork"))
			return reseal(b)
		}},
		{"foreign validators", func() *types.Block {
			b := propose(votes)
			b.Validators = types.Validators{bob.Address(): {Stake: 100000, ProposalRight: true}}
			b.Proposer = bob.Address()
			return reseal(b)
		}},
		{"no last votes", func() *types.Block { return propose(nil) }},
		{"against last vote", func() *types.Block {
			v := &types.Vote{Number: 1, BlockHash: b1.Hash, Stake: 100000, IsAgainst: true,
				OffenseType: types.InvalidProposal, Timestamp: 1}
			require.NoError(t, types.SignVote(alice, v))
			return propose(types.Votes{v})
		}},
		{"wrong state proof", func() *types.Block {
			b := propose(votes)
			b.FillHeader(tmhash.Sum([]byte("y")))
			return b
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := n.exec.ValidateBlock(ctx, st1, tc.block())
			require.Error(t, err)
			assert.True(t, sm.IsInvalidBlock(err), "got %v", err)
		})
	}

	valid := propose(votes)
	require.NoError(t, n.exec.ValidateBlock(ctx, st1, valid))

	// once the store has moved past st1, validation fails locally
	_, err := n.exec.ApplyBlock(ctx, st1, valid)
	require.NoError(t, err)
	err = n.exec.ValidateBlock(ctx, st1, valid)
	require.Error(t, err)
	assert.False(t, sm.IsInvalidBlock(err))
	assert.Equal(t, sm.ErrStaleParentVersion, errors.Cause(err))
}

// signedEvidence is what a node captures for a candidate it voted against:
// the block, the proposal tx its proposer signed and the against-votes.
func signedEvidence(t *testing.T, proposer types.PrivKey, block *types.Block, voters ...types.PrivKey) *types.OffenseEvidence {
	ptx := types.NewProposalTx(block, nil, block.Timestamp)
	require.NoError(t, types.SignProposal(proposer, ptx))
	ev := &types.OffenseEvidence{OffenseType: types.InvalidProposal, Block: block,
		Transactions: block.Transactions, ProposalTx: ptx}
	for _, key := range voters {
		against := &types.Vote{Number: block.Number, BlockHash: block.Hash, Stake: 100000, IsAgainst: true,
			OffenseType: types.InvalidProposal, Timestamp: block.Timestamp + 1}
		require.NoError(t, types.SignVote(key, against))
		ev.Votes = append(ev.Votes, against)
	}
	return ev
}

// A lone validator rejects its own bad proposal; the next proposal at the
// same height carries the evidence and the offense is recorded on commit.
func TestEvidenceRecordedOnCommit(t *testing.T) {
	for name, tamper := range map[string]func(b *types.Block){
		"wrong state proof": func(b *types.Block) { b.FillHeader(tmhash.Sum([]byte("bogus"))) },
		"tampered hash":     func(b *types.Block) { b.Hash = tmhash.Sum([]byte("bogus")) },
	} {
		tamper := tamper
		t.Run(name, func(t *testing.T) {
			n := newTestNode(t, memdb.NewDB())
			ctx := context.Background()
			st1, b1 := n.commitNext(t, n.loadState(t), 1, nil)
			votes := types.Votes{supportVote(t, alice, b1, 100000)}

			bad, _, err := n.exec.CreateProposalBlock(ctx, st1, 2, alice.Address(), votes, st1.EpochStart(2))
			require.NoError(t, err)
			tamper(bad)
			require.True(t, sm.IsInvalidBlock(n.exec.ValidateBlock(ctx, st1, bad)))

			added, err := n.evpool.Add(signedEvidence(t, alice, bad, alice))
			require.NoError(t, err)
			require.True(t, added)

			sameEpoch, _, err := n.exec.CreateProposalBlock(ctx, st1, 2, alice.Address(), votes, st1.EpochStart(2))
			require.NoError(t, err)
			assert.True(t, sm.IsInvalidBlock(n.exec.ValidateBlock(ctx, st1, sameEpoch)),
				"evidence must come from an earlier epoch")

			block, summary, err := n.exec.CreateProposalBlock(ctx, st1, 3, alice.Address(), votes, st1.EpochStart(3))
			require.NoError(t, err)
			assert.EqualValues(t, 1, summary[alice.Address()][types.InvalidProposal])
			require.Len(t, block.Evidence[alice.Address()], 1)
			require.NoError(t, n.exec.ValidateBlock(ctx, st1, block))

			_, err = n.exec.ApplyBlock(ctx, st1, block)
			require.NoError(t, err)

			total, err := n.kv.OffenseRecord(alice.Address())
			require.NoError(t, err)
			assert.EqualValues(t, 1, total)
			evs, err := n.kv.Evidence(alice.Address())
			require.NoError(t, err)
			require.Len(t, evs, 1)
			assert.Equal(t, bad.Hash, evs[0].Block.Hash)

			// the genesis stake has no lockup, so it starts at the recording block
			after, err := n.kv.ReadStake(alice.Address())
			require.NoError(t, err)
			assert.Equal(t, block.Timestamp+evidence.ExponentialLockupPolicy(1000)(1, 1), after.ExpireAt)
			assert.Zero(t, n.evpool.Size())
		})
	}
}

// Evidence is only as good as the invalidity it claims: against-votes on a
// valid block, or a proposal tx the offender never signed, make the carrying
// block invalid.
func TestForgedEvidenceRejected(t *testing.T) {
	n := newTestNode(t, memdb.NewDB())
	ctx := context.Background()
	st1, b1 := n.commitNext(t, n.loadState(t), 1, nil)
	votes := types.Votes{supportVote(t, alice, b1, 100000)}

	valid, _, err := n.exec.CreateProposalBlock(ctx, st1, 2, alice.Address(), votes, st1.EpochStart(2))
	require.NoError(t, err)
	require.NoError(t, n.exec.ValidateBlock(ctx, st1, valid))

	bad, _, err := n.exec.CreateProposalBlock(ctx, st1, 2, alice.Address(), votes, st1.EpochStart(2))
	require.NoError(t, err)
	bad.Hash = tmhash.Sum([]byte("bogus"))

	carrying := func(ev *types.OffenseEvidence) *types.Block {
		block, _, err := n.exec.CreateProposalBlock(ctx, st1, 3, alice.Address(), votes, st1.EpochStart(3))
		require.NoError(t, err)
		block.Evidence = evidence.Group([]*types.OffenseEvidence{ev})
		return block
	}

	err = n.exec.ValidateBlock(ctx, st1, carrying(signedEvidence(t, alice, valid, alice)))
	require.Error(t, err)
	assert.True(t, sm.IsInvalidBlock(err), "got %v", err)

	err = n.exec.ValidateBlock(ctx, st1, carrying(signedEvidence(t, bob, bad, alice)))
	require.Error(t, err)
	assert.True(t, sm.IsInvalidBlock(err), "the proposal tx is not the offender's")

	unsigned := signedEvidence(t, alice, bad, alice)
	unsigned.ProposalTx = nil
	err = n.exec.ValidateBlock(ctx, st1, carrying(unsigned))
	require.Error(t, err)
	assert.True(t, sm.IsInvalidBlock(err))

	require.NoError(t, n.exec.ValidateBlock(ctx, st1, carrying(signedEvidence(t, alice, bad, alice))))
}

// failingStore loses the first bookkeeping batch, as a crash between the
// block commit and its bookkeeping would.
type failingStore struct {
	sm.StateStore
	failures int
}

func (s *failingStore) NewBookkeeping() sm.Bookkeeping {
	return &failingBookkeeping{Bookkeeping: s.StateStore.NewBookkeeping(), store: s}
}

type failingBookkeeping struct {
	sm.Bookkeeping
	store *failingStore
}

func (bk *failingBookkeeping) Commit() error {
	if bk.store.failures > 0 {
		bk.store.failures--
		return errors.New("disk full")
	}
	return bk.Bookkeeping.Commit()
}

func TestBookkeepingIsAllOrNothing(t *testing.T) {
	db := memdb.NewDB()
	n := newTestNode(t, db)
	ctx := context.Background()

	tx := &types.Tx{Nonce: 0, Timestamp: 1600000000500, GasPrice: 1,
		Operation: types.Operation{Type: types.OpTransfer, To: bob.Address(), Value: 100}}
	require.NoError(t, tx.Sign(alice))
	require.NoError(t, n.mem.CheckTx(tx, mempool.TxInfo{}))
	st1, b1 := n.commitNext(t, n.loadState(t), 1, nil)
	votes := types.Votes{supportVote(t, alice, b1, 100000)}

	bad, _, err := n.exec.CreateProposalBlock(ctx, st1, 2, alice.Address(), votes, st1.EpochStart(2))
	require.NoError(t, err)
	bad.Hash = tmhash.Sum([]byte("bogus"))
	_, err = n.evpool.Add(signedEvidence(t, alice, bad, alice))
	require.NoError(t, err)

	// block 2 rewards block 1 and records an offense, and its bookkeeping
	// is lost
	crashing := &failingStore{StateStore: n.kv, failures: 1}
	exec := sm.NewBlockExecutor(crashing, n.mem, n.evpool, n.valMgr, n.history,
		sm.WithLockupPolicy(evidence.ExponentialLockupPolicy(1000)))
	exec.SetLogger(log.TestingLogger())
	block, _, err := exec.CreateProposalBlock(ctx, st1, 3, alice.Address(), votes, st1.EpochStart(3))
	require.NoError(t, err)
	require.NoError(t, exec.ValidateBlock(ctx, st1, block))
	_, err = exec.ApplyBlock(ctx, st1, block)
	require.Error(t, err)

	assertBookkeeping := func(kv *store.KVStore, reward *big.Rat, offenses int64, expireAt int64) {
		t.Helper()
		bal, err := kv.RewardLedger(alice.Address())
		require.NoError(t, err)
		assert.Zero(t, bal.Cumulative.Cmp(reward), "reward %v", bal.Cumulative)
		done, err := kv.Rewarded(1)
		require.NoError(t, err)
		assert.Equal(t, reward.Sign() > 0, done)
		total, err := kv.OffenseRecord(alice.Address())
		require.NoError(t, err)
		assert.Equal(t, offenses, total)
		rec, err := kv.ReadStake(alice.Address())
		require.NoError(t, err)
		assert.Equal(t, expireAt, rec.ExpireAt)
	}
	assertBookkeeping(n.kv, new(big.Rat), 0, 0)

	// recovery replays it once, and replaying again changes nothing
	restarted := newTestNode(t, db)
	st := restarted.loadState(t)
	require.EqualValues(t, 2, st.LastBlockNumber)
	full := big.NewRat(store.GasTransfer, 1)
	expireAt := block.Timestamp + evidence.ExponentialLockupPolicy(1000)(1, 1)
	for i := 0; i < 2; i++ {
		require.NoError(t, restarted.exec.FinishCommit(ctx, st))
		assertBookkeeping(restarted.kv, full, 1, expireAt)
	}
}
