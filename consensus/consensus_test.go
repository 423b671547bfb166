package consensus

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/tmhash"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"

	cfg "github.com/ainblockchain/ain-blockchain-sub002/config"
	cstypes "github.com/ainblockchain/ain-blockchain-sub002/consensus/types"
	"github.com/ainblockchain/ain-blockchain-sub002/evidence"
	"github.com/ainblockchain/ain-blockchain-sub002/mempool"
	sm "github.com/ainblockchain/ain-blockchain-sub002/state"
	"github.com/ainblockchain/ain-blockchain-sub002/store"
	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

const waitTimeout = 20 * time.Second

type cleanup func()

// testValidator is one validator key with its genesis stake.
type testValidator struct {
	key   types.PrivKey
	stake int64
}

func newValidators(stakes ...int64) []testValidator {
	vals := make([]testValidator, len(stakes))
	for i, stake := range stakes {
		vals[i] = testValidator{
			key:   types.GenPrivKeyFromSeed([]byte(fmt.Sprintf("validator-%d", i))),
			stake: stake,
		}
	}
	return vals
}

func newGenesisDoc(t *testing.T, epochMs int64, vals []testValidator) *types.GenesisDoc {
	genDoc := &types.GenesisDoc{
		GenesisTime:           time.Now().Round(time.Millisecond),
		ChainID:               "consensus-test",
		EpochMs:               epochMs,
		StakeLockupMs:         10000,
		LockupExtensionBaseMs: 1000,
	}
	for i, v := range vals {
		genDoc.Stakes = append(genDoc.Stakes, types.GenesisStake{
			Address: v.key.Address(),
			Amount:  v.stake,
			Name:    fmt.Sprintf("validator-%d", i),
		})
		genDoc.Accounts = append(genDoc.Accounts, types.GenesisAccount{Address: v.key.Address(), Balance: 1000})
	}
	require.NoError(t, genDoc.ValidateAndComplete())
	return genDoc
}

// testNode is the stack under one ConsensusState.
type testNode struct {
	kv      *store.KVStore
	mempool *mempool.ListMempool
	evpool  *evidence.Pool
	cs      *ConsensusState
}

func newConsensusState(t *testing.T, genDoc *types.GenesisDoc, privKey *types.PrivKey, logger log.Logger, options ...ConsensusOption) (*testNode, cleanup) {
	config := cfg.TestConfig()

	kv, err := store.NewKVStoreWithDB(memdb.NewDB(), logger, store.WithStakeLockupMs(genDoc.StakeLockupMs))
	require.NoError(t, err)
	mem := mempool.NewListMempool(config.Mempool, 0)
	mem.SetLogger(logger)
	evpool := evidence.NewPool()
	evpool.SetLogger(logger)

	valMgr := sm.NewValidatorSetManager(genDoc.MaxNumValidators)
	history := sm.NewValidatorHistory(kv)
	st, err := sm.LoadState(context.Background(), kv, genDoc, valMgr, history, logger)
	require.NoError(t, err)

	blockExec := sm.NewBlockExecutor(kv, mem, evpool, valMgr, history,
		sm.WithLockupPolicy(evidence.ExponentialLockupPolicy(genDoc.LockupExtensionBaseMs)))
	blockExec.SetLogger(logger)

	if privKey != nil {
		options = append([]ConsensusOption{SetPrivValidator(types.MockPV{PrivKey: *privKey})}, options...)
	}
	options = append(options, WithFatalHandler(func(err error) { t.Errorf("consensus failure: %v", err) }))
	cs := NewConsensusState(config.BFT, st, blockExec, evpool, options...)
	cs.SetLogger(logger)

	return &testNode{kv: kv, mempool: mem, evpool: evpool, cs: cs}, func() {
		if cs.IsRunning() {
			_ = cs.Stop()
		}
	}
}

func waitForHeight(t *testing.T, cs *ConsensusState, height int64) {
	require.Eventually(t, func() bool {
		return cs.GetState().LastBlockNumber >= height
	}, waitTimeout, 10*time.Millisecond, "height %d not reached", height)
}

func signedTransfer(t *testing.T, key types.PrivKey, nonce int64, to types.Address) *types.Tx {
	tx := &types.Tx{
		Nonce:     nonce,
		Timestamp: time.Now().UnixNano() / int64(time.Millisecond),
		GasPrice:  1,
		Operation: types.Operation{Type: types.OpTransfer, To: to, Value: 5},
	}
	require.NoError(t, tx.Sign(key))
	return tx
}

//-----------------------------------------------------------------------------

func TestProcessStatus(t *testing.T) {
	vals := newValidators(100000)
	genDoc := newGenesisDoc(t, 60000, vals)
	node, clean := newConsensusState(t, genDoc, &vals[0].key, log.TestingLogger())
	defer clean()
	cs := node.cs

	assert.Equal(t, StatusStarting, cs.Status())
	require.NoError(t, cs.Start())
	assert.Equal(t, StatusRunning, cs.Status())
	require.NoError(t, cs.Stop())
	assert.Equal(t, StatusStopped, cs.Status())
	assert.Contains(t, cs.Metric().JSONString(), `"status":"STOPPED"`)
}

func TestNoVoteUnlessRunning(t *testing.T) {
	vals := newValidators(100000)
	genDoc := newGenesisDoc(t, 60000, vals)
	node, clean := newConsensusState(t, genDoc, &vals[0].key, log.TestingLogger())
	defer clean()
	cs := node.cs

	cs.mtx.Lock()
	cs.enterNewRound(1, 0)
	block := types.MakeBlock(1, 0, cs.state.LastBlockHash, nil, nil, cs.Proposer, cs.state.NextValidators, cs.state.LastBlockTime)
	block.FillHeader(cs.state.LastStateProofHash)
	cs.signVote(&cstypes.Candidate{Block: block, Valid: true})
	cs.mtx.Unlock()

	assert.Len(t, cs.internalMsgQueue, 0, "a STARTING node must neither propose nor vote")
}

func TestSingleValidatorFinalizes(t *testing.T) {
	vals := newValidators(100000)
	alice := vals[0].key
	genDoc := newGenesisDoc(t, 60000, vals)
	node, clean := newConsensusState(t, genDoc, &alice, log.TestingLogger())
	defer clean()

	bob := types.GenPrivKeyFromSeed([]byte("bob")).Address()
	require.NoError(t, node.mempool.CheckTx(signedTransfer(t, alice, 0, bob), mempool.TxInfo{SenderID: mempool.UnknownPeerID}))

	require.NoError(t, node.cs.Start())
	waitForHeight(t, node.cs, 3)
	require.NoError(t, node.cs.Stop())

	block1, err := node.kv.LoadBlock(1)
	require.NoError(t, err)
	assert.Len(t, block1.Transactions, 1)
	assert.Empty(t, block1.LastVotes)

	block2, err := node.kv.LoadBlock(2)
	require.NoError(t, err)
	require.Len(t, block2.LastVotes, 1)
	assert.Equal(t, alice.Address(), block2.LastVotes[0].Address)
	assert.True(t, bytes.Equal(block2.LastVotes[0].BlockHash, block1.Hash))

	// block 1's gas goes to its only validator: half as proposer, the rest as voter
	bal, err := node.kv.RewardLedger(alice.Address())
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Unclaimed.Cmp(big.NewRat(store.GasTransfer, 1)), "got %v", bal.Unclaimed)

	recs := node.cs.RoundHistory().Get(1)
	require.NotEmpty(t, recs)
	assert.Equal(t, cstypes.RoundStepFinalized.String(), recs[len(recs)-1].Step)
	assert.EqualValues(t, 100000, recs[len(recs)-1].Tally)
}

// The only validator proposes an invalid block. It votes against its own
// proposal, the round is rejected, and the next proposal at the same height
// carries the evidence that gets recorded on commit.
func TestInvalidProposalRejectedAndRecorded(t *testing.T) {
	cases := []struct {
		name   string
		tamper func(block *types.Block)
	}{
		{"wrong state proof", func(block *types.Block) {
			block.FillHeader(tmhash.Sum([]byte("not the state")))
		}},
		{"tampered hash", func(block *types.Block) {
			block.Hash = tmhash.Sum([]byte("not the header"))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			testInvalidProposalRecorded(t, tc.tamper)
		})
	}
}

func testInvalidProposalRecorded(t *testing.T, tamper func(block *types.Block)) {
	vals := newValidators(100000)
	alice := vals[0].key
	genDoc := newGenesisDoc(t, 60000, vals)
	node, clean := newConsensusState(t, genDoc, &alice, log.TestingLogger())
	defer clean()
	cs := node.cs

	var badBlock *types.Block
	cs.decideProposal = func(height, epoch int64) {
		if badBlock != nil {
			cs.defaultDecideProposal(height, epoch)
			return
		}
		block, offenses, err := cs.blockExec.CreateProposalBlock(context.Background(), cs.state, epoch,
			alice.Address(), cs.lastVotes, cs.now())
		require.NoError(t, err)
		tamper(block)
		ptx := types.NewProposalTx(block, offenses, cs.now())
		require.NoError(t, types.SignProposal(alice, ptx))
		badBlock = block
		cs.sendInternalMessage(msgInfo{types.NewProposeMessage(block, ptx, cs.gate.Local()), ""})
	}

	require.NoError(t, cs.Start())
	waitForHeight(t, cs, 1)
	require.NoError(t, cs.Stop())

	recs := cs.RoundHistory().Get(1)
	require.Len(t, recs, 2)
	assert.Equal(t, cstypes.RoundStepRejected.String(), recs[0].Step)
	assert.True(t, bytes.Equal(recs[0].BlockHash, badBlock.Hash))
	assert.EqualValues(t, 100000, recs[0].AgainstTally)
	assert.Equal(t, cstypes.RoundStepFinalized.String(), recs[1].Step)
	assert.Equal(t, recs[0].Epoch+1, recs[1].Epoch)

	block1, err := node.kv.LoadBlock(1)
	require.NoError(t, err)
	assert.Equal(t, 1, block1.Evidence.Count())

	n, err := node.kv.OffenseRecord(alice.Address())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	evs, err := node.kv.Evidence(alice.Address())
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, types.InvalidProposal, evs[0].OffenseType)
	assert.True(t, bytes.Equal(evs[0].Block.Hash, badBlock.Hash))
	require.NotNil(t, evs[0].ProposalTx)
	assert.NoError(t, evs[0].ProposalTx.Describes(evs[0].Block))
	require.Len(t, evs[0].Votes, 1)
	assert.True(t, evs[0].Votes[0].IsAgainst)

	// the genesis stake had no lockup, so the extension starts at the block
	// that recorded the offense
	policy := evidence.ExponentialLockupPolicy(genDoc.LockupExtensionBaseMs)
	rec, err := node.kv.ReadStake(alice.Address())
	require.NoError(t, err)
	assert.Equal(t, block1.Timestamp+policy(1, 1), rec.ExpireAt)
	assert.Zero(t, node.evpool.Size())
}

func TestRoundAbandonedOnTimeout(t *testing.T) {
	// alice alone holds half the stake and can never finalize
	vals := newValidators(100000, 100000)
	genDoc := newGenesisDoc(t, 200, vals)
	node, clean := newConsensusState(t, genDoc, &vals[0].key, log.TestingLogger())
	defer clean()
	cs := node.cs

	require.NoError(t, cs.Start())
	require.Eventually(t, func() bool {
		for _, rec := range cs.RoundHistory().Get(1) {
			if rec.Step == cstypes.RoundStepAbandoned.String() {
				return true
			}
		}
		return false
	}, waitTimeout, 20*time.Millisecond)
	require.NoError(t, cs.Stop())

	assert.EqualValues(t, 0, cs.GetState().LastBlockNumber)
	recs := cs.RoundHistory().Get(1)
	for i := 1; i < len(recs); i++ {
		assert.Greater(t, recs[i].Epoch, recs[i-1].Epoch)
	}
	assert.Greater(t, cs.GetRoundRecord().Epoch, recs[0].Epoch)
}

func TestSetProposalChecks(t *testing.T) {
	vals := newValidators(100000, 100000)
	genDoc := newGenesisDoc(t, 60000, vals)
	node, clean := newConsensusState(t, genDoc, &vals[0].key, log.TestingLogger())
	defer clean()
	cs := node.cs

	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	cs.enterNewRound(1, 5)

	keyOf := func(addr types.Address) types.PrivKey {
		for _, v := range vals {
			if v.key.Address() == addr {
				return v.key
			}
		}
		t.Fatalf("no key for %v", addr)
		return types.PrivKey{}
	}
	var other types.PrivKey
	for _, v := range vals {
		if v.key.Address() != cs.Proposer {
			other = v.key
		}
	}

	res, err := node.kv.ApplyTransactions(context.Background(), cs.state.LastBlockNumber, nil)
	require.NoError(t, err)
	proposeAt := func(epoch int64, lastHash []byte, signer types.PrivKey, ts int64) *types.ProposeValue {
		block := types.MakeBlock(1, epoch, lastHash, nil, nil, signer.Address(), cs.state.NextValidators.Copy(), ts)
		block.FillHeader(res.StateProofHash)
		ptx := types.NewProposalTx(block, nil, cs.now())
		require.NoError(t, types.SignProposal(signer, ptx))
		return &types.ProposeValue{ProposalBlock: block, ProposalTx: ptx}
	}
	propose := func(epoch int64, lastHash []byte, signer types.PrivKey) *types.ProposeValue {
		return proposeAt(epoch, lastHash, signer, cs.state.LastBlockTime)
	}

	proposer := keyOf(cs.Proposer)
	assert.Error(t, cs.setProposal(propose(4, cs.state.LastBlockHash, proposer)), "stale epoch")
	assert.Error(t, cs.setProposal(propose(5, tmhash.Sum([]byte("fork")), proposer)), "wrong last_hash")
	assert.Error(t, cs.setProposal(propose(5, cs.state.LastBlockHash, other)), "not the proposer")

	mismatched := propose(5, cs.state.LastBlockHash, proposer)
	mismatched.ProposalTx.Number = 2
	assert.Error(t, cs.setProposal(mismatched), "proposal tx must describe the block")
	assert.Equal(t, cstypes.RoundStepAwaitingProposal, cs.Step)

	good := propose(5, cs.state.LastBlockHash, proposer)
	require.NoError(t, cs.setProposal(good))
	assert.Equal(t, cstypes.RoundStepCollectingVotes, cs.Step)
	require.NotNil(t, cs.Proposal)
	assert.True(t, cs.Proposal.Valid, cs.Proposal.Reason)

	// one proposal per round
	assert.Error(t, cs.setProposal(proposeAt(5, cs.state.LastBlockHash, proposer, cs.state.LastBlockTime+1)))
}

// An against-vote rejects a candidate for good: support arriving later, even
// a majority of it, must not finalize it.
func TestRejectedCandidateStaysRejected(t *testing.T) {
	vals := newValidators(100000, 100000, 100000)
	genDoc := newGenesisDoc(t, 60000, vals)
	node, clean := newConsensusState(t, genDoc, &vals[0].key, log.TestingLogger())
	defer clean()
	cs := node.cs

	cs.mtx.Lock()
	defer cs.mtx.Unlock()
	cs.enterNewRound(1, 5)

	var proposer types.PrivKey
	for _, v := range vals {
		if v.key.Address() == cs.Proposer {
			proposer = v.key
		}
	}
	res, err := node.kv.ApplyTransactions(context.Background(), cs.state.LastBlockNumber, nil)
	require.NoError(t, err)
	block := types.MakeBlock(1, 5, cs.state.LastBlockHash, nil, nil, proposer.Address(),
		cs.state.NextValidators.Copy(), cs.state.LastBlockTime)
	block.FillHeader(res.StateProofHash)
	ptx := types.NewProposalTx(block, nil, cs.now())
	require.NoError(t, types.SignProposal(proposer, ptx))
	require.NoError(t, cs.setProposal(&types.ProposeValue{ProposalBlock: block, ProposalTx: ptx}))
	cand := cs.Proposal
	require.True(t, cand.Valid, cand.Reason)

	vote := func(key types.PrivKey, against bool) {
		v := &types.Vote{Number: 1, BlockHash: block.Hash, Stake: 100000, Timestamp: cs.now()}
		if against {
			v.IsAgainst = true
			v.OffenseType = types.InvalidProposal
		}
		require.NoError(t, types.SignVote(key, v))
		_, err := cs.tryAddVote(v, "")
		require.NoError(t, err)
	}

	vote(vals[2].key, true)
	assert.True(t, cand.Rejected)
	assert.EqualValues(t, 6, cs.Epoch, "the height reopens at the next epoch")
	assert.Equal(t, cstypes.RoundStepAwaitingProposal, cs.Step)

	vote(vals[0].key, false)
	vote(vals[1].key, false)
	require.True(t, cs.Votes.HasMajority(block.Hash))
	// the against-voter changing its mind does not reopen the candidate
	vote(vals[2].key, false)

	assert.True(t, cand.Rejected)
	assert.EqualValues(t, 0, cs.state.LastBlockNumber, "a rejected candidate never finalizes")
	assert.Equal(t, cstypes.RoundStepAwaitingProposal, cs.Step)

	recs := cs.RoundHistory().Get(1)
	require.Len(t, recs, 1)
	assert.Equal(t, cstypes.RoundStepRejected.String(), recs[0].Step)
}
