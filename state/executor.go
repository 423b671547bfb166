package state

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/ainblockchain/ain-blockchain-sub002/evidence"
	"github.com/ainblockchain/ain-blockchain-sub002/libs/metric"
	"github.com/ainblockchain/ain-blockchain-sub002/mempool"
	"github.com/ainblockchain/ain-blockchain-sub002/reward"
	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

const defaultMaxBlockTxsBytes = 1024 * 1024

// BlockExecutor builds, checks and commits blocks against the state store.
type BlockExecutor interface {
	// CreateProposalBlock packs the mempool's txs in arrival order, together
	// with the last votes and the pending evidence of the height, into a
	// sealed block proposed by proposer at epoch.
	CreateProposalBlock(ctx context.Context, state State, epoch int64, proposer types.Address,
		lastVotes types.Votes, nowMs int64) (*types.Block, types.OffenseSummary, error)

	// ValidateBlock returns nil, an ErrInvalidBlock, or a local error.
	ValidateBlock(ctx context.Context, state State, block *types.Block) error

	// ValidateProposal is ValidateBlock plus the check that the offense
	// summary of the signed proposal tx matches the evidence carried.
	ValidateProposal(ctx context.Context, state State, block *types.Block, ptx *types.ProposalTx) error

	// ApplyBlock commits a finalized block and returns the next state.
	ApplyBlock(ctx context.Context, state State, block *types.Block) (State, error)

	// FinishCommit re-runs the post-commit bookkeeping of the last block.
	// It is idempotent and is used on recovery.
	FinishCommit(ctx context.Context, state State) error

	Store() StateStore
	Validators() *ValidatorHistory

	SetLogger(logger log.Logger)
}

type BlockExecutorOption func(*blockExecutor)

func WithMaxBlockTxsBytes(n int64) BlockExecutorOption {
	return func(exec *blockExecutor) { exec.maxTxsBytes = n }
}

func WithLockupPolicy(policy evidence.LockupPolicy) BlockExecutorOption {
	return func(exec *blockExecutor) { exec.recorder = evidence.NewRecorder(policy) }
}

// WithTimers records apply and commit durations into timers.
func WithTimers(timers *metric.TimerItem) BlockExecutorOption {
	return func(exec *blockExecutor) { exec.timers = timers }
}

func NewBlockExecutor(
	store StateStore,
	mempool mempool.Mempool,
	evpool *evidence.Pool,
	valMgr *ValidatorSetManager,
	history *ValidatorHistory,
	options ...BlockExecutorOption,
) BlockExecutor {
	exec := &blockExecutor{
		store:       store,
		mempool:     mempool,
		evpool:      evpool,
		valMgr:      valMgr,
		history:     history,
		recorder:    evidence.NewRecorder(evidence.ExponentialLockupPolicy(evidence.DefaultLockupBaseMs)),
		distributor: reward.NewDistributor(),
		timers:      metric.NewTimerItem(),
		maxTxsBytes: defaultMaxBlockTxsBytes,
		logger:      log.NewNopLogger(),
	}
	for _, option := range options {
		option(exec)
	}
	return exec
}

type blockExecutor struct {
	store   StateStore
	mempool mempool.Mempool
	evpool  *evidence.Pool
	valMgr  *ValidatorSetManager
	history *ValidatorHistory

	recorder    *evidence.Recorder
	distributor *reward.Distributor

	timers      *metric.TimerItem
	maxTxsBytes int64

	logger log.Logger
}

func (exec *blockExecutor) SetLogger(logger log.Logger) {
	exec.logger = logger
	exec.recorder.SetLogger(logger)
	exec.distributor.SetLogger(logger)
	exec.history.SetLogger(logger)
}

func (exec *blockExecutor) Store() StateStore {
	return exec.store
}

func (exec *blockExecutor) Validators() *ValidatorHistory {
	return exec.history
}

// CreateProposalBlock implements BlockExecutor.
func (exec *blockExecutor) CreateProposalBlock(
	ctx context.Context,
	state State,
	epoch int64,
	proposer types.Address,
	lastVotes types.Votes,
	nowMs int64,
) (*types.Block, types.OffenseSummary, error) {
	txs := exec.mempool.ReapTxs(exec.maxTxsBytes)

	start := time.Now()
	res, err := exec.store.ApplyTransactions(ctx, state.LastBlockNumber, txs)
	if err != nil {
		return nil, nil, errors.Wrap(err, "apply proposal txs")
	}
	exec.timers.UpdateSince("apply_txs", start)

	if nowMs < state.LastBlockTime {
		nowMs = state.LastBlockTime
	}
	block := types.MakeBlock(state.Height(), epoch, state.LastBlockHash, lastVotes, txs,
		proposer, state.NextValidators.Copy(), nowMs)
	block.Evidence = exec.evpool.Pending(state.Height())
	block.FillHeader(res.StateProofHash)

	return block, evidence.Summarize(block.Evidence), nil
}

// ValidateProposal implements BlockExecutor.
func (exec *blockExecutor) ValidateProposal(ctx context.Context, state State, block *types.Block, ptx *types.ProposalTx) error {
	if !ptx.Offenses.Equal(evidence.Summarize(block.Evidence)) {
		return invalid("offense summary does not match the evidence carried")
	}
	return exec.ValidateBlock(ctx, state, block)
}

// ValidateBlock implements BlockExecutor.
func (exec *blockExecutor) ValidateBlock(ctx context.Context, state State, block *types.Block) error {
	if err := block.ValidateBasic(); err != nil {
		return ErrInvalidBlock{Err: err}
	}
	if err := block.VerifyHash(); err != nil {
		return ErrInvalidBlock{Err: err}
	}
	if block.Number != state.Height() {
		return invalid("wrong number: want %d, got %d", state.Height(), block.Number)
	}
	if !bytes.Equal(block.LastHash, state.LastBlockHash) {
		return invalid("wrong last_hash: want %X, got %X", []byte(state.LastBlockHash), []byte(block.LastHash))
	}
	if block.Timestamp < state.LastBlockTime {
		return invalid("timestamp %d before last block %d", block.Timestamp, state.LastBlockTime)
	}
	if !block.Validators.Equal(state.NextValidators) {
		return invalid("validators %v differ from the derived snapshot %v", block.Validators, state.NextValidators)
	}
	if !block.Validators.Has(block.Proposer) {
		return invalid("proposer %v is not a validator", block.Proposer)
	}
	if err := exec.validateLastVotes(state, block); err != nil {
		return err
	}
	if err := exec.validateEvidence(ctx, state, block); err != nil {
		return err
	}

	start := time.Now()
	res, err := exec.store.ApplyTransactions(ctx, state.LastBlockNumber, block.Transactions)
	if err != nil {
		if errors.Cause(err) == ErrStaleParentVersion || ctx.Err() != nil {
			return err
		}
		return ErrInvalidBlock{Err: errors.Wrap(err, "replay")}
	}
	exec.timers.UpdateSince("apply_txs", start)
	if !bytes.Equal(res.StateProofHash, block.StateProofHash) {
		return invalid("state_proof_hash mismatch: replay %X, block %X",
			[]byte(res.StateProofHash), []byte(block.StateProofHash))
	}
	return nil
}

// validateLastVotes checks the votes that finalized the parent. Block 1
// carries none, as the genesis block is final by construction.
func (exec *blockExecutor) validateLastVotes(state State, block *types.Block) error {
	if block.Number == 1 {
		if len(block.LastVotes) != 0 {
			return invalid("block 1 carries %d last votes", len(block.LastVotes))
		}
		return nil
	}

	var prev types.Address
	for i, vote := range block.LastVotes {
		if i > 0 && vote.Address <= prev {
			return invalid("last votes not in strict address order at #%d", i)
		}
		prev = vote.Address
		if vote.IsAgainst {
			return invalid("last vote from %v is an against-vote", vote.Address)
		}
		if vote.Number != state.LastBlockNumber || !bytes.Equal(vote.BlockHash, state.LastBlockHash) {
			return invalid("last vote from %v is not for the parent block", vote.Address)
		}
		info, ok := state.LastValidators.Get(vote.Address)
		if !ok || info.Stake != vote.Stake {
			return invalid("last vote from %v does not match the parent snapshot", vote.Address)
		}
		if err := vote.ValidateBasic(); err != nil {
			return ErrInvalidBlock{Err: errors.Wrapf(err, "last vote from %v", vote.Address)}
		}
	}
	if !types.HasMajority(block.LastVotes.TotalStake(), state.LastValidators.TotalStake()) {
		return invalid("last votes carry %d of %d stake", block.LastVotes.TotalStake(), state.LastValidators.TotalStake())
	}
	return nil
}

// validateEvidence checks the records proving offenses in earlier epochs of
// this height. A record proves an offense only if the offender signed the
// proposal of the evidence block and that block fails validation against
// the same parent state.
func (exec *blockExecutor) validateEvidence(ctx context.Context, state State, block *types.Block) error {
	for addr, evs := range block.Evidence {
		for _, ev := range evs {
			if err := ev.ValidateBasic(); err != nil {
				return ErrInvalidBlock{Err: errors.Wrap(err, "evidence")}
			}
			if ev.Offender() != addr {
				return invalid("evidence listed under %v names offender %v", addr, ev.Offender())
			}
			eb := ev.Block
			if eb.Number != block.Number || eb.Epoch >= block.Epoch {
				return invalid("evidence block #%d/%d is not an earlier round of #%d/%d",
					eb.Number, eb.Epoch, block.Number, block.Epoch)
			}
			if err := evidence.Verify(ev, state.NextValidators); err != nil {
				return ErrInvalidBlock{Err: err}
			}
			err := exec.ValidateProposal(ctx, state, eb, ev.ProposalTx)
			switch {
			case err == nil:
				return invalid("evidence block %X is valid", []byte(eb.Hash))
			case !IsInvalidBlock(err):
				return errors.Wrap(err, "re-validate evidence block")
			}
			exec.logger.Debug("evidence block is invalid", "block", eb.Hash, "reason", err)
		}
	}
	return nil
}

// ApplyBlock implements BlockExecutor. The block must already be finalized:
// a commit failure here is a local resource failure.
func (exec *blockExecutor) ApplyBlock(ctx context.Context, state State, block *types.Block) (State, error) {
	if block.Number != state.Height() || !bytes.Equal(block.LastHash, state.LastBlockHash) {
		return state, errors.Errorf("block #%d does not extend #%d", block.Number, state.LastBlockNumber)
	}

	start := time.Now()
	res, err := exec.store.Commit(ctx, block)
	if err != nil {
		return state, errors.Wrapf(err, "commit block %d", block.Number)
	}
	exec.timers.UpdateSince("commit", start)

	if err := exec.history.Record(block.Number, block.Validators); err != nil {
		return state, err
	}

	stakes, err := exec.store.StakingMap()
	if err != nil {
		return state, errors.Wrap(err, "read staking map")
	}
	next := state.Copy()
	next.LastBlockNumber = block.Number
	next.LastBlockHash = block.Hash
	next.LastBlockTime = block.Timestamp
	next.LastEpoch = block.Epoch
	next.LastProposer = block.Proposer
	next.LastStateProofHash = block.StateProofHash
	next.LastGasCostTotal = res.GasCostTotal
	next.LastValidators = block.Validators.Copy()
	next.NextValidators = exec.valMgr.Next(stakes, block.Validators)

	if err := exec.finishCommit(ctx, state, block); err != nil {
		return next, err
	}

	exec.mempool.Lock()
	err = exec.mempool.Update(block.Number, block.Transactions)
	exec.mempool.Unlock()
	if err != nil {
		return next, errors.Wrap(err, "update mempool")
	}
	exec.evpool.Update(block.Number)

	exec.logger.Info("committed block", "height", block.Number, "epoch", block.Epoch,
		"hash", block.Hash, "txs", len(block.Transactions), "gas", res.GasCostTotal)
	return next, nil
}

// finishCommit distributes the parent's rewards, now that block carries the
// votes that finalized it, and records the evidence block carries. Both
// land in one bookkeeping batch, so a crash leaves either all of it or none.
func (exec *blockExecutor) finishCommit(ctx context.Context, parent State, block *types.Block) error {
	bk := exec.store.NewBookkeeping()
	defer bk.Close()

	if block.Number > 1 {
		if _, err := exec.distributor.Distribute(ctx, bk, parent.LastBlockNumber, parent.LastProposer,
			block.LastVotes, parent.LastGasCostTotal); err != nil {
			return errors.Wrapf(err, "distribute rewards of %d", parent.LastBlockNumber)
		}
	}
	if _, err := exec.recorder.Record(ctx, bk, block.Number, block.Evidence); err != nil {
		return errors.Wrapf(err, "record evidence of %d", block.Number)
	}
	return errors.Wrapf(bk.Commit(), "bookkeeping of %d", block.Number)
}

// FinishCommit implements BlockExecutor.
func (exec *blockExecutor) FinishCommit(ctx context.Context, state State) error {
	if state.LastBlockNumber == 0 {
		return nil
	}
	block, err := exec.store.LoadBlock(state.LastBlockNumber)
	if err != nil {
		return err
	}
	parentBlock, err := exec.store.LoadBlock(state.LastBlockNumber - 1)
	if err != nil {
		return err
	}
	parentRes, err := exec.store.LoadApplyResult(state.LastBlockNumber - 1)
	if err != nil {
		return err
	}
	parent := State{
		LastBlockNumber:  parentBlock.Number,
		LastProposer:     parentBlock.Proposer,
		LastGasCostTotal: parentRes.GasCostTotal,
	}
	return exec.finishCommit(ctx, parent, block)
}
