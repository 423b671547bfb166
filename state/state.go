package state

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

// State is the chain state right after the last finalized block. It is a
// value; every commit produces a new one.
type State struct {
	ChainID           string
	GenesisTime       int64 // unix ms
	EpochMs           int64
	ConsensusProtoVer string

	LastBlockNumber    int64
	LastBlockHash      tmbytes.HexBytes
	LastBlockTime      int64
	LastEpoch          int64
	LastProposer       types.Address
	LastStateProofHash tmbytes.HexBytes
	LastGasCostTotal   int64

	// LastValidators is the snapshot of the last block: votes finalizing it
	// were counted against it.
	LastValidators types.Validators
	// NextValidators is the snapshot the next block must carry.
	NextValidators types.Validators
}

// Copy makes a copy of the State for mutating.
func (state State) Copy() State {
	cpy := state
	cpy.LastBlockHash = append(tmbytes.HexBytes(nil), state.LastBlockHash...)
	cpy.LastStateProofHash = append(tmbytes.HexBytes(nil), state.LastStateProofHash...)
	cpy.LastValidators = state.LastValidators.Copy()
	cpy.NextValidators = state.NextValidators.Copy()
	return cpy
}

func (state State) IsEmpty() bool {
	return state.ChainID == ""
}

// Height is the height of the block being agreed on.
func (state State) Height() int64 {
	return state.LastBlockNumber + 1
}

// EpochAt maps a wall-clock time (unix ms) to its epoch.
func (state State) EpochAt(nowMs int64) int64 {
	if state.EpochMs <= 0 || nowMs <= state.GenesisTime {
		return 0
	}
	return (nowMs - state.GenesisTime) / state.EpochMs
}

// EpochStart is the wall-clock start (unix ms) of epoch.
func (state State) EpochStart(epoch int64) int64 {
	return state.GenesisTime + epoch*state.EpochMs
}

func (state State) String() string {
	return fmt.Sprintf("State{%s #%d %X epoch:%d vals:%d next:%d}",
		state.ChainID, state.LastBlockNumber, []byte(state.LastBlockHash), state.LastEpoch,
		state.LastValidators.Size(), state.NextValidators.Size())
}

func newStateFromBlock(genDoc *types.GenesisDoc, block *types.Block, gasCostTotal int64, next types.Validators) State {
	return State{
		ChainID:            genDoc.ChainID,
		GenesisTime:        genDoc.GenesisTimeMs(),
		EpochMs:            genDoc.EpochMs,
		ConsensusProtoVer:  genDoc.ConsensusProtoVer,
		LastBlockNumber:    block.Number,
		LastBlockHash:      block.Hash,
		LastBlockTime:      block.Timestamp,
		LastEpoch:          block.Epoch,
		LastProposer:       block.Proposer,
		LastStateProofHash: block.StateProofHash,
		LastGasCostTotal:   gasCostTotal,
		LastValidators:     block.Validators.Copy(),
		NextValidators:     next,
	}
}

// LoadState brings the node to the last finalized block. On an empty store
// it seeds the genesis state and commits block 0. Otherwise it replays the
// persisted chain, checking hash linkage and integrity, and rebuilds the
// validator history so no vote is ever tallied against a stale snapshot.
func LoadState(
	ctx context.Context,
	store StateStore,
	genDoc *types.GenesisDoc,
	valMgr *ValidatorSetManager,
	history *ValidatorHistory,
	logger log.Logger,
) (State, error) {
	last, err := store.LastBlock()
	if err != nil {
		return State{}, errors.Wrap(err, "load last block")
	}
	if last == nil {
		return initGenesis(ctx, store, genDoc, valMgr, history, logger)
	}

	var prev *types.Block
	for h := int64(0); h <= last.Number; h++ {
		if err := ctx.Err(); err != nil {
			return State{}, err
		}
		block, err := store.LoadBlock(h)
		if err != nil {
			return State{}, errors.Wrapf(err, "load block %d", h)
		}
		if block.Number != h {
			return State{}, fmt.Errorf("block stored at %d claims number %d", h, block.Number)
		}
		if err := block.VerifyHash(); err != nil {
			return State{}, errors.Wrapf(err, "block %d", h)
		}
		if prev != nil && !bytes.Equal(block.LastHash, prev.Hash) {
			return State{}, fmt.Errorf("block %d last_hash %X does not link to %X", h, []byte(block.LastHash), []byte(prev.Hash))
		}
		if err := history.Record(h, block.Validators); err != nil {
			return State{}, err
		}
		prev = block
	}
	if !bytes.Equal(prev.Hash, last.Hash) {
		return State{}, fmt.Errorf("replayed head %X differs from stored head %X", []byte(prev.Hash), []byte(last.Hash))
	}

	res, err := store.LoadApplyResult(last.Number)
	if err != nil {
		return State{}, errors.Wrapf(err, "load apply result %d", last.Number)
	}
	stakes, err := store.StakingMap()
	if err != nil {
		return State{}, errors.Wrap(err, "read staking map")
	}
	state := newStateFromBlock(genDoc, last, res.GasCostTotal, valMgr.Next(stakes, last.Validators))
	logger.Info("replayed finalized chain", "height", last.Number, "hash", last.Hash)
	return state, nil
}

func initGenesis(
	ctx context.Context,
	store StateStore,
	genDoc *types.GenesisDoc,
	valMgr *ValidatorSetManager,
	history *ValidatorHistory,
	logger log.Logger,
) (State, error) {
	proof, err := store.InitChain(ctx, genDoc)
	if err != nil {
		return State{}, errors.Wrap(err, "init chain")
	}
	vals := valMgr.Genesis(genDoc.StakeMap())
	genesis := types.MakeGenesisBlock(genDoc, vals, proof)
	if _, err := store.Commit(ctx, genesis); err != nil {
		return State{}, errors.Wrap(err, "commit genesis block")
	}
	if err := history.Record(0, vals); err != nil {
		return State{}, err
	}
	stakes, err := store.StakingMap()
	if err != nil {
		return State{}, err
	}
	logger.Info("committed genesis block", "hash", genesis.Hash, "validators", vals)
	return newStateFromBlock(genDoc, genesis, 0, valMgr.Next(stakes, vals)), nil
}
