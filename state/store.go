package state

import (
	"context"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"github.com/ainblockchain/ain-blockchain-sub002/evidence"
	"github.com/ainblockchain/ain-blockchain-sub002/reward"
	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

var (
	ErrBlockNotFound      = errors.New("block not found")
	ErrStaleParentVersion = errors.New("parent state version is not the committed one")
)

// TxResult is the outcome of one transaction in a batch. A failed
// transaction leaves no trace in state and costs no gas.
type TxResult struct {
	Hash    tmbytes.HexBytes `json:"hash"`
	Success bool             `json:"success"`
	GasUsed int64            `json:"gas_used"`
	GasCost int64            `json:"gas_cost"`
	Error   string           `json:"error,omitempty"`
}

// ApplyResult is what executing a block's transactions produced.
type ApplyResult struct {
	StateProofHash tmbytes.HexBytes `json:"state_proof_hash"`
	GasCostTotal   int64            `json:"gas_cost_total"`
	TxResults      []TxResult       `json:"tx_results"`
}

// StakingReader reads the consensus staking path.
type StakingReader interface {
	ReadStake(addr types.Address) (types.StakeRecord, error)
	StakingMap() (map[types.Address]types.StakeRecord, error)
}

// BlockStore keeps the finalized chain.
type BlockStore interface {
	LoadBlock(height int64) (*types.Block, error)
	// LastBlock returns nil and no error on an empty store.
	LastBlock() (*types.Block, error)
	LoadApplyResult(height int64) (*ApplyResult, error)

	// SaveSeenVotes keeps the votes that finalized the block at height, to
	// be carried as last_votes by the next proposal after a restart.
	SaveSeenVotes(height int64, votes types.Votes) error
	LoadSeenVotes(height int64) (types.Votes, error)
}

// ValidatorStore persists the height-versioned validator snapshots.
type ValidatorStore interface {
	SaveValidators(height int64, vals types.Validators) error
	LoadValidators(height int64) (types.Validators, error)
}

// Bookkeeping stages the post-commit writes of one block: reward credits,
// the rewarded marker, evidence, offense records and lockup extensions.
// Reads see the staged writes, and nothing is durable before Commit, which
// writes them all at once.
type Bookkeeping interface {
	evidence.Store
	reward.Ledger

	Commit() error
	// Close discards what was not committed.
	Close() error
}

// StateStore is the state store the consensus core runs against.
type StateStore interface {
	StakingReader
	BlockStore
	ValidatorStore
	evidence.Store
	reward.Ledger

	// InitChain seeds the genesis state and returns its proof hash.
	InitChain(ctx context.Context, genDoc *types.GenesisDoc) (tmbytes.HexBytes, error)

	// ApplyTransactions executes txs on top of the state committed at
	// parentVersion without persisting anything.
	ApplyTransactions(ctx context.Context, parentVersion int64, txs types.Txs) (*ApplyResult, error)

	// Commit durably appends block to the chain and advances the state. It
	// re-executes the transactions and fails if the resulting proof hash does
	// not match the block.
	Commit(ctx context.Context, block *types.Block) (*ApplyResult, error)

	Version() int64

	NewBookkeeping() Bookkeeping

	RewardLedger(addr types.Address) (reward.Balance, error)
	OffenseRecord(addr types.Address) (int64, error)
	Evidence(addr types.Address) ([]*types.OffenseEvidence, error)
	Balance(addr types.Address) (int64, error)
	Nonce(addr types.Address) (int64, error)
}
