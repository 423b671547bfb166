package rpc

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/ainblockchain/ain-blockchain-sub002/consensus"
	"github.com/ainblockchain/ain-blockchain-sub002/libs/metric"
	"github.com/ainblockchain/ain-blockchain-sub002/mempool"
	sm "github.com/ainblockchain/ain-blockchain-sub002/state"
	"github.com/ainblockchain/ain-blockchain-sub002/store"
	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

var (
	env  *Environment
	wire = jsoniter.ConfigCompatibleWithStandardLibrary
)

func SetEnvironment(e *Environment) {
	env = e
}

// Environment holds what the route handlers read. It is set once by the
// node before the RPC server starts.
type Environment struct {
	Mempool   mempool.Mempool
	Consensus *consensus.ConsensusState
	Store     *store.KVStore
	GenDoc    *types.GenesisDoc

	// ValidatorHistory serves past snapshots, cached.
	ValidatorHistory *sm.ValidatorHistory

	MetricSet *metric.MetricSet

	Logger log.Logger
}
