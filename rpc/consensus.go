package rpc

import (
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	cstypes "github.com/ainblockchain/ain-blockchain-sub002/consensus/types"
	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

type ResultStatus struct {
	ChainID          string           `json:"chain_id"`
	ProtocolVersion  string           `json:"protocol_version"`
	ProcessStatus    string           `json:"process_status"`
	ValidatorAddress types.Address    `json:"validator_address,omitempty"`
	LastBlockNumber  int64            `json:"last_block_number"`
	LastBlockHash    tmbytes.HexBytes `json:"last_block_hash"`
	LastBlockTime    int64            `json:"last_block_time"`
	LastEpoch        int64            `json:"last_epoch"`

	Round cstypes.RoundRecord `json:"round"`
}

// Status reports the lifecycle status, the last finalized block and the
// round in progress.
func Status(ctx *rpctypes.Context) (*ResultStatus, error) {
	cs := env.Consensus
	st := cs.GetState()
	return &ResultStatus{
		ChainID:          st.ChainID,
		ProtocolVersion:  cs.ProtocolVersion(),
		ProcessStatus:    cs.Status().String(),
		ValidatorAddress: cs.ValidatorAddress(),
		LastBlockNumber:  st.LastBlockNumber,
		LastBlockHash:    st.LastBlockHash,
		LastBlockTime:    st.LastBlockTime,
		LastEpoch:        st.LastEpoch,
		Round:            cs.GetRoundRecord(),
	}, nil
}

type ResultValidators struct {
	Height     int64            `json:"height"`
	Validators types.Validators `json:"validators"`
	TotalStake int64            `json:"total_stake"`
}

// Validators returns the snapshot of the block at height, or the snapshot
// the next block must carry when height is omitted.
func Validators(ctx *rpctypes.Context, heightPtr *int64) (*ResultValidators, error) {
	st := env.Consensus.GetState()
	height, err := getHeight(st.Height(), heightPtr)
	if err != nil {
		return nil, err
	}

	vals := st.NextValidators
	if height < st.Height() {
		if vals, err = env.ValidatorHistory.At(height); err != nil {
			return nil, err
		}
	}
	return &ResultValidators{Height: height, Validators: vals, TotalStake: vals.TotalStake()}, nil
}

type ResultRoundHistory struct {
	Height  int64                 `json:"height"`
	Rounds  []cstypes.RoundRecord `json:"rounds"`
	Heights []int64               `json:"retained_heights"`
}

// RoundHistory lists the ended rounds of height, the latest retained height
// when omitted.
func RoundHistory(ctx *rpctypes.Context, heightPtr *int64) (*ResultRoundHistory, error) {
	history := env.Consensus.RoundHistory()
	heights := history.Heights()

	var height int64
	switch {
	case heightPtr != nil:
		height = *heightPtr
	case len(heights) > 0:
		height = heights[len(heights)-1]
	}
	return &ResultRoundHistory{Height: height, Rounds: history.Get(height), Heights: heights}, nil
}
