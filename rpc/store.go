package rpc

import (
	"fmt"

	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

// getHeight returns heightPtr, or the latest height when it is nil.
func getHeight(latest int64, heightPtr *int64) (int64, error) {
	if heightPtr == nil {
		return latest, nil
	}
	height := *heightPtr
	if height < 0 {
		return 0, fmt.Errorf("height must be non-negative, got %d", height)
	}
	if height > latest {
		return 0, fmt.Errorf("height %d must be less than or equal to the current height %d", height, latest)
	}
	return height, nil
}

func parseAddress(address string) (types.Address, error) {
	addr := types.Address(address)
	if err := addr.ValidateBasic(); err != nil {
		return "", err
	}
	return addr, nil
}

type ResultGenesis struct {
	Genesis *types.GenesisDoc `json:"genesis"`
}

func Genesis(ctx *rpctypes.Context) (*ResultGenesis, error) {
	return &ResultGenesis{Genesis: env.GenDoc}, nil
}

type ResultBlock struct {
	Block *types.Block `json:"block"`
	// GasCostTotal is what the block's txs paid, distributed to its
	// proposer and voters once the next block commits.
	GasCostTotal int64 `json:"gas_cost_total"`
}

// Block returns the finalized block at height, the last one when omitted.
func Block(ctx *rpctypes.Context, heightPtr *int64) (*ResultBlock, error) {
	height, err := getHeight(env.Store.Version(), heightPtr)
	if err != nil {
		return nil, err
	}
	block, err := env.Store.LoadBlock(height)
	if err != nil {
		return nil, err
	}
	res, err := env.Store.LoadApplyResult(height)
	if err != nil {
		return nil, err
	}
	return &ResultBlock{Block: block, GasCostTotal: res.GasCostTotal}, nil
}

type ResultAccount struct {
	Address types.Address     `json:"address"`
	Balance int64             `json:"balance"`
	Nonce   int64             `json:"nonce"`
	Stake   types.StakeRecord `json:"stake"`
}

func Account(ctx *rpctypes.Context, address string) (*ResultAccount, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	res := &ResultAccount{Address: addr}
	if res.Balance, err = env.Store.Balance(addr); err != nil {
		return nil, err
	}
	if res.Nonce, err = env.Store.Nonce(addr); err != nil {
		return nil, err
	}
	if res.Stake, err = env.Store.ReadStake(addr); err != nil {
		return nil, err
	}
	return res, nil
}

type ResultOffenseRecords struct {
	Address  types.Address `json:"address"`
	Offenses int64         `json:"offenses"`
}

func OffenseRecords(ctx *rpctypes.Context, address string) (*ResultOffenseRecords, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	n, err := env.Store.OffenseRecord(addr)
	if err != nil {
		return nil, err
	}
	return &ResultOffenseRecords{Address: addr, Offenses: n}, nil
}

type ResultEvidence struct {
	Address  types.Address            `json:"address"`
	Evidence []*types.OffenseEvidence `json:"evidence"`
}

func Evidence(ctx *rpctypes.Context, address string) (*ResultEvidence, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	evs, err := env.Store.Evidence(addr)
	if err != nil {
		return nil, err
	}
	return &ResultEvidence{Address: addr, Evidence: evs}, nil
}

// ResultRewardLedger carries the rationals as "a/b" strings.
type ResultRewardLedger struct {
	Address    types.Address `json:"address"`
	Unclaimed  string        `json:"unclaimed"`
	Cumulative string        `json:"cumulative"`
}

func RewardLedger(ctx *rpctypes.Context, address string) (*ResultRewardLedger, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	bal, err := env.Store.RewardLedger(addr)
	if err != nil {
		return nil, err
	}
	return &ResultRewardLedger{
		Address:    addr,
		Unclaimed:  bal.Unclaimed.RatString(),
		Cumulative: bal.Cumulative.RatString(),
	}, nil
}
