package rpc

import (
	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"github.com/ainblockchain/ain-blockchain-sub002/mempool"
	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

type ResultBroadcastTx struct {
	Hash tmbytes.HexBytes `json:"hash"`
}

// BroadcastTx adds a signed tx, given as its JSON encoding, to the mempool
// and returns right away. The reactor gossips it from there.
func BroadcastTx(ctx *rpctypes.Context, tx tmbytes.HexBytes) (*ResultBroadcastTx, error) {
	decoded := new(types.Tx)
	if err := wire.Unmarshal(tx, decoded); err != nil {
		return nil, errors.Wrap(err, "decode tx")
	}
	if err := env.Mempool.CheckTx(decoded, mempool.TxInfo{SenderID: mempool.UnknownPeerID}); err != nil {
		return nil, err
	}
	return &ResultBroadcastTx{Hash: decoded.Hash()}, nil
}
