package mempool

import (
	"github.com/tendermint/tendermint/p2p"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

// Mempool holds signed transactions waiting to be proposed.
type Mempool interface {
	// CheckTx validates tx and, when it passes, appends it to the pool.
	CheckTx(tx *types.Tx, txInfo TxInfo) error

	// ReapTxs takes txs in arrival order while their total canonical size
	// stays within maxBytes. A negative maxBytes means no limit.
	ReapTxs(maxBytes int64) types.Txs

	// ReapMaxTxs takes at most max txs in arrival order. A negative max
	// means all of them.
	ReapMaxTxs(max int) types.Txs

	// Lock locks the mempool. The caller must hold it across Update.
	Lock()

	Unlock()

	// Update removes the txs committed at height.
	// NOTE: the caller holds the lock.
	Update(height int64, txs types.Txs) error

	// Flush drops every tx.
	Flush()

	Size() int

	// TxsBytes is the total canonical size of every tx in the pool.
	TxsBytes() int64
}

//--------------------------------------------------------------------------------

// PreCheckFunc is an optional filter run by CheckTx before anything else.
type PreCheckFunc func(*types.Tx) error

// TxInfo are parameters that get passed when attempting to add a tx to the
// mempool.
type TxInfo struct {
	// SenderID is the internal peer ID used in the mempool to identify the
	// sender, storing 2 bytes with each tx instead of 20 bytes for the p2p.ID.
	SenderID uint16
	// SenderP2PID is the actual p2p.ID of the sender, used e.g. for logging.
	SenderP2PID p2p.ID
}
