package mempool

import (
	"sync"
	"sync/atomic"

	cfg "github.com/tendermint/tendermint/config"
	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

func NewListMempool(config *cfg.MempoolConfig, height int64, options ...ListMempoolOption) *ListMempool {
	mem := &ListMempool{
		height: height,
		config: config,
		txs:    clist.New(),
		metric: newMemMetric(),
		logger: log.NewNopLogger(),
	}

	for _, option := range options {
		option(mem)
	}

	return mem
}

// ListMempool keeps txs in arrival order in a concurrent linked list so the
// reactor can gossip them while consensus reaps them.
type ListMempool struct {
	// Atomic integers
	height   int64 // the last block Update()'d to
	txsBytes int64 // total size of mempool, in bytes

	config *cfg.MempoolConfig

	updateMtx sync.RWMutex
	preCheck  PreCheckFunc

	addMtx sync.Mutex
	txs    *clist.CList
	txsMap sync.Map // txKey -> *clist.CElement

	metric *memMetric
	logger log.Logger
}

var _ Mempool = (*ListMempool)(nil)

type ListMempoolOption func(mem *ListMempool)

func WithPreCheck(precheck PreCheckFunc) ListMempoolOption {
	return func(mem *ListMempool) {
		mem.preCheck = precheck
	}
}

func (mem *ListMempool) SetLogger(logger log.Logger) {
	mem.logger = logger
}

// Metric exposes the mempool gauges for the metric set.
func (mem *ListMempool) Metric() *memMetric {
	return mem.metric
}

func (mem *ListMempool) CheckTx(tx *types.Tx, txInfo TxInfo) error {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	size := tx.ComputeSize()
	if mem.config.MaxTxBytes > 0 && size > int64(mem.config.MaxTxBytes) {
		return ErrTxTooLarge{Max: mem.config.MaxTxBytes, Actual: int(size)}
	}
	if mem.config.Size > 0 && mem.Size() >= mem.config.Size {
		return ErrMempoolIsFull
	}
	if mem.preCheck != nil {
		if err := mem.preCheck(tx); err != nil {
			return err
		}
	}
	if err := tx.ValidateBasic(); err != nil {
		return err
	}

	key := txKey(tx)
	mem.addMtx.Lock()
	defer mem.addMtx.Unlock()
	if e, ok := mem.txsMap.Load(key); ok {
		// remember the extra sender so we do not gossip the tx back
		e.(*clist.CElement).Value.(*mempoolTx).senders.Store(txInfo.SenderID, struct{}{})
		return ErrTxInMap
	}

	memTx := &mempoolTx{
		height: atomic.LoadInt64(&mem.height),
		size:   size,
		tx:     tx,
	}
	memTx.senders.Store(txInfo.SenderID, struct{}{})
	mem.addTx(key, memTx)

	mem.logger.Debug("added tx", "tx", tx, "peer", txInfo.SenderP2PID, "total", mem.Size())
	return nil
}

func (mem *ListMempool) ReapTxs(maxBytes int64) types.Txs {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	var total int64
	txs := make(types.Txs, 0, mem.txs.Len())
	for e := mem.txs.Front(); e != nil; e = e.Next() {
		memTx := e.Value.(*mempoolTx)
		if maxBytes > -1 && total+memTx.size > maxBytes {
			return txs
		}
		total += memTx.size
		txs = append(txs, memTx.tx)
	}
	return txs
}

func (mem *ListMempool) ReapMaxTxs(max int) types.Txs {
	mem.updateMtx.RLock()
	defer mem.updateMtx.RUnlock()

	if max < 0 {
		max = mem.txs.Len()
	}
	txs := make(types.Txs, 0, max)
	for e := mem.txs.Front(); e != nil && len(txs) < max; e = e.Next() {
		txs = append(txs, e.Value.(*mempoolTx).tx)
	}
	return txs
}

// Lock takes the write side of updateMtx.
func (mem *ListMempool) Lock() {
	mem.updateMtx.Lock()
}

func (mem *ListMempool) Unlock() {
	mem.updateMtx.Unlock()
}

func (mem *ListMempool) Update(height int64, txs types.Txs) error {
	atomic.StoreInt64(&mem.height, height)
	for _, tx := range txs {
		if e, ok := mem.txsMap.Load(txKey(tx)); ok {
			mem.removeTx(txKey(tx), e.(*clist.CElement))
		}
	}
	mem.markMetric()
	return nil
}

func (mem *ListMempool) Flush() {
	mem.updateMtx.Lock()
	defer mem.updateMtx.Unlock()

	for e := mem.txs.Front(); e != nil; e = e.Next() {
		mem.txs.Remove(e)
		e.DetachPrev()
	}
	mem.txsMap.Range(func(key, _ interface{}) bool {
		mem.txsMap.Delete(key)
		return true
	})
	atomic.StoreInt64(&mem.txsBytes, 0)
	mem.markMetric()
}

func (mem *ListMempool) Size() int {
	return mem.txs.Len()
}

func (mem *ListMempool) TxsBytes() int64 {
	return atomic.LoadInt64(&mem.txsBytes)
}

// addTx appends memTx to the list and indexes it.
func (mem *ListMempool) addTx(key string, memTx *mempoolTx) {
	e := mem.txs.PushBack(memTx)
	mem.txsMap.Store(key, e)
	atomic.AddInt64(&mem.txsBytes, memTx.size)
	mem.markMetric()
}

func (mem *ListMempool) removeTx(key string, e *clist.CElement) {
	mem.txs.Remove(e)
	e.DetachPrev()
	mem.txsMap.Delete(key)
	atomic.AddInt64(&mem.txsBytes, -e.Value.(*mempoolTx).size)
}

func (mem *ListMempool) markMetric() {
	mem.metric.MarkTxsNum(mem.Size())
	mem.metric.MarkTotalTxsBytes(mem.TxsBytes())
	mem.metric.MarkHeight(atomic.LoadInt64(&mem.height))
}

// TxsWaitChan is closed once the list becomes non-empty.
func (mem *ListMempool) TxsWaitChan() <-chan struct{} {
	return mem.txs.WaitChan()
}

func (mem *ListMempool) TxsFront() *clist.CElement {
	return mem.txs.Front()
}

// ------------------------------

type mempoolTx struct {
	height int64
	size   int64

	tx      *types.Tx
	senders sync.Map
}

// Height returns the height for this transaction
func (memTx *mempoolTx) Height() int64 {
	return atomic.LoadInt64(&memTx.height)
}

func txKey(tx *types.Tx) string {
	return string(tx.Hash())
}
