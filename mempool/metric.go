package mempool

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
)

func newMemMetric() *memMetric {
	return &memMetric{}
}

type memMetric struct {
	mtx           sync.RWMutex
	Height        int64 `json:"height"`          // last height Update()'d to
	TxsNum        int   `json:"txs_num"`         // txs currently pooled
	TotalTxsBytes int64 `json:"total_txs_bytes"` // their total size
}

func (mm *memMetric) JSONString() string {
	mm.mtx.RLock()
	defer mm.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(mm)
	return s
}

func (mm *memMetric) MarkTxsNum(txsnum int) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.TxsNum = txsnum
}

func (mm *memMetric) MarkTotalTxsBytes(total int64) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.TotalTxsBytes = total
}

func (mm *memMetric) MarkHeight(height int64) {
	mm.mtx.Lock()
	defer mm.mtx.Unlock()
	mm.Height = height
}
