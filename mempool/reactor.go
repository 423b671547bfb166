package mempool

import (
	"fmt"
	"math"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

const (
	MempoolChannel = byte(0x30)

	peerCatchupSleepIntervalMS = 100 // If peer is behind, sleep this amount

	// UnknownPeerID is the peer ID to use when running CheckTx when there is
	// no peer (e.g. RPC)
	UnknownPeerID uint16 = 0

	maxActiveIDs = math.MaxUint16

	maxMsgSize = 1024 * 1024
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

type Reactor struct {
	p2p.BaseReactor

	mempool *ListMempool
	ids     *mempoolIDs
}

type mempoolIDs struct {
	mtx       sync.RWMutex
	peerMap   map[p2p.ID]uint16
	nextID    uint16 // next ID to try; it may already be taken
	activeIDs map[uint16]struct{}
}

// ReserveForPeer hands peer a unique ID.
func (ids *mempoolIDs) ReserveForPeer(peer p2p.Peer) {
	ids.mtx.Lock()
	defer ids.mtx.Unlock()

	curID := ids.nextPeerID()
	ids.peerMap[peer.ID()] = curID
	ids.activeIDs[curID] = struct{}{}
}

// nextPeerID returns the next unused ID.
// The caller holds the lock.
func (ids *mempoolIDs) nextPeerID() uint16 {
	if len(ids.activeIDs) == maxActiveIDs {
		panic(fmt.Sprintf("node has maximum %d active IDs and wanted to get one more", maxActiveIDs))
	}

	_, idExists := ids.activeIDs[ids.nextID]
	for idExists {
		ids.nextID++
		_, idExists = ids.activeIDs[ids.nextID]
	}
	curID := ids.nextID
	ids.nextID++
	return curID
}

// Reclaim frees the ID of peer.
func (ids *mempoolIDs) Reclaim(peer p2p.Peer) {
	ids.mtx.Lock()
	defer ids.mtx.Unlock()

	removedID, ok := ids.peerMap[peer.ID()]
	if ok {
		delete(ids.activeIDs, removedID)
		delete(ids.peerMap, peer.ID())
	}
}

func (ids *mempoolIDs) GetForPeer(peer p2p.Peer) uint16 {
	ids.mtx.RLock()
	defer ids.mtx.RUnlock()

	return ids.peerMap[peer.ID()]
}

func newMempoolIDs() *mempoolIDs {
	return &mempoolIDs{
		peerMap:   make(map[p2p.ID]uint16),
		activeIDs: map[uint16]struct{}{0: {}},
		nextID:    1, // 0 is UnknownPeerID
	}
}

func NewReactor(mempool *ListMempool) *Reactor {
	memR := &Reactor{
		mempool: mempool,
		ids:     newMempoolIDs(),
	}
	memR.BaseReactor = *p2p.NewBaseReactor("Mempool", memR)
	return memR
}

// InitPeer implements Reactor by reserving a mempool ID for the peer.
func (memR *Reactor) InitPeer(peer p2p.Peer) p2p.Peer {
	memR.ids.ReserveForPeer(peer)
	return peer
}

// SetLogger sets the Logger on the reactor and the underlying mempool.
func (memR *Reactor) SetLogger(l log.Logger) {
	memR.Logger = l
	memR.mempool.SetLogger(l)
}

func (memR *Reactor) OnStart() error {
	memR.Logger.Info("Mempool Reactor started.")
	return nil
}

// GetChannels implements Reactor.
func (memR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  MempoolChannel,
			Priority:            5,
			RecvMessageCapacity: maxMsgSize,
		},
	}
}

// AddPeer implements Reactor by starting the gossip routine for peer.
func (memR *Reactor) AddPeer(peer p2p.Peer) {
	go memR.broadcastTxRoutine(peer)
}

// RemovePeer implements Reactor.
func (memR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	memR.ids.Reclaim(peer)
	// broadcast routine checks if peer is gone and returns
}

// Receive implements Reactor.
// It adds any received transactions to the mempool.
func (memR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	msg, err := decodeMsg(msgBytes)
	if err != nil {
		memR.Logger.Error("Error decoding message", "src", src, "chId", chID, "err", err)
		memR.Switch.StopPeerForError(src, err)
		return
	}
	memR.Logger.Debug("Receive", "src", src, "chId", chID, "txs", len(msg.Txs))

	txInfo := TxInfo{SenderID: memR.ids.GetForPeer(src)}
	if src != nil {
		txInfo.SenderP2PID = src.ID()
	}
	for _, tx := range msg.Txs {
		if err := memR.mempool.CheckTx(tx, txInfo); err != nil && err != ErrTxInMap {
			memR.Logger.Info("Could not check tx", "tx", tx, "err", err)
		}
	}
}

func (memR *Reactor) broadcastTxRoutine(peer p2p.Peer) {
	peerID := memR.ids.GetForPeer(peer)
	var next *clist.CElement

	for {
		if !memR.IsRunning() || !peer.IsRunning() {
			return
		}

		// wait for the first tx, or for the list to refill after a flush
		if next == nil {
			select {
			case <-memR.mempool.TxsWaitChan():
				if next = memR.mempool.TxsFront(); next == nil {
					continue
				}
			case <-peer.Quit():
				return
			case <-memR.Quit():
				return
			}
		}

		memTx := next.Value.(*mempoolTx)

		// never echo a tx back to a peer that sent it
		if _, ok := memTx.senders.Load(peerID); !ok {
			bz, err := encodeMsg(&TxsMessage{Txs: types.Txs{memTx.tx}})
			if err != nil {
				panic(err)
			}
			if success := peer.Send(MempoolChannel, bz); !success {
				time.Sleep(peerCatchupSleepIntervalMS * time.Millisecond)
				continue
			}
		}

		select {
		case <-next.NextWaitChan():
			next = next.Next()
		case <-peer.Quit():
			return
		case <-memR.Quit():
			return
		}
	}
}

// ---------------------------------

// TxsMessage is the gossip payload on MempoolChannel.
type TxsMessage struct {
	Txs types.Txs `json:"txs"`
}

func encodeMsg(msg *TxsMessage) ([]byte, error) {
	return wire.Marshal(msg)
}

func decodeMsg(bz []byte) (*TxsMessage, error) {
	if len(bz) > maxMsgSize {
		return nil, fmt.Errorf("msg exceeds max size (%d > %d)", len(bz), maxMsgSize)
	}
	msg := new(TxsMessage)
	if err := wire.Unmarshal(bz, msg); err != nil {
		return nil, errors.Wrap(err, "decode txs message")
	}
	if len(msg.Txs) == 0 {
		return nil, errors.New("empty txs message")
	}
	for i, tx := range msg.Txs {
		if tx == nil {
			return nil, fmt.Errorf("nil tx at index %d", i)
		}
	}
	return msg, nil
}
