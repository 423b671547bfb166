package store

import (
	"fmt"
	"math"
	"math/big"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmdb "github.com/tendermint/tm-db"

	"github.com/ainblockchain/ain-blockchain-sub002/reward"
	"github.com/ainblockchain/ain-blockchain-sub002/state"
	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

var _ state.Bookkeeping = (*bookkeeping)(nil)

// bookkeeping stages the ledger, offense, evidence and lockup writes of one
// block in a single batch. Reads see the staged values.
type bookkeeping struct {
	kv      *KVStore
	batch   tmdb.Batch
	pending map[string][]byte
	closed  bool
}

// NewBookkeeping implements state.StateStore.
func (kv *KVStore) NewBookkeeping() state.Bookkeeping {
	return &bookkeeping{
		kv:      kv,
		batch:   kv.kvDB.NewBatch(),
		pending: make(map[string][]byte),
	}
}

// bookkeep runs fn in a bookkeeping of its own and commits it.
func (kv *KVStore) bookkeep(fn func(bk *bookkeeping) error) error {
	bk := kv.NewBookkeeping().(*bookkeeping)
	defer bk.Close()
	if err := fn(bk); err != nil {
		return err
	}
	return bk.Commit()
}

func (bk *bookkeeping) get(key string) ([]byte, error) {
	if bz, ok := bk.pending[key]; ok {
		return bz, nil
	}
	return bk.kv.kvDB.Get([]byte(key))
}

func (bk *bookkeeping) getJSON(key string, v interface{}) (bool, error) {
	bz, err := bk.get(key)
	if err != nil || bz == nil {
		return false, err
	}
	if err := wire.Unmarshal(bz, v); err != nil {
		return false, errors.Wrapf(err, "decode %s", key)
	}
	return true, nil
}

func (bk *bookkeeping) Set(key, value []byte) error {
	if bk.closed {
		return errors.New("bookkeeping already closed")
	}
	if err := bk.batch.Set(key, value); err != nil {
		return err
	}
	bk.pending[string(key)] = value
	return nil
}

// ExtendStakeLockup implements evidence.Store. A lapsed lockup restarts
// from the last block time; the extension saturates.
func (bk *bookkeeping) ExtendStakeLockup(addr types.Address, durationMs int64) error {
	key := genKey(tableStake, string(addr))
	var rec types.StakeRecord
	if _, err := bk.getJSON(key, &rec); err != nil {
		return err
	}
	last, err := bk.kv.LastBlock()
	if err != nil {
		return err
	}
	if last != nil && last.Timestamp > rec.ExpireAt {
		rec.ExpireAt = last.Timestamp
	}
	if rec.ExpireAt > math.MaxInt64-durationMs {
		rec.ExpireAt = math.MaxInt64
	} else {
		rec.ExpireAt += durationMs
	}
	return setJSON(bk, key, rec)
}

// WriteOffenseRecord implements evidence.Store.
func (bk *bookkeeping) WriteOffenseRecord(addr types.Address, delta int64) (int64, error) {
	key := genKey(tableOffense, string(addr))
	var total int64
	if _, err := bk.getJSON(key, &total); err != nil {
		return 0, err
	}
	total += delta
	return total, setJSON(bk, key, total)
}

// AppendEvidence implements evidence.Store.
func (bk *bookkeeping) AppendEvidence(addr types.Address, ev *types.OffenseEvidence) error {
	hash := ev.Block.Hash.String()
	key := genKey(tableEvidence, fmt.Sprintf("%s/%s/%s/%s", addr, heightKey(ev.Block.Number), heightKey(ev.Block.Epoch), hash))
	if err := setJSON(bk, key, ev); err != nil {
		return err
	}
	return bk.Set([]byte(evidenceIndexKey(addr, ev.Block.Hash)), []byte{1})
}

// HasEvidence implements evidence.Store.
func (bk *bookkeeping) HasEvidence(addr types.Address, blockHash tmbytes.HexBytes) (bool, error) {
	bz, err := bk.get(evidenceIndexKey(addr, blockHash))
	return bz != nil, err
}

// WriteRewardLedger implements reward.Ledger.
func (bk *bookkeeping) WriteRewardLedger(addr types.Address, delta *big.Rat) error {
	key := genKey(tableReward, string(addr))
	bal := reward.NewBalance()
	if _, err := bk.getJSON(key, &bal); err != nil {
		return err
	}
	return setJSON(bk, key, bal.Credit(delta))
}

func (bk *bookkeeping) Rewarded(height int64) (bool, error) {
	bz, err := bk.get(genKey(tableRewarded, heightKey(height)))
	return bz != nil, err
}

func (bk *bookkeeping) MarkRewarded(height int64) error {
	return bk.Set([]byte(genKey(tableRewarded, heightKey(height))), []byte{1})
}

// Commit writes every staged value with one synced batch.
func (bk *bookkeeping) Commit() error {
	if bk.closed {
		return errors.New("bookkeeping already closed")
	}
	bk.kv.mtx.Lock()
	defer bk.kv.mtx.Unlock()
	if err := bk.batch.WriteSync(); err != nil {
		return errors.Wrap(err, "write bookkeeping")
	}
	return bk.Close()
}

// Close drops whatever was not committed. It is safe to call twice.
func (bk *bookkeeping) Close() error {
	if bk.closed {
		return nil
	}
	bk.closed = true
	bk.pending = nil
	return bk.batch.Close()
}

func evidenceIndexKey(addr types.Address, blockHash tmbytes.HexBytes) string {
	return genKey(tableEvidIndex, string(addr)+"/"+blockHash.String())
}
