package store

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/merkle"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"
	leveldb "github.com/tendermint/tm-db/goleveldb"

	"github.com/ainblockchain/ain-blockchain-sub002/reward"
	"github.com/ainblockchain/ain-blockchain-sub002/state"
	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

const (
	tableAccount    = "account/"
	tableStake      = "stake/"
	tableBlock      = "block/"
	tableResult     = "result/"
	tableValidators = "validators/"
	tableEvidence   = "evidence/"
	tableEvidIndex  = "evidx/"
	tableOffense    = "offense/"
	tableReward     = "reward/"
	tableRewarded   = "rewarded/"
	tableSeenVotes  = "seen/"

	keyLastHeight = "meta/last_height"
	keyStateProof = "meta/state_proof"
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

var _ state.StateStore = (*KVStore)(nil)

func NewKVStore(name, dir string, logger log.Logger, options ...KVStoreOption) (*KVStore, error) {
	levelDB, err := leveldb.NewDB(name, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s in %s", name, dir)
	}
	return NewKVStoreWithDB(levelDB, logger, options...)
}

// NewKVStoreWithDB wraps an open database, e.g. memdb.NewDB() in tests.
func NewKVStoreWithDB(kvdb tmdb.DB, logger log.Logger, options ...KVStoreOption) (*KVStore, error) {
	kv := &KVStore{
		kvDB:          kvdb,
		logger:        logger,
		stakeLockupMs: DefaultStakeLockupMs,
		version:       -1,
	}
	for _, option := range options {
		option(kv)
	}

	bz, err := kvdb.Get([]byte(keyLastHeight))
	if err != nil {
		return nil, err
	}
	if bz != nil {
		if err := wire.Unmarshal(bz, &kv.version); err != nil {
			return nil, errors.Wrap(err, "decode last height")
		}
	}
	if kv.proof, err = kvdb.Get([]byte(keyStateProof)); err != nil {
		return nil, err
	}
	return kv, nil
}

type KVStoreOption func(*KVStore)

// WithStakeLockupMs sets how long a fresh stake stays locked.
func WithStakeLockupMs(ms int64) KVStoreOption {
	return func(kv *KVStore) { kv.stakeLockupMs = ms }
}

// KVStore is a tm-db backed state store. Accounts and stakes are changed
// by committed transactions and fold into a chained state proof hash;
// ledgers, offense records, evidence and lockup extensions are written by
// consensus after commit, one bookkeeping batch per block, and stay outside
// the proof.
type KVStore struct {
	mtx  sync.RWMutex
	kvDB tmdb.DB

	version       int64 // last committed height, -1 before genesis
	proof         tmbytes.HexBytes
	stakeLockupMs int64

	logger log.Logger
}

func (kv *KVStore) Close() error {
	return kv.kvDB.Close()
}

func (kv *KVStore) GetDB() tmdb.DB {
	return kv.kvDB
}

// Version implements state.StateStore.
func (kv *KVStore) Version() int64 {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()
	return kv.version
}

// InitChain implements state.StateStore.
func (kv *KVStore) InitChain(ctx context.Context, genDoc *types.GenesisDoc) (tmbytes.HexBytes, error) {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()

	if kv.proof != nil {
		return kv.proof, nil
	}

	exec := newExecution(kv.kvDB, kv.stakeLockupMs, genDoc.GenesisTimeMs())
	for _, acc := range genDoc.Accounts {
		if err := exec.setAccount(acc.Address, account{Balance: acc.Balance}); err != nil {
			return nil, err
		}
	}
	for _, s := range genDoc.Stakes {
		rec := types.StakeRecord{Amount: s.Amount, ExpireAt: s.ExpireAt}
		if err := exec.setStake(s.Address, rec); err != nil {
			return nil, err
		}
	}
	proof := exec.proof(nil)

	batch := kv.kvDB.NewBatch()
	defer batch.Close()
	if err := exec.flush(batch); err != nil {
		return nil, err
	}
	if err := batch.Set([]byte(keyStateProof), proof); err != nil {
		return nil, err
	}
	if err := batch.WriteSync(); err != nil {
		return nil, errors.Wrap(err, "write genesis state")
	}
	kv.proof = proof
	kv.logger.Info("initialized chain", "chain_id", genDoc.ChainID, "accounts", len(genDoc.Accounts),
		"stakes", len(genDoc.Stakes), "state_proof", proof)
	return proof, nil
}

// ApplyTransactions implements state.StateStore.
func (kv *KVStore) ApplyTransactions(ctx context.Context, parentVersion int64, txs types.Txs) (*state.ApplyResult, error) {
	kv.mtx.RLock()
	defer kv.mtx.RUnlock()

	if parentVersion != kv.version {
		return nil, errors.Wrapf(state.ErrStaleParentVersion, "parent %d, committed %d", parentVersion, kv.version)
	}
	res, _, err := kv.execute(ctx, txs)
	return res, err
}

// Commit implements state.StateStore.
func (kv *KVStore) Commit(ctx context.Context, block *types.Block) (*state.ApplyResult, error) {
	kv.mtx.Lock()
	defer kv.mtx.Unlock()

	if block.Number != kv.version+1 {
		return nil, fmt.Errorf("commit block %d on top of %d", block.Number, kv.version)
	}
	res, exec, err := kv.execute(ctx, block.Transactions)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(res.StateProofHash, block.StateProofHash) {
		return nil, fmt.Errorf("block %d state_proof_hash %X, executed %X",
			block.Number, []byte(block.StateProofHash), []byte(res.StateProofHash))
	}

	batch := kv.kvDB.NewBatch()
	defer batch.Close()
	if err := exec.flush(batch); err != nil {
		return nil, err
	}
	for key, v := range map[string]interface{}{
		genKey(tableBlock, heightKey(block.Number)):  block,
		genKey(tableResult, heightKey(block.Number)): res,
		keyLastHeight: block.Number,
	} {
		if err := setJSON(batch, key, v); err != nil {
			return nil, err
		}
	}
	if err := batch.Set([]byte(keyStateProof), res.StateProofHash); err != nil {
		return nil, err
	}
	if err := batch.WriteSync(); err != nil {
		return nil, errors.Wrapf(err, "write block %d", block.Number)
	}

	kv.version = block.Number
	kv.proof = res.StateProofHash
	return res, nil
}

// execute runs txs on top of the committed state. A tx failing its own
// checks is recorded as failed and changes nothing; a tx with a bad
// signature fails the whole batch.
func (kv *KVStore) execute(ctx context.Context, txs types.Txs) (*state.ApplyResult, *execution, error) {
	var parentTime int64
	if kv.version >= 0 {
		parent, err := kv.loadBlock(kv.version)
		if err != nil {
			return nil, nil, err
		}
		parentTime = parent.Timestamp
	}

	exec := newExecution(kv.kvDB, kv.stakeLockupMs, parentTime)
	res := &state.ApplyResult{TxResults: make([]state.TxResult, 0, len(txs))}
	for i, tx := range txs {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if err := tx.ValidateBasic(); err != nil {
			return nil, nil, errors.Wrapf(err, "tx #%d", i)
		}
		r := exec.apply(tx)
		res.GasCostTotal += r.GasCost
		res.TxResults = append(res.TxResults, r)
	}
	res.StateProofHash = exec.proof(kv.proof)
	return res, exec, nil
}

// LoadBlock implements state.BlockStore.
func (kv *KVStore) LoadBlock(height int64) (*types.Block, error) {
	return kv.loadBlock(height)
}

func (kv *KVStore) loadBlock(height int64) (*types.Block, error) {
	block := new(types.Block)
	ok, err := getJSON(kv.kvDB, genKey(tableBlock, heightKey(height)), block)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(state.ErrBlockNotFound, "height %d", height)
	}
	return block, nil
}

// LastBlock implements state.BlockStore.
func (kv *KVStore) LastBlock() (*types.Block, error) {
	v := kv.Version()
	if v < 0 {
		return nil, nil
	}
	return kv.loadBlock(v)
}

func (kv *KVStore) LoadApplyResult(height int64) (*state.ApplyResult, error) {
	res := new(state.ApplyResult)
	ok, err := getJSON(kv.kvDB, genKey(tableResult, heightKey(height)), res)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(state.ErrBlockNotFound, "apply result at %d", height)
	}
	return res, nil
}

// SaveSeenVotes keeps the votes this node saw finalize the block at height.
func (kv *KVStore) SaveSeenVotes(height int64, votes types.Votes) error {
	return setJSON(kv.kvDB, genKey(tableSeenVotes, heightKey(height)), votes)
}

// LoadSeenVotes returns nil and no error when nothing was saved at height.
func (kv *KVStore) LoadSeenVotes(height int64) (types.Votes, error) {
	var votes types.Votes
	if _, err := getJSON(kv.kvDB, genKey(tableSeenVotes, heightKey(height)), &votes); err != nil {
		return nil, err
	}
	return votes, nil
}

func (kv *KVStore) SaveValidators(height int64, vals types.Validators) error {
	bz, err := wire.Marshal(vals)
	if err != nil {
		return err
	}
	return kv.kvDB.Set([]byte(genKey(tableValidators, heightKey(height))), bz)
}

func (kv *KVStore) LoadValidators(height int64) (types.Validators, error) {
	var vals types.Validators
	ok, err := getJSON(kv.kvDB, genKey(tableValidators, heightKey(height)), &vals)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no validators recorded at %d", height)
	}
	return vals, nil
}

// ReadStake implements state.StakingReader.
func (kv *KVStore) ReadStake(addr types.Address) (types.StakeRecord, error) {
	var rec types.StakeRecord
	_, err := getJSON(kv.kvDB, genKey(tableStake, string(addr)), &rec)
	return rec, err
}

// StakingMap implements state.StakingReader.
func (kv *KVStore) StakingMap() (map[types.Address]types.StakeRecord, error) {
	it, err := tmdb.IteratePrefix(kv.kvDB, []byte(tableStake))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	stakes := make(map[types.Address]types.StakeRecord)
	for ; it.Valid(); it.Next() {
		var rec types.StakeRecord
		if err := wire.Unmarshal(it.Value(), &rec); err != nil {
			return nil, errors.Wrapf(err, "decode stake %s", it.Key())
		}
		stakes[types.Address(bytes.TrimPrefix(it.Key(), []byte(tableStake)))] = rec
	}
	return stakes, it.Error()
}

// ExtendStakeLockup implements evidence.Store.
func (kv *KVStore) ExtendStakeLockup(addr types.Address, durationMs int64) error {
	return kv.bookkeep(func(bk *bookkeeping) error {
		return bk.ExtendStakeLockup(addr, durationMs)
	})
}

// WriteOffenseRecord implements evidence.Store.
func (kv *KVStore) WriteOffenseRecord(addr types.Address, delta int64) (total int64, err error) {
	err = kv.bookkeep(func(bk *bookkeeping) error {
		total, err = bk.WriteOffenseRecord(addr, delta)
		return err
	})
	return total, err
}

func (kv *KVStore) OffenseRecord(addr types.Address) (int64, error) {
	var total int64
	_, err := getJSON(kv.kvDB, genKey(tableOffense, string(addr)), &total)
	return total, err
}

// AppendEvidence implements evidence.Store.
func (kv *KVStore) AppendEvidence(addr types.Address, ev *types.OffenseEvidence) error {
	return kv.bookkeep(func(bk *bookkeeping) error {
		return bk.AppendEvidence(addr, ev)
	})
}

// HasEvidence implements evidence.Store.
func (kv *KVStore) HasEvidence(addr types.Address, blockHash tmbytes.HexBytes) (bool, error) {
	return kv.kvDB.Has([]byte(evidenceIndexKey(addr, blockHash)))
}

// Evidence lists the recorded evidence against addr by height and epoch.
func (kv *KVStore) Evidence(addr types.Address) ([]*types.OffenseEvidence, error) {
	it, err := tmdb.IteratePrefix(kv.kvDB, []byte(genKey(tableEvidence, string(addr)+"/")))
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var evs []*types.OffenseEvidence
	for ; it.Valid(); it.Next() {
		ev := new(types.OffenseEvidence)
		if err := wire.Unmarshal(it.Value(), ev); err != nil {
			return nil, errors.Wrapf(err, "decode evidence %s", it.Key())
		}
		evs = append(evs, ev)
	}
	return evs, it.Error()
}

// WriteRewardLedger implements reward.Ledger.
func (kv *KVStore) WriteRewardLedger(addr types.Address, delta *big.Rat) error {
	return kv.bookkeep(func(bk *bookkeeping) error {
		return bk.WriteRewardLedger(addr, delta)
	})
}

func (kv *KVStore) RewardLedger(addr types.Address) (reward.Balance, error) {
	bal := reward.NewBalance()
	_, err := getJSON(kv.kvDB, genKey(tableReward, string(addr)), &bal)
	return bal, err
}

func (kv *KVStore) Rewarded(height int64) (bool, error) {
	return kv.kvDB.Has([]byte(genKey(tableRewarded, heightKey(height))))
}

func (kv *KVStore) MarkRewarded(height int64) error {
	return kv.bookkeep(func(bk *bookkeeping) error {
		return bk.MarkRewarded(height)
	})
}

func (kv *KVStore) Balance(addr types.Address) (int64, error) {
	acc, err := readAccount(kv.kvDB, addr)
	return acc.Balance, err
}

func (kv *KVStore) Nonce(addr types.Address) (int64, error) {
	acc, err := readAccount(kv.kvDB, addr)
	return acc.Nonce, err
}

//-----------------------------------------------------------------------------

func genKey(table string, primaryKey string) string {
	return table + primaryKey
}

// heightKey is fixed width so keys iterate in numeric order.
func heightKey(h int64) string {
	return fmt.Sprintf("%020d", h)
}

type setter interface {
	Set(key, value []byte) error
}

func setJSON(s setter, key string, v interface{}) error {
	bz, err := wire.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	return s.Set([]byte(key), bz)
}

// getJSON decodes the value at key into v and reports whether it existed.
func getJSON(db tmdb.DB, key string, v interface{}) (bool, error) {
	bz, err := db.Get([]byte(key))
	if err != nil || bz == nil {
		return false, err
	}
	if err := wire.Unmarshal(bz, v); err != nil {
		return false, errors.Wrapf(err, "decode %s", key)
	}
	return true, nil
}

// sortedKeys returns the keys of m in byte order.
func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// chainProof folds a set of writes into the previous proof. An empty write
// set leaves the proof unchanged.
func chainProof(prev tmbytes.HexBytes, writes map[string][]byte) tmbytes.HexBytes {
	if len(writes) == 0 {
		return prev
	}
	items := make([][]byte, 0, len(writes)+1)
	if prev != nil {
		items = append(items, prev)
	}
	for _, k := range sortedKeys(writes) {
		item := make([]byte, 0, len(k)+1+len(writes[k]))
		item = append(item, k...)
		item = append(item, 0)
		item = append(item, writes[k]...)
		items = append(items, item)
	}
	return merkle.HashFromByteSlices(items)
}
