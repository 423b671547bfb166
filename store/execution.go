package store

import (
	"math"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmdb "github.com/tendermint/tm-db"

	"github.com/ainblockchain/ain-blockchain-sub002/state"
	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

// Gas charged per operation type. A tx pays GasPrice * gas.
const (
	GasTransfer int64 = 10
	GasStake    int64 = 20
	GasUnstake  int64 = 20

	DefaultStakeLockupMs = types.DefaultStakeLockupMs
)

var (
	ErrBadNonce            = errors.New("bad nonce")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientStake   = errors.New("insufficient stake")
	ErrStakeLocked         = errors.New("stake is locked")
	ErrGasOverflow         = errors.New("gas cost overflows")
)

type account struct {
	Balance int64 `json:"balance"`
	Nonce   int64 `json:"nonce"`
}

func readAccount(db tmdb.DB, addr types.Address) (account, error) {
	var acc account
	_, err := getJSON(db, genKey(tableAccount, string(addr)), &acc)
	return acc, err
}

// execution is a write overlay on the committed state. Nothing reaches the
// database until flush.
type execution struct {
	db       tmdb.DB
	parent   *execution
	writes   map[string][]byte
	lockupMs int64
	nowMs    int64 // timestamp of the parent block
}

func newExecution(db tmdb.DB, lockupMs, nowMs int64) *execution {
	return &execution{
		db:       db,
		writes:   make(map[string][]byte),
		lockupMs: lockupMs,
		nowMs:    nowMs,
	}
}

func (e *execution) get(key string, v interface{}) error {
	if bz, ok := e.writes[key]; ok {
		return wire.Unmarshal(bz, v)
	}
	if e.parent != nil {
		return e.parent.get(key, v)
	}
	_, err := getJSON(e.db, key, v)
	return err
}

func (e *execution) set(key string, v interface{}) error {
	bz, err := wire.Marshal(v)
	if err != nil {
		return err
	}
	e.writes[key] = bz
	return nil
}

func (e *execution) account(addr types.Address) (account, error) {
	var acc account
	err := e.get(genKey(tableAccount, string(addr)), &acc)
	return acc, err
}

func (e *execution) setAccount(addr types.Address, acc account) error {
	return e.set(genKey(tableAccount, string(addr)), acc)
}

func (e *execution) stake(addr types.Address) (types.StakeRecord, error) {
	var rec types.StakeRecord
	err := e.get(genKey(tableStake, string(addr)), &rec)
	return rec, err
}

func (e *execution) setStake(addr types.Address, rec types.StakeRecord) error {
	return e.set(genKey(tableStake, string(addr)), rec)
}

// apply runs one tx. Every change is staged in a child overlay and only
// merged on success.
func (e *execution) apply(tx *types.Tx) state.TxResult {
	res := state.TxResult{Hash: tx.Hash()}

	gas := gasOf(tx.Operation.Type)
	if tx.GasPrice > 0 && gas > math.MaxInt64/tx.GasPrice {
		res.Error = ErrGasOverflow.Error()
		return res
	}
	fee := tx.GasPrice * gas

	child := newExecution(e.db, e.lockupMs, e.nowMs)
	child.parent = e
	if err := child.run(tx, fee); err != nil {
		res.Error = err.Error()
		return res
	}
	for k, v := range child.writes {
		e.writes[k] = v
	}

	res.Success = true
	res.GasUsed = gas
	res.GasCost = fee
	return res
}

func (e *execution) run(tx *types.Tx, fee int64) error {
	from, err := e.account(tx.Address)
	if err != nil {
		return err
	}
	if tx.Nonce != from.Nonce {
		return errors.Wrapf(ErrBadNonce, "want %d, got %d", from.Nonce, tx.Nonce)
	}
	value := tx.Operation.Value

	switch tx.Operation.Type {
	case types.OpTransfer, types.OpStake:
		if value > math.MaxInt64-fee || from.Balance < value+fee {
			return ErrInsufficientBalance
		}
		from.Balance -= value + fee
	case types.OpUnstake:
		if from.Balance < fee {
			return ErrInsufficientBalance
		}
		from.Balance -= fee
	}
	from.Nonce++
	if err := e.setAccount(tx.Address, from); err != nil {
		return err
	}

	switch tx.Operation.Type {
	case types.OpTransfer:
		to, err := e.account(tx.Operation.To)
		if err != nil {
			return err
		}
		if to.Balance > math.MaxInt64-value {
			return ErrInsufficientBalance
		}
		to.Balance += value
		return e.setAccount(tx.Operation.To, to)

	case types.OpStake:
		rec, err := e.stake(tx.Address)
		if err != nil {
			return err
		}
		rec.Amount += value
		if until := e.nowMs + e.lockupMs; until > rec.ExpireAt {
			rec.ExpireAt = until
		}
		return e.setStake(tx.Address, rec)

	case types.OpUnstake:
		rec, err := e.stake(tx.Address)
		if err != nil {
			return err
		}
		if rec.Amount < value {
			return ErrInsufficientStake
		}
		if rec.ExpireAt > e.nowMs {
			return errors.Wrapf(ErrStakeLocked, "until %d", rec.ExpireAt)
		}
		rec.Amount -= value
		if err := e.setStake(tx.Address, rec); err != nil {
			return err
		}
		from.Balance += value
		return e.setAccount(tx.Address, from)
	}
	return nil
}

func gasOf(op types.OpType) int64 {
	switch op {
	case types.OpTransfer:
		return GasTransfer
	case types.OpStake:
		return GasStake
	case types.OpUnstake:
		return GasUnstake
	}
	return 0
}

func (e *execution) proof(prev tmbytes.HexBytes) tmbytes.HexBytes {
	return chainProof(prev, e.writes)
}

func (e *execution) flush(batch tmdb.Batch) error {
	for _, k := range sortedKeys(e.writes) {
		if err := batch.Set([]byte(k), e.writes[k]); err != nil {
			return err
		}
	}
	return nil
}
