package types

import (
	"fmt"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"github.com/ainblockchain/ain-blockchain-sub002/libs/canonical"
)

type OpType string

const (
	OpTransfer OpType = "transfer"
	OpStake    OpType = "stake"
	OpUnstake  OpType = "unstake"
)

// Operation is the state change a transaction requests. Execution belongs to
// the state store; consensus only orders and hashes transactions.
type Operation struct {
	Type  OpType  `json:"type"`
	To    Address `json:"to,omitempty"`
	Value int64   `json:"value"`
}

type Tx struct {
	Address   Address   `json:"address"`
	Nonce     int64     `json:"nonce"`
	Timestamp int64     `json:"timestamp"`
	GasPrice  int64     `json:"gas_price"`
	Operation Operation `json:"operation"`

	PubKey    tmbytes.HexBytes `json:"pub_key"`
	Signature tmbytes.HexBytes `json:"signature"`
}

func (tx *Tx) Hash() tmbytes.HexBytes {
	return canonical.MustHash(tx)
}

// SignBytes is the canonical form of the transaction without its signature.
func (tx *Tx) SignBytes() []byte {
	cpy := *tx
	cpy.Signature = nil
	bz, err := canonical.Marshal(cpy)
	if err != nil {
		panic(err)
	}
	return bz
}

// Sign fills the signer fields from key.
func (tx *Tx) Sign(key PrivKey) error {
	tx.Address = key.Address()
	tx.PubKey = key.PubKey()
	sig, err := key.Sign(tx.SignBytes())
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

func (tx *Tx) ValidateBasic() error {
	if tx == nil {
		return errors.New("nil tx")
	}
	if tx.GasPrice < 0 {
		return errors.New("negative gas_price")
	}
	switch tx.Operation.Type {
	case OpTransfer:
		if err := tx.Operation.To.ValidateBasic(); err != nil {
			return errors.Wrap(err, "transfer target")
		}
	case OpStake, OpUnstake:
	default:
		return fmt.Errorf("unknown operation type %q", tx.Operation.Type)
	}
	if tx.Operation.Value < 0 {
		return errors.New("negative operation value")
	}
	return VerifySignature(tx.Address, tx.PubKey, tx.SignBytes(), tx.Signature)
}

// ComputeSize is the length of the canonical encoding.
func (tx *Tx) ComputeSize() int64 {
	bz, err := canonical.Marshal(tx)
	if err != nil {
		return 0
	}
	return int64(len(bz))
}

func (tx *Tx) String() string {
	return fmt.Sprintf("Tx{%v #%d %s %d}", tx.Address, tx.Nonce, tx.Operation.Type, tx.Operation.Value)
}

// ===== tx array =====
type Txs []*Tx

// Hash is the canonical hash of the ordered list.
func (txs Txs) Hash() tmbytes.HexBytes {
	if txs == nil {
		txs = Txs{}
	}
	return canonical.MustHash(txs)
}

func ComputeSizeForTxs(txs Txs) int64 {
	var dataSize int64
	for _, tx := range txs {
		dataSize += tx.ComputeSize()
	}
	return dataSize
}
