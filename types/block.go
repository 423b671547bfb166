package types

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"github.com/ainblockchain/ain-blockchain-sub002/libs/canonical"
)

var (
	ErrBlockHashMismatch     = errors.New("block hash mismatch")
	ErrTxsHashMismatch       = errors.New("transactions_hash mismatch")
	ErrLastVotesHashMismatch = errors.New("last_votes_hash mismatch")
)

// Header carries every field the block hash is computed over, plus the hash.
type Header struct {
	Number           int64            `json:"number"`
	Epoch            int64            `json:"epoch"`
	LastHash         tmbytes.HexBytes `json:"last_hash"`
	LastVotesHash    tmbytes.HexBytes `json:"last_votes_hash"`
	TransactionsHash tmbytes.HexBytes `json:"transactions_hash"`
	Proposer         Address          `json:"proposer"`
	Validators       Validators       `json:"validators"`
	Timestamp        int64            `json:"timestamp"`
	StateProofHash   tmbytes.HexBytes `json:"state_proof_hash"`
	Size             int64            `json:"size"`

	Hash tmbytes.HexBytes `json:"hash"`
}

// hashedHeader is exactly the field set the block hash commits to.
type hashedHeader struct {
	LastHash         tmbytes.HexBytes `json:"last_hash"`
	LastVotesHash    tmbytes.HexBytes `json:"last_votes_hash"`
	TransactionsHash tmbytes.HexBytes `json:"transactions_hash"`
	Number           int64            `json:"number"`
	Epoch            int64            `json:"epoch"`
	StateProofHash   tmbytes.HexBytes `json:"state_proof_hash"`
	Timestamp        int64            `json:"timestamp"`
	Proposer         Address          `json:"proposer"`
	Validators       Validators       `json:"validators"`
	Size             int64            `json:"size"`
}

// ComputeHash recomputes the header hash from the embedded sub-hashes.
func (h *Header) ComputeHash() tmbytes.HexBytes {
	if h == nil {
		return nil
	}
	vals := h.Validators
	if vals == nil {
		vals = Validators{}
	}
	return canonical.MustHash(hashedHeader{
		LastHash:         h.LastHash,
		LastVotesHash:    h.LastVotesHash,
		TransactionsHash: h.TransactionsHash,
		Number:           h.Number,
		Epoch:            h.Epoch,
		StateProofHash:   h.StateProofHash,
		Timestamp:        h.Timestamp,
		Proposer:         h.Proposer,
		Validators:       vals,
		Size:             h.Size,
	})
}

// Data is the body of a block. Evidence rides along with the block but is
// not covered by the header hash; every record is verified on its own.
type Data struct {
	LastVotes    Votes        `json:"last_votes"`
	Transactions Txs          `json:"transactions"`
	Evidence     EvidenceList `json:"evidence,omitempty"`
}

// Block is immutable once finalized. Header and Data are embedded so the
// JSON form is a single flat object.
type Block struct {
	Header
	Data
}

// MakeBlock builds an unsealed block. Call FillHeader once the state proof
// hash is known.
func MakeBlock(number, epoch int64, lastHash tmbytes.HexBytes, lastVotes Votes, txs Txs, proposer Address, vals Validators, timestamp int64) *Block {
	if lastVotes == nil {
		lastVotes = Votes{}
	}
	if txs == nil {
		txs = Txs{}
	}
	return &Block{
		Header: Header{
			Number:     number,
			Epoch:      epoch,
			LastHash:   lastHash,
			Proposer:   proposer,
			Validators: vals,
			Timestamp:  timestamp,
		},
		Data: Data{
			LastVotes:    lastVotes,
			Transactions: txs,
		},
	}
}

// FillHeader derives the sub-hashes, size and hash.
func (b *Block) FillHeader(stateProofHash tmbytes.HexBytes) {
	b.StateProofHash = stateProofHash
	b.TransactionsHash = b.Transactions.Hash()
	b.LastVotesHash = b.LastVotes.Hash()
	b.Size = b.ComputeSize()
	b.Hash = b.Header.ComputeHash()
}

// ComputeSize is the canonical size of the transactions and last votes.
func (b *Block) ComputeSize() int64 {
	var size int64
	for _, v := range [2]interface{}{b.normalizedTxs(), b.normalizedVotes()} {
		bz, err := canonical.Marshal(v)
		if err != nil {
			panic(err)
		}
		size += int64(len(bz))
	}
	return size
}

func (b *Block) normalizedTxs() Txs {
	if b.Transactions == nil {
		return Txs{}
	}
	return b.Transactions
}

func (b *Block) normalizedVotes() Votes {
	if b.LastVotes == nil {
		return Votes{}
	}
	return b.LastVotes
}

// ContentHash digests the block exactly as sent, embedded hashes and
// evidence included. The proposal tx signs it, so the proposer stays bound
// to the content even when the embedded hash is wrong.
func (b *Block) ContentHash() tmbytes.HexBytes {
	return canonical.MustHash(b)
}

// VerifyHash recomputes every derived hash and compares it to the embedded
// one.
func (b *Block) VerifyHash() error {
	if !bytes.Equal(b.Transactions.Hash(), b.TransactionsHash) {
		return ErrTxsHashMismatch
	}
	if !bytes.Equal(b.LastVotes.Hash(), b.LastVotesHash) {
		return ErrLastVotesHashMismatch
	}
	if b.ComputeSize() != b.Size {
		return fmt.Errorf("size mismatch: header %d, computed %d", b.Size, b.ComputeSize())
	}
	if !bytes.Equal(b.Header.ComputeHash(), b.Hash) {
		return ErrBlockHashMismatch
	}
	return nil
}

// ValidateBasic checks required fields. It does not verify hashes.
func (b *Block) ValidateBasic() error {
	if b == nil {
		return errors.New("nil block")
	}
	if b.Number < 0 || b.Epoch < 0 {
		return errors.New("negative number or epoch")
	}
	if len(b.Hash) == 0 {
		return errors.New("block has no hash")
	}
	if b.Number > 0 && len(b.LastHash) == 0 {
		return errors.New("block has no last_hash")
	}
	if err := b.Proposer.ValidateBasic(); err != nil {
		return errors.Wrap(err, "invalid proposer")
	}
	if err := b.Validators.ValidateBasic(); err != nil {
		return err
	}
	for i, tx := range b.Transactions {
		if tx == nil {
			return fmt.Errorf("transaction #%d is nil", i)
		}
	}
	for i, vote := range b.LastVotes {
		if vote == nil {
			return fmt.Errorf("last vote #%d is nil", i)
		}
	}
	return nil
}

func (b *Block) String() string {
	if b == nil {
		return "nil-Block"
	}
	return fmt.Sprintf("Block{#%d/%d %X proposer:%v txs:%d votes:%d}",
		b.Number, b.Epoch, []byte(b.Hash), b.Proposer, len(b.Transactions), len(b.LastVotes))
}

// MakeGenesisBlock builds block 0 over the initial validator snapshot.
func MakeGenesisBlock(genDoc *GenesisDoc, vals Validators, stateProofHash tmbytes.HexBytes) *Block {
	var proposer Address
	if addrs := vals.Addresses(); len(addrs) > 0 {
		proposer = addrs[0]
	}
	block := MakeBlock(0, 0, nil, nil, nil, proposer, vals, genDoc.GenesisTimeMs())
	block.FillHeader(stateProofHash)
	return block
}
