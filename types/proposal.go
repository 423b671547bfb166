package types

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"github.com/ainblockchain/ain-blockchain-sub002/libs/canonical"
)

// ProposalTx is the proposer's signed record of a candidate block. It
// carries the offense summary of the evidence the block embeds and the
// digest of the block content.
type ProposalTx struct {
	Number       int64            `json:"number"`
	Epoch        int64            `json:"epoch"`
	BlockHash    tmbytes.HexBytes `json:"block_hash"`
	ContentHash  tmbytes.HexBytes `json:"content_hash"`
	LastHash     tmbytes.HexBytes `json:"last_hash"`
	Proposer     Address          `json:"proposer"`
	TotalAtStake int64            `json:"total_at_stake"`
	Offenses     OffenseSummary   `json:"offenses,omitempty"`
	Timestamp    int64            `json:"timestamp"`

	PubKey    tmbytes.HexBytes `json:"pub_key"`
	Signature tmbytes.HexBytes `json:"signature"`
}

// NewProposalTx describes block. The caller signs it.
func NewProposalTx(block *Block, offenses OffenseSummary, timestamp int64) *ProposalTx {
	return &ProposalTx{
		Number:       block.Number,
		Epoch:        block.Epoch,
		BlockHash:    block.Hash,
		ContentHash:  block.ContentHash(),
		LastHash:     block.LastHash,
		Proposer:     block.Proposer,
		TotalAtStake: block.Validators.TotalStake(),
		Offenses:     offenses,
		Timestamp:    timestamp,
	}
}

func (ptx *ProposalTx) SignBytes() []byte {
	cpy := *ptx
	cpy.Signature = nil
	bz, err := canonical.Marshal(cpy)
	if err != nil {
		panic(err)
	}
	return bz
}

func (ptx *ProposalTx) ValidateBasic() error {
	if ptx == nil {
		return errors.New("nil proposal tx")
	}
	if ptx.Number < 0 || ptx.Epoch < 0 {
		return errors.New("negative number or epoch")
	}
	if len(ptx.BlockHash) == 0 {
		return errors.New("proposal tx has no block_hash")
	}
	if len(ptx.ContentHash) == 0 {
		return errors.New("proposal tx has no content_hash")
	}
	if err := ptx.Proposer.ValidateBasic(); err != nil {
		return errors.Wrap(err, "invalid proposer")
	}
	return VerifySignature(ptx.Proposer, ptx.PubKey, ptx.SignBytes(), ptx.Signature)
}

// Describes reports whether the proposal tx refers to block, content
// included.
func (ptx *ProposalTx) Describes(block *Block) error {
	switch {
	case ptx.Number != block.Number:
		return fmt.Errorf("proposal number %d, block %d", ptx.Number, block.Number)
	case ptx.Epoch != block.Epoch:
		return fmt.Errorf("proposal epoch %d, block %d", ptx.Epoch, block.Epoch)
	case !bytes.Equal(ptx.BlockHash, block.Hash):
		return fmt.Errorf("proposal block_hash %X, block %X", []byte(ptx.BlockHash), []byte(block.Hash))
	case !bytes.Equal(ptx.LastHash, block.LastHash):
		return fmt.Errorf("proposal last_hash %X, block %X", []byte(ptx.LastHash), []byte(block.LastHash))
	case ptx.Proposer != block.Proposer:
		return fmt.Errorf("proposal proposer %v, block %v", ptx.Proposer, block.Proposer)
	case ptx.TotalAtStake != block.Validators.TotalStake():
		return fmt.Errorf("proposal total_at_stake %d, block %d", ptx.TotalAtStake, block.Validators.TotalStake())
	}
	if content := block.ContentHash(); !bytes.Equal(ptx.ContentHash, content) {
		return fmt.Errorf("proposal content_hash %X, block %X", []byte(ptx.ContentHash), []byte(content))
	}
	return nil
}

func (ptx *ProposalTx) String() string {
	return fmt.Sprintf("ProposalTx{#%d/%d %X by %v}", ptx.Number, ptx.Epoch, []byte(ptx.BlockHash), ptx.Proposer)
}
