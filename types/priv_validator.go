package types

import (
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// PrivValidator signs consensus objects on behalf of one validator.
type PrivValidator interface {
	GetPubKey() tmbytes.HexBytes
	GetAddress() Address

	SignVote(vote *Vote) error
	SignProposal(ptx *ProposalTx) error
}

//----------------------------------------

// MockPV implements PrivValidator without any safety or persistence.
// Only use it for testing.
type MockPV struct {
	PrivKey PrivKey
}

func NewMockPV() MockPV {
	return MockPV{GenPrivKey()}
}

// NewMockPVWithSeed returns a PV whose key is derived from seed.
func NewMockPVWithSeed(seed string) MockPV {
	return MockPV{GenPrivKeyFromSeed([]byte(seed))}
}

func (pv MockPV) GetPubKey() tmbytes.HexBytes {
	return pv.PrivKey.PubKey()
}

func (pv MockPV) GetAddress() Address {
	return pv.PrivKey.Address()
}

func (pv MockPV) SignVote(vote *Vote) error {
	return SignVote(pv.PrivKey, vote)
}

func (pv MockPV) SignProposal(ptx *ProposalTx) error {
	return SignProposal(pv.PrivKey, ptx)
}

func (pv MockPV) String() string {
	return fmt.Sprintf("MockPV{%v}", pv.GetAddress())
}

// SignVote fills the signer fields of vote and signs it with key.
func SignVote(key PrivKey, vote *Vote) error {
	vote.Address = key.Address()
	vote.PubKey = key.PubKey()
	sig, err := key.Sign(vote.SignBytes())
	if err != nil {
		return err
	}
	vote.Signature = sig
	return nil
}

// SignProposal fills the signer fields of ptx and signs it with key.
func SignProposal(key PrivKey, ptx *ProposalTx) error {
	ptx.Proposer = key.Address()
	ptx.PubKey = key.PubKey()
	sig, err := key.Sign(ptx.SignBytes())
	if err != nil {
		return err
	}
	ptx.Signature = sig
	return nil
}
