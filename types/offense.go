package types

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
)

// OffenseType is an open enum. Unknown values decode and round-trip.
type OffenseType string

const (
	InvalidProposal OffenseType = "INVALID_PROPOSAL"
)

// OffenseEvidence proves one misbehavior event of a proposer: the offending
// block, its transactions, the proposal tx the proposer signed for it and
// every against-vote collected for it.
type OffenseEvidence struct {
	OffenseType  OffenseType `json:"offense_type"`
	Block        *Block      `json:"block"`
	Transactions Txs         `json:"transactions"`
	ProposalTx   *ProposalTx `json:"proposal_tx"`
	Votes        Votes       `json:"votes"`
}

// ValidateBasic checks the evidence is self-consistent and that the
// offender signed a proposal tx for exactly this block. Membership and
// signatures of the votes are checked by evidence.Verify; that the block is
// really invalid is up to the block executor.
func (ev *OffenseEvidence) ValidateBasic() error {
	if ev == nil {
		return errors.New("nil evidence")
	}
	if ev.OffenseType == "" {
		return errors.New("evidence has no offense_type")
	}
	if ev.Block == nil {
		return errors.New("evidence has no block")
	}
	if err := ev.ProposalTx.ValidateBasic(); err != nil {
		return errors.Wrap(err, "evidence proposal tx")
	}
	if err := ev.ProposalTx.Describes(ev.Block); err != nil {
		return errors.Wrap(err, "evidence proposal tx")
	}
	if !bytes.Equal(ev.Transactions.Hash(), ev.Block.Transactions.Hash()) {
		return errors.New("evidence transactions differ from the block's")
	}
	if len(ev.Votes) == 0 {
		return errors.New("evidence has no votes")
	}
	for i, vote := range ev.Votes {
		if vote == nil {
			return fmt.Errorf("evidence vote #%d is nil", i)
		}
		if !vote.IsAgainst {
			return fmt.Errorf("evidence vote #%d from %v is not an against-vote", i, vote.Address)
		}
		if vote.OffenseType != ev.OffenseType {
			return fmt.Errorf("evidence vote #%d has offense_type %q, want %q", i, vote.OffenseType, ev.OffenseType)
		}
		if !bytes.Equal(vote.BlockHash, ev.Block.Hash) {
			return fmt.Errorf("evidence vote #%d is for block %X, not %X", i, []byte(vote.BlockHash), []byte(ev.Block.Hash))
		}
	}
	return nil
}

// Offender is the proposer of the evidence block.
func (ev *OffenseEvidence) Offender() Address {
	if ev == nil || ev.Block == nil {
		return ""
	}
	return ev.Block.Proposer
}

func (ev *OffenseEvidence) String() string {
	if ev == nil {
		return "nil-OffenseEvidence"
	}
	return fmt.Sprintf("OffenseEvidence{%s by %v block #%d %X votes:%d}",
		ev.OffenseType, ev.Offender(), ev.Block.Number, []byte(ev.Block.Hash), len(ev.Votes))
}

// EvidenceList groups evidence by offending address, as carried in a block.
type EvidenceList map[Address][]*OffenseEvidence

// Count is the number of evidence records over all addresses.
func (el EvidenceList) Count() int {
	n := 0
	for _, evs := range el {
		n += len(evs)
	}
	return n
}

// OffenseSummary is the per-height aggregate address -> offense_type -> count.
type OffenseSummary map[Address]map[OffenseType]int64

func (s OffenseSummary) Add(addr Address, typ OffenseType, n int64) {
	m, ok := s[addr]
	if !ok {
		m = make(map[OffenseType]int64)
		s[addr] = m
	}
	m[typ] += n
}

// Total is the number of offenses summarized for addr.
func (s OffenseSummary) Total(addr Address) int64 {
	var total int64
	for _, n := range s[addr] {
		total += n
	}
	return total
}

// Equal compares two summaries, treating nil and empty as equal.
func (s OffenseSummary) Equal(other OffenseSummary) bool {
	if len(s) != len(other) {
		return false
	}
	for addr, m := range s {
		o, ok := other[addr]
		if !ok || len(o) != len(m) {
			return false
		}
		for typ, n := range m {
			if o[typ] != n {
				return false
			}
		}
	}
	return true
}
