package types

import (
	"fmt"
	"sync"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

//-----------------------------------------------------------------------------
// RoundStepType enum type

// RoundStepType enumerates the state of the consensus state machine
type RoundStepType uint8

// RoundStepType
const (
	RoundStepAwaitingProposal = RoundStepType(0x01)
	RoundStepCollectingVotes  = RoundStepType(0x02) // a valid-looking proposal was accepted
	RoundStepFinalized        = RoundStepType(0x03)
	RoundStepRejected         = RoundStepType(0x04) // terminal for the candidate only
	RoundStepAbandoned        = RoundStepType(0x05) // the epoch ended without a verdict
)

func (rs RoundStepType) String() string {
	switch rs {
	case RoundStepAwaitingProposal:
		return "AWAITING_PROPOSAL"
	case RoundStepCollectingVotes:
		return "COLLECTING_VOTES"
	case RoundStepFinalized:
		return "FINALIZED"
	case RoundStepRejected:
		return "REJECTED"
	case RoundStepAbandoned:
		return "ABANDONED"
	default:
		return "RoundStepUnknown" // Cannot panic.
	}
}

func (rs RoundStepType) IsTerminal() bool {
	return rs == RoundStepFinalized || rs == RoundStepRejected || rs == RoundStepAbandoned
}

// Candidate is a proposal seen at the current height with the local verdict
// on it. Rejected is terminal: once an against-vote for the candidate has
// been seen, it never finalizes, whatever support it gathers later.
type Candidate struct {
	Block      *types.Block
	ProposalTx *types.ProposalTx
	Valid      bool
	Reason     string // why the block is invalid
	Rejected   bool
}

// RoundState is the state of the round at (Height, Epoch). Votes is shared
// by every epoch of the height.
type RoundState struct {
	Height     int64
	Epoch      int64
	Step       RoundStepType
	StartTime  int64 // unix ms
	Proposer   types.Address
	Validators types.Validators

	Proposal   *Candidate // the candidate of this epoch
	Candidates map[string]*Candidate
	Votes      *VoteSet
}

// NewHeightRoundState opens the first round of height.
func NewHeightRoundState(height, epoch int64, vals types.Validators) *RoundState {
	return &RoundState{
		Height:     height,
		Epoch:      epoch,
		Step:       RoundStepAwaitingProposal,
		Validators: vals,
		Candidates: make(map[string]*Candidate),
		Votes:      NewVoteSet(height, vals),
	}
}

// Candidate returns the candidate with hash, if it was seen.
func (rs *RoundState) Candidate(hash tmbytes.HexBytes) (*Candidate, bool) {
	c, ok := rs.Candidates[string(hash)]
	return c, ok
}

func (rs *RoundState) String() string {
	var hash tmbytes.HexBytes
	if rs.Proposal != nil {
		hash = rs.Proposal.Block.Hash
	}
	return fmt.Sprintf("RoundState{#%d/%d %v proposer:%v proposal:%X %v}",
		rs.Height, rs.Epoch, rs.Step, rs.Proposer, tmbytes.Fingerprint(hash), rs.Votes)
}

//-----------------------------------------------------------------------------

// RoundRecord is the audit record of one round.
type RoundRecord struct {
	Height       int64            `json:"height"`
	Epoch        int64            `json:"epoch"`
	Proposer     types.Address    `json:"proposer"`
	Step         string           `json:"step"`
	BlockHash    tmbytes.HexBytes `json:"block_hash,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Tally        int64            `json:"tally"`
	AgainstTally int64            `json:"against_tally"`
	TotalStake   int64            `json:"total_stake"`
	Votes        types.Votes      `json:"votes"`
}

// MakeRoundRecord snapshots rs with the votes collected for its proposal.
func MakeRoundRecord(rs *RoundState) RoundRecord {
	rec := RoundRecord{
		Height:     rs.Height,
		Epoch:      rs.Epoch,
		Proposer:   rs.Proposer,
		Step:       rs.Step.String(),
		TotalStake: rs.Votes.TotalStake(),
		Votes:      types.Votes{},
	}
	if rs.Proposal != nil {
		hash := rs.Proposal.Block.Hash
		rec.BlockHash = hash
		rec.Reason = rs.Proposal.Reason
		rec.Tally = rs.Votes.Tally(hash)
		rec.AgainstTally = rs.Votes.AgainstTally(hash)
		rec.Votes = rs.Votes.Votes(hash)
	}
	return rec
}

// RoundHistory keeps the records of the last heights.
type RoundHistory struct {
	mtx      sync.RWMutex
	maxSize  int
	heights  []int64
	byHeight map[int64][]RoundRecord
}

func NewRoundHistory(maxHeights int) *RoundHistory {
	return &RoundHistory{
		maxSize:  maxHeights,
		byHeight: make(map[int64][]RoundRecord),
	}
}

// Add appends rec, evicting the oldest height when full.
func (h *RoundHistory) Add(rec RoundRecord) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if _, ok := h.byHeight[rec.Height]; !ok {
		h.heights = append(h.heights, rec.Height)
		if h.maxSize > 0 && len(h.heights) > h.maxSize {
			delete(h.byHeight, h.heights[0])
			h.heights = h.heights[1:]
		}
	}
	h.byHeight[rec.Height] = append(h.byHeight[rec.Height], rec)
}

// Get returns the rounds of height in the order they ended.
func (h *RoundHistory) Get(height int64) []RoundRecord {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	return append([]RoundRecord(nil), h.byHeight[height]...)
}

// Heights lists the retained heights, oldest first.
func (h *RoundHistory) Heights() []int64 {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	return append([]int64(nil), h.heights...)
}
