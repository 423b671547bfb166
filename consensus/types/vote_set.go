package types

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

var (
	ErrVoteFromUnknownValidator = errors.New("vote from an address outside the validator snapshot")
	ErrVoteUnexpectedHeight     = errors.New("vote for another height")
	ErrVoteStakeMismatch        = errors.New("vote stake differs from the validator snapshot")
)

// VoteSet collects the votes of one height, for every candidate block of
// that height, against the validator snapshot the candidates carry. Each
// address holds at most one vote per block; a later vote replaces it.
type VoteSet struct {
	mtx    sync.RWMutex
	height int64
	vals   types.Validators
	total  int64

	votes map[string]map[types.Address]*types.Vote // block hash -> voter -> vote
}

func NewVoteSet(height int64, vals types.Validators) *VoteSet {
	return &VoteSet{
		height: height,
		vals:   vals.Copy(),
		total:  vals.TotalStake(),
		votes:  make(map[string]map[types.Address]*types.Vote),
	}
}

func (vs *VoteSet) Height() int64 {
	return vs.height
}

// TotalStake is the stake of the whole snapshot.
func (vs *VoteSet) TotalStake() int64 {
	return vs.total
}

// AddVote checks vote against the snapshot and stores it. It reports
// whether the stored vote for (block, voter) changed.
func (vs *VoteSet) AddVote(vote *types.Vote) (bool, error) {
	if vote == nil {
		return false, errors.New("nil vote")
	}
	if vote.Number != vs.height {
		return false, errors.Wrapf(ErrVoteUnexpectedHeight, "want %d, got %d", vs.height, vote.Number)
	}
	info, ok := vs.vals.Get(vote.Address)
	if !ok || info.Stake <= 0 {
		return false, errors.Wrapf(ErrVoteFromUnknownValidator, "%v", vote.Address)
	}
	if vote.Stake != info.Stake {
		return false, errors.Wrapf(ErrVoteStakeMismatch, "%v: vote %d, snapshot %d", vote.Address, vote.Stake, info.Stake)
	}
	if err := vote.ValidateBasic(); err != nil {
		return false, err
	}

	vs.mtx.Lock()
	defer vs.mtx.Unlock()

	key := string(vote.BlockHash)
	byVoter, ok := vs.votes[key]
	if !ok {
		byVoter = make(map[types.Address]*types.Vote)
		vs.votes[key] = byVoter
	}
	if prev, ok := byVoter[vote.Address]; ok && prev.IsAgainst == vote.IsAgainst &&
		prev.OffenseType == vote.OffenseType && prev.Signature.String() == vote.Signature.String() {
		return false, nil
	}
	byVoter[vote.Address] = vote.Copy()
	return true, nil
}

// Tally sums the snapshot stake of the supporting votes for blockHash.
func (vs *VoteSet) Tally(blockHash tmbytes.HexBytes) int64 {
	vs.mtx.RLock()
	defer vs.mtx.RUnlock()
	return vs.tally(blockHash, false)
}

// AgainstTally sums the snapshot stake of the against-votes for blockHash.
func (vs *VoteSet) AgainstTally(blockHash tmbytes.HexBytes) int64 {
	vs.mtx.RLock()
	defer vs.mtx.RUnlock()
	return vs.tally(blockHash, true)
}

func (vs *VoteSet) tally(blockHash tmbytes.HexBytes, against bool) int64 {
	var sum int64
	for addr, vote := range vs.votes[string(blockHash)] {
		if vote.IsAgainst == against {
			sum += vs.vals[addr].Stake
		}
	}
	return sum
}

// HasMajority reports whether blockHash is finalized by its supporting
// votes. The verdict depends on the stored votes only.
func (vs *VoteSet) HasMajority(blockHash tmbytes.HexBytes) bool {
	return types.HasMajority(vs.Tally(blockHash), vs.total)
}

// HasAgainst reports whether any against-vote was seen for blockHash.
func (vs *VoteSet) HasAgainst(blockHash tmbytes.HexBytes) bool {
	return len(vs.AgainstVotes(blockHash)) > 0
}

// SupportVotes lists the supporting votes for blockHash by address.
func (vs *VoteSet) SupportVotes(blockHash tmbytes.HexBytes) types.Votes {
	return vs.filter(blockHash, func(v *types.Vote) bool { return !v.IsAgainst })
}

// AgainstVotes lists the against-votes for blockHash by address.
func (vs *VoteSet) AgainstVotes(blockHash tmbytes.HexBytes) types.Votes {
	return vs.filter(blockHash, func(v *types.Vote) bool { return v.IsAgainst })
}

// Votes lists every vote for blockHash by address.
func (vs *VoteSet) Votes(blockHash tmbytes.HexBytes) types.Votes {
	return vs.filter(blockHash, func(*types.Vote) bool { return true })
}

func (vs *VoteSet) filter(blockHash tmbytes.HexBytes, keep func(*types.Vote) bool) types.Votes {
	vs.mtx.RLock()
	defer vs.mtx.RUnlock()

	votes := types.Votes{}
	for _, vote := range vs.votes[string(blockHash)] {
		if keep(vote) {
			votes = append(votes, vote.Copy())
		}
	}
	votes.SortByAddress()
	return votes
}

// BlockHashes lists every block hash with at least one vote.
func (vs *VoteSet) BlockHashes() []tmbytes.HexBytes {
	vs.mtx.RLock()
	defer vs.mtx.RUnlock()

	hashes := make([]tmbytes.HexBytes, 0, len(vs.votes))
	for h := range vs.votes {
		hashes = append(hashes, tmbytes.HexBytes(h))
	}
	sort.Slice(hashes, func(i, j int) bool { return string(hashes[i]) < string(hashes[j]) })
	return hashes
}

func (vs *VoteSet) String() string {
	vs.mtx.RLock()
	defer vs.mtx.RUnlock()

	keys := make([]string, 0, len(vs.votes))
	for h := range vs.votes {
		keys = append(keys, h)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, h := range keys {
		parts = append(parts, fmt.Sprintf("%X:%d/%d", tmbytes.Fingerprint([]byte(h)), vs.tally(tmbytes.HexBytes(h), false), vs.total))
	}
	return fmt.Sprintf("VoteSet{#%d %s}", vs.height, strings.Join(parts, " "))
}
