package types

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"github.com/ainblockchain/ain-blockchain-sub002/libs/canonical"
)

// Vote is a signed statement of one validator about one candidate block.
// Stake is the validator's stake in the snapshot of the block voted on.
type Vote struct {
	Number      int64            `json:"block_number"`
	BlockHash   tmbytes.HexBytes `json:"block_hash"`
	Address     Address          `json:"address"`
	Stake       int64            `json:"stake"`
	IsAgainst   bool             `json:"is_against,omitempty"`
	OffenseType OffenseType      `json:"offense_type,omitempty"`
	Timestamp   int64            `json:"timestamp"`

	PubKey    tmbytes.HexBytes `json:"pub_key"`
	Signature tmbytes.HexBytes `json:"signature"`
}

// ValidateBasic checks the required fields and the signature. It does not
// check membership in any validator snapshot.
func (vote *Vote) ValidateBasic() error {
	if vote == nil {
		return errors.New("nil vote")
	}
	if vote.Number < 0 {
		return errors.New("negative block number")
	}
	if len(vote.BlockHash) == 0 {
		return errors.New("vote has no block_hash")
	}
	if err := vote.Address.ValidateBasic(); err != nil {
		return err
	}
	if vote.Stake <= 0 {
		return errors.New("vote has non-positive stake")
	}
	if vote.IsAgainst && vote.OffenseType == "" {
		return errors.New("against-vote without offense_type")
	}
	if !vote.IsAgainst && vote.OffenseType != "" {
		return errors.New("offense_type on a supporting vote")
	}
	return VerifySignature(vote.Address, vote.PubKey, vote.SignBytes(), vote.Signature)
}

// SignBytes is the canonical form of the vote without its signature.
func (vote *Vote) SignBytes() []byte {
	cpy := *vote
	cpy.Signature = nil
	bz, err := canonical.Marshal(cpy)
	if err != nil {
		panic(err)
	}
	return bz
}

func (vote *Vote) Copy() *Vote {
	cpy := *vote
	return &cpy
}

func (vote *Vote) String() string {
	if vote == nil {
		return "nil-Vote"
	}
	kind := "for"
	if vote.IsAgainst {
		kind = fmt.Sprintf("against(%v)", vote.OffenseType)
	}
	return fmt.Sprintf("Vote{#%d %X %v %d %s}", vote.Number, []byte(vote.BlockHash), vote.Address, vote.Stake, kind)
}

// Votes is an ordered vote list, as embedded in a block's last_votes.
type Votes []*Vote

// Hash is the canonical hash of the list.
func (votes Votes) Hash() tmbytes.HexBytes {
	if votes == nil {
		votes = Votes{}
	}
	return canonical.MustHash(votes)
}

// SortByAddress sorts in place by ascending voter address.
func (votes Votes) SortByAddress() {
	sort.SliceStable(votes, func(i, j int) bool {
		return votes[i].Address < votes[j].Address
	})
}

// TotalStake sums the stake carried by the votes.
func (votes Votes) TotalStake() int64 {
	var total int64
	for _, v := range votes {
		total += v.Stake
	}
	return total
}
