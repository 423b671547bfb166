package evidence

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

var (
	ErrEvidenceVoteFromNonValidator = errors.New("evidence vote from an address outside the validator snapshot")
	ErrEvidenceDuplicateVoter       = errors.New("evidence carries two votes from one address")
)

// Verify checks that ev proves what it claims against the validator
// snapshot vals of the evidence block's height: the offender signed a
// proposal tx for exactly the evidence block, and every vote is a correctly
// signed against-vote of the evidence's type, for the evidence block, from a
// distinct member of vals with the stake vals records. Whether the block is
// really invalid takes the parent state; see state.BlockExecutor.
func Verify(ev *types.OffenseEvidence, vals types.Validators) error {
	if err := ev.ValidateBasic(); err != nil {
		return err
	}
	seen := make(map[types.Address]bool, len(ev.Votes))
	for _, vote := range ev.Votes {
		if vote.Number != ev.Block.Number {
			return fmt.Errorf("evidence vote from %v is for height %d, block is %d", vote.Address, vote.Number, ev.Block.Number)
		}
		info, ok := vals.Get(vote.Address)
		if !ok || info.Stake <= 0 {
			return errors.Wrapf(ErrEvidenceVoteFromNonValidator, "%v", vote.Address)
		}
		if info.Stake != vote.Stake {
			return fmt.Errorf("evidence vote from %v carries stake %d, snapshot has %d", vote.Address, vote.Stake, info.Stake)
		}
		if seen[vote.Address] {
			return errors.Wrapf(ErrEvidenceDuplicateVoter, "%v", vote.Address)
		}
		seen[vote.Address] = true
		if err := vote.ValidateBasic(); err != nil {
			return errors.Wrapf(err, "evidence vote from %v", vote.Address)
		}
	}
	return nil
}

// Summarize counts one offense per evidence record, per offender and type.
func Summarize(list types.EvidenceList) types.OffenseSummary {
	summary := types.OffenseSummary{}
	for addr, evs := range list {
		for _, ev := range evs {
			summary.Add(addr, ev.OffenseType, 1)
		}
	}
	return summary
}

// Group keys evidence records by offender in a deterministic order.
func Group(evs []*types.OffenseEvidence) types.EvidenceList {
	if len(evs) == 0 {
		return nil
	}
	list := types.EvidenceList{}
	for _, ev := range evs {
		list[ev.Offender()] = append(list[ev.Offender()], ev)
	}
	for _, evs := range list {
		sortEvidence(evs)
	}
	return list
}

func sortEvidence(evs []*types.OffenseEvidence) {
	sort.SliceStable(evs, func(i, j int) bool {
		bi, bj := evs[i].Block, evs[j].Block
		if bi.Epoch != bj.Epoch {
			return bi.Epoch < bj.Epoch
		}
		return bytes.Compare(bi.Hash, bj.Hash) < 0
	})
}
