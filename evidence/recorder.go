package evidence

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

// Store is the part of the state store the recorder writes to.
type Store interface {
	AppendEvidence(addr types.Address, ev *types.OffenseEvidence) error
	HasEvidence(addr types.Address, blockHash tmbytes.HexBytes) (bool, error)
	// WriteOffenseRecord adds delta to the counter and returns the new total.
	WriteOffenseRecord(addr types.Address, delta int64) (int64, error)
	ExtendStakeLockup(addr types.Address, durationMs int64) error
}

var ErrOutOfOrder = errors.New("evidence recorded out of height order")

// Penalty is what one recorded event did to an offender.
type Penalty struct {
	Offender    types.Address     `json:"offender"`
	OffenseType types.OffenseType `json:"offense_type"`
	BlockHash   tmbytes.HexBytes  `json:"block_hash"`
	Total       int64             `json:"total"`
	ExtensionMs int64             `json:"extension_ms"`
}

// Recorder persists the evidence carried by committed blocks and penalizes
// the offenders. It must see blocks in height order.
type Recorder struct {
	policy LockupPolicy

	lastHeight int64
	logger     log.Logger
}

func NewRecorder(policy LockupPolicy) *Recorder {
	return &Recorder{
		policy: policy,
		logger: log.NewNopLogger(),
	}
}

func (r *Recorder) SetLogger(l log.Logger) {
	r.logger = l
}

// Record applies the evidence of the block committed at height to store.
// Each (offender, block) pair is applied at most once, however often it is
// seen.
func (r *Recorder) Record(ctx context.Context, store Store, height int64, list types.EvidenceList) ([]Penalty, error) {
	if height < r.lastHeight {
		return nil, errors.Wrapf(ErrOutOfOrder, "height %d after %d", height, r.lastHeight)
	}
	r.lastHeight = height

	offenders := make(types.Addresses, 0, len(list))
	for addr := range list {
		offenders = append(offenders, addr)
	}
	sort.Sort(offenders)

	var penalties []Penalty
	for _, addr := range offenders {
		evs := append([]*types.OffenseEvidence(nil), list[addr]...)
		sortEvidence(evs)
		for _, ev := range evs {
			if err := ctx.Err(); err != nil {
				return penalties, err
			}
			if ev.Offender() != addr {
				return penalties, fmt.Errorf("evidence listed under %v names offender %v", addr, ev.Offender())
			}
			p, applied, err := r.recordOne(store, addr, ev)
			if err != nil {
				return penalties, err
			}
			if applied {
				penalties = append(penalties, p)
			}
		}
	}
	return penalties, nil
}

func (r *Recorder) recordOne(store Store, addr types.Address, ev *types.OffenseEvidence) (Penalty, bool, error) {
	seen, err := store.HasEvidence(addr, ev.Block.Hash)
	if err != nil {
		return Penalty{}, false, err
	}
	if seen {
		r.logger.Debug("evidence already recorded", "offender", addr, "block", ev.Block.Hash)
		return Penalty{}, false, nil
	}

	if err := store.AppendEvidence(addr, ev); err != nil {
		return Penalty{}, false, errors.Wrap(err, "append evidence")
	}
	total, err := store.WriteOffenseRecord(addr, 1)
	if err != nil {
		return Penalty{}, false, errors.Wrap(err, "write offense record")
	}
	ext := r.policy(1, total)
	if ext > 0 {
		if err := store.ExtendStakeLockup(addr, ext); err != nil {
			return Penalty{}, false, errors.Wrap(err, "extend stake lockup")
		}
	}

	r.logger.Info("offense recorded", "offender", addr, "type", ev.OffenseType,
		"block", ev.Block.Hash, "total", total, "extension_ms", ext)
	return Penalty{
		Offender:    addr,
		OffenseType: ev.OffenseType,
		BlockHash:   ev.Block.Hash,
		Total:       total,
		ExtensionMs: ext,
	}, true, nil
}
