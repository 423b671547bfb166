package state

import (
	"encoding/binary"
	"sort"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/tmhash"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

const validatorCacheSize = 128

// ValidatorSetManager derives the validator snapshot of the next block from
// the staking records. It holds no state of its own.
type ValidatorSetManager struct {
	maxNumValidators int
}

func NewValidatorSetManager(maxNumValidators int) *ValidatorSetManager {
	return &ValidatorSetManager{maxNumValidators: maxNumValidators}
}

func (m *ValidatorSetManager) MaxNumValidators() int {
	return m.maxNumValidators
}

// Rank orders every address with positive stake: stake descending, then the
// later expire_at, then ascending address. The result is truncated to the
// maximum number of validators.
func (m *ValidatorSetManager) Rank(stakes map[types.Address]types.StakeRecord) []types.Address {
	addrs := make([]types.Address, 0, len(stakes))
	for addr, rec := range stakes {
		if rec.Amount > 0 {
			addrs = append(addrs, addr)
		}
	}
	sort.Slice(addrs, func(i, j int) bool {
		a, b := stakes[addrs[i]], stakes[addrs[j]]
		if a.Amount != b.Amount {
			return a.Amount > b.Amount
		}
		if a.ExpireAt != b.ExpireAt {
			return a.ExpireAt > b.ExpireAt
		}
		return addrs[i] < addrs[j]
	})
	if m.maxNumValidators > 0 && len(addrs) > m.maxNumValidators {
		addrs = addrs[:m.maxNumValidators]
	}
	return addrs
}

// Next builds the snapshot for the block after the one whose snapshot is
// prev. An address new to the set has no proposal right yet.
func (m *ValidatorSetManager) Next(stakes map[types.Address]types.StakeRecord, prev types.Validators) types.Validators {
	ranked := m.Rank(stakes)
	vals := make(types.Validators, len(ranked))
	for _, addr := range ranked {
		vals[addr] = types.ValidatorInfo{
			Stake:         stakes[addr].Amount,
			ProposalRight: prev.Has(addr),
		}
	}
	return vals
}

// Genesis builds the snapshot of block 0. Every genesis validator may
// propose.
func (m *ValidatorSetManager) Genesis(stakes map[types.Address]types.StakeRecord) types.Validators {
	vals := m.Next(stakes, nil)
	for addr, info := range vals {
		info.ProposalRight = true
		vals[addr] = info
	}
	return vals
}

// SelectProposer picks the proposer of (lastHash, epoch) among the
// validators holding proposal right, or among all of them when none does.
// The pick is stake-weighted and seeded by the hash of lastHash and epoch, so
// every node computes the same proposer.
func SelectProposer(vals types.Validators, lastHash []byte, epoch int64) types.Address {
	var candidates []types.Address
	for _, addr := range vals.Addresses() {
		if vals[addr].ProposalRight {
			candidates = append(candidates, addr)
		}
	}
	if len(candidates) == 0 {
		candidates = vals.Addresses()
	}

	var total uint64
	for _, addr := range candidates {
		total += uint64(vals[addr].Stake)
	}
	if total == 0 {
		return ""
	}

	seed := make([]byte, len(lastHash)+8)
	copy(seed, lastHash)
	binary.BigEndian.PutUint64(seed[len(lastHash):], uint64(epoch))
	r := binary.BigEndian.Uint64(tmhash.Sum(seed)[:8]) % total

	for _, addr := range candidates {
		stake := uint64(vals[addr].Stake)
		if r < stake {
			return addr
		}
		r -= stake
	}
	return candidates[len(candidates)-1]
}

//-----------------------------------------------------------------------------

// ValidatorHistory is the height-versioned record of validator snapshots.
// Votes on a block are always tallied against the snapshot recorded for that
// block's height, never a later one.
type ValidatorHistory struct {
	store ValidatorStore
	cache *lru.Cache

	logger log.Logger
}

func NewValidatorHistory(store ValidatorStore) *ValidatorHistory {
	cache, err := lru.New(validatorCacheSize)
	if err != nil {
		panic(err)
	}
	return &ValidatorHistory{store: store, cache: cache, logger: log.NewNopLogger()}
}

func (h *ValidatorHistory) SetLogger(l log.Logger) {
	h.logger = l
}

// Record saves the snapshot of the block at height.
func (h *ValidatorHistory) Record(height int64, vals types.Validators) error {
	if err := h.store.SaveValidators(height, vals); err != nil {
		return errors.Wrapf(err, "save validators at %d", height)
	}
	h.cache.Add(height, vals.Copy())
	return nil
}

// At returns a copy of the snapshot recorded at height.
func (h *ValidatorHistory) At(height int64) (types.Validators, error) {
	if v, ok := h.cache.Get(height); ok {
		return v.(types.Validators).Copy(), nil
	}
	vals, err := h.store.LoadValidators(height)
	if err != nil {
		return nil, err
	}
	h.cache.Add(height, vals)
	return vals.Copy(), nil
}
