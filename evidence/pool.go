package evidence

import (
	"fmt"
	"sync"

	"github.com/tendermint/tendermint/libs/log"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

type evidenceKey struct {
	offender  types.Address
	blockHash string
}

func keyOf(ev *types.OffenseEvidence) evidenceKey {
	return evidenceKey{offender: ev.Offender(), blockHash: string(ev.Block.Hash)}
}

// Pool holds evidence captured when a round is rejected until a proposal at
// the same height carries it. Entries are deduplicated by (offender, block).
type Pool struct {
	mtx     sync.Mutex
	pending map[int64]map[evidenceKey]*types.OffenseEvidence

	logger log.Logger
}

func NewPool() *Pool {
	return &Pool{
		pending: make(map[int64]map[evidenceKey]*types.OffenseEvidence),
		logger:  log.NewNopLogger(),
	}
}

func (p *Pool) SetLogger(l log.Logger) {
	p.logger = l
}

// Add stores ev, or refreshes the stored copy when ev carries more votes for
// the same block. It reports whether the pool changed.
func (p *Pool) Add(ev *types.OffenseEvidence) (bool, error) {
	if err := ev.ValidateBasic(); err != nil {
		return false, err
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()

	height := ev.Block.Number
	m, ok := p.pending[height]
	if !ok {
		m = make(map[evidenceKey]*types.OffenseEvidence)
		p.pending[height] = m
	}
	key := keyOf(ev)
	if prev, ok := m[key]; ok && len(prev.Votes) >= len(ev.Votes) {
		return false, nil
	}
	m[key] = ev
	p.logger.Info("evidence pooled", "height", height, "offender", key.offender, "votes", len(ev.Votes))
	return true, nil
}

// Pending lists the evidence for height grouped by offender.
func (p *Pool) Pending(height int64) types.EvidenceList {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	evs := make([]*types.OffenseEvidence, 0, len(p.pending[height]))
	for _, ev := range p.pending[height] {
		evs = append(evs, ev)
	}
	return Group(evs)
}

// Update drops everything at or below the committed height.
func (p *Pool) Update(committed int64) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for h := range p.pending {
		if h <= committed {
			delete(p.pending, h)
		}
	}
}

func (p *Pool) Size() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	n := 0
	for _, m := range p.pending {
		n += len(m)
	}
	return n
}

func (p *Pool) String() string {
	return fmt.Sprintf("EvidencePool{%d}", p.Size())
}
