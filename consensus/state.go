package consensus

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"

	cfg "github.com/ainblockchain/ain-blockchain-sub002/config"
	cstypes "github.com/ainblockchain/ain-blockchain-sub002/consensus/types"
	"github.com/ainblockchain/ain-blockchain-sub002/evidence"
	"github.com/ainblockchain/ain-blockchain-sub002/libs/metric"
	sm "github.com/ainblockchain/ain-blockchain-sub002/state"
	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

const (
	msgQueueSize = 1000

	// a proposal further ahead than this is dropped, not buffered
	maxFutureEpochs = 16
)

// ConsensusState drives one height at a time through its rounds. Every
// mutation runs on the receive routine under mtx.
type ConsensusState struct {
	service.BaseService

	config *cfg.ConsensusConfig

	blockExec sm.BlockExecutor
	evpool    *evidence.Pool

	// nil on a node that only follows the chain
	privVal types.PrivValidator
	gate    *types.ProtocolGate

	mtx sync.RWMutex
	cstypes.RoundState
	state     sm.State    // state after the last finalized block
	lastVotes types.Votes // votes that finalized it

	status       processStatus
	ticker       EpochTicker
	roundHistory *cstypes.RoundHistory
	now          func() int64 // unix ms

	peerMsgQueue     chan msgInfo
	internalMsgQueue chan msgInfo
	eventSwitch      events.EventSwitch

	// overridable in tests
	decideProposal func(height, epoch int64)
	setProposal    func(pv *types.ProposeValue) error
	onFatal        func(error)

	// proposals of this height for a later epoch, and messages of the next
	// height, replayed once the round gets there
	futureProposals map[int64]msgInfo
	futureMsgs      []msgInfo

	metrics    *Metrics
	jsonMetric *consensusMetric
}

type ConsensusOption func(*ConsensusState)

func NewConsensusState(
	config *cfg.ConsensusConfig,
	state sm.State,
	blockExec sm.BlockExecutor,
	evpool *evidence.Pool,
	options ...ConsensusOption,
) *ConsensusState {
	cs := &ConsensusState{
		config:           config,
		blockExec:        blockExec,
		evpool:           evpool,
		gate:             types.MustNewProtocolGate(config.ProtocolVersion),
		state:            state,
		ticker:           NewEpochTicker(),
		roundHistory:     cstypes.NewRoundHistory(config.RoundHistorySize),
		now:              unixMs,
		peerMsgQueue:     make(chan msgInfo, config.PeerQueueSize),
		internalMsgQueue: make(chan msgInfo, msgQueueSize),
		eventSwitch:      events.NewEventSwitch(),
		futureProposals:  make(map[int64]msgInfo),
		metrics:          NopMetrics(),
		jsonMetric:       newConsensusMetric(),
	}
	cs.decideProposal = cs.defaultDecideProposal
	cs.setProposal = cs.defaultSetProposal
	cs.onFatal = func(err error) { tmos.Exit(err.Error()) }

	cs.BaseService = *service.NewBaseService(nil, "CONSENSUS", cs)

	for _, opt := range options {
		opt(cs)
	}
	return cs
}

// SetPrivValidator makes the node vote, and propose when selected.
func SetPrivValidator(pv types.PrivValidator) ConsensusOption {
	return func(cs *ConsensusState) { cs.privVal = pv }
}

func WithMetrics(metrics *Metrics) ConsensusOption {
	return func(cs *ConsensusState) { cs.metrics = metrics }
}

// WithClock replaces the wall clock, in unix ms.
func WithClock(now func() int64) ConsensusOption {
	return func(cs *ConsensusState) { cs.now = now }
}

// WithFatalHandler replaces the process exit on a local commit failure.
func WithFatalHandler(f func(error)) ConsensusOption {
	return func(cs *ConsensusState) { cs.onFatal = f }
}

func unixMs() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// String implements Service.
func (cs *ConsensusState) String() string {
	return "ConsensusState"
}

func (cs *ConsensusState) SetLogger(logger log.Logger) {
	cs.Logger = logger
	cs.ticker.SetLogger(logger)
}

func (cs *ConsensusState) OnStart() error {
	cs.setStatus(StatusStarting)

	// a crash may have hit between the last commit and its bookkeeping
	if err := cs.blockExec.FinishCommit(context.Background(), cs.state); err != nil {
		return errors.Wrap(err, "finish last commit")
	}
	if cs.state.LastBlockNumber > 0 {
		votes, err := cs.blockExec.Store().LoadSeenVotes(cs.state.LastBlockNumber)
		if err != nil {
			return errors.Wrap(err, "load last votes")
		}
		if len(votes) == 0 {
			cs.Logger.Error("no votes saved for the last block; proposals of this node will be invalid",
				"height", cs.state.LastBlockNumber)
		}
		cs.lastVotes = votes
	}

	if err := cs.eventSwitch.Start(); err != nil {
		return err
	}
	if err := cs.ticker.Start(); err != nil {
		return err
	}

	cs.setStatus(StatusRunning)
	cs.mtx.Lock()
	cs.enterNewRound(cs.state.Height(), cs.clockEpoch())
	cs.mtx.Unlock()

	go cs.receiveRoutine()
	cs.Logger.Info("consensus receive routine started", "state", cs.state)
	return nil
}

func (cs *ConsensusState) OnStop() {
	cs.setStatus(StatusStopped)
	if err := cs.ticker.Stop(); err != nil {
		cs.Logger.Error("failed trying to stop epochTicker", "error", err)
	}
	if err := cs.eventSwitch.Stop(); err != nil {
		cs.Logger.Error("failed trying to stop eventSwitch", "error", err)
	}
	cs.Logger.Info("consensus service stopped")
}

// Status is the lifecycle status of the process.
func (cs *ConsensusState) Status() ProcessStatus {
	return cs.status.Load()
}

func (cs *ConsensusState) setStatus(s ProcessStatus) {
	cs.status.Store(s)
	cs.jsonMetric.MarkStatus(s)
}

// GetState returns a copy of the state after the last finalized block.
func (cs *ConsensusState) GetState() sm.State {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	return cs.state.Copy()
}

// GetRoundRecord snapshots the round in progress.
func (cs *ConsensusState) GetRoundRecord() cstypes.RoundRecord {
	cs.mtx.RLock()
	defer cs.mtx.RUnlock()
	return cstypes.MakeRoundRecord(&cs.RoundState)
}

// ProtocolVersion is the consensus message protocol this node speaks.
func (cs *ConsensusState) ProtocolVersion() string {
	return cs.gate.Local()
}

// ValidatorAddress is empty on a follower.
func (cs *ConsensusState) ValidatorAddress() types.Address {
	if cs.privVal == nil {
		return ""
	}
	return cs.privVal.GetAddress()
}

func (cs *ConsensusState) RoundHistory() *cstypes.RoundHistory {
	return cs.roundHistory
}

func (cs *ConsensusState) Metric() metric.MetricItem {
	return cs.jsonMetric
}

// receiveRoutine serializes every state transition: peer and own messages,
// and epoch timeouts.
func (cs *ConsensusState) receiveRoutine() {
	for {
		select {
		case <-cs.Quit():
			cs.Logger.Info("receiveRoutine quit")
			return
		case mi := <-cs.peerMsgQueue:
			cs.handleMsg(mi)
		case mi := <-cs.internalMsgQueue:
			cs.handleMsg(mi)
		case ti := <-cs.ticker.Chan():
			cs.handleTimeout(ti)
		}
	}
}

func (cs *ConsensusState) handleMsg(mi msgInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	msg, peerID := mi.Msg, mi.PeerID
	if peerID == "" {
		// peer messages were validated when decoded
		if err := msg.ValidateBasic(); err != nil {
			cs.Logger.Error("invalid internal message", "msg", msg, "err", err)
			return
		}
	}

	switch msg.Type {
	case types.MessageTypePropose:
		block := msg.Propose.ProposalBlock
		switch {
		case block.Number == cs.Height+1:
			cs.addFutureMsg(mi)
			return
		case block.Number != cs.Height:
			cs.Logger.Debug("ignoring proposal for another height", "height", cs.Height, "proposal", msg.Propose.ProposalTx)
			return
		case block.Epoch > cs.Epoch:
			cs.addFutureProposal(block.Epoch, mi)
			return
		}
		if err := cs.setProposal(msg.Propose); err != nil {
			cs.Logger.Info("proposal not accepted", "peer", peerID, "proposal", msg.Propose.ProposalTx, "err", err)
		}

	case types.MessageTypeVote:
		vote := msg.Vote
		switch {
		case vote.Number == cs.Height+1:
			cs.addFutureMsg(mi)
			return
		case vote.Number != cs.Height:
			cs.Logger.Debug("ignoring vote for another height", "height", cs.Height, "vote", vote)
			return
		}
		if _, err := cs.tryAddVote(vote, peerID); err != nil {
			cs.Logger.Info("vote not added", "peer", peerID, "vote", vote, "err", err)
		}

	default:
		cs.Logger.Error("unknown msg type", "type", msg.Type)
	}
}

// handleTimeout abandons a round that ran out of its epoch without a
// verdict. Its partial votes stay in the history and in the vote set.
func (cs *ConsensusState) handleTimeout(ti timeoutInfo) {
	cs.mtx.Lock()
	defer cs.mtx.Unlock()

	if ti.Height != cs.Height || ti.Epoch != cs.Epoch || cs.Step.IsTerminal() {
		cs.Logger.Debug("ignoring stale timeout", "timeout", ti, "height", cs.Height, "epoch", cs.Epoch, "step", cs.Step)
		return
	}
	cs.updateStep(cstypes.RoundStepAbandoned)
	cs.recordRound()
	cs.jsonMetric.MarkAbandoned()
	cs.Logger.Info("round abandoned", "height", cs.Height, "epoch", cs.Epoch, "proposer", cs.Proposer)

	cs.enterNewRound(cs.Height, maxInt64(cs.Epoch+1, cs.clockEpoch()))
}

// clockEpoch is the epoch of the wall clock, never before the last block's.
func (cs *ConsensusState) clockEpoch() int64 {
	return maxInt64(cs.state.EpochAt(cs.now()), cs.state.LastEpoch)
}

// enterNewRound opens (height, epoch). A new height gets a fresh vote set;
// a later epoch of the same height keeps it, with every candidate seen.
func (cs *ConsensusState) enterNewRound(height, epoch int64) {
	if cs.Votes == nil || cs.Height != height {
		cs.RoundState = *cstypes.NewHeightRoundState(height, epoch, cs.state.NextValidators)
		cs.futureProposals = make(map[int64]msgInfo)
	} else {
		cs.Epoch = epoch
		cs.Proposal = nil
	}
	cs.updateStep(cstypes.RoundStepAwaitingProposal)
	cs.StartTime = cs.now()
	cs.Proposer = sm.SelectProposer(cs.Validators, cs.state.LastBlockHash, epoch)

	end := cs.state.EpochStart(epoch + 1)
	cs.ticker.ScheduleTimeout(timeoutInfo{
		Duration: time.Duration(end-cs.StartTime) * time.Millisecond,
		Height:   height,
		Epoch:    epoch,
	})

	isProposer := cs.isProposer()
	cs.metrics.Height.Set(float64(height))
	cs.metrics.Epoch.Set(float64(epoch))
	cs.metrics.Validators.Set(float64(cs.Validators.Size()))
	cs.metrics.ValidatorsPower.Set(float64(cs.Validators.TotalStake()))
	cs.jsonMetric.MarkRound(height, epoch, cs.StartTime, cs.Proposer, isProposer)
	cs.Logger.Info("enter new round", "height", height, "epoch", epoch, "proposer", cs.Proposer, "isProposer", isProposer)

	if isProposer && cs.Status() == StatusRunning {
		cs.decideProposal(height, epoch)
	}

	for e, mi := range cs.futureProposals {
		if e > epoch {
			continue
		}
		delete(cs.futureProposals, e)
		if e == epoch {
			cs.sendInternalMessage(mi)
		}
	}
}

func (cs *ConsensusState) enterNewHeight() {
	msgs := cs.futureMsgs
	cs.futureMsgs = nil
	cs.enterNewRound(cs.state.Height(), cs.clockEpoch())
	for _, mi := range msgs {
		cs.sendInternalMessage(mi)
	}
}

func (cs *ConsensusState) isProposer() bool {
	return cs.privVal != nil && cs.Proposer != "" && cs.privVal.GetAddress() == cs.Proposer
}

func (cs *ConsensusState) addFutureProposal(epoch int64, mi msgInfo) {
	if epoch > cs.Epoch+maxFutureEpochs {
		cs.Logger.Debug("dropping far future proposal", "epoch", epoch, "current", cs.Epoch)
		return
	}
	if _, ok := cs.futureProposals[epoch]; ok {
		return
	}
	cs.futureProposals[epoch] = mi
	cs.Logger.Debug("buffered future proposal", "epoch", epoch, "current", cs.Epoch)
}

func (cs *ConsensusState) addFutureMsg(mi msgInfo) {
	if len(cs.futureMsgs) >= cs.config.PeerQueueSize {
		cs.Logger.Debug("future message buffer is full", "msg", mi.Msg)
		return
	}
	cs.futureMsgs = append(cs.futureMsgs, mi)
}

// defaultDecideProposal packs a block for (height, epoch), signs its
// proposal tx and hands it to the receive routine like a peer's proposal.
func (cs *ConsensusState) defaultDecideProposal(height, epoch int64) {
	nowMs := cs.now()
	block, offenses, err := cs.blockExec.CreateProposalBlock(context.Background(), cs.state, epoch,
		cs.privVal.GetAddress(), cs.lastVotes, nowMs)
	if err != nil {
		cs.Logger.Error("create proposal block failed", "height", height, "epoch", epoch, "err", err)
		return
	}
	ptx := types.NewProposalTx(block, offenses, nowMs)
	if err := cs.privVal.SignProposal(ptx); err != nil {
		cs.Logger.Error("sign proposal failed", "err", err)
		return
	}
	cs.Logger.Info("signed proposal", "proposal", ptx, "txs", len(block.Transactions), "evidence", block.Evidence.Count())

	cs.sendInternalMessage(msgInfo{types.NewProposeMessage(block, ptx, cs.gate.Local()), ""})
}

// defaultSetProposal accepts the proposal of the current round, judges the
// candidate and votes on it.
func (cs *ConsensusState) defaultSetProposal(pv *types.ProposeValue) error {
	block, ptx := pv.ProposalBlock, pv.ProposalTx

	if _, seen := cs.Candidate(block.Hash); seen {
		return nil
	}
	if block.Epoch < cs.Epoch {
		return fmt.Errorf("proposal epoch %d is behind the round at %d", block.Epoch, cs.Epoch)
	}
	if cs.Step != cstypes.RoundStepAwaitingProposal {
		return fmt.Errorf("round %d/%d already has a proposal (%v)", cs.Height, cs.Epoch, cs.Step)
	}
	if !bytes.Equal(block.LastHash, cs.state.LastBlockHash) {
		return fmt.Errorf("proposal extends %X, last finalized is %X", []byte(block.LastHash), []byte(cs.state.LastBlockHash))
	}
	if ptx.Proposer != cs.Proposer {
		return fmt.Errorf("%v is not the proposer of %d/%d, expected %v", ptx.Proposer, cs.Height, cs.Epoch, cs.Proposer)
	}
	if err := ptx.Describes(block); err != nil {
		return err
	}

	cand := &cstypes.Candidate{Block: block, ProposalTx: ptx}
	err := cs.judgeCandidate(pv)
	switch {
	case err == nil:
		cand.Valid = true
	case sm.IsInvalidBlock(err):
		cand.Reason = err.Error()
		cs.Logger.Info("proposal is invalid", "proposal", ptx, "reason", err)
	default:
		return errors.Wrap(err, "validate proposal")
	}

	cs.Candidates[string(block.Hash)] = cand
	cs.Proposal = cand
	cs.updateStep(cstypes.RoundStepCollectingVotes)

	cs.eventSwitch.FireEvent(EventNewProposal, pv)

	cs.signVote(cand)
	// votes may have arrived ahead of the block
	cs.checkCandidate(cand)
	return nil
}

func (cs *ConsensusState) judgeCandidate(pv *types.ProposeValue) error {
	return cs.blockExec.ValidateProposal(context.Background(), cs.state, pv.ProposalBlock, pv.ProposalTx)
}

// signVote votes for a valid candidate and against an invalid one.
func (cs *ConsensusState) signVote(cand *cstypes.Candidate) {
	if cs.privVal == nil || cs.Status() != StatusRunning {
		return
	}
	info, ok := cs.Validators.Get(cs.privVal.GetAddress())
	if !ok || info.Stake <= 0 {
		return
	}

	vote := &types.Vote{
		Number:    cand.Block.Number,
		BlockHash: cand.Block.Hash,
		Stake:     info.Stake,
		Timestamp: cs.now(),
	}
	if !cand.Valid {
		vote.IsAgainst = true
		vote.OffenseType = types.InvalidProposal
		cs.metrics.AgainstVotes.Add(1)
	}
	if err := cs.privVal.SignVote(vote); err != nil {
		cs.Logger.Error("sign vote failed", "error", err)
		return
	}
	cs.Logger.Debug("signed vote", "vote", vote)

	cs.sendInternalMessage(msgInfo{types.NewVoteMessage(vote, cs.gate.Local()), ""})
}

// tryAddVote reports whether vote changed the vote set. Only such votes are
// relayed.
func (cs *ConsensusState) tryAddVote(vote *types.Vote, peerID p2p.ID) (bool, error) {
	added, err := cs.Votes.AddVote(vote)
	if err != nil || !added {
		return false, err
	}
	cs.Logger.Debug("added vote", "vote", vote, "peer", peerID, "votes", cs.Votes)
	cs.eventSwitch.FireEvent(EventNewVote, vote)

	if cand, ok := cs.Candidate(vote.BlockHash); ok {
		cs.checkCandidate(cand)
	}
	return true, nil
}

// checkCandidate finalizes a valid candidate with a majority. Otherwise an
// against-vote rejects it for good, and the round with it if it is the
// current one.
func (cs *ConsensusState) checkCandidate(cand *cstypes.Candidate) {
	hash := cand.Block.Hash
	if cs.Votes.HasMajority(hash) {
		switch {
		case cand.Rejected:
			cs.Logger.Info("majority reached for a rejected candidate", "height", cs.Height,
				"epoch", cand.Block.Epoch, "block", hash)
		case cand.Valid:
			cs.finalizeCandidate(cand)
			return
		default:
			cs.Logger.Error("majority reached for a block this node judged invalid",
				"height", cs.Height, "block", hash, "reason", cand.Reason)
		}
	}
	if !cs.Votes.HasAgainst(hash) {
		return
	}
	if !cand.Valid {
		cs.captureEvidence(cand)
	}
	if cand == cs.Proposal && cs.Step == cstypes.RoundStepCollectingVotes {
		cs.enterRejected()
		return
	}
	cand.Rejected = true
}

func (cs *ConsensusState) enterRejected() {
	cs.Proposal.Rejected = true
	cs.updateStep(cstypes.RoundStepRejected)
	cs.recordRound()
	cs.jsonMetric.MarkRejected()
	cs.Logger.Info("round rejected", "height", cs.Height, "epoch", cs.Epoch, "proposer", cs.Proposer,
		"block", cs.Proposal.Block.Hash, "against", cs.Votes.AgainstTally(cs.Proposal.Block.Hash))

	cs.enterNewRound(cs.Height, maxInt64(cs.Epoch+1, cs.clockEpoch()))
}

// captureEvidence pools the against-votes on an invalid candidate together
// with the proposal tx its proposer signed, which binds the offender even
// when the embedded block hash is wrong.
func (cs *ConsensusState) captureEvidence(cand *cstypes.Candidate) {
	block := cand.Block
	var votes types.Votes
	for _, v := range cs.Votes.AgainstVotes(block.Hash) {
		if v.OffenseType == types.InvalidProposal {
			votes = append(votes, v)
		}
	}
	if len(votes) == 0 {
		return
	}

	ev := &types.OffenseEvidence{
		OffenseType:  types.InvalidProposal,
		Block:        block,
		Transactions: block.Transactions,
		ProposalTx:   cand.ProposalTx,
		Votes:        votes,
	}
	if err := evidence.Verify(ev, cs.state.NextValidators); err != nil {
		cs.Logger.Error("captured evidence does not verify", "evidence", ev, "err", err)
		return
	}
	if _, err := cs.evpool.Add(ev); err != nil {
		cs.Logger.Error("pool evidence failed", "evidence", ev, "err", err)
		return
	}
	cs.metrics.PendingEvidence.Set(float64(cs.evpool.Size()))
}

// finalizeCandidate commits cand and opens the next height. Any failure here
// is local and fatal.
func (cs *ConsensusState) finalizeCandidate(cand *cstypes.Candidate) {
	block := cand.Block
	cs.Proposal = cand
	cs.updateStep(cstypes.RoundStepFinalized)
	cs.recordRound()

	votes := cs.Votes.SupportVotes(block.Hash)
	ctx := context.Background()
	if err := cs.blockExec.Store().SaveSeenVotes(block.Number, votes); err != nil {
		cs.fatal(errors.Wrapf(err, "save votes of block %d", block.Number))
		return
	}
	newState, err := cs.blockExec.ApplyBlock(ctx, cs.state, block)
	if err != nil {
		cs.fatal(errors.Wrapf(err, "apply finalized block %d", block.Number))
		return
	}

	cs.metrics.NumTxs.Set(float64(len(block.Transactions)))
	cs.metrics.BlockIntervalSeconds.Observe(float64(block.Timestamp-cs.state.LastBlockTime) / 1000)
	cs.metrics.PendingEvidence.Set(float64(cs.evpool.Size()))
	cs.jsonMetric.MarkFinalized(block.Number)
	cs.Logger.Info("finalized block", "height", block.Number, "epoch", block.Epoch, "hash", block.Hash,
		"tally", cs.Votes.Tally(block.Hash), "total", cs.Votes.TotalStake())

	cs.state = newState
	cs.lastVotes = votes
	cs.enterNewHeight()
}

func (cs *ConsensusState) fatal(err error) {
	cs.Logger.Error("CONSENSUS FAILURE!!!", "err", err)
	cs.setStatus(StatusStopped)
	cs.onFatal(err)
}

func (cs *ConsensusState) recordRound() {
	cs.roundHistory.Add(cstypes.MakeRoundRecord(&cs.RoundState))
	cs.metrics.Rounds.With("step", cs.Step.String()).Add(1)
}

func (cs *ConsensusState) updateStep(step cstypes.RoundStepType) {
	cs.Step = step
	cs.jsonMetric.MarkStep(step.String())
}

// send a msg into the receiveRoutine regarding our own proposal or vote
func (cs *ConsensusState) sendInternalMessage(mi msgInfo) {
	select {
	case cs.internalMsgQueue <- mi:
	default:
		// NOTE: using the go-routine means our votes can
		// be processed out of order.
		cs.Logger.Debug("internal msg queue is full; using a go-routine")
		go func() {
			select {
			case cs.internalMsgQueue <- mi:
			case <-cs.Quit():
			}
		}()
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

//-----------------------------------------------------------------------------

// msgInfo is a consensus message with the peer it came from; PeerID is empty
// for messages of this node.
type msgInfo struct {
	Msg    *types.ConsensusMessage
	PeerID p2p.ID
}
