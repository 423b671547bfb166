package consensus

import (
	"fmt"

	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/p2p"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

const (
	ProposalChannel = byte(0x21)
	VoteChannel     = byte(0x22)

	maxMsgSize = 4 * 1048576 // a proposal carries its block and evidence blocks
)

// events fired by the state machine and relayed by the reactor
const (
	EventNewProposal = "NewProposal"
	EventNewVote     = "NewVote"
)

const subscriber = "consensus-reactor"

// Reactor relays consensus messages between the switch and the state
// machine. Only proposals the state machine accepted and votes that changed
// its vote set are relayed.
type Reactor struct {
	p2p.BaseReactor

	conS *ConsensusState
}

func NewReactor(consensusState *ConsensusState) *Reactor {
	conR := &Reactor{conS: consensusState}
	conR.BaseReactor = *p2p.NewBaseReactor("Consensus", conR)
	return conR
}

// OnStart subscribes to the state machine's events and starts it.
func (conR *Reactor) OnStart() error {
	conR.Logger.Info("Consensus Reactor started.")
	conR.subscribeToBroadcastEvents()
	if !conR.conS.IsRunning() {
		if err := conR.conS.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (conR *Reactor) OnStop() {
	conR.unsubscribeFromBroadcastEvents()
	if err := conR.conS.Stop(); err != nil {
		conR.Logger.Error("Error stopping consensus state", "err", err)
	}
}

func (conR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  ProposalChannel,
			Priority:            6,
			SendQueueCapacity:   100,
			RecvBufferCapacity:  50 * 4096,
			RecvMessageCapacity: maxMsgSize,
		},
		{
			ID:                  VoteChannel,
			Priority:            7,
			SendQueueCapacity:   100,
			RecvBufferCapacity:  100 * 100,
			RecvMessageCapacity: maxMsgSize,
		},
	}
}

func (conR *Reactor) InitPeer(peer p2p.Peer) p2p.Peer {
	return peer
}

func (conR *Reactor) AddPeer(peer p2p.Peer) {
	conR.Logger.Debug("Added peer", "peer", peer.ID())
}

func (conR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {}

// Receive decodes a message, gating on its protocol version first, and
// queues it for the state machine. A full queue drops the message.
func (conR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	if !conR.IsRunning() {
		conR.Logger.Debug("Receive", "src", src, "chId", chID, "bytes", msgBytes)
		return
	}

	msg, err := types.DecodeConsensusMessage(msgBytes, conR.conS.gate)
	if err != nil {
		conR.Logger.Error("Error decoding message", "src", src, "chId", chID, "err", err)
		conR.Switch.StopPeerForError(src, err)
		return
	}
	if want := channelOf(msg.Type); want != chID {
		err := fmt.Errorf("%s message on channel %#x", msg.Type, chID)
		conR.Logger.Error("Message on the wrong channel", "src", src, "err", err)
		conR.Switch.StopPeerForError(src, err)
		return
	}

	conR.Logger.Debug("Receive", "src", src, "chId", chID, "msg", msg)
	select {
	case conR.conS.peerMsgQueue <- msgInfo{Msg: msg, PeerID: src.ID()}:
	default:
		conR.Logger.Info("Consensus peer queue is full; dropping message", "src", src, "msg", msg)
	}
}

func channelOf(typ types.MessageType) byte {
	if typ == types.MessageTypePropose {
		return ProposalChannel
	}
	return VoteChannel
}

func (conR *Reactor) subscribeToBroadcastEvents() {
	if err := conR.conS.eventSwitch.AddListenerForEvent(subscriber, EventNewProposal, func(data events.EventData) {
		conR.broadcastProposal(data.(*types.ProposeValue))
	}); err != nil {
		conR.Logger.Error("Error adding listener for events", "err", err)
	}

	if err := conR.conS.eventSwitch.AddListenerForEvent(subscriber, EventNewVote, func(data events.EventData) {
		conR.broadcastVote(data.(*types.Vote))
	}); err != nil {
		conR.Logger.Error("Error adding listener for events", "err", err)
	}
}

func (conR *Reactor) unsubscribeFromBroadcastEvents() {
	conR.conS.eventSwitch.RemoveListener(subscriber)
}

func (conR *Reactor) broadcastProposal(pv *types.ProposeValue) {
	msg := types.NewProposeMessage(pv.ProposalBlock, pv.ProposalTx, conR.conS.gate.Local())
	bz, err := msg.MarshalJSON()
	if err != nil {
		conR.Logger.Error("Marshal proposal failed", "err", err, "proposal", pv.ProposalTx)
		return
	}
	conR.Logger.Debug("Broadcast proposal", "proposal", pv.ProposalTx)
	conR.Switch.Broadcast(ProposalChannel, bz)
}

func (conR *Reactor) broadcastVote(vote *types.Vote) {
	bz, err := types.NewVoteMessage(vote, conR.conS.gate.Local()).MarshalJSON()
	if err != nil {
		conR.Logger.Error("Marshal vote failed", "err", err, "vote", vote)
		return
	}
	conR.Logger.Debug("Broadcast vote", "vote", vote)
	conR.Switch.Broadcast(VoteChannel, bz)
}
