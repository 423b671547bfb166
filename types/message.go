package types

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// wire is the encoding of consensus messages between peers.
var wire = jsoniter.ConfigCompatibleWithStandardLibrary

type MessageType string

const (
	MessageTypePropose MessageType = "propose"
	MessageTypeVote    MessageType = "vote"
)

var ErrUnknownMessageType = errors.New("unknown consensus message type")

// ProposeValue is the payload of a propose message.
type ProposeValue struct {
	ProposalBlock *Block      `json:"proposalBlock"`
	ProposalTx    *ProposalTx `json:"proposalTx"`
}

func (pv *ProposeValue) ValidateBasic() error {
	if pv.ProposalBlock == nil {
		return errors.New("propose message has no proposalBlock")
	}
	if pv.ProposalTx == nil {
		return errors.New("propose message has no proposalTx")
	}
	if err := pv.ProposalBlock.ValidateBasic(); err != nil {
		return errors.Wrap(err, "proposalBlock")
	}
	if err := pv.ProposalTx.ValidateBasic(); err != nil {
		return errors.Wrap(err, "proposalTx")
	}
	return nil
}

// ConsensusMessage is the tagged union exchanged between validators.
// Exactly one of Propose and Vote is set, matching Type.
type ConsensusMessage struct {
	Type              MessageType
	Propose           *ProposeValue
	Vote              *Vote
	ConsensusProtoVer string
}

type envelope struct {
	Type              MessageType         `json:"type"`
	Value             jsoniter.RawMessage `json:"value"`
	ConsensusProtoVer string              `json:"consensusProtoVer"`
}

func NewProposeMessage(block *Block, ptx *ProposalTx, protoVer string) *ConsensusMessage {
	return &ConsensusMessage{
		Type:              MessageTypePropose,
		Propose:           &ProposeValue{ProposalBlock: block, ProposalTx: ptx},
		ConsensusProtoVer: protoVer,
	}
}

func NewVoteMessage(vote *Vote, protoVer string) *ConsensusMessage {
	return &ConsensusMessage{
		Type:              MessageTypeVote,
		Vote:              vote,
		ConsensusProtoVer: protoVer,
	}
}

// ValidateBasic checks the variant's required fields.
func (msg *ConsensusMessage) ValidateBasic() error {
	switch msg.Type {
	case MessageTypePropose:
		if msg.Propose == nil {
			return errors.New("propose message has no value")
		}
		return msg.Propose.ValidateBasic()
	case MessageTypeVote:
		if msg.Vote == nil {
			return errors.New("vote message has no value")
		}
		return msg.Vote.ValidateBasic()
	default:
		return errors.Wrapf(ErrUnknownMessageType, "%q", msg.Type)
	}
}

func (msg *ConsensusMessage) MarshalJSON() ([]byte, error) {
	var value interface{}
	switch msg.Type {
	case MessageTypePropose:
		value = msg.Propose
	case MessageTypeVote:
		value = msg.Vote
	default:
		return nil, errors.Wrapf(ErrUnknownMessageType, "%q", msg.Type)
	}
	raw, err := wire.Marshal(value)
	if err != nil {
		return nil, err
	}
	return wire.Marshal(envelope{
		Type:              msg.Type,
		Value:             raw,
		ConsensusProtoVer: msg.ConsensusProtoVer,
	})
}

// DecodeConsensusMessage runs the protocol gate on the envelope before any
// other field is interpreted, then decodes the variant. Unknown fields are
// ignored; missing required fields are rejected.
func DecodeConsensusMessage(bz []byte, gate *ProtocolGate) (*ConsensusMessage, error) {
	var env envelope
	if err := wire.Unmarshal(bz, &env); err != nil {
		return nil, errors.Wrap(err, "decode consensus message")
	}
	if err := gate.Check(env.ConsensusProtoVer); err != nil {
		return nil, err
	}
	if len(env.Value) == 0 || string(env.Value) == "null" {
		return nil, fmt.Errorf("%s message has no value", env.Type)
	}

	msg := &ConsensusMessage{Type: env.Type, ConsensusProtoVer: env.ConsensusProtoVer}
	switch env.Type {
	case MessageTypePropose:
		msg.Propose = new(ProposeValue)
		if err := wire.Unmarshal(env.Value, msg.Propose); err != nil {
			return nil, errors.Wrap(err, "decode propose value")
		}
	case MessageTypeVote:
		msg.Vote = new(Vote)
		if err := wire.Unmarshal(env.Value, msg.Vote); err != nil {
			return nil, errors.Wrap(err, "decode vote value")
		}
	default:
		return nil, errors.Wrapf(ErrUnknownMessageType, "%q", env.Type)
	}
	if err := msg.ValidateBasic(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (msg *ConsensusMessage) String() string {
	switch msg.Type {
	case MessageTypePropose:
		return fmt.Sprintf("[Propose %v]", msg.Propose.ProposalBlock)
	case MessageTypeVote:
		return fmt.Sprintf("[Vote %v]", msg.Vote)
	}
	return fmt.Sprintf("[%s]", msg.Type)
}
