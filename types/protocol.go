package types

import (
	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

// ConsensusProtoVersion is the consensus message protocol this node speaks.
const ConsensusProtoVersion = "1.0.0"

var (
	ErrProtocolVersionNotSpecified = errors.New("Protocol version not specified")
	ErrInvalidProtocolVersion      = errors.New("Invalid protocol version")
	ErrIncompatibleProtocolVersion = errors.New("Incompatible protocol version")
)

func ParseProtocolVersion(ver string) (*semver.Version, error) {
	v, err := semver.StrictNewVersion(ver)
	if err != nil {
		return nil, ErrInvalidProtocolVersion
	}
	return v, nil
}

// ProtocolGate admits requests whose protocol version shares the local
// major and minor version.
type ProtocolGate struct {
	local *semver.Version
}

func NewProtocolGate(local string) (*ProtocolGate, error) {
	v, err := ParseProtocolVersion(local)
	if err != nil {
		return nil, err
	}
	return &ProtocolGate{local: v}, nil
}

// MustNewProtocolGate panics on a malformed local version.
func MustNewProtocolGate(local string) *ProtocolGate {
	g, err := NewProtocolGate(local)
	if err != nil {
		panic(err)
	}
	return g
}

func (g *ProtocolGate) Local() string {
	return g.local.Original()
}

// Check returns nil or exactly one of ErrProtocolVersionNotSpecified,
// ErrInvalidProtocolVersion and ErrIncompatibleProtocolVersion.
func (g *ProtocolGate) Check(ver string) error {
	if ver == "" {
		return ErrProtocolVersionNotSpecified
	}
	v, err := ParseProtocolVersion(ver)
	if err != nil {
		return err
	}
	if v.Major() != g.local.Major() || v.Minor() != g.local.Minor() {
		return ErrIncompatibleProtocolVersion
	}
	return nil
}
