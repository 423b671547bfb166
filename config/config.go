package config

import (
	"bytes"
	"os"
	"text/template"

	"github.com/pkg/errors"
	tmcfg "github.com/tendermint/tendermint/config"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

// DefaultDir is the node home under $HOME.
const DefaultDir = ".ain_bft"

// Config is the tendermint node configuration plus the [bft] section.
type Config struct {
	*tmcfg.Config

	BFT *ConsensusConfig `mapstructure:"bft"`
}

func DefaultConfig() *Config {
	return &Config{
		Config: tmcfg.DefaultConfig(),
		BFT:    DefaultConsensusConfig(),
	}
}

func TestConfig() *Config {
	return &Config{
		Config: tmcfg.TestConfig(),
		BFT:    TestConsensusConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs.
func (cfg *Config) SetRoot(root string) *Config {
	cfg.Config.SetRoot(root)
	return cfg
}

func (cfg *Config) ValidateBasic() error {
	if err := cfg.Config.ValidateBasic(); err != nil {
		return err
	}
	return errors.Wrap(cfg.BFT.ValidateBasic(), "error in [bft] section")
}

// ConsensusConfig holds the local knobs of the consensus engine. Everything
// the validators must agree on lives in the genesis file instead.
type ConsensusConfig struct {
	// ProtocolVersion is the consensus message protocol spoken by this node.
	ProtocolVersion string `mapstructure:"protocol_version"`

	MaxBlockTxsBytes int64 `mapstructure:"max_block_txs_bytes"`

	// Number of heights whose rounds are kept for audit.
	RoundHistorySize int `mapstructure:"round_history_size"`

	PeerQueueSize int `mapstructure:"peer_queue_size"`
}

func DefaultConsensusConfig() *ConsensusConfig {
	return &ConsensusConfig{
		ProtocolVersion:  types.ConsensusProtoVersion,
		MaxBlockTxsBytes: 1024 * 1024,
		RoundHistorySize: 1000,
		PeerQueueSize:    1000,
	}
}

func TestConsensusConfig() *ConsensusConfig {
	cfg := DefaultConsensusConfig()
	cfg.RoundHistorySize = 16
	cfg.PeerQueueSize = 100
	return cfg
}

func (cfg *ConsensusConfig) ValidateBasic() error {
	if _, err := types.ParseProtocolVersion(cfg.ProtocolVersion); err != nil {
		return errors.Wrapf(err, "protocol_version %q", cfg.ProtocolVersion)
	}
	if cfg.MaxBlockTxsBytes <= 0 {
		return errors.New("max_block_txs_bytes must be positive")
	}
	if cfg.RoundHistorySize < 0 {
		return errors.New("round_history_size can't be negative")
	}
	if cfg.PeerQueueSize <= 0 {
		return errors.New("peer_queue_size must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------

const bftTemplate = `

#######################################################
###       Stake-weighted BFT Configuration          ###
#######################################################
[bft]

# Consensus message protocol version of this node
protocol_version = "{{ .BFT.ProtocolVersion }}"

# Maximum size of the transactions packed in one proposal
max_block_txs_bytes = {{ .BFT.MaxBlockTxsBytes }}

# Number of heights whose round records are kept
round_history_size = {{ .BFT.RoundHistorySize }}

peer_queue_size = {{ .BFT.PeerQueueSize }}
`

var bftConfigTemplate = template.Must(template.New("bftConfigFileTemplate").Parse(bftTemplate))

// WriteConfigFile renders the tendermint sections followed by [bft].
func WriteConfigFile(configFilePath string, cfg *Config) error {
	tmcfg.WriteConfigFile(configFilePath, cfg.Config)

	var buffer bytes.Buffer
	if err := bftConfigTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}
	f, err := os.OpenFile(configFilePath, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(buffer.Bytes())
	return err
}
