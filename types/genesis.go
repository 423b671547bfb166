package types

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/tempfile"
)

const (
	MaxChainIDLen = 50

	DefaultEpochMs          = 3000
	DefaultMaxNumValidators = 10

	// DefaultStakeLockupMs is 30 days.
	DefaultStakeLockupMs int64 = 30 * 24 * 60 * 60 * 1000
	// DefaultLockupExtensionBaseMs is one day.
	DefaultLockupExtensionBaseMs int64 = 24 * 60 * 60 * 1000
)

// GenesisStake is one initial entry of the consensus staking path.
type GenesisStake struct {
	Address  Address `json:"address"`
	Amount   int64   `json:"amount"`
	ExpireAt int64   `json:"expire_at"`
	Name     string  `json:"name"`
}

// GenesisAccount is one initial balance.
type GenesisAccount struct {
	Address Address `json:"address"`
	Balance int64   `json:"balance"`
}

// GenesisDoc fixes everything every node must agree on before block 0.
type GenesisDoc struct {
	GenesisTime       time.Time `json:"genesis_time"`
	ChainID           string    `json:"chain_id"`
	ConsensusProtoVer string    `json:"consensus_proto_ver"`
	EpochMs           int64     `json:"epoch_ms"`
	MaxNumValidators  int       `json:"max_num_validators"`

	// lockup a fresh stake gets, and the base of the lockup extension per
	// recorded offense; both feed expire_at and so the state proof
	StakeLockupMs         int64 `json:"stake_lockup_ms"`
	LockupExtensionBaseMs int64 `json:"lockup_extension_base_ms"`

	Stakes   []GenesisStake   `json:"stakes"`
	Accounts []GenesisAccount `json:"accounts"`
}

// StakeMap indexes the genesis stakes by address.
func (genDoc *GenesisDoc) StakeMap() map[Address]StakeRecord {
	stakes := make(map[Address]StakeRecord, len(genDoc.Stakes))
	for _, s := range genDoc.Stakes {
		stakes[s.Address] = StakeRecord{Amount: s.Amount, ExpireAt: s.ExpireAt}
	}
	return stakes
}

// GenesisTimeMs is the genesis time in unix milliseconds.
func (genDoc *GenesisDoc) GenesisTimeMs() int64 {
	return genDoc.GenesisTime.UnixNano() / int64(time.Millisecond)
}

// SaveAs is a utility method for saving GenensisDoc as a JSON file.
func (genDoc *GenesisDoc) SaveAs(file string) error {
	genDocBytes, err := tmjson.MarshalIndent(genDoc, "", "  ")
	if err != nil {
		return err
	}
	return tempfile.WriteFileAtomic(file, genDocBytes, 0644)
}

// ValidateAndComplete checks that all necessary fields are present
// and fills in defaults for optional fields left empty
func (genDoc *GenesisDoc) ValidateAndComplete() error {
	if genDoc.ChainID == "" {
		return errors.New("genesis doc must include non-empty chain_id")
	}
	if len(genDoc.ChainID) > MaxChainIDLen {
		return fmt.Errorf("chain_id in genesis doc is too long (max: %d)", MaxChainIDLen)
	}
	if genDoc.ConsensusProtoVer == "" {
		genDoc.ConsensusProtoVer = ConsensusProtoVersion
	}
	if _, err := ParseProtocolVersion(genDoc.ConsensusProtoVer); err != nil {
		return err
	}
	if genDoc.EpochMs <= 0 {
		genDoc.EpochMs = DefaultEpochMs
	}
	if genDoc.MaxNumValidators <= 0 {
		genDoc.MaxNumValidators = DefaultMaxNumValidators
	}
	if genDoc.StakeLockupMs <= 0 {
		genDoc.StakeLockupMs = DefaultStakeLockupMs
	}
	if genDoc.LockupExtensionBaseMs <= 0 {
		genDoc.LockupExtensionBaseMs = DefaultLockupExtensionBaseMs
	}
	if genDoc.GenesisTime.IsZero() {
		genDoc.GenesisTime = time.Now().Round(time.Millisecond)
	}

	staked := 0
	seen := make(map[Address]bool, len(genDoc.Stakes))
	for i, s := range genDoc.Stakes {
		if err := s.Address.ValidateBasic(); err != nil {
			return errors.Wrapf(err, "genesis stake #%d", i)
		}
		if seen[s.Address] {
			return fmt.Errorf("genesis stake of %v listed twice", s.Address)
		}
		seen[s.Address] = true
		if s.Amount < 0 {
			return fmt.Errorf("genesis stake of %v is negative", s.Address)
		}
		if s.Amount > 0 {
			staked++
		}
	}
	if staked == 0 {
		return errors.New("genesis doc must stake at least one validator")
	}
	for i, acc := range genDoc.Accounts {
		if err := acc.Address.ValidateBasic(); err != nil {
			return errors.Wrapf(err, "genesis account #%d", i)
		}
		if acc.Balance < 0 {
			return fmt.Errorf("genesis balance of %v is negative", acc.Address)
		}
	}
	return nil
}

// GenesisDocFromJSON unmarshalls JSON data into a GenesisDoc.
func GenesisDocFromJSON(jsonBlob []byte) (*GenesisDoc, error) {
	genDoc := GenesisDoc{}
	if err := tmjson.Unmarshal(jsonBlob, &genDoc); err != nil {
		return nil, err
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		return nil, err
	}
	return &genDoc, nil
}

// GenesisDocFromFile reads JSON data from a file and unmarshalls it into a GenesisDoc.
func GenesisDocFromFile(genDocFile string) (*GenesisDoc, error) {
	if !tmos.FileExists(genDocFile) {
		return nil, fmt.Errorf("genesis file %v does not exist", genDocFile)
	}
	jsonBlob, err := ioutil.ReadFile(genDocFile)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't read GenesisDoc file")
	}
	genDoc, err := GenesisDocFromJSON(jsonBlob)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading GenesisDoc at %s", genDocFile)
	}
	return genDoc, nil
}
