package privval

import (
	"fmt"
	"io/ioutil"

	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/tempfile"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

//-------------------------------------------------------------------------------

// FilePVKey stores the immutable part of PrivValidator.
type FilePVKey struct {
	Address types.Address    `json:"address"`
	PubKey  tmbytes.HexBytes `json:"pub_key"`
	PrivKey tmbytes.HexBytes `json:"priv_key"`

	key      types.PrivKey
	filePath string
}

// Save persists the FilePVKey to its filePath.
func (pvKey FilePVKey) Save() {
	outFile := pvKey.filePath
	if outFile == "" {
		panic("cannot save PrivValidator key: filePath not set")
	}

	jsonBytes, err := tmjson.MarshalIndent(pvKey, "", "  ")
	if err != nil {
		panic(err)
	}
	err = tempfile.WriteFileAtomic(outFile, jsonBytes, 0600)
	if err != nil {
		panic(err)
	}
}

//-------------------------------------------------------------------------------

// FilePV implements types.PrivValidator with a key persisted to disk.
// NOTE: the directory containing pv.Key.filePath must already exist.
type FilePV struct {
	Key FilePVKey
}

var _ types.PrivValidator = (*FilePV)(nil)

// NewFilePV generates a new validator from the given key and path.
func NewFilePV(privKey types.PrivKey, keyFilePath string) *FilePV {
	return &FilePV{
		Key: FilePVKey{
			Address:  privKey.Address(),
			PubKey:   privKey.PubKey(),
			PrivKey:  privKey.Bytes(),
			key:      privKey,
			filePath: keyFilePath,
		},
	}
}

// GenFilePVWithSeed derives the key from seed, for reproducible testnets.
func GenFilePVWithSeed(keyFilePath string, seed []byte) *FilePV {
	return NewFilePV(types.GenPrivKeyFromSeed(seed), keyFilePath)
}

// GenFilePV generates a new validator with randomly generated private key
// and sets the filePath, but does not call Save().
func GenFilePV(keyFilePath string) *FilePV {
	return NewFilePV(types.GenPrivKey(), keyFilePath)
}

// LoadFilePV loads a FilePV from keyFilePath. If the file does not exist or
// does not hold a key, the program will exit.
func LoadFilePV(keyFilePath string) *FilePV {
	pv, err := ReadFilePV(keyFilePath)
	if err != nil {
		tmos.Exit(err.Error())
	}
	return pv
}

// ReadFilePV is LoadFilePV returning the error.
func ReadFilePV(keyFilePath string) (*FilePV, error) {
	keyJSONBytes, err := ioutil.ReadFile(keyFilePath)
	if err != nil {
		return nil, err
	}
	pvKey := FilePVKey{}
	if err := tmjson.Unmarshal(keyJSONBytes, &pvKey); err != nil {
		return nil, errors.Wrapf(err, "error reading PrivValidator key from %v", keyFilePath)
	}
	privKey, err := types.PrivKeyFromBytes(pvKey.PrivKey)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading PrivValidator key from %v", keyFilePath)
	}
	if pvKey.Address != "" && pvKey.Address != privKey.Address() {
		return nil, fmt.Errorf("%v: %w", keyFilePath, types.ErrAddressMismatch)
	}

	// overwrite pubkey and address for convenience
	return NewFilePV(privKey, keyFilePath), nil
}

// LoadOrGenFilePV loads a FilePV from the given filePath
// or else generates a new one and saves it there.
func LoadOrGenFilePV(keyFilePath string) *FilePV {
	var pv *FilePV
	if tmos.FileExists(keyFilePath) {
		pv = LoadFilePV(keyFilePath)
	} else {
		pv = GenFilePV(keyFilePath)
		pv.Save()
	}
	return pv
}

// GetAddress returns the address of the validator.
// Implements PrivValidator.
func (pv *FilePV) GetAddress() types.Address {
	return pv.Key.Address
}

// GetPubKey returns the public key of the validator.
// Implements PrivValidator.
func (pv *FilePV) GetPubKey() tmbytes.HexBytes {
	return pv.Key.PubKey
}

// SignVote fills the signer fields of vote and signs its canonical form.
// Implements PrivValidator.
func (pv *FilePV) SignVote(vote *types.Vote) error {
	if err := types.SignVote(pv.Key.key, vote); err != nil {
		return fmt.Errorf("error signing vote: %v", err)
	}
	return nil
}

// SignProposal fills the signer fields of ptx and signs its canonical form.
// Implements PrivValidator.
func (pv *FilePV) SignProposal(ptx *types.ProposalTx) error {
	if err := types.SignProposal(pv.Key.key, ptx); err != nil {
		return fmt.Errorf("error signing proposal: %v", err)
	}
	return nil
}

// Save persists the FilePV to disk.
func (pv *FilePV) Save() {
	pv.Key.Save()
}

// String returns a string representation of the FilePV.
func (pv *FilePV) String() string {
	return fmt.Sprintf("PrivValidator{%v}", pv.GetAddress())
}
