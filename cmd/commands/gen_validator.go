package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"

	"github.com/ainblockchain/ain-blockchain-sub002/privval"
)

var seed string

// GenValidatorCmd generates the validator key of this node and prints it.
var GenValidatorCmd = &cobra.Command{
	Use:     "gen-validator",
	Aliases: []string{"gen_validator"},
	Short:   "Generate new validator keypair",
	PreRun:  deprecateSnakeCase,
	RunE:    genValidator,
}

func init() {
	GenValidatorCmd.Flags().StringVar(&seed, "seed", "",
		"derive the key from this seed (see gen-genesis --seed-prefix); random when empty")
}

func genValidator(cmd *cobra.Command, args []string) error {
	privValKeyFile := config.PrivValidatorKeyFile()
	if tmos.FileExists(privValKeyFile) {
		return fmt.Errorf("private validator at %s already exists", privValKeyFile)
	}

	var pv *privval.FilePV
	if seed != "" {
		pv = privval.GenFilePVWithSeed(privValKeyFile, []byte(seed))
	} else {
		pv = privval.GenFilePV(privValKeyFile)
	}
	jsbz, err := tmjson.Marshal(pv.Key)
	if err != nil {
		return err
	}
	pv.Save()

	fmt.Println(string(jsbz))
	return nil
}

// ShowValidatorCmd adds capabilities for showing the validator info.
var ShowValidatorCmd = &cobra.Command{
	Use:     "show-validator",
	Aliases: []string{"show_validator"},
	Short:   "Show this node's validator info",
	RunE:    showValidator,
	PreRun:  deprecateSnakeCase,
}

func showValidator(cmd *cobra.Command, args []string) error {
	keyFilePath := config.PrivValidatorKeyFile()
	if !tmos.FileExists(keyFilePath) {
		return fmt.Errorf("private validator file %s does not exist", keyFilePath)
	}
	pv, err := privval.ReadFilePV(keyFilePath)
	if err != nil {
		return err
	}

	bz, err := tmjson.Marshal(struct {
		Address string `json:"address"`
		PubKey  string `json:"pub_key"`
	}{pv.GetAddress().String(), pv.GetPubKey().String()})
	if err != nil {
		return fmt.Errorf("failed to marshal validator: %w", err)
	}

	fmt.Println(string(bz))
	return nil
}
