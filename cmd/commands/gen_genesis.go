package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

var (
	chainID          string
	seedPrefix       string
	numValidators    int
	genesisStake     int64
	genesisBalance   int64
	genesisEpochMs   int64
	maxNumValidators int
	stakeLockupMs    int64
	lockupBaseMs     int64
)

// GenGenesisCmd writes the genesis of a testnet whose validator keys derive
// from "<seed-prefix>-<i>", so every node can regenerate its own key with
// gen-validator --seed.
var GenGenesisCmd = &cobra.Command{
	Use:     "gen-genesis",
	Aliases: []string{"gen_genesis"},
	Short:   "Generate the genesis file of a testnet",
	PreRun:  deprecateSnakeCase,
	RunE:    genGenesisFile,
}

func init() {
	GenGenesisCmd.Flags().StringVar(&chainID, "chain-id", "test-chain", "chain ID")
	GenGenesisCmd.Flags().StringVar(&seedPrefix, "seed-prefix", "validator", "validator i's key derives from <seed-prefix>-<i>")
	GenGenesisCmd.Flags().IntVar(&numValidators, "validators", 4, "number of validators, numbered from 1")
	GenGenesisCmd.Flags().Int64Var(&genesisStake, "stake", 100000, "genesis stake of every validator")
	GenGenesisCmd.Flags().Int64Var(&genesisBalance, "balance", 1000000, "genesis balance of every validator")
	GenGenesisCmd.Flags().Int64Var(&genesisEpochMs, "epoch-ms", types.DefaultEpochMs, "epoch length in milliseconds")
	GenGenesisCmd.Flags().IntVar(&maxNumValidators, "max-validators", types.DefaultMaxNumValidators, "size cap of the validator set")
	GenGenesisCmd.Flags().Int64Var(&stakeLockupMs, "stake-lockup-ms", types.DefaultStakeLockupMs, "lockup of a fresh stake in milliseconds")
	GenGenesisCmd.Flags().Int64Var(&lockupBaseMs, "lockup-extension-base-ms", types.DefaultLockupExtensionBaseMs, "base of the lockup extension per recorded offense")
}

func genGenesisFile(cmd *cobra.Command, args []string) error {
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		return fmt.Errorf("genesis file at %s already exists", genFile)
	}

	genDoc, err := testnetGenesis()
	if err != nil {
		return err
	}
	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile, "chain_id", genDoc.ChainID, "validators", numValidators)
	return nil
}

func testnetGenesis() (*types.GenesisDoc, error) {
	if numValidators <= 0 {
		return nil, fmt.Errorf("need at least one validator, got %d", numValidators)
	}
	genDoc := &types.GenesisDoc{
		ChainID:               chainID,
		EpochMs:               genesisEpochMs,
		MaxNumValidators:      maxNumValidators,
		StakeLockupMs:         stakeLockupMs,
		LockupExtensionBaseMs: lockupBaseMs,
	}
	for i := 1; i <= numValidators; i++ {
		name := fmt.Sprintf("%s-%d", seedPrefix, i)
		addr := types.GenPrivKeyFromSeed([]byte(name)).Address()
		genDoc.Stakes = append(genDoc.Stakes, types.GenesisStake{Address: addr, Amount: genesisStake, Name: name})
		if genesisBalance > 0 {
			genDoc.Accounts = append(genDoc.Accounts, types.GenesisAccount{Address: addr, Balance: genesisBalance})
		}
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		return nil, err
	}
	return genDoc, nil
}
