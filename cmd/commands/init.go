package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmrand "github.com/tendermint/tendermint/libs/rand"
	"github.com/tendermint/tendermint/p2p"

	cfg "github.com/ainblockchain/ain-blockchain-sub002/config"
	"github.com/ainblockchain/ain-blockchain-sub002/privval"
	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

var (
	initStake   int64
	initEpochMs int64
)

// InitFilesCmd initialises a fresh single validator node.
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a node: config, validator key, node key and a one-validator genesis",
	RunE:  initFiles,
}

func init() {
	InitFilesCmd.Flags().Int64Var(&initStake, "stake", 100000, "genesis stake of this node's validator")
	InitFilesCmd.Flags().Int64Var(&initEpochMs, "epoch-ms", types.DefaultEpochMs, "epoch length in milliseconds")
}

func initFiles(cmd *cobra.Command, args []string) error {
	return initFilesWithConfig(config)
}

func initFilesWithConfig(config *cfg.Config) error {
	configFile := filepath.Join(config.RootDir, "config", "config.toml")
	if tmos.FileExists(configFile) {
		logger.Info("Found config file", "path", configFile)
	} else {
		if err := cfg.WriteConfigFile(configFile, config); err != nil {
			return err
		}
		logger.Info("Generated config file", "path", configFile)
	}

	// private validator
	privValKeyFile := config.PrivValidatorKeyFile()
	var pv *privval.FilePV
	if tmos.FileExists(privValKeyFile) {
		pv = privval.LoadFilePV(privValKeyFile)
		logger.Info("Found private validator", "keyFile", privValKeyFile)
	} else {
		pv = privval.GenFilePV(privValKeyFile)
		pv.Save()
		logger.Info("Generated private validator", "keyFile", privValKeyFile)
	}

	nodeKeyFile := config.NodeKeyFile()
	if tmos.FileExists(nodeKeyFile) {
		logger.Info("Found node key", "path", nodeKeyFile)
	} else {
		if _, err := p2p.LoadOrGenNodeKey(nodeKeyFile); err != nil {
			return err
		}
		logger.Info("Generated node key", "path", nodeKeyFile)
	}

	// genesis file
	genFile := config.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("Found genesis file", "path", genFile)
		return nil
	}
	genDoc := types.GenesisDoc{
		ChainID: fmt.Sprintf("test-chain-%v", tmrand.Str(6)),
		EpochMs: initEpochMs,
		Stakes: []types.GenesisStake{{
			Address: pv.GetAddress(),
			Amount:  initStake,
			Name:    config.Moniker,
		}},
	}
	if err := genDoc.ValidateAndComplete(); err != nil {
		return err
	}
	if err := genDoc.SaveAs(genFile); err != nil {
		return err
	}
	logger.Info("Generated genesis file", "path", genFile)
	return nil
}
