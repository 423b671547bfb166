package commands

import (
	"context"

	"github.com/spf13/cobra"

	sm "github.com/ainblockchain/ain-blockchain-sub002/state"
	"github.com/ainblockchain/ain-blockchain-sub002/store"
	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

// InitDBCmd writes the genesis state into the database, or replays and
// checks the chain already stored there.
var InitDBCmd = &cobra.Command{
	Use:     "init-db",
	Aliases: []string{"init_db", "initdb"},
	Short:   "Initialize the state database from genesis, or verify the stored chain",
	PreRun:  deprecateSnakeCase,
	RunE:    initDB,
}

func initDB(cmd *cobra.Command, args []string) error {
	genDoc, err := types.GenesisDocFromFile(config.GenesisFile())
	if err != nil {
		return err
	}
	kv, err := store.NewKVStore("state", config.DBDir(), logger.With("module", "store"),
		store.WithStakeLockupMs(genDoc.StakeLockupMs))
	if err != nil {
		return err
	}
	defer kv.Close()

	valMgr := sm.NewValidatorSetManager(genDoc.MaxNumValidators)
	st, err := sm.LoadState(context.Background(), kv, genDoc, valMgr, sm.NewValidatorHistory(kv), logger)
	if err != nil {
		return err
	}
	logger.Info("state database ready", "dir", config.DBDir(), "state", st,
		"next_validators", st.NextValidators)
	return nil
}
