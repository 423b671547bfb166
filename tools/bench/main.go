// bench sends signed transfers between the testnet accounts created by
// gen-genesis, at a fixed rate per connection.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"
	tmos "github.com/tendermint/tendermint/libs/os"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

var (
	target      string
	connections int
	rate        int
	duration    time.Duration
	seedPrefix  string
	accounts    int
	gasPrice    int64
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "bench",
	Short: "Send signed transfers between the accounts of a gen-genesis testnet",
	RunE:  runBench,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&target, "target", "127.0.0.1:26657", "host:port of the node RPC")
	flags.IntVarP(&connections, "connections", "c", 1, "connections to open")
	flags.IntVarP(&rate, "rate", "r", 100, "txs per second per connection")
	flags.DurationVarP(&duration, "duration", "T", 10*time.Second, "how long to send")
	flags.StringVar(&seedPrefix, "seed-prefix", "validator", "accounts derive from <seed-prefix>-<i>, as in gen-genesis")
	flags.IntVar(&accounts, "accounts", 4, "number of funded accounts")
	flags.Int64Var(&gasPrice, "gas-price", 1, "gas price of every tx")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func runBench(cmd *cobra.Command, args []string) error {
	logger := log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	if !verbose {
		logger = log.NewFilter(logger, log.AllowInfo())
	}
	if connections <= 0 || accounts < connections {
		return fmt.Errorf("need at least one account per connection, got %d accounts for %d connections",
			accounts, connections)
	}

	keys := make([]types.PrivKey, accounts)
	for i := range keys {
		keys[i] = types.GenPrivKeyFromSeed([]byte(fmt.Sprintf("%s-%d", seedPrefix, i+1)))
	}

	t := newTransacter(target, connections, rate, keys, gasPrice)
	t.SetLogger(logger)
	if err := t.Start(); err != nil {
		return err
	}

	timer := time.NewTimer(duration)
	tmos.TrapSignal(logger, t.Stop)
	<-timer.C
	t.Stop()
	logger.Info("done", "duration", duration)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
