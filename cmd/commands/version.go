package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/version"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

// VersionCmd prints the consensus protocol and the tendermint p2p library
// versions.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("consensus protocol %s, tendermint %s\n", types.ConsensusProtoVersion, version.TMCoreSemVer)
	},
}
