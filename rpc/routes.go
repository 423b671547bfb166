package rpc

import rpc "github.com/tendermint/tendermint/rpc/jsonrpc/server"

var Routes = map[string]*rpc.RPCFunc{
	// info
	"status":        rpc.NewRPCFunc(Status, ""),
	"genesis":       rpc.NewRPCFunc(Genesis, ""),
	"block":         rpc.NewRPCFunc(Block, "height"),
	"validators":    rpc.NewRPCFunc(Validators, "height"),
	"round_history": rpc.NewRPCFunc(RoundHistory, "height"),
	"metrics":       rpc.NewRPCFunc(JSONMetrics, "label"),

	// records
	"account":         rpc.NewRPCFunc(Account, "address"),
	"offense_records": rpc.NewRPCFunc(OffenseRecords, "address"),
	"evidence":        rpc.NewRPCFunc(Evidence, "address"),
	"reward_ledger":   rpc.NewRPCFunc(RewardLedger, "address"),

	// tx broadcast
	"broadcast_tx": rpc.NewRPCFunc(BroadcastTx, "tx"),
}
