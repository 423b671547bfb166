// watch polls a node's status over the RPC websocket and prints every new
// height together with the rounds it took.
package main

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"
	tmos "github.com/tendermint/tendermint/libs/os"
	jsonrpc "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

type status struct {
	ProcessStatus   string `json:"process_status"`
	LastBlockNumber int64  `json:"last_block_number,string"`
	LastEpoch       int64  `json:"last_epoch,string"`
}

type client struct {
	conn *websocket.Conn
	id   int
}

func dial(host string) (*client, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: "/websocket"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &client{conn: c}, nil
}

func (c *client) call(method string, params map[string]interface{}, result interface{}) error {
	c.id++
	paramsJSON, err := wire.Marshal(params)
	if err != nil {
		return err
	}
	err = c.conn.WriteJSON(jsonrpc.RPCRequest{
		JSONRPC: "2.0",
		ID:      jsonrpc.JSONRPCIntID(c.id),
		Method:  method,
		Params:  paramsJSON,
	})
	if err != nil {
		return err
	}
	var resp jsonrpc.RPCResponse
	_, bz, err := c.conn.ReadMessage()
	if err != nil {
		return err
	}
	if err := wire.Unmarshal(bz, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return errors.Errorf("%s: %v", method, resp.Error)
	}
	if result == nil {
		return nil
	}
	return wire.Unmarshal(resp.Result, result)
}

var (
	target   string
	interval time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print every new height of a node with the rounds it took",
	RunE:  runWatch,
}

func init() {
	rootCmd.Flags().StringVar(&target, "target", "127.0.0.1:26657", "host:port of the node RPC")
	rootCmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "poll interval")
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger := log.NewTMLogger(log.NewSyncWriter(os.Stdout))

	c, err := dial(target)
	if err != nil {
		return err
	}
	tmos.TrapSignal(logger, func() { c.conn.Close() })

	last := int64(-1)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		var st status
		if err := c.call("status", map[string]interface{}{}, &st); err != nil {
			return err
		}
		if st.LastBlockNumber == last {
			continue
		}
		last = st.LastBlockNumber

		var rounds struct {
			Rounds []jsoniter.RawMessage `json:"rounds"`
		}
		params := map[string]interface{}{"height": fmt.Sprint(last)}
		if err := c.call("round_history", params, &rounds); err != nil {
			logger.Error("round_history failed", "height", last, "err", err)
			continue
		}
		logger.Info("new block", "height", last, "epoch", st.LastEpoch,
			"status", st.ProcessStatus, "rounds", len(rounds.Rounds))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
