package main

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	"github.com/tendermint/tendermint/libs/log"
	jsonrpc "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

const (
	sendTimeout = 10 * time.Second
	// the rpc server closes the connection in the absence of pings
	pingPeriod = (30 * 9 / 10) * time.Second
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

// sender signs transfers for one funded account, keeping its nonce.
type sender struct {
	key   types.PrivKey
	nonce int64
}

type transacter struct {
	Target      string
	Rate        int
	Connections int
	GasPrice    int64

	// senders[i] is only used by connection i % Connections, so every
	// account's nonces go out in order
	senders     []*sender
	conns       []*websocket.Conn
	connsBroken []bool
	startingWg  sync.WaitGroup
	endingWg    sync.WaitGroup
	stopped     bool

	logger log.Logger
}

func newTransacter(target string, connections, rate int, keys []types.PrivKey, gasPrice int64) *transacter {
	senders := make([]*sender, len(keys))
	for i, key := range keys {
		senders[i] = &sender{key: key}
	}
	return &transacter{
		Target:      target,
		Rate:        rate,
		Connections: connections,
		GasPrice:    gasPrice,
		senders:     senders,
		conns:       make([]*websocket.Conn, connections),
		connsBroken: make([]bool, connections),
		logger:      log.NewNopLogger(),
	}
}

// SetLogger lets you set your own logger
func (t *transacter) SetLogger(l log.Logger) {
	t.logger = l
}

// Start opens N = `t.Connections` connections to the target and creates read
// and write goroutines for each connection.
func (t *transacter) Start() error {
	t.stopped = false

	for i := 0; i < t.Connections; i++ {
		c, _, err := connect(t.Target)
		if err != nil {
			return err
		}
		t.conns[i] = c
	}

	t.startingWg.Add(t.Connections)
	t.endingWg.Add(2 * t.Connections)
	for i := 0; i < t.Connections; i++ {
		go t.sendLoop(i)
		go t.receiveLoop(i)
	}

	t.startingWg.Wait()

	return nil
}

// Stop closes the connections.
func (t *transacter) Stop() {
	t.stopped = true
	t.endingWg.Wait()
	for _, c := range t.conns {
		c.Close()
	}
}

// receiveLoop reads the responses and logs the rejected txs.
func (t *transacter) receiveLoop(connIndex int) {
	c := t.conns[connIndex]
	defer t.endingWg.Done()
	for {
		var resp jsonrpc.RPCResponse
		_, bz, err := c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.logger.Error(
					fmt.Sprintf("failed to read response on conn %d", connIndex),
					"err",
					err,
				)
			}
			return
		}
		if err := wire.Unmarshal(bz, &resp); err == nil && resp.Error != nil {
			t.logger.Info("tx rejected", "conn", connIndex, "err", resp.Error)
		}
		if t.stopped || t.connsBroken[connIndex] {
			return
		}
	}
}

// nextTx signs a transfer from the next sender of connIndex to a random
// other sender.
func (t *transacter) nextTx(connIndex, txNumber int) (*types.Tx, error) {
	own := make([]*sender, 0, len(t.senders)/t.Connections+1)
	for i := connIndex; i < len(t.senders); i += t.Connections {
		own = append(own, t.senders[i])
	}
	if len(own) == 0 {
		return nil, errors.Errorf("connection #%d has no sender", connIndex)
	}
	from := own[txNumber%len(own)]
	to := t.senders[(connIndex+txNumber+1)%len(t.senders)].key.Address()

	tx := &types.Tx{
		Nonce:     from.nonce,
		Timestamp: time.Now().UnixNano() / int64(time.Millisecond),
		GasPrice:  t.GasPrice,
		Operation: types.Operation{Type: types.OpTransfer, To: to, Value: 1},
	}
	if err := tx.Sign(from.key); err != nil {
		return nil, err
	}
	from.nonce++
	return tx, nil
}

// sendLoop generates transactions at a given rate.
func (t *transacter) sendLoop(connIndex int) {
	started := false
	// Close the starting waitgroup, in the event that this fails to start
	defer func() {
		if !started {
			t.startingWg.Done()
		}
	}()
	c := t.conns[connIndex]

	c.SetPingHandler(func(message string) error {
		err := c.WriteControl(websocket.PongMessage, []byte(message), time.Now().Add(sendTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		} else if e, ok := err.(net.Error); ok && e.Temporary() {
			return nil
		}
		return err
	})

	logger := t.logger.With("addr", c.RemoteAddr())

	var txNumber = 0

	pingsTicker := time.NewTicker(pingPeriod)
	txsTicker := time.NewTicker(1 * time.Second)
	defer func() {
		pingsTicker.Stop()
		txsTicker.Stop()
		t.endingWg.Done()
	}()

	for {
		select {
		case <-txsTicker.C:
			startTime := time.Now()
			endTime := startTime.Add(time.Second)
			numTxSent := t.Rate
			if !started {
				t.startingWg.Done()
				started = true
			}

			now := time.Now()
			for i := 0; i < t.Rate; i++ {
				tx, err := t.nextTx(connIndex, txNumber)
				if err != nil {
					logger.Error("failed to make tx", "err", err)
					t.connsBroken[connIndex] = true
					return
				}
				txJSON, err := wire.Marshal(tx)
				if err != nil {
					logger.Error("failed to encode tx", "err", err)
					return
				}
				paramsJSON, err := wire.Marshal(map[string]interface{}{"tx": tmbytes.HexBytes(txJSON)})
				if err != nil {
					logger.Error("failed to encode params", "err", err)
					return
				}

				c.SetWriteDeadline(now.Add(sendTimeout))
				err = c.WriteJSON(jsonrpc.RPCRequest{
					JSONRPC: "2.0",
					ID:      jsonrpc.JSONRPCIntID(txNumber),
					Method:  "broadcast_tx",
					Params:  paramsJSON,
				})
				if err != nil {
					err = errors.Wrap(err,
						fmt.Sprintf("txs send failed on connection #%d", connIndex))
					t.connsBroken[connIndex] = true
					logger.Error(err.Error())
					return
				}

				// cache the time.Now() reads to save time.
				if i%5 == 0 {
					now = time.Now()
					if now.After(endTime) {
						// Plus one accounts for sending this tx
						numTxSent = i + 1
						break
					}
				}

				txNumber++
			}

			timeToSend := time.Since(startTime)
			logger.Info(fmt.Sprintf("sent %d transactions", numTxSent), "took", timeToSend)
			if timeToSend < 1*time.Second {
				sleepTime := time.Second - timeToSend
				logger.Debug(fmt.Sprintf("connection #%d is sleeping for %f seconds", connIndex, sleepTime.Seconds()))
				time.Sleep(sleepTime)
			}

		case <-pingsTicker.C:
			c.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := c.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				err = errors.Wrap(err,
					fmt.Sprintf("failed to write ping message on conn #%d", connIndex))
				logger.Error(err.Error())
				t.connsBroken[connIndex] = true
			}
		}

		if t.stopped {
			// To cleanly close a connection, a client should send a close
			// frame and wait for the server to close the connection.
			c.SetWriteDeadline(time.Now().Add(sendTimeout))
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				err = errors.Wrap(err,
					fmt.Sprintf("failed to write close message on conn #%d", connIndex))
				logger.Error(err.Error())
				t.connsBroken[connIndex] = true
			}

			return
		}
	}
}

func connect(host string) (*websocket.Conn, *http.Response, error) {
	u := url.URL{Scheme: "ws", Host: host, Path: "/websocket"}
	return websocket.DefaultDialer.Dial(u.String(), nil)
}
