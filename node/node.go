package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tendermint/tendermint/libs/log"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/service"
	"github.com/tendermint/tendermint/p2p"
	rpcserver "github.com/tendermint/tendermint/rpc/jsonrpc/server"
	"github.com/tendermint/tendermint/version"

	cfg "github.com/ainblockchain/ain-blockchain-sub002/config"
	"github.com/ainblockchain/ain-blockchain-sub002/consensus"
	"github.com/ainblockchain/ain-blockchain-sub002/evidence"
	"github.com/ainblockchain/ain-blockchain-sub002/libs/metric"
	"github.com/ainblockchain/ain-blockchain-sub002/mempool"
	"github.com/ainblockchain/ain-blockchain-sub002/privval"
	"github.com/ainblockchain/ain-blockchain-sub002/rpc"
	sm "github.com/ainblockchain/ain-blockchain-sub002/state"
	"github.com/ainblockchain/ain-blockchain-sub002/store"
	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

// Provider takes a config and a logger and returns a ready to go Node.
type Provider func(*cfg.Config, log.Logger) (*Node, error)

// Node is the highest level interface to a full node: the consensus state
// machine, the mempool, the state store, p2p and the operator RPC.
type Node struct {
	service.BaseService

	// config
	config *cfg.Config
	genDoc *types.GenesisDoc

	// network
	transport *p2p.MultiplexTransport
	sw        *p2p.Switch // p2p connections
	nodeInfo  p2p.NodeInfo
	nodeKey   *p2p.NodeKey // our node privkey

	// services
	kvStore          *store.KVStore
	valHistory       *sm.ValidatorHistory
	mempool          *mempool.ListMempool
	consensusState   *consensus.ConsensusState
	consensusReactor *consensus.Reactor
	mempoolReactor   *mempool.Reactor
	metricSet        *metric.MetricSet

	rpcListeners     []net.Listener
	prometheusServer *http.Server
}

type Option func(*Node)

// DefaultNewNode loads the node key, the genesis file and, when present, the
// validator key from the config dir. Without a validator key the node
// follows the chain without voting.
func DefaultNewNode(config *cfg.Config, logger log.Logger) (*Node, error) {
	nodeKey, err := p2p.LoadOrGenNodeKey(config.NodeKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load or gen node key %s: %w", config.NodeKeyFile(), err)
	}
	genDoc, err := types.GenesisDocFromFile(config.GenesisFile())
	if err != nil {
		return nil, err
	}

	var privVal types.PrivValidator
	if tmos.FileExists(config.PrivValidatorKeyFile()) {
		privVal = privval.LoadFilePV(config.PrivValidatorKeyFile())
	} else {
		logger.Info("no validator key; running as a follower", "file", config.PrivValidatorKeyFile())
	}
	return NewNode(config, genDoc, privVal, nodeKey, logger)
}

func createTransport(config *cfg.Config, nodeInfo p2p.NodeInfo, nodeKey *p2p.NodeKey) *p2p.MultiplexTransport {
	var (
		mConnConfig = p2p.MConnConfig(config.P2P)
		transport   = p2p.NewMultiplexTransport(nodeInfo, *nodeKey, mConnConfig)
	)
	// Limit the number of incoming connections.
	max := config.P2P.MaxNumInboundPeers + len(splitAndTrimEmpty(config.P2P.UnconditionalPeerIDs, ",", " "))
	p2p.MultiplexTransportMaxIncomingConnections(max)(transport)
	return transport
}

func createSwitch(config *cfg.Config,
	transport p2p.Transport,
	consensusReactor *consensus.Reactor,
	mempoolReactor *mempool.Reactor,
	nodeInfo p2p.NodeInfo,
	nodeKey *p2p.NodeKey,
	p2pLogger log.Logger) *p2p.Switch {

	sw := p2p.NewSwitch(
		config.P2P,
		transport,
	)
	sw.SetLogger(p2pLogger)
	sw.AddReactor("CONSENSUS", consensusReactor)
	sw.AddReactor("MEMPOOL", mempoolReactor)

	sw.SetNodeInfo(nodeInfo)
	sw.SetNodeKey(nodeKey)

	p2pLogger.Info("P2P Node ID", "ID", nodeKey.ID(), "file", config.NodeKeyFile())
	return sw
}

func makeNodeInfo(
	config *cfg.Config,
	nodeKey *p2p.NodeKey,
	genDoc *types.GenesisDoc,
) (p2p.NodeInfo, error) {
	nodeInfo := p2p.DefaultNodeInfo{
		ProtocolVersion: p2p.NewProtocolVersion(
			version.P2PProtocol, // global
			version.BlockProtocol,
			0,
		),
		DefaultNodeID: nodeKey.ID(),
		Network:       genDoc.ChainID,
		Version:       version.TMCoreSemVer,
		Channels: []byte{
			consensus.ProposalChannel, consensus.VoteChannel,
			mempool.MempoolChannel,
		},
		Moniker: config.Moniker,
		Other: p2p.DefaultNodeInfoOther{
			TxIndex:    "off",
			RPCAddress: config.RPC.ListenAddress,
		},
	}

	lAddr := config.P2P.ExternalAddress
	if lAddr == "" {
		lAddr = config.P2P.ListenAddress
	}
	nodeInfo.ListenAddr = lAddr

	err := nodeInfo.Validate()
	return nodeInfo, err
}

// metricsProvider returns the prometheus consensus metrics when
// instrumentation is on.
func metricsProvider(config *cfg.Config, chainID string) *consensus.Metrics {
	if config.Instrumentation.Prometheus {
		return consensus.PrometheusMetrics(config.Instrumentation.Namespace, "chain_id", chainID)
	}
	return consensus.NopMetrics()
}

func NewNode(config *cfg.Config,
	genDoc *types.GenesisDoc,
	privVal types.PrivValidator,
	nodeKey *p2p.NodeKey,
	logger log.Logger,
	options ...Option) (*Node, error) {

	kvStore, err := store.NewKVStore("state", config.DBDir(), logger.With("module", "store"),
		store.WithStakeLockupMs(genDoc.StakeLockupMs))
	if err != nil {
		return nil, err
	}

	valMgr := sm.NewValidatorSetManager(genDoc.MaxNumValidators)
	history := sm.NewValidatorHistory(kvStore)
	history.SetLogger(logger.With("module", "state"))
	state, err := sm.LoadState(context.Background(), kvStore, genDoc, valMgr, history, logger.With("module", "state"))
	if err != nil {
		return nil, errors.Wrap(err, "load state")
	}
	logger.Info("loaded state", "state", state)

	// mempool
	mempoolLogger := logger.With("module", "mempool")
	mem := mempool.NewListMempool(config.Mempool, state.LastBlockNumber)
	mem.SetLogger(mempoolLogger)
	mempoolReactor := mempool.NewReactor(mem)
	mempoolReactor.SetLogger(mempoolLogger)

	evpool := evidence.NewPool()
	evpool.SetLogger(logger.With("module", "evidence"))

	timers := metric.NewTimerItem()
	blockExec := sm.NewBlockExecutor(kvStore, mem, evpool, valMgr, history,
		sm.WithMaxBlockTxsBytes(config.BFT.MaxBlockTxsBytes),
		sm.WithLockupPolicy(evidence.ExponentialLockupPolicy(genDoc.LockupExtensionBaseMs)),
		sm.WithTimers(timers),
	)
	blockExec.SetLogger(logger.With("module", "state"))

	// consensus
	consensusLogger := logger.With("module", "consensus")
	csOptions := []consensus.ConsensusOption{consensus.WithMetrics(metricsProvider(config, genDoc.ChainID))}
	if privVal != nil {
		csOptions = append(csOptions, consensus.SetPrivValidator(privVal))
		consensusLogger.Info("this node is a validator", "addr", privVal.GetAddress(),
			"in_set", state.NextValidators.Has(privVal.GetAddress()))
	}
	consensusState := consensus.NewConsensusState(config.BFT, state, blockExec, evpool, csOptions...)
	consensusState.SetLogger(consensusLogger)
	consensusReactor := consensus.NewReactor(consensusState)
	consensusReactor.SetLogger(consensusLogger)

	metricSet := metric.NewMetricSet()
	for label, item := range map[string]metric.MetricItem{
		"consensus": consensusState.Metric(),
		"mempool":   mem.Metric(),
		"executor":  timers,
	} {
		if err := metricSet.SetMetrics(label, item); err != nil {
			return nil, err
		}
	}

	p2pLogger := logger.With("module", "p2p")

	// setup node identity
	nodeInfo, err := makeNodeInfo(config, nodeKey, genDoc)
	if err != nil {
		return nil, err
	}

	// Setup Transport.
	transport := createTransport(config, nodeInfo, nodeKey)

	// Setup Switch.
	sw := createSwitch(
		config, transport, consensusReactor, mempoolReactor, nodeInfo, nodeKey, p2pLogger,
	)
	if err := sw.AddPersistentPeers(splitAndTrimEmpty(config.P2P.PersistentPeers, ",", " ")); err != nil {
		return nil, fmt.Errorf("could not add peers from persistent_peers field: %w", err)
	}

	node := &Node{
		config:           config,
		genDoc:           genDoc,
		transport:        transport,
		sw:               sw,
		nodeInfo:         nodeInfo,
		nodeKey:          nodeKey,
		kvStore:          kvStore,
		valHistory:       history,
		mempool:          mem,
		consensusState:   consensusState,
		consensusReactor: consensusReactor,
		mempoolReactor:   mempoolReactor,
		metricSet:        metricSet,
	}
	node.BaseService = *service.NewBaseService(logger, "Node", node)
	for _, option := range options {
		option(node)
	}
	return node, nil
}

func (n *Node) OnStart() error {
	now := time.Now()
	if genTime := n.genDoc.GenesisTime; genTime.After(now) {
		n.Logger.Info("Genesis time is in the future. Sleeping until then...", "genTime", genTime)
		time.Sleep(genTime.Sub(now))
	}

	// run the prometheus server before anything else, so a stuck start is
	// still observable
	if n.config.Instrumentation.Prometheus && n.config.Instrumentation.PrometheusListenAddr != "" {
		n.prometheusServer = n.startPrometheusServer(n.config.Instrumentation.PrometheusListenAddr)
	}

	if n.config.RPC.ListenAddress != "" {
		listeners, err := n.startRPC()
		if err != nil {
			return err
		}
		n.rpcListeners = listeners
	}

	// start the transport
	addr, err := p2p.NewNetAddressString(p2p.IDAddressString(n.nodeKey.ID(), n.config.P2P.ListenAddress))
	if err != nil {
		return err
	}
	if err := n.transport.Listen(*addr); err != nil {
		return err
	}

	// start the Switch, and with it the reactors and the consensus state
	if err := n.sw.Start(); err != nil {
		return err
	}

	n.Logger.Info("dialing persistent peers", "peers", n.config.P2P.PersistentPeers)
	err = n.sw.DialPeersAsync(splitAndTrimEmpty(n.config.P2P.PersistentPeers, ",", " "))
	if err != nil {
		return fmt.Errorf("could not dial peers from persistent_peers field: %w", err)
	}
	return nil
}

func (n *Node) OnStop() {
	n.Logger.Info("Stopping Node")

	if err := n.sw.Stop(); err != nil {
		n.Logger.Error("Error closing switch", "err", err)
	}
	if err := n.transport.Close(); err != nil {
		n.Logger.Error("Error closing transport", "err", err)
	}

	for _, l := range n.rpcListeners {
		n.Logger.Info("Closing rpc listener", "listener", l)
		if err := l.Close(); err != nil {
			n.Logger.Error("Error closing listener", "listener", l, "err", err)
		}
	}
	if n.prometheusServer != nil {
		if err := n.prometheusServer.Shutdown(context.Background()); err != nil {
			n.Logger.Error("Prometheus HTTP server Shutdown", "err", err)
		}
	}

	if err := n.kvStore.Close(); err != nil {
		n.Logger.Error("Error closing store", "err", err)
	}
}

// startRPC serves the routes over JSON-RPC, URI and websocket on every
// listen address.
func (n *Node) startRPC() ([]net.Listener, error) {
	rpc.SetEnvironment(&rpc.Environment{
		Mempool:   n.mempool,
		Consensus: n.consensusState,
		Store:     n.kvStore,
		GenDoc:    n.genDoc,
		MetricSet: n.metricSet,
		Logger:    n.Logger.With("module", "rpc"),

		ValidatorHistory: n.valHistory,
	})

	config := rpcserver.DefaultConfig()
	config.MaxBodyBytes = n.config.RPC.MaxBodyBytes
	config.MaxHeaderBytes = n.config.RPC.MaxHeaderBytes
	config.MaxOpenConnections = n.config.RPC.MaxOpenConnections

	listenAddrs := splitAndTrimEmpty(n.config.RPC.ListenAddress, ",", " ")
	listeners := make([]net.Listener, len(listenAddrs))
	for i, listenAddr := range listenAddrs {
		mux := http.NewServeMux()
		rpcLogger := n.Logger.With("module", "rpc-server")
		wmLogger := rpcLogger.With("protocol", "websocket")
		wm := rpcserver.NewWebsocketManager(rpc.Routes,
			rpcserver.ReadLimit(config.MaxBodyBytes),
		)
		wm.SetLogger(wmLogger)
		mux.HandleFunc("/websocket", wm.WebsocketHandler)
		rpcserver.RegisterRPCFuncs(mux, rpc.Routes, rpcLogger)

		listener, err := rpcserver.Listen(listenAddr, config)
		if err != nil {
			return nil, err
		}
		go func() {
			if err := rpcserver.Serve(listener, mux, rpcLogger, config); err != nil {
				n.Logger.Error("Error serving server", "err", err)
			}
		}()
		listeners[i] = listener
	}
	return listeners, nil
}

// startPrometheusServer starts a Prometheus HTTP server, listening for metrics
// collectors on addr.
func (n *Node) startPrometheusServer(addr string) *http.Server {
	srv := &http.Server{
		Addr: addr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{MaxRequestsInFlight: n.config.Instrumentation.MaxOpenConnections},
			),
		),
	}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			// Error starting or closing listener:
			n.Logger.Error("Prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}

func (n *Node) Switch() *p2p.Switch {
	return n.sw
}

func (n *Node) NodeInfo() p2p.NodeInfo {
	return n.nodeInfo
}

func (n *Node) ConsensusState() *consensus.ConsensusState {
	return n.consensusState
}

func (n *Node) Mempool() *mempool.ListMempool {
	return n.mempool
}

func (n *Node) Store() *store.KVStore {
	return n.kvStore
}

// splitAndTrimEmpty slices s into all subslices separated by sep and returns a
// slice of the string s with all leading and trailing Unicode code points
// contained in cutset removed. If sep is empty, SplitAndTrim splits after each
// UTF-8 sequence. First part is equivalent to strings.SplitN with a count of
// -1.  also filter out empty strings, only return non-empty strings.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}
