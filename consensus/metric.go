package consensus

import (
	"sync"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	prometheus "github.com/go-kit/kit/metrics/prometheus"
	jsoniter "github.com/json-iterator/go"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/ainblockchain/ain-blockchain-sub002/types"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "consensus"
)

// Metrics contains the prometheus metrics exposed by the consensus state.
type Metrics struct {
	// Height of the round in progress.
	Height metrics.Gauge
	// Epoch of the round in progress.
	Epoch metrics.Gauge

	// Number of validators in the snapshot of the current height.
	Validators metrics.Gauge
	// Total stake of those validators.
	ValidatorsPower metrics.Gauge

	// Rounds ended, labeled by how they ended.
	Rounds metrics.Counter
	// Against-votes cast by this node.
	AgainstVotes metrics.Counter
	// Evidence records waiting to be carried by a proposal.
	PendingEvidence metrics.Gauge

	// Number of transactions in the last finalized block.
	NumTxs metrics.Gauge
	// Seconds between the last two finalized blocks.
	BlockIntervalSeconds metrics.Histogram
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Height: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "height",
			Help:      "Height of the round in progress.",
		}, labels).With(labelsAndValues...),
		Epoch: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "epoch",
			Help:      "Epoch of the round in progress.",
		}, labels).With(labelsAndValues...),
		Validators: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "validators",
			Help:      "Number of validators.",
		}, labels).With(labelsAndValues...),
		ValidatorsPower: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "validators_power",
			Help:      "Total stake of all validators.",
		}, labels).With(labelsAndValues...),
		Rounds: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rounds",
			Help:      "Number of ended rounds by outcome.",
		}, append(labels, "step")).With(labelsAndValues...),
		AgainstVotes: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "against_votes",
			Help:      "Number of against-votes cast by this node.",
		}, labels).With(labelsAndValues...),
		PendingEvidence: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pending_evidence",
			Help:      "Number of pooled evidence records.",
		}, labels).With(labelsAndValues...),
		NumTxs: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "num_txs",
			Help:      "Number of transactions.",
		}, labels).With(labelsAndValues...),
		BlockIntervalSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "block_interval_seconds",
			Help:      "Time between this and the last block.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Height:               discard.NewGauge(),
		Epoch:                discard.NewGauge(),
		Validators:           discard.NewGauge(),
		ValidatorsPower:      discard.NewGauge(),
		Rounds:               discard.NewCounter(),
		AgainstVotes:         discard.NewCounter(),
		PendingEvidence:      discard.NewGauge(),
		NumTxs:               discard.NewGauge(),
		BlockIntervalSeconds: discard.NewHistogram(),
	}
}

//-----------------------------------------------------------------------------

func newConsensusMetric() *consensusMetric {
	return &consensusMetric{Status: StatusStarting.String()}
}

// consensusMetric is the JSON view of the round in progress served by the
// metrics route.
type consensusMetric struct {
	mtx sync.RWMutex

	Status          string        `json:"status"`
	Height          int64         `json:"height"`
	Epoch           int64         `json:"epoch"`
	EpochStartTime  int64         `json:"epoch_start_time"`
	RoundStep       string        `json:"round_step"`
	IsProposer      bool          `json:"is_proposer"`
	Proposer        types.Address `json:"proposer_address"`
	LastFinalized   int64         `json:"last_finalized"`
	RejectedRounds  int64         `json:"rejected_rounds"`
	AbandonedRounds int64         `json:"abandoned_rounds"`
}

func (cm *consensusMetric) JSONString() string {
	cm.mtx.RLock()
	defer cm.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(cm)
	return s
}

func (cm *consensusMetric) MarkStatus(s ProcessStatus) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.Status = s.String()
}

func (cm *consensusMetric) MarkRound(height, epoch, startTime int64, proposer types.Address, isProposer bool) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.Height = height
	cm.Epoch = epoch
	cm.EpochStartTime = startTime
	cm.Proposer = proposer
	cm.IsProposer = isProposer
}

func (cm *consensusMetric) MarkStep(step string) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.RoundStep = step
}

func (cm *consensusMetric) MarkFinalized(height int64) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.LastFinalized = height
}

func (cm *consensusMetric) MarkRejected() {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.RejectedRounds++
}

func (cm *consensusMetric) MarkAbandoned() {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.AbandonedRounds++
}
