package consensus

import "sync/atomic"

// ProcessStatus is the lifecycle of the consensus process. It neither
// proposes nor votes unless RUNNING.
type ProcessStatus int32

const (
	StatusStarting ProcessStatus = iota // replaying the finalized chain
	StatusRunning
	StatusStopped
)

func (s ProcessStatus) String() string {
	switch s {
	case StatusStarting:
		return "STARTING"
	case StatusRunning:
		return "RUNNING"
	case StatusStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// processStatus is read from RPC goroutines while the state machine sets it.
type processStatus struct {
	v int32
}

func (ps *processStatus) Load() ProcessStatus {
	return ProcessStatus(atomic.LoadInt32(&ps.v))
}

func (ps *processStatus) Store(s ProcessStatus) {
	atomic.StoreInt32(&ps.v, int32(s))
}
