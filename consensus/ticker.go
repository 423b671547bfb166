package consensus

import (
	"fmt"
	"time"

	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
)

var tickTockBufferSize = 10

// EpochTicker fires once the epoch of the current round has run out.
// Only the latest scheduled (height, epoch) is kept; older ones are dropped.
type EpochTicker interface {
	Start() error
	Stop() error
	Chan() <-chan timeoutInfo
	ScheduleTimeout(ti timeoutInfo)
	SetLogger(log.Logger)
}

// timeoutInfo ends the round at (Height, Epoch) after Duration.
type timeoutInfo struct {
	Duration time.Duration `json:"duration"`
	Height   int64         `json:"height"`
	Epoch    int64         `json:"epoch"`
}

func (ti timeoutInfo) String() string {
	return fmt.Sprintf("%v ; %d/%d", ti.Duration, ti.Height, ti.Epoch)
}

type epochTicker struct {
	service.BaseService

	timer    *time.Timer
	tickChan chan timeoutInfo // for scheduling timeouts
	tockChan chan timeoutInfo // for notifying about them
}

func NewEpochTicker() EpochTicker {
	et := &epochTicker{
		timer:    time.NewTimer(0),
		tickChan: make(chan timeoutInfo, tickTockBufferSize),
		tockChan: make(chan timeoutInfo, tickTockBufferSize),
	}
	et.BaseService = *service.NewBaseService(nil, "EpochTicker", et)
	et.stopTimer() // don't want to fire until the first scheduled timeout
	return et
}

func (et *epochTicker) OnStart() error {
	go et.timeoutRoutine()
	return nil
}

func (et *epochTicker) OnStop() {
	et.stopTimer()
}

func (et *epochTicker) Chan() <-chan timeoutInfo {
	return et.tockChan
}

func (et *epochTicker) ScheduleTimeout(ti timeoutInfo) {
	et.tickChan <- ti
}

func (et *epochTicker) stopTimer() {
	if !et.timer.Stop() {
		select {
		case <-et.timer.C:
		default:
			et.Logger.Debug("Timer already stopped")
		}
	}
}

func (et *epochTicker) timeoutRoutine() {
	et.Logger.Debug("Starting epoch timeout routine")
	var ti timeoutInfo
	for {
		select {
		case newti := <-et.tickChan:
			et.Logger.Debug("Received tick", "old_ti", ti, "new_ti", newti)

			if newti.Height < ti.Height {
				continue
			} else if newti.Height == ti.Height && newti.Epoch <= ti.Epoch {
				continue
			}

			et.stopTimer()
			ti = newti
			et.timer.Reset(ti.Duration)
			et.Logger.Debug("Scheduled timeout", "dur", ti.Duration, "height", ti.Height, "epoch", ti.Epoch)
		case <-et.timer.C:
			et.Logger.Info("Timed out", "dur", ti.Duration, "height", ti.Height, "epoch", ti.Epoch)
			go func(toi timeoutInfo) {
				select {
				case et.tockChan <- toi:
				case <-et.Quit():
				}
			}(ti)
		case <-et.Quit():
			return
		}
	}
}
