package metric

import (
	"bytes"
	"strings"
	"time"

	metrics "github.com/rcrowley/go-metrics"
)

// MetricItem is one module's entry in a MetricSet.
type MetricItem interface {
	JSONString() string
}

type mockMetricItem struct {
	name string
}

func (mock *mockMetricItem) JSONString() string {
	return mock.name
}

// TimerItem keeps named duration histograms (count, min, max, mean,
// percentiles) in its own registry.
type TimerItem struct {
	registry metrics.Registry
}

func NewTimerItem() *TimerItem {
	return &TimerItem{registry: metrics.NewRegistry()}
}

func (ti *TimerItem) Timer(name string) metrics.Timer {
	return metrics.GetOrRegisterTimer(name, ti.registry)
}

// UpdateSince records the time elapsed since start under name.
func (ti *TimerItem) UpdateSince(name string, start time.Time) {
	ti.Timer(name).UpdateSince(start)
}

func (ti *TimerItem) Update(name string, d time.Duration) {
	ti.Timer(name).Update(d)
}

func (ti *TimerItem) JSONString() string {
	var buf bytes.Buffer
	metrics.WriteJSONOnce(ti.registry, &buf)
	return strings.TrimSpace(buf.String())
}
