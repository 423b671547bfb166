package rpc

import (
	"fmt"

	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"
)

type ResultMetrics struct {
	Metrics map[string]string `json:"metrics"`
}

// JSONMetrics returns the JSON metric items registered under label, or all
// of them when label is empty.
func JSONMetrics(ctx *rpctypes.Context, label string) (*ResultMetrics, error) {
	if label == "" {
		return &ResultMetrics{Metrics: env.MetricSet.JSONStrings()}, nil
	}
	item := env.MetricSet.GetMetrics(label)
	if item == nil {
		return nil, fmt.Errorf("no metrics labeled %q", label)
	}
	return &ResultMetrics{Metrics: map[string]string{label: item.JSONString()}}, nil
}
