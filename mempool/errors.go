package mempool

import (
	"errors"
	"fmt"
)

var (
	// ErrTxInMap is returned when the same tx is already pooled.
	ErrTxInMap       = errors.New("tx already exists in map")
	ErrMempoolIsFull = errors.New("mempool is full")
)

// ErrTxTooLarge means the tx is too big to be sent in a message to other peers
type ErrTxTooLarge struct {
	Max    int
	Actual int
}

func (e ErrTxTooLarge) Error() string {
	return fmt.Sprintf("Tx too large. Max size is %d, but got %d", e.Max, e.Actual)
}
