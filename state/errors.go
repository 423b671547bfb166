package state

import "fmt"

// ErrInvalidBlock marks a block that breaks a protocol rule. Voting against
// it is justified; any other error from validation is a local failure.
type ErrInvalidBlock struct {
	Err error
}

func (e ErrInvalidBlock) Error() string {
	return fmt.Sprintf("invalid block: %v", e.Err)
}

func (e ErrInvalidBlock) Cause() error {
	return e.Err
}

func invalid(format string, args ...interface{}) error {
	return ErrInvalidBlock{Err: fmt.Errorf(format, args...)}
}

// IsInvalidBlock reports whether err marks a protocol-invalid block.
func IsInvalidBlock(err error) bool {
	_, ok := err.(ErrInvalidBlock)
	return ok
}
