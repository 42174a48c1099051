package actor

import (
	"errors"
	"fmt"
)

// Errors returned by graph operations.
var (
	ErrNoInterest      = errors.New("node has no interest")
	ErrHasInterest     = errors.New("node still has interest")
	ErrHasDependents   = errors.New("node still has dependents")
	ErrUnknownSupplier = errors.New("unknown supplier")
	ErrCycle           = errors.New("supplier cycle")
	ErrBusy            = errors.New("node is calculating")
)

// Failure is the error state of a node. Fatal failures are invariant
// violations (including panics inside a compute function); others are data
// errors that a retry after fixing the input may resolve.
type Failure struct {
	Item  string
	Msg   string
	Fatal bool
	Cause error
}

func (f *Failure) Error() string {
	if f.Item == "" {
		return f.Msg
	}

	return fmt.Sprintf("%s: %s", f.Item, f.Msg)
}

func (f *Failure) Unwrap() error { return f.Cause }

// Failf returns a data failure with a formatted message. Compute functions
// return it to record a recoverable error on their node.
func Failf(format string, args ...any) *Failure {
	return &Failure{Msg: fmt.Sprintf(format, args...)}
}

// supplierFailed chains a supplier failure onto the demanding node.
func supplierFailed(item string, sup *Failure) *Failure {
	return &Failure{
		Item:  item,
		Msg:   fmt.Sprintf("supplier %q failed: %s", sup.Item, sup.Msg),
		Fatal: sup.Fatal,
		Cause: sup,
	}
}
