package calc

import "errors"

// Errors returned by the engine. Data errors raised while computing are
// recorded as [actor.Failure] values on the result item and wrap these.
var (
	ErrClosed             = errors.New("engine is closed")
	ErrUnknownOperator    = errors.New("unknown operator")
	ErrArity              = errors.New("wrong number of arguments")
	ErrArgument           = errors.New("invalid argument")
	ErrNotDefined         = errors.New("item has no definition")
	ErrCircularDefinition = errors.New("circular definition")
	ErrShape              = errors.New("shape mismatch")
	ErrValueType          = errors.New("unsupported value type")
	ErrResultType         = errors.New("unexpected result type")
	ErrReleased           = errors.New("reference already released")
	ErrNotCalculated      = errors.New("result is not calculated")
)
