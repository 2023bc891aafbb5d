// Package completion turns whatever a workload handler returns into the
// exit code of the sandbox process.
//
// The value space is closed: Unit, Code, Result (a nested value or an
// error) and Deferred (a value that still has to be computed). Resolve maps
// every member to exactly one code. A handler that never returns has no
// value to hand back, see Never.
package completion

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
)

// FailureCode is used for failed nested results and other unrecoverable
// outcomes. It matches the code a SIGKILLed process reports (128+9).
const FailureCode int32 = 137

// Value is implemented only by the types in this package.
type Value interface {
	completion()
}

// Unit reports success with code 0.
type Unit struct{}

// Code reports success with an explicit code. Only the low 8 bits reach the
// parent process.
type Code int32

// Result is a nested completion: Value when Err is nil, FailureCode
// otherwise.
type Result struct {
	Value Value
	Err   error
}

// Deferred is resolved by calling it once, synchronously, before any other
// rule applies.
type Deferred func(ctx context.Context) Value

func (Unit) completion()     {}
func (Code) completion()     {}
func (Result) completion()   {}
func (Deferred) completion() {}

// Never is the result type of a handler that does not return normally (it
// exits or execs). No type implements it, so no Never value other than nil
// can be produced, and Resolve has no case for it.
type Never interface {
	never()
}

// FromNever lets a Never-returning handler satisfy a Value-returning
// signature. It can only be reached with a nil Never, which is a bug in the
// handler.
func FromNever(n Never) Value {
	panic(fmt.Sprintf("completion: handler returned from a Never result (%v)", n))
}

func Ok(v Value) Result {
	return Result{Value: v}
}

func Err(err error) Result {
	return Result{Err: err}
}

// FromExit adapts the common (code, error) handler shape.
func FromExit(code int, err error) Value {
	if err != nil {
		return Err(err)
	}
	return Ok(Code(code))
}

// Resolve maps v to an exit code. A nil Value (including a nil Deferred or a
// Result with neither Value nor Err) counts as Unit.
func Resolve(ctx context.Context, v Value, logger *log.Logger) int32 {
	if logger == nil {
		logger = log.Default()
	}
	for {
		switch value := v.(type) {
		case nil, Unit:
			return 0
		case Code:
			return int32(value)
		case Result:
			if value.Err != nil {
				logger.Error("workload failed", "error", value.Err)
				return FailureCode
			}
			v = value.Value
		case Deferred:
			if value == nil {
				return 0
			}
			v = value(ctx)
		default:
			// Unreachable: the marker method is unexported.
			logger.Error("unknown completion value", "type", fmt.Sprintf("%T", v))
			return FailureCode
		}
	}
}

var exit = os.Exit

// Exit resolves v and terminates the process with the resulting code.
func Exit(ctx context.Context, v Value, logger *log.Logger) {
	exit(int(Resolve(ctx, v, logger)))
}
