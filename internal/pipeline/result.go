package pipeline

import (
	"github.com/celestiaorg/provisioner/internal/types"
)

// Kind classifies the outcome of a step attempt
type Kind int

// Outcome kinds
const (
	KindOK Kind = iota
	KindTransient
	KindPermanent
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Result is what a step attempt produced. Exactly one of Output (for
// KindOK) or Err (for every other kind) is meaningful.
type Result struct {
	Kind   Kind
	Output map[string]interface{}
	Err    error
}

// Ok is a successful attempt
func Ok(output map[string]interface{}) Result {
	if output == nil {
		output = map[string]interface{}{}
	}
	return Result{Kind: KindOK, Output: output}
}

// Transient is a failure worth retrying
func Transient(err error) Result {
	return Result{Kind: KindTransient, Err: err}
}

// Permanent is a failure that retrying cannot fix
func Permanent(err error) Result {
	return Result{Kind: KindPermanent, Err: err}
}

// TimeoutResult is an attempt that ran out of time
func TimeoutResult(err error) Result {
	return Result{Kind: KindTimeout, Err: err}
}

// FromError classifies an adapter error at the step boundary. Nil becomes an
// empty Ok; unclassified errors are transient.
func FromError(err error) Result {
	switch {
	case err == nil:
		return Ok(nil)
	case types.IsTimeout(err):
		return TimeoutResult(err)
	case types.IsPermanent(err):
		return Permanent(err)
	default:
		return Transient(err)
	}
}

// Retryable reports whether another attempt may succeed
func (r Result) Retryable() bool {
	return r.Kind == KindTransient || r.Kind == KindTimeout
}
