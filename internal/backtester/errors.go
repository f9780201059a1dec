// Package backtester implements the simulation kernel: the merged global
// time cursor, exchange matching, position/trade accounting, and the
// per-tick strategy evaluation cycle.
package backtester

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a KernelError for errors.Is comparisons without
// inspecting message text.
type ErrorKind int

const (
	// InvalidIO means an input dataset was unreadable or malformed.
	InvalidIO ErrorKind = iota
	// InvalidArgument means a required column, datetime vector, or
	// matching-length invariant was missing or violated.
	InvalidArgument
	// InvalidId means a reference to an unknown asset/exchange/portfolio/strategy.
	InvalidId
	// InvalidMemoryOp means a cursor moved outside [0, rows].
	InvalidMemoryOp
	// InvalidColumns means a header mismatch at load.
	InvalidColumns
	// InvalidTz means a time zone mismatch or unparsable offset at load.
	InvalidTz
	// OutOfRange means a feature lookup was made before warmup was satisfied.
	OutOfRange
	// NotImplemented means a requested trade-exit or allocation type is unrecognized.
	NotImplemented
	// InvalidState means step() was called before build(), or reset while live.
	InvalidState
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidIO:
		return "InvalidIO"
	case InvalidArgument:
		return "InvalidArgument"
	case InvalidId:
		return "InvalidId"
	case InvalidMemoryOp:
		return "InvalidMemoryOp"
	case InvalidColumns:
		return "InvalidColumns"
	case InvalidTz:
		return "InvalidTz"
	case OutOfRange:
		return "OutOfRange"
	case NotImplemented:
		return "NotImplemented"
	case InvalidState:
		return "InvalidState"
	default:
		return "Unknown"
	}
}

// KernelError is the single error type returned by the simulation kernel.
// Kind supports errors.Is comparisons against a target *KernelError of
// the same Kind; Op and Detail carry human-readable context.
type KernelError struct {
	Kind   ErrorKind
	Op     string // component/method that raised the error, e.g. "Asset.GetFeature"
	Detail string
	Err    error // wrapped cause, if any
}

func (e *KernelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Detail)
}

func (e *KernelError) Unwrap() error { return e.Err }

// Is supports errors.Is(err, &KernelError{Kind: X}) by comparing Kind alone.
func (e *KernelError) Is(target error) bool {
	t, ok := target.(*KernelError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newKernelError(kind ErrorKind, op, detail string) *KernelError {
	return &KernelError{Kind: kind, Op: op, Detail: detail}
}

func wrapKernelError(kind ErrorKind, op, detail string, err error) *KernelError {
	return &KernelError{Kind: kind, Op: op, Detail: detail, Err: err}
}

// IsKind reports whether err is a *KernelError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Kind == kind
	}
	return false
}
