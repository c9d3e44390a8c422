// SPDX-License-Identifier: MIT

// Package node defines the execution framework shared by all processing
// nodes: the node contract, parameter resolution, error classification and
// the run lifecycle that records stage state.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/clipflow/clipflow/internal/gpulock"
	"github.com/clipflow/clipflow/internal/kv"
	"github.com/clipflow/clipflow/internal/objstore"
)

// Kind classifies execution failures. The kind is part of the persisted
// failure text, so callers can tell a bad request from a lost GPU.
type Kind string

const (
	KindInput     Kind = "input"
	KindResource  Kind = "resource"
	KindCompute   Kind = "compute"
	KindCancelled Kind = "cancelled"
)

// Error is a classified node failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("[%s] %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// InputErr marks a validation or resolution failure.
func InputErr(format string, args ...any) *Error {
	return &Error{Kind: KindInput, Err: fmt.Errorf(format, args...)}
}

// ResourceErr marks an unavailable dependency (GPU, Redis, object store).
func ResourceErr(err error) *Error { return &Error{Kind: KindResource, Err: err} }

// ComputeErr marks a failure inside the node's own processing.
func ComputeErr(err error) *Error { return &Error{Kind: KindCompute, Err: err} }

// Classify maps an arbitrary error to its failure kind. Already-classified
// errors keep their kind.
func Classify(err error) Kind {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Kind
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, gpulock.ErrAcquireTimeout),
		errors.Is(err, kv.ErrUnavailable),
		errors.Is(err, objstore.ErrUnavailable):
		return KindResource
	default:
		return KindCompute
	}
}

// FailureText renders the persisted stage error string for err.
func FailureText(err error) string {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Error()
	}
	return fmt.Sprintf("[%s] %v", Classify(err), err)
}
