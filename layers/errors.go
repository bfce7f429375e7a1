package layers

import (
	"errors"
	"fmt"

	"github.com/tsawler/go-rtl/bitwidth"
)

// ErrAlreadyPropagated is returned when a layer's bit widths are set a second time.
var ErrAlreadyPropagated = errors.New("range already propagated")

// ShapeMismatchError reports weight or bias dimensions that disagree with the
// declared feature counts, or adjacent layers whose widths disagree.
type ShapeMismatchError struct {
	Index  int
	Kind   LayerType
	Detail string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("layer %d (%s): shape mismatch: %s", e.Index, e.Kind, e.Detail)
}

// UnsupportedLayerError reports a layer kind outside the supported set, or a
// configuration of a supported kind that cannot be compiled.
type UnsupportedLayerError struct {
	Index  int
	Kind   LayerType
	Detail string
}

func (e *UnsupportedLayerError) Error() string {
	if e.Index < 0 {
		return "unsupported layer: " + e.Detail
	}
	return fmt.Sprintf("layer %d (%s): unsupported: %s", e.Index, e.Kind, e.Detail)
}

// UninitializedBitWidthError reports emission attempted before range propagation.
type UninitializedBitWidthError struct {
	Index int
	Kind  LayerType
}

func (e *UninitializedBitWidthError) Error() string {
	return fmt.Sprintf("layer %d (%s): bit widths are not set, propagate ranges before emitting", e.Index, e.Kind)
}

// InvalidIntervalError reports a non-finite interval reaching bit-width inference.
type InvalidIntervalError struct {
	Index    int
	Kind     LayerType
	Signal   string
	Interval bitwidth.Interval
	Err      error
}

func (e *InvalidIntervalError) Error() string {
	return fmt.Sprintf("layer %d (%s): signal %s has invalid interval %v: %v", e.Index, e.Kind, e.Signal, e.Interval, e.Err)
}

func (e *InvalidIntervalError) Unwrap() error {
	return e.Err
}
