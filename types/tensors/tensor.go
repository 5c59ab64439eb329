// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a `Tensor`, a dense row-major multidimensional array of float32 values
// held in host memory.
//
// Tensors are defined by their shape (a data type and its axes dimensions) and their flat content.
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//   - FromScalarAndDimensions(value, dimensions...): creates a Tensor filled with the given value.
//   - FromFlatDataAndDimensions(data, dimensions...): creates a Tensor with a copy of the given
//     flattened values. Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromValue(value): converts a regular multidimensional slice of float32, e.g.
//     `FromValue([][]float32{{1,2}, {3, 5}, {7, 11}})`.
//   - FromFloat16FlatDataAndDimensions and FromBFloat16FlatDataAndDimensions: convert half-precision
//     payloads (common for stored volumes) to float32.
//
// Reshape returns a view sharing the underlying storage; every other transformation (Transpose,
// Clone) copies.
package tensors

import (
	"fmt"
	"strings"

	"github.com/gomlx/attention3d/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Tensor represents a multidimensional array (from scalar with 0 dimensions, to arbitrarily large dimensions),
// defined by its shape and its content stored as a flat (1D) row-major slice of float32.
//
// A Tensor is not safe for concurrent mutation; concurrent reads are fine.
type Tensor struct {
	shape shapes.Shape
	flat  []float32
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape. Always dtypes.Float32.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used by the tensor values.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok returns whether the tensor is valid (non-nil and with a valid shape).
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && len(t.flat) == t.shape.Size()
}

// AssertValid panics if the tensor is nil or invalid.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("tensor is nil")
	}
	if !t.Ok() {
		exceptions.Panicf("tensor is invalid: shape=%s, len(flat)=%d", t.shape, len(t.flat))
	}
}

// Flat returns the underlying flat storage. Changing it changes the tensor (and any view from Reshape).
func (t *Tensor) Flat() []float32 { return t.flat }

// CopyFlatData returns a copy of the flat values.
func (t *Tensor) CopyFlatData() []float32 {
	return append([]float32(nil), t.flat...)
}

// FromShape returns a zero-initialized tensor with the given shape, which must be of DType Float32.
func FromShape(shape shapes.Shape) *Tensor {
	if shape.DType != dtypes.Float32 {
		exceptions.Panicf("tensors.FromShape(%s): only Float32 tensors are supported, convert half-precision "+
			"data with FromFloat16FlatDataAndDimensions or FromBFloat16FlatDataAndDimensions", shape)
	}
	return &Tensor{shape: shape.Clone(), flat: make([]float32, shape.Size())}
}

// Zeros returns a zero-initialized float32 tensor with the given dimensions.
func Zeros(dimensions ...int) *Tensor {
	return FromShape(shapes.Make(dtypes.Float32, dimensions...))
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the
// given scalar value replicated everywhere.
func FromScalarAndDimensions(value float32, dimensions ...int) *Tensor {
	t := Zeros(dimensions...)
	for ii := range t.flat {
		t.flat[ii] = value
	}
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given
// in `data`. The data is copied to the Tensor.
func FromFlatDataAndDimensions(data []float32, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.Float32, dimensions...)
	if len(data) != shape.Size() {
		shapes.MismatchPanicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	copy(t.flat, data)
	return t
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	return &Tensor{shape: t.shape.Clone(), flat: t.CopyFlatData()}
}

// Reshape returns a view of the tensor with the given dimensions: the storage is shared with t.
// The total size must not change. One dimension may be -1, in which case it is inferred.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	t.AssertValid()
	dims := append([]int(nil), dimensions...)
	inferredAxis := -1
	known := 1
	for axis, dim := range dims {
		if dim == -1 {
			if inferredAxis >= 0 {
				shapes.MismatchPanicf("Reshape(%v): at most one dimension can be -1", dimensions)
			}
			inferredAxis = axis
			continue
		}
		known *= dim
	}
	if inferredAxis >= 0 && known > 0 {
		dims[inferredAxis] = t.Size() / known
	}
	newShape := shapes.Make(t.shape.DType, dims...)
	if newShape.Size() != t.Size() {
		shapes.MismatchPanicf("Reshape(%v): tensor shaped %s has %d elements, new shape %s has %d",
			dimensions, t.shape, t.Size(), newShape, newShape.Size())
	}
	return &Tensor{shape: newShape, flat: t.flat}
}

// At returns the value at the given indices, one per axis.
func (t *Tensor) At(indices ...int) float32 {
	return t.flat[t.flatIndex(indices)]
}

// Set sets the value at the given indices, one per axis.
func (t *Tensor) Set(value float32, indices ...int) {
	t.flat[t.flatIndex(indices)] = value
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != t.Rank() {
		shapes.MismatchPanicf("tensor shaped %s indexed with %d indices %v", t.shape, len(indices), indices)
	}
	idx := 0
	for axis, i := range indices {
		dim := t.shape.Dimensions[axis]
		if i < 0 || i >= dim {
			exceptions.Panicf("index %d out-of-bounds for axis %d of tensor shaped %s", i, axis, t.shape)
		}
		idx = idx*dim + i
	}
	return idx
}

// Equal checks whether t and otherTensor have the same shape and bit-identical values.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	for ii, v := range t.flat {
		if v != otherTensor.flat[ii] {
			return false
		}
	}
	return true
}

// InDelta checks whether Abs(t - otherTensor) <= delta for every element, and that the shapes are the same.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	for ii, v := range t.flat {
		diff := float64(v) - float64(otherTensor.flat[ii])
		if diff > delta || diff < -delta {
			return false
		}
	}
	return true
}

// maxSummaryValues is the number of values printed by String before eliding.
const maxSummaryValues = 16

// String returns the shape and the first few values.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	var sb strings.Builder
	sb.WriteString(t.shape.String())
	sb.WriteString(": [")
	for ii, v := range t.flat {
		if ii == maxSummaryValues {
			fmt.Fprintf(&sb, " ... (%d more)", len(t.flat)-ii)
			break
		}
		if ii > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%.4g", v)
	}
	sb.WriteByte(']')
	return sb.String()
}
