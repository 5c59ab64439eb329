// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"

	"github.com/gomlx/attention3d/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

var float32Type = reflect.TypeOf(float32(0))

// FromValue returns a Tensor constructed from a float32 scalar or a (multidimensional) slice of float32.
// Sub-slices must all have the same length, the tensor is "rectangular".
//
// It panics if the value is of any other type or is not rectangular.
func FromValue(value any) *Tensor {
	v := reflect.ValueOf(value)
	shape := shapeForValue(v)
	t := FromShape(shape)
	pos := 0
	copyValueRecursively(t.flat, &pos, v, shape.Dimensions)
	return t
}

// Value returns a multidimensional slice (except if shape is a scalar) containing a copy of the values
// stored in the tensor. E.g. a tensor shaped `[2 3]` returns a `[][]float32`.
func (t *Tensor) Value() any {
	t.AssertValid()
	if t.shape.IsScalar() {
		return t.flat[0]
	}
	pos := 0
	return createSlicesRecursively(t.flat, &pos, t.shape.Dimensions).Interface()
}

func shapeForValue(v reflect.Value) shapes.Shape {
	var dims []int
	shapeForValueRecursive(&dims, v, v.Type())
	return shapes.Make(dtypes.Float32, dims...)
}

func shapeForValueRecursive(dims *[]int, v reflect.Value, t reflect.Type) {
	if t.Kind() != reflect.Slice {
		if t != float32Type {
			exceptions.Panicf("tensors.FromValue: only float32 values are supported, got %s", t)
		}
		return
	}
	if v.Len() == 0 {
		exceptions.Panicf("tensors.FromValue: value with empty slice not valid for Tensor conversion: %s", t)
	}
	*dims = append(*dims, v.Len())
	shapeForValueRecursive(dims, v.Index(0), t.Elem())
}

func copyValueRecursively(flat []float32, pos *int, v reflect.Value, dims []int) {
	if len(dims) == 0 {
		flat[*pos] = float32(v.Float())
		*pos++
		return
	}
	if v.Len() != dims[0] {
		exceptions.Panicf("tensors.FromValue: value is not rectangular, sub-slice of length %d where %d was expected",
			v.Len(), dims[0])
	}
	for ii := range v.Len() {
		copyValueRecursively(flat, pos, v.Index(ii), dims[1:])
	}
}

func createSlicesRecursively(flat []float32, pos *int, dims []int) reflect.Value {
	if len(dims) == 1 {
		out := append([]float32(nil), flat[*pos:*pos+dims[0]]...)
		*pos += dims[0]
		return reflect.ValueOf(out)
	}
	sliceType := float32Type
	for range dims {
		sliceType = reflect.SliceOf(sliceType)
	}
	out := reflect.MakeSlice(sliceType, dims[0], dims[0])
	for ii := range dims[0] {
		out.Index(ii).Set(createSlicesRecursively(flat, pos, dims[1:]))
	}
	return out
}
