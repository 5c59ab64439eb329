// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// RoundedTo returns a copy of the tensor with its values rounded to the precision of dtype, as if it had
// been stored as dtype and read back. Supported dtypes are Float32 (a plain copy), Float16 and BFloat16.
func (t *Tensor) RoundedTo(dtype dtypes.DType) *Tensor {
	t.AssertValid()
	dims := t.shape.Dimensions
	switch dtype {
	case dtypes.Float32:
		return t.Clone()
	case dtypes.Float16:
		return FromFloat16FlatDataAndDimensions(t.Float16FlatData(), dims...)
	case dtypes.BFloat16:
		return FromBFloat16FlatDataAndDimensions(t.BFloat16FlatData(), dims...)
	default:
		exceptions.Panicf("RoundedTo(%s): only Float32, Float16 and BFloat16 are supported", dtype)
		return nil
	}
}

// FromFloat16FlatDataAndDimensions creates a float32 tensor from IEEE half-precision flat data.
func FromFloat16FlatDataAndDimensions(data []float16.Float16, dimensions ...int) *Tensor {
	flat := make([]float32, len(data))
	for ii, v := range data {
		flat[ii] = v.Float32()
	}
	return FromFlatDataAndDimensions(flat, dimensions...)
}

// FromBFloat16FlatDataAndDimensions creates a float32 tensor from brain-float flat data.
func FromBFloat16FlatDataAndDimensions(data []bfloat16.BFloat16, dimensions ...int) *Tensor {
	flat := make([]float32, len(data))
	for ii, v := range data {
		flat[ii] = v.Float32()
	}
	return FromFlatDataAndDimensions(flat, dimensions...)
}

// Float16FlatData returns the tensor values rounded to IEEE half-precision.
func (t *Tensor) Float16FlatData() []float16.Float16 {
	t.AssertValid()
	out := make([]float16.Float16, len(t.flat))
	for ii, v := range t.flat {
		out[ii] = float16.Fromfloat32(v)
	}
	return out
}

// BFloat16FlatData returns the tensor values rounded to brain-float.
func (t *Tensor) BFloat16FlatData() []bfloat16.BFloat16 {
	t.AssertValid()
	out := make([]bfloat16.BFloat16, len(t.flat))
	for ii, v := range t.flat {
		out[ii] = bfloat16.FromFloat32(v)
	}
	return out
}
