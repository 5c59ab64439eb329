// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/attention3d/types/shapes"
	"github.com/gomlx/exceptions"
)

// Transpose returns a new tensor with the axes permuted: output axis i is input axis permutation[i].
// E.g. Transpose(0, 2, 3, 4, 1) moves the channels of a `[B, C, D, H, W]` volume to the last axis.
//
// The data is copied.
func (t *Tensor) Transpose(permutation ...int) *Tensor {
	t.AssertValid()
	rank := t.Rank()
	if len(permutation) != rank {
		shapes.MismatchPanicf("Transpose(%v): permutation must have one entry per axis of %s", permutation, t.shape)
	}
	seen := make([]bool, rank)
	outDims := make([]int, rank)
	for ii, axis := range permutation {
		if axis < 0 || axis >= rank || seen[axis] {
			exceptions.Panicf("Transpose(%v): invalid permutation for tensor of rank %d", permutation, rank)
		}
		seen[axis] = true
		outDims[ii] = t.shape.Dimensions[axis]
	}
	output := Zeros(outDims...)
	if rank == 0 {
		output.flat[0] = t.flat[0]
		return output
	}

	// Input strides re-ordered to follow the output axes.
	inStrides := t.shape.Strides()
	permStrides := make([]int, rank)
	for ii, axis := range permutation {
		permStrides[ii] = inStrides[axis]
	}

	indices := make([]int, rank)
	inIdx := 0
	lastDim := outDims[rank-1]
	lastStride := permStrides[rank-1]
	for outIdx := 0; outIdx < len(output.flat); outIdx += lastDim {
		src := inIdx
		dst := output.flat[outIdx : outIdx+lastDim]
		for jj := range dst {
			dst[jj] = t.flat[src]
			src += lastStride
		}
		// Advance the output indices (except the last axis, consumed above).
		for axis := rank - 2; axis >= 0; axis-- {
			indices[axis]++
			inIdx += permStrides[axis]
			if indices[axis] < outDims[axis] {
				break
			}
			inIdx -= permStrides[axis] * outDims[axis]
			indices[axis] = 0
		}
	}
	return output
}
