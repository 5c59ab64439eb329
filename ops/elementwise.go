// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"math"

	"github.com/gomlx/attention3d/types/tensors"
	"github.com/gomlx/exceptions"
)

// DivScalar returns x / value. It panics if value is 0.
func DivScalar(x *tensors.Tensor, value float32) *tensors.Tensor {
	if value == 0 {
		exceptions.Panicf("DivScalar by 0")
	}
	x.AssertValid()
	output := tensors.FromShape(x.Shape())
	outFlat := output.Flat()
	for ii, v := range x.Flat() {
		outFlat[ii] = v / value
	}
	return output
}

// Softmax returns the softmax of x over its last axis: each row of the last axis is
// exponentiated and normalized to sum to 1.
//
// The max of each row is subtracted before exponentiation, so large logits don't overflow.
func Softmax(x *tensors.Tensor) *tensors.Tensor {
	x.AssertValid()
	if x.Rank() == 0 {
		exceptions.Panicf("Softmax requires at least one axis, got a scalar")
	}
	output := tensors.FromShape(x.Shape())
	rowLen := x.Shape().Dim(-1)
	inFlat, outFlat := x.Flat(), output.Flat()
	for start := 0; start < len(inFlat); start += rowLen {
		row := inFlat[start : start+rowLen]
		outRow := outFlat[start : start+rowLen]
		maxValue := row[0]
		for _, v := range row[1:] {
			maxValue = max(maxValue, v)
		}
		var sum float64
		for ii, v := range row {
			e := math.Exp(float64(v - maxValue))
			outRow[ii] = float32(e)
			sum += e
		}
		inv := float32(1 / sum)
		for ii := range outRow {
			outRow[ii] *= inv
		}
	}
	return output
}
