// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layers holds a collection of common modeling layers, built on the eager tensor operations
// of package ops. Sub-packages hold more complex layers, like attention3d.
package layers

import (
	"math/rand/v2"

	"github.com/gomlx/attention3d/types/tensors"
	"github.com/gomlx/exceptions"
)

// Dropout randomly replaces the input values with zeros, each with probability dropoutRate, and scales
// the kept values by 1/(1-dropoutRate) to preserve the mean of the input values.
//
// Callers decide whether it is training: at inference dropout should not be applied at all.
//
// If dropoutRate <= 0 it returns the input unchanged (no random numbers are drawn), and if dropoutRate >= 1
// it returns zeros.
func Dropout(rng *rand.Rand, input *tensors.Tensor, dropoutRate float64) *tensors.Tensor {
	return DropoutNormalize(rng, input, dropoutRate, true)
}

// DropoutNormalize randomly replaces the input values with zeros, each with probability dropoutRate.
// If normalize is set, it scales the output by 1/(1-dropoutRate) to preserve the mean of the input values.
func DropoutNormalize(rng *rand.Rand, input *tensors.Tensor, dropoutRate float64, normalize bool) *tensors.Tensor {
	input.AssertValid()
	if dropoutRate <= 0 {
		return input
	}
	result := tensors.FromShape(input.Shape())
	if dropoutRate >= 1 {
		return result
	}
	if rng == nil {
		exceptions.Panicf("Dropout(dropoutRate=%g) requires a random number generator", dropoutRate)
	}
	scale := float32(1)
	if normalize {
		scale = float32(1 / (1 - dropoutRate))
	}
	resultFlat := result.Flat()
	for ii, v := range input.Flat() {
		if rng.Float64() >= dropoutRate {
			resultFlat[ii] = v * scale
		}
	}
	return result
}
