// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializers include several weight initializers, to be used with context.
// They implement the context.VariableInitializer type.
package initializers

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/attention3d/types/shapes"
	"github.com/gomlx/attention3d/types/tensors"
	"github.com/gomlx/exceptions"
)

// VariableInitializer builds a tensor with the given shape to initialize a variable, drawing
// any randomness from rng.
type VariableInitializer func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor

// Zero initializes variables with zero.
func Zero(_ *rand.Rand, shape shapes.Shape) *tensors.Tensor {
	return tensors.FromShape(shape)
}

// One initializes variables with one.
func One(_ *rand.Rand, shape shapes.Shape) *tensors.Tensor {
	return tensors.FromScalarAndDimensions(1, shape.Dimensions...)
}

// RandomNormalFn returns an initializer that generates random normal values with the given standard deviation
// and mean set to 0.
func RandomNormalFn(stddev float64) VariableInitializer {
	return func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		t := tensors.FromShape(shape)
		flat := t.Flat()
		for ii := range flat {
			flat[ii] = float32(rng.NormFloat64() * stddev)
		}
		return t
	}
}

// RandomUniformFn return an initializer that generates a random uniform values from [min, max).
func RandomUniformFn(min, max float64) VariableInitializer {
	if max < min {
		exceptions.Panicf("RandomUniformFn(min=%g, max=%g): max must be >= min", min, max)
	}
	return func(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
		t := tensors.FromShape(shape)
		flat := t.Flat()
		for ii := range flat {
			flat[ii] = float32(rng.Float64()*(max-min) + min)
		}
		return t
	}
}

// ComputeFanIn returns the number of inputs contributing to each output of a weight shaped like
// a dense layer (`[outputs, inputs]`) or a convolution kernel (`[outputChannels, inputChannels, spatial...]`).
//
// For transposed convolution kernels (`[inputChannels, outputChannels, spatial...]`) it returns
// outputChannels times the receptive field, like the PyTorch convention for these layers.
//
// Scalars and rank-1 shapes return 1.
func ComputeFanIn(shape shapes.Shape) int {
	if shape.Rank() < 2 {
		return 1
	}
	receptiveFieldSize := 1
	for _, dim := range shape.Dimensions[2:] {
		receptiveFieldSize *= dim
	}
	return shape.Dimensions[1] * receptiveFieldSize
}

// KaimingUniformFn returns an initializer of values uniformly distributed in `[-1/sqrt(fanIn), 1/sqrt(fanIn))`.
//
// This is the PyTorch default for the weights and biases of linear and convolution layers
// (kaiming_uniform with a=sqrt(5)). Biases use the fan-in of the corresponding weights.
func KaimingUniformFn(fanIn int) VariableInitializer {
	if fanIn <= 0 {
		exceptions.Panicf("KaimingUniformFn(fanIn=%d): fanIn must be > 0", fanIn)
	}
	bound := 1 / math.Sqrt(float64(fanIn))
	return RandomUniformFn(-bound, bound)
}

// KaimingUniform is a VariableInitializer that computes the fan-in from the shape with ComputeFanIn,
// and initializes the weights with KaimingUniformFn.
//
// Scalars and rank-1 shapes (biases) are initialized with zero, since their fan-in is not known.
func KaimingUniform(rng *rand.Rand, shape shapes.Shape) *tensors.Tensor {
	if shape.Rank() < 2 {
		return Zero(rng, shape)
	}
	return KaimingUniformFn(ComputeFanIn(shape))(rng, shape)
}
