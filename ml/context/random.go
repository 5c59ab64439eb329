// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"math/rand/v2"

	"github.com/gomlx/attention3d/types/shapes"
	"github.com/gomlx/attention3d/types/tensors"
)

// RngStateReset resets the context random number generator (RNG) to a random seed.
//
// This is done automatically for new contexts.
func (ctx *Context) RngStateReset() {
	ctx.data.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// RngStateFromSeed initializes the context random number generator (RNG) state with a static seed,
// making variable initialization and any random layer behavior (e.g. dropout) reproducible.
func (ctx *Context) RngStateFromSeed(seed uint64) {
	ctx.data.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// RandomSource returns the context random number generator, shared by all scopes.
//
// It is not safe for concurrent use.
func (ctx *Context) RandomSource() *rand.Rand {
	return ctx.data.rng
}

// RandomUniform generates random uniform values from 0.0 to 1.0 (half-open `[0.0, 1.0)`, so 1.0 is never returned)
// in the given shape.
func (ctx *Context) RandomUniform(shape shapes.Shape) *tensors.Tensor {
	t := tensors.FromShape(shape)
	flat := t.Flat()
	for ii := range flat {
		flat[ii] = ctx.data.rng.Float32()
	}
	return t
}

// RandomNormal generates random numbers from a normal distribution, with mean 0.0
// and standard deviation 1.0, in the given shape.
func (ctx *Context) RandomNormal(shape shapes.Shape) *tensors.Tensor {
	t := tensors.FromShape(shape)
	flat := t.Flat()
	for ii := range flat {
		flat[ii] = float32(ctx.data.rng.NormFloat64())
	}
	return t
}
