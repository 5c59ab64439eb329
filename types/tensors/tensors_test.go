// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/attention3d/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromValue(t *testing.T) {
	tensor := FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	assert.Equal(t, []int{2, 3}, tensor.Shape().Dimensions)
	assert.Equal(t, dtypes.Float32, tensor.DType())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Flat())
	assert.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, tensor.Value())

	scalar := FromValue(float32(7))
	assert.Equal(t, 0, scalar.Rank())
	assert.Equal(t, float32(7), scalar.Value())

	assert.Panics(t, func() { FromValue([][]float32{{1, 2}, {3}}) })
	assert.Panics(t, func() { FromValue([]float64{1, 2}) })
	assert.Panics(t, func() { FromValue([]float32{}) })
}

func TestConstructors(t *testing.T) {
	zeros := Zeros(2, 2)
	assert.Equal(t, []float32{0, 0, 0, 0}, zeros.Flat())

	fives := FromScalarAndDimensions(5, 3)
	assert.Equal(t, []float32{5, 5, 5}, fives.Flat())

	data := []float32{1, 2, 3, 4}
	tensor := FromFlatDataAndDimensions(data, 2, 2)
	data[0] = 100
	assert.Equal(t, float32(1), tensor.At(0, 0), "data should have been copied")
	assert.Equal(t, float32(4), tensor.At(1, 1))
	tensor.Set(-1, 1, 0)
	assert.Equal(t, []float32{1, 2, -1, 4}, tensor.Flat())

	err := exceptions.TryCatch[error](func() { FromFlatDataAndDimensions(data, 3, 2) })
	require.Error(t, err)
	assert.True(t, errors.Is(err, shapes.ErrMismatch))

	assert.Panics(t, func() { FromShape(shapes.Make(dtypes.Float64, 2)) })
	assert.Panics(t, func() { tensor.At(2, 0) })
}

func TestReshape(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	view := tensor.Reshape(3, -1)
	assert.Equal(t, []int{3, 2}, view.Shape().Dimensions)
	view.Flat()[0] = 10
	assert.Equal(t, float32(10), tensor.At(0, 0), "Reshape must share storage")

	err := exceptions.TryCatch[error](func() { tensor.Reshape(4, 2) })
	require.Error(t, err)
	assert.ErrorIs(t, err, shapes.ErrMismatch)
	assert.Panics(t, func() { tensor.Reshape(-1, -1) })
}

func TestTranspose(t *testing.T) {
	tensor := FromValue([][][]float32{
		{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9, 10, 11}},
		{{12, 13, 14, 15}, {16, 17, 18, 19}, {20, 21, 22, 23}},
	}) // [2, 3, 4]

	transposed := tensor.Transpose(2, 0, 1) // [4, 2, 3]
	require.Equal(t, []int{4, 2, 3}, transposed.Shape().Dimensions)
	for i := range 2 {
		for j := range 3 {
			for k := range 4 {
				require.Equal(t, tensor.At(i, j, k), transposed.At(k, i, j))
			}
		}
	}

	// Transposing back recovers the original.
	assert.True(t, transposed.Transpose(1, 2, 0).Equal(tensor))
	assert.True(t, tensor.Transpose(0, 1, 2).Equal(tensor))

	// Channels-last and back on a volume.
	volume := Zeros(2, 3, 2, 2, 2)
	for ii := range volume.Flat() {
		volume.Flat()[ii] = float32(ii)
	}
	channelsLast := volume.Transpose(0, 2, 3, 4, 1)
	assert.Equal(t, []int{2, 2, 2, 2, 3}, channelsLast.Shape().Dimensions)
	assert.Equal(t, volume.At(1, 2, 0, 1, 1), channelsLast.At(1, 0, 1, 1, 2))
	assert.True(t, channelsLast.Transpose(0, 4, 1, 2, 3).Equal(volume))

	assert.Panics(t, func() { tensor.Transpose(0, 0, 1) })
	assert.Panics(t, func() { tensor.Transpose(0, 1) })
}

func TestEqualAndInDelta(t *testing.T) {
	a := FromValue([]float32{1, 2, 3})
	b := a.Clone()
	assert.True(t, a.Equal(b))
	b.Flat()[1] += 1e-5
	assert.False(t, a.Equal(b))
	assert.True(t, a.InDelta(b, 1e-4))
	assert.False(t, a.InDelta(b, 1e-6))
	assert.False(t, a.InDelta(a.Reshape(3, 1), 1))
}

func TestHalfPrecision(t *testing.T) {
	halfs := []float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(-2)}
	tensor := FromFloat16FlatDataAndDimensions(halfs, 2)
	assert.Equal(t, []float32{0.5, -2}, tensor.Flat())
	assert.Equal(t, halfs, tensor.Float16FlatData())

	brains := []bfloat16.BFloat16{bfloat16.FromFloat32(1.5), bfloat16.FromFloat32(4)}
	tensor = FromBFloat16FlatDataAndDimensions(brains, 2, 1)
	assert.Equal(t, []float32{1.5, 4}, tensor.Flat())
	assert.Equal(t, brains, tensor.BFloat16FlatData())

	// 1+2^-11 is representable in float32, but not in float16 (10 bits of mantissa) nor bfloat16 (7 bits).
	values := FromValue([][]float32{{1 + 1.0/2048, 3}})
	assert.Equal(t, values.Flat(), values.RoundedTo(dtypes.Float32).Flat())
	half := values.RoundedTo(dtypes.Float16)
	assert.Equal(t, []int{1, 2}, half.Shape().Dimensions)
	assert.Equal(t, []float32{1, 3}, half.Flat())
	assert.Equal(t, []float32{1, 3}, values.RoundedTo(dtypes.BFloat16).Flat())
	assert.Equal(t, float32(1+1.0/2048), values.At(0, 0), "input must not be modified")
	assert.Panics(t, func() { values.RoundedTo(dtypes.Int32) })
}

func TestString(t *testing.T) {
	tensor := FromValue([]float32{1, 2.5})
	assert.Equal(t, "(Float32)[2]: [1 2.5]", tensor.String())
	long := Zeros(20)
	assert.Contains(t, long.String(), "... (4 more)")
}
