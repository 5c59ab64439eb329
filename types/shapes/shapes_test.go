// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	volume := Make(dtypes.Float32, 2, 4, 6, 6, 6)
	require.False(t, volume.IsScalar())
	require.Equal(t, 5, volume.Rank())
	require.Equal(t, 2*4*6*6*6, volume.Size())
	require.Equal(t, 4*2*4*6*6*6, int(volume.Memory()))
	require.Equal(t, "(Float32)[2 4 6 6 6]", volume.String())

	require.Panics(t, func() { _ = Make(dtypes.Float32, 2, 0, 3) })
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 2, shape.Dim(-1))
	require.Equal(t, 4, shape.Dim(-3))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestStrides(t *testing.T) {
	require.Equal(t, []int{144, 36, 6, 1}, Make(dtypes.Float32, 2, 4, 6, 6).Strides())
	require.Nil(t, Make(dtypes.Float32).Strides())
}

func TestEqualAndClone(t *testing.T) {
	s := Make(dtypes.Float32, 1, 8, 3, 3, 3)
	s2 := s.Clone()
	require.True(t, s.Equal(s2))
	s2.Dimensions[0] = 2
	require.False(t, s.Equal(s2))
	require.Equal(t, 1, s.Dimensions[0], "Clone must not share the dimensions slice")
	require.True(t, s.EqualDimensions(Make(dtypes.Float16, 1, 8, 3, 3, 3)))
	require.False(t, s.Equal(Make(dtypes.Float16, 1, 8, 3, 3, 3)))
}

func TestChecks(t *testing.T) {
	s := Make(dtypes.Float32, 1, 4, 6, 6, 6)
	require.NoError(t, s.CheckDims(1, 4, -1, -1, -1))
	require.NoError(t, s.Check(dtypes.Float32, UncheckedAxis, 4, 6, 6, 6))
	err := s.CheckDims(1, 5, -1, -1, -1)
	require.ErrorIs(t, err, ErrMismatch)
	require.Error(t, s.CheckDims(1, 4, 6))
	require.Error(t, s.Check(dtypes.Float64, 1, 4, 6, 6, 6))
	require.NoError(t, s.CheckRank(5))
	require.Error(t, s.CheckRank(4))
	require.Panics(t, func() { AssertRank(s, 3) })
	err = exceptions.TryCatch[error](func() { AssertRank(s, 3) })
	require.ErrorIs(t, err, ErrMismatch)
	err = exceptions.TryCatch[error](func() { MismatchPanicf("conv: %d channels", 3) })
	require.ErrorIs(t, err, ErrMismatch)
	require.ErrorContains(t, err, "conv: 3 channels")
	require.NotPanics(t, func() { AssertDims(s, 1, 4, 6, 6, 6) })
}

func TestConcatenateDimensions(t *testing.T) {
	s := ConcatenateDimensions(Make(dtypes.Float32, 2, 3), Make(dtypes.Float32, 4))
	require.Equal(t, []int{2, 3, 4}, s.Dimensions)
	require.False(t, ConcatenateDimensions(Make(dtypes.Float32, 2), Make(dtypes.Float64, 2)).Ok())
}
