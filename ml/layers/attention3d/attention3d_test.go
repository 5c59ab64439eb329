// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention3d

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/attention3d/ml/context"
	"github.com/gomlx/attention3d/ml/context/initializers"
	"github.com/gomlx/attention3d/types/shapes"
	"github.com/gomlx/attention3d/types/tensors"
	"github.com/gomlx/attention3d/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext() *context.Context {
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	return ctx
}

func randomVolume(seed uint64, dims ...int) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, 0))
	t := tensors.Zeros(dims...)
	for ii := range t.Flat() {
		t.Flat()[ii] = rng.Float32()*2 - 1
	}
	return t
}

// example returns a copy of example b of the batch x.
func example(x *tensors.Tensor, b int) *tensors.Tensor {
	dims := x.Shape().Clone().Dimensions
	size := x.Size() / dims[0]
	dims[0] = 1
	return tensors.FromFlatDataAndDimensions(x.Flat()[b*size:(b+1)*size], dims...)
}

var allModes = []Mode{ModeSame, ModeDown, ModeUp}

func TestMode(t *testing.T) {
	assert.Equal(t, []string{"SAME", "DOWN", "UP"}, ModeStrings())
	assert.Equal(t, "DOWN", ModeDown.String())
	assert.Equal(t, "Mode(7)", Mode(7).String())
	assert.False(t, Mode(7).IsAMode())
	assert.Equal(t, ModeUp, must.M1(ModeString("UP")))
	_, err := ModeString("SIDEWAYS")
	assert.Error(t, err)

	blob := must.M1(json.Marshal(ModeDown))
	assert.Equal(t, `"DOWN"`, string(blob))
	var mode Mode
	require.NoError(t, json.Unmarshal([]byte(`"UP"`), &mode))
	assert.Equal(t, ModeUp, mode)

	for _, dim := range []int{1, 2, 6, 7} {
		assert.Equal(t, dim, ModeSame.outputSpatialDim(dim))
		assert.Equal(t, 2*dim, ModeUp.outputSpatialDim(dim))
		assert.Equal(t, (dim+1)/2, ModeDown.outputSpatialDim(dim))
	}
}

func TestConstruction(t *testing.T) {
	testCases := []struct{ keyFilters, valueFilters, numHeads int }{
		{4, 4, 2}, {8, 4, 4}, {6, 9, 3}, {4, 4, 1}, {5, 10, 5},
	}
	for _, mode := range allModes {
		for _, tc := range testCases {
			t.Run(fmt.Sprintf("%s-k%d-v%d-h%d", mode, tc.keyFilters, tc.valueFilters, tc.numHeads), func(t *testing.T) {
				layer, err := New(newTestContext(), 4, tc.keyFilters, tc.valueFilters, 8, tc.numHeads).Mode(mode).Done()
				require.NoError(t, err)
				assert.Equal(t, mode, layer.Mode())
				assert.Equal(t, tc.numHeads, layer.NumHeads())
				assert.Equal(t, DefaultDropoutRate, layer.DropoutRate())
				assert.InDelta(t, math.Sqrt(float64(tc.keyFilters/tc.numHeads)), layer.Scale(), 1e-6)
			})
		}
	}

	// Number of parameters: 1x1x1 projections for SAME; 3x3x3 query projection for DOWN and UP.
	for mode, want := range map[Mode]int{ModeSame: 100, ModeDown: 516, ModeUp: 516} {
		layer := must.M1(New(newTestContext(), 4, 4, 4, 8, 2).Mode(mode).Done())
		assert.Equal(t, want, layer.NumParameters(), "mode %s", mode)
		assert.Equal(t, uintptr(4*want), layer.Memory())
	}
	layer := must.M1(New(newTestContext(), 4, 4, 4, 8, 2).UseBias(false).Done())
	assert.Equal(t, 16+16+16+32, layer.NumParameters())
}

func TestConfigurationErrors(t *testing.T) {
	testCases := []struct {
		name    string
		builder *Builder
		message string
	}{
		{"key-not-divisible", New(newTestContext(), 4, 3, 4, 8, 2), "keyFilters"},
		{"value-not-divisible", New(newTestContext(), 4, 4, 5, 8, 2), "valueFilters"},
		{"key-checked-first", New(newTestContext(), 4, 3, 5, 8, 2), "keyFilters"},
		{"invalid-layer-type", New(newTestContext(), 4, 4, 4, 8, 2).LayerType("SIDEWAYS"), "SIDEWAYS"},
		{"invalid-mode", New(newTestContext(), 4, 4, 4, 8, 2).Mode(Mode(7)), "Mode(7)"},
		{"zero-heads", New(newTestContext(), 4, 4, 4, 8, 0), "numHeads"},
		{"negative-dropout", New(newTestContext(), 4, 4, 4, 8, 2).Dropout(-0.1), "dropout"},
		{"dropout-above-1", New(newTestContext(), 4, 4, 4, 8, 2).Dropout(1.5), "dropout"},
		{"zero-in-channels", New(newTestContext(), 0, 4, 4, 8, 2), "channels"},
		{"zero-output-filters", New(newTestContext(), 4, 4, 4, 0, 2), "channels"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			layer, err := tc.builder.Done()
			require.Error(t, err)
			assert.Nil(t, layer)
			assert.True(t, errors.Is(err, ErrConfiguration), "error should wrap ErrConfiguration: %v", err)
			assert.Contains(t, err.Error(), tc.message)
		})
	}

	// Layer types are parsed by name, and Mode overrides a previous LayerType.
	layer := must.M1(New(newTestContext(), 4, 4, 4, 8, 2).LayerType("UP").Done())
	assert.Equal(t, ModeUp, layer.Mode())
	layer = must.M1(New(newTestContext(), 4, 4, 4, 8, 2).LayerType("SIDEWAYS").Mode(ModeDown).Done())
	assert.Equal(t, ModeDown, layer.Mode())

	// Building two layers on the same scope fails, but it's not a configuration error.
	ctx := newTestContext()
	_ = must.M1(New(ctx, 4, 4, 4, 8, 2).Done())
	_, err := New(ctx, 4, 4, 4, 8, 2).Done()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConfiguration))
}

func TestShapeLaws(t *testing.T) {
	x := randomVolume(1, 1, 4, 6, 6, 6)
	testCases := []struct {
		mode           Mode
		wantDims       []int
		wantNumQueries int
	}{
		{ModeSame, []int{1, 8, 6, 6, 6}, 6 * 6 * 6 * 2},
		{ModeDown, []int{1, 8, 3, 3, 3}, 3 * 3 * 3 * 2},
		{ModeUp, []int{1, 8, 12, 12, 12}, 12 * 12 * 12 * 2},
	}
	for _, tc := range testCases {
		t.Run(tc.mode.String(), func(t *testing.T) {
			layer := must.M1(New(newTestContext(), 4, 4, 4, 8, 2).Mode(tc.mode).Done())
			output, coefficients, err := layer.ForwardWithCoefficients(x, false)
			require.NoError(t, err)
			assert.Equal(t, tc.wantDims, output.Shape().Dimensions)
			assert.Equal(t, []int{1, tc.wantNumQueries, 6 * 6 * 6 * 2}, coefficients.Shape().Dimensions)

			outputShape, err := layer.OutputShape(x.Shape())
			require.NoError(t, err)
			assert.True(t, outputShape.Equal(output.Shape()))
		})
	}

	// Odd spatial dimensions.
	layer := must.M1(New(newTestContext(), 4, 4, 4, 8, 2).Mode(ModeDown).Done())
	output := must.M1(layer.Forward(randomVolume(2, 2, 4, 5, 3, 1), false))
	assert.Equal(t, []int{2, 8, 3, 2, 1}, output.Shape().Dimensions)
	layer = must.M1(New(newTestContext(), 4, 4, 4, 8, 2).Mode(ModeUp).Done())
	output = must.M1(layer.Forward(randomVolume(2, 2, 4, 5, 3, 1), false))
	assert.Equal(t, []int{2, 8, 10, 6, 2}, output.Shape().Dimensions)
}

func TestShapeErrors(t *testing.T) {
	layer := must.M1(New(newTestContext(), 4, 4, 4, 8, 2).Done())
	for name, x := range map[string]*tensors.Tensor{
		"wrong-channels": randomVolume(1, 1, 3, 6, 6, 6),
		"wrong-rank":     randomVolume(1, 4, 6, 6, 6),
		"nil":            nil,
	} {
		t.Run(name, func(t *testing.T) {
			output, err := layer.Forward(x, false)
			require.Error(t, err)
			assert.Nil(t, output)
			assert.ErrorIs(t, err, shapes.ErrMismatch)
		})
	}
	_, err := layer.OutputShape(shapes.Make(dtypes.Float64, 1, 4, 6, 6, 6))
	assert.ErrorIs(t, err, shapes.ErrMismatch)
}

func TestDeterminism(t *testing.T) {
	x := randomVolume(1, 2, 4, 4, 4, 4)
	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			layer := must.M1(New(newTestContext(), 4, 4, 4, 8, 2).Mode(mode).Done())
			eval0 := must.M1(layer.Forward(x, false))
			eval1 := must.M1(layer.Forward(x, false))
			assert.True(t, eval0.Equal(eval1), "evaluation mode must be deterministic")

			// Training with dropout draws a random mask.
			train0 := must.M1(layer.Forward(x, true))
			assert.False(t, train0.Equal(eval0), "dropout in training should change the output")

			noDropout := must.M1(New(newTestContext(), 4, 4, 4, 8, 2).Mode(mode).Dropout(0).Done())
			train1 := must.M1(noDropout.Forward(x, true))
			train2 := must.M1(noDropout.Forward(x, true))
			assert.True(t, train1.Equal(train2), "training with dropout=0 must be deterministic")
			assert.True(t, train1.Equal(must.M1(noDropout.Forward(x, false))))
			assert.True(t, train1.Equal(eval0), "same seed must yield the same parameters")
		})
	}

	// Same seed, same dropout masks.
	a := must.M1(New(newTestContext(), 4, 4, 4, 8, 2).Done())
	b := must.M1(New(newTestContext(), 4, 4, 4, 8, 2).Done())
	assert.True(t, must.M1(a.Forward(x, true)).Equal(must.M1(b.Forward(x, true))))
}

func TestCoefficientsRowsSumToOne(t *testing.T) {
	x := randomVolume(3, 2, 4, 4, 4, 4)
	for _, mode := range allModes {
		for _, training := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s-training=%v", mode, training), func(t *testing.T) {
				layer := must.M1(New(newTestContext(), 4, 8, 4, 8, 4).Mode(mode).Done())
				_, coefficients, err := layer.ForwardWithCoefficients(x, training)
				require.NoError(t, err)
				numKeys := coefficients.Shape().Dim(-1)
				flat := coefficients.Flat()
				for start := 0; start < len(flat); start += numKeys {
					var sum float64
					for _, v := range flat[start : start+numKeys] {
						require.GreaterOrEqual(t, v, float32(0))
						sum += float64(v)
					}
					require.InDelta(t, 1.0, sum, 1e-5, "row %d", start/numKeys)
				}
			})
		}
	}
}

func TestBatchIndependence(t *testing.T) {
	const batchSize = 3
	x := randomVolume(4, batchSize, 4, 4, 4, 4)
	for _, mode := range allModes {
		t.Run(mode.String(), func(t *testing.T) {
			layer := must.M1(New(newTestContext(), 4, 4, 4, 8, 2).Mode(mode).Done())
			output := must.M1(layer.Forward(x, false))

			// Each example alone yields the same as in the batch.
			for b := range batchSize {
				alone := must.M1(layer.Forward(example(x, b), false))
				require.Truef(t, xslices.SlicesInDelta(alone.Flat(), example(output, b).Flat(), 1e-5),
					"example %d: max difference %g", b, xslices.MaxAbsDiff(alone.Flat(), example(output, b).Flat()))
			}

			// Changing one example doesn't change the others.
			x2 := x.Clone()
			lastExample := x2.Flat()[(batchSize-1)*x.Size()/batchSize:]
			for ii := range lastExample {
				lastExample[ii] *= -3
			}
			output2 := must.M1(layer.Forward(x2, false))
			for b := range batchSize - 1 {
				assert.True(t, example(output, b).Equal(example(output2, b)), "example %d changed", b)
			}
			assert.False(t, example(output, batchSize-1).Equal(example(output2, batchSize-1)))
		})
	}
}

func TestGlobalBatchAttention(t *testing.T) {
	ctx := newTestContext()
	perExample := must.M1(New(ctx, 4, 4, 4, 8, 2).Done())
	global := must.M1(New(ctx.Reuse(), 4, 4, 4, 8, 2).GlobalBatchAttention(true).Done())
	assert.True(t, global.IsGlobalBatchAttention())
	assert.False(t, perExample.IsGlobalBatchAttention())

	// Batch of 1: both are the same.
	x1 := randomVolume(5, 1, 4, 3, 3, 3)
	assert.True(t, must.M1(perExample.Forward(x1, false)).InDelta(must.M1(global.Forward(x1, false)), 1e-6))

	// Batch of 2: queries attend to keys of the whole batch.
	x := randomVolume(6, 2, 4, 3, 3, 3)
	output, coefficients, err := global.ForwardWithCoefficients(x, false)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2 * 27 * 2, 2 * 27 * 2}, coefficients.Shape().Dimensions)
	assert.False(t, example(output, 0).InDelta(must.M1(perExample.Forward(example(x, 0), false)), 1e-4))

	// Changing the second example changes the output of the first.
	x2 := x.Clone()
	for ii := x.Size() / 2; ii < x.Size(); ii++ {
		x2.Flat()[ii] *= -3
	}
	output2 := must.M1(global.Forward(x2, false))
	assert.False(t, example(output, 0).Equal(example(output2, 0)))
}

func TestDropoutEverything(t *testing.T) {
	layer := must.M1(New(newTestContext(), 4, 4, 4, 8, 2).Dropout(1).Done())
	x := randomVolume(7, 2, 4, 3, 3, 3)
	output := must.M1(layer.Forward(x, true))
	biases := layer.output.biases.Value()
	for indices := range output.Shape().Iter() {
		require.Equal(t, biases.At(indices[1]), output.At(indices...))
	}
	// In evaluation there is no dropout.
	output = must.M1(layer.Forward(x, false))
	assert.NotEqual(t, biases.At(0), output.At(0, 0, 0, 0, 0))
}

// naiveAttention computes the attention layer with explicit loops over the projected query, key and value.
// Each query row (example, position, head) attends over all (position, head) key rows of its own example, or
// of every example of the batch if the layer uses global batch attention.
func naiveAttention(l *Layer, x *tensors.Tensor) *tensors.Tensor {
	inSpatial := x.Shape().Dimensions[2:]
	var query *tensors.Tensor
	if l.mode == ModeUp {
		query = l.query.apply(x, 2*inSpatial[0], 2*inSpatial[1], 2*inSpatial[2])
	} else {
		query = l.query.apply(x)
	}
	key, value := l.key.apply(x), l.value.apply(x)
	outSpatial := query.Shape().Dimensions[2:]
	batchSize := x.Shape().Dimensions[0]
	numHeads := l.numHeads
	keyDim, valueDim := l.keyFilters/numHeads, l.valueFilters/numHeads
	numQueryPositions := query.Size() / (batchSize * l.keyFilters)
	numKeyPositions := key.Size() / (batchSize * l.keyFilters)
	attended := tensors.Zeros(append([]int{batchSize, l.valueFilters}, outSpatial...)...)
	qFlat, kFlat, vFlat, aFlat := query.Flat(), key.Flat(), value.Flat(), attended.Flat()
	// at returns the value of channel c at position p of example b, in a channels-first volume.
	at := func(flat []float32, channels, numPositions, b, c, p int) float32 {
		return flat[(b*channels+c)*numPositions+p]
	}
	for b := range batchSize {
		keyExamples := []int{b}
		if l.globalBatch {
			keyExamples = xslices.Iota(0, batchSize)
		}
		numRows := len(keyExamples) * numKeyPositions * numHeads
		for qp := range numQueryPositions {
			for qh := range numHeads {
				scores := make([]float64, 0, numRows)
				maxScore := math.Inf(-1)
				for _, kb := range keyExamples {
					for kp := range numKeyPositions {
						for kh := range numHeads {
							var dot float64
							for j := range keyDim {
								q := at(qFlat, l.keyFilters, numQueryPositions, b, qh*keyDim+j, qp) / l.scale
								dot += float64(q) * float64(at(kFlat, l.keyFilters, numKeyPositions, kb, kh*keyDim+j, kp))
							}
							scores = append(scores, dot)
							maxScore = max(maxScore, dot)
						}
					}
				}
				var sum float64
				for ii := range scores {
					scores[ii] = math.Exp(scores[ii] - maxScore)
					sum += scores[ii]
				}
				for j := range valueDim {
					var acc float64
					row := 0
					for _, kb := range keyExamples {
						for kp := range numKeyPositions {
							for kh := range numHeads {
								acc += scores[row] / sum * float64(at(vFlat, l.valueFilters, numKeyPositions, kb, kh*valueDim+j, kp))
								row++
							}
						}
					}
					aFlat[(b*l.valueFilters+qh*valueDim+j)*numQueryPositions+qp] = float32(acc)
				}
			}
		}
	}
	return l.output.apply(attended)
}

func TestAgainstNaiveAttention(t *testing.T) {
	x := randomVolume(8, 2, 3, 4, 2, 3)
	for _, mode := range allModes {
		for _, global := range []bool{false, true} {
			t.Run(fmt.Sprintf("%s/global=%v", mode, global), func(t *testing.T) {
				layer := must.M1(New(newTestContext(), 3, 4, 6, 5, 2).
					Mode(mode).
					GlobalBatchAttention(global).
					Done())
				want := naiveAttention(layer, x)
				got := must.M1(layer.Forward(x, false))
				require.Equal(t, want.Shape().Dimensions, got.Shape().Dimensions)
				require.Truef(t, want.InDelta(got, 1e-4), "max difference %g", xslices.MaxAbsDiff(want.Flat(), got.Flat()))
			})
		}
	}
}

func TestWeightsInitializer(t *testing.T) {
	// Zero output weights: the output is the output biases, which still use the default initialization.
	layer := must.M1(New(newTestContext(), 4, 4, 4, 8, 2).WeightsInitializer(initializers.Zero).Done())
	output := must.M1(layer.Forward(randomVolume(3, 1, 4, 2, 2, 2), false))
	biases := layer.output.biases.Value()
	assert.NotEqual(t, float32(0), biases.At(0))
	for indices := range output.Shape().Iter() {
		require.Equal(t, biases.At(indices[1]), output.At(indices...))
	}

	// Normal initialization through the context hyperparameter.
	ctx := newTestContext()
	ctx.SetParam(ParamInitStdDev, 0.02)
	layer = must.M1(FromContext(ctx, 16, 16).Done())
	weights := layer.query.weights.Value().Flat()
	require.Len(t, weights, 16*16)
	var sum2 float64
	for _, w := range weights {
		sum2 += float64(w) * float64(w)
	}
	assert.InDelta(t, 0.02, math.Sqrt(sum2/float64(len(weights))), 0.005)
}

func TestVariables(t *testing.T) {
	ctx := newTestContext()
	layer := must.M1(New(ctx.In("block"), 4, 4, 4, 8, 2).Mode(ModeUp).Done())
	var names []string
	layer.EnumerateVariables(func(v *context.Variable) {
		names = append(names, fmt.Sprintf("%s%v", v.ParameterName(), v.Shape().Dimensions))
	})
	assert.Equal(t, []string{
		"/block/Attention3D/query/weights[4 4 3 3 3]", "/block/Attention3D/query/biases[4]",
		"/block/Attention3D/key/weights[4 4 1 1 1]", "/block/Attention3D/key/biases[4]",
		"/block/Attention3D/value/weights[4 4 1 1 1]", "/block/Attention3D/value/biases[4]",
		"/block/Attention3D/output/weights[8 4 1 1 1]", "/block/Attention3D/output/biases[8]",
	}, names)
	assert.Equal(t, 8, ctx.NumVariables())
	assert.Equal(t, layer.NumParameters(), ctx.NumParameters())

	// Initialization bounds: ±1/sqrt(fanIn).
	bound := float32(1 / math.Sqrt(4*27))
	for _, v := range layer.query.weights.Value().Flat() {
		require.LessOrEqual(t, v, bound)
		require.GreaterOrEqual(t, v, -bound)
	}
	for _, v := range layer.output.biases.Value().Flat() {
		require.LessOrEqual(t, v, float32(0.5))
		require.GreaterOrEqual(t, v, float32(-0.5))
	}
}

func TestFromContext(t *testing.T) {
	ctx := newTestContext()
	ctx.SetParam(ParamKeyFilters, 8).
		SetParam(ParamNumHeads, 4).
		SetParam(ParamLayerType, "DOWN").
		SetParam(ParamDropoutRate, 0.0).
		SetParam(ParamUseBias, false).
		SetParam(ParamGlobalBatch, true)
	layer := must.M1(FromContext(ctx, 4, 8).Done())
	assert.Equal(t, ModeDown, layer.Mode())
	assert.Equal(t, 4, layer.NumHeads())
	assert.Equal(t, 0.0, layer.DropoutRate())
	assert.True(t, layer.IsGlobalBatchAttention())
	assert.Equal(t, 8*4*27+8*4+4*4+8*4, layer.NumParameters())

	// Defaults.
	layer = must.M1(FromContext(newTestContext(), 4, 8).Done())
	assert.Equal(t, ModeSame, layer.Mode())
	assert.Equal(t, 1, layer.NumHeads())
	assert.Equal(t, DefaultDropoutRate, layer.DropoutRate())
	assert.Equal(t, 100, layer.NumParameters())

	// Registered defaults build the same layer as no parameters.
	ctx = newTestContext()
	SetDefaultParams(ctx)
	layer = must.M1(FromContext(ctx, 4, 8).Done())
	assert.Equal(t, ModeSame, layer.Mode())
	assert.Equal(t, 100, layer.NumParameters())

	ctx = newTestContext()
	ctx.SetParam(ParamLayerType, "SIDEWAYS")
	_, err := FromContext(ctx, 4, 8).Done()
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestFromContextInvalidParams(t *testing.T) {
	testCases := []struct {
		key   string
		value any
	}{
		{ParamLayerType, 3},
		{ParamNumHeads, "two"},
		{ParamUseBias, 1.0},
		{ParamKeyFilters, []int{4}},
		{ParamInitStdDev, -1.0},
	}
	for _, tc := range testCases {
		t.Run(tc.key, func(t *testing.T) {
			ctx := newTestContext()
			ctx.SetParam(tc.key, tc.value)
			var err error
			require.NotPanics(t, func() { _, err = FromContext(ctx, 4, 8).Done() })
			require.ErrorIs(t, err, ErrConfiguration)
			assert.Contains(t, err.Error(), tc.key)
		})
	}
}
