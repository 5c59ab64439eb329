// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention3d

import (
	"math/rand/v2"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/attention3d/ml/context"
	"github.com/gomlx/attention3d/ml/layers"
	"github.com/gomlx/attention3d/ops"
	"github.com/gomlx/attention3d/types/shapes"
	"github.com/gomlx/attention3d/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Layer is a configured 3D multi-head attention layer. Create it with New(...).Done().
//
// Its parameters are only read by Forward, so concurrent calls in inference mode are fine. Training mode
// calls draw the dropout mask from the layer's own random number generator and must not run concurrently.
type Layer struct {
	inChannels, keyFilters, valueFilters, outputFilters, numHeads int

	dropoutRate float64
	mode        Mode
	globalBatch bool
	scale       float32

	query, key, value, output *projection

	rng *rand.Rand
}

// projection is a learned affine map implemented as a 3D convolution (or transposed convolution).
type projection struct {
	weights, biases *context.Variable
	stride, padding int
	transposed      bool
}

// apply the projection to x. outputSize is only used by transposed convolutions.
func (p *projection) apply(x *tensors.Tensor, outputSize ...int) *tensors.Tensor {
	var conv *ops.ConvolutionBuilder
	if p.transposed {
		conv = ops.ConvolveTranspose3D(x, p.weights.Value())
		if len(outputSize) > 0 {
			conv.OutputSize(outputSize...)
		}
	} else {
		conv = ops.Convolve3D(x, p.weights.Value())
	}
	if p.biases != nil {
		conv.Bias(p.biases.Value())
	}
	return conv.Strides(p.stride).Padding(p.padding).Done()
}

func (p *projection) variables() []*context.Variable {
	if p.biases == nil {
		return []*context.Variable{p.weights}
	}
	return []*context.Variable{p.weights, p.biases}
}

// Mode returns the spatial resolution mode of the layer.
func (l *Layer) Mode() Mode { return l.mode }

// NumHeads returns the number of attention heads.
func (l *Layer) NumHeads() int { return l.numHeads }

// DropoutRate returns the configured dropout rate, only used in training mode.
func (l *Layer) DropoutRate() float64 { return l.dropoutRate }

// Scale by which queries are divided: sqrt(keyFilters/numHeads).
func (l *Layer) Scale() float32 { return l.scale }

// IsGlobalBatchAttention returns whether attention crosses the examples of a batch. See Builder.GlobalBatchAttention.
func (l *Layer) IsGlobalBatchAttention() bool { return l.globalBatch }

// EnumerateVariables calls fn for each of the layer's variables: weights and biases of
// the query, key, value and output projections, in this order.
func (l *Layer) EnumerateVariables(fn func(v *context.Variable)) {
	for _, p := range []*projection{l.query, l.key, l.value, l.output} {
		for _, v := range p.variables() {
			fn(v)
		}
	}
}

// NumParameters returns the total number of scalar parameters of the layer.
func (l *Layer) NumParameters() (total int) {
	l.EnumerateVariables(func(v *context.Variable) { total += v.Shape().Size() })
	return
}

// Memory returns the number of bytes used by the layer's parameters.
func (l *Layer) Memory() (total uintptr) {
	l.EnumerateVariables(func(v *context.Variable) { total += v.Shape().Memory() })
	return
}

// OutputShape returns the shape of the output of Forward for an input of the given shape,
// without running the layer.
//
// It returns an error wrapping shapes.ErrMismatch if the input shape is not compatible.
func (l *Layer) OutputShape(inputShape shapes.Shape) (shapes.Shape, error) {
	if err := inputShape.Check(dtypes.Float32, shapes.UncheckedAxis, l.inChannels,
		shapes.UncheckedAxis, shapes.UncheckedAxis, shapes.UncheckedAxis); err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "attention3d expects inputs shaped [batch, %d, depth, height, width]",
			l.inChannels)
	}
	dims := inputShape.Clone().Dimensions
	dims[1] = l.outputFilters
	for axis := 2; axis < 5; axis++ {
		dims[axis] = l.mode.outputSpatialDim(dims[axis])
	}
	return shapes.Make(dtypes.Float32, dims...), nil
}

// Forward applies the attention layer to x, shaped `[batch, inChannels, depth, height, width]`, and returns
// the output shaped `[batch, outputFilters, outDepth, outHeight, outWidth]`, where the output spatial
// dimensions are defined by the Mode.
//
// Dropout is only applied if training is true.
//
// Inputs of the wrong rank or number of channels return an error wrapping shapes.ErrMismatch.
func (l *Layer) Forward(x *tensors.Tensor, training bool) (*tensors.Tensor, error) {
	output, _, err := l.ForwardWithCoefficients(x, training)
	return output, err
}

// ForwardWithCoefficients is like Forward, but also returns the attention coefficients (after softmax,
// and before dropout).
//
// The coefficients are shaped `[batch, numQueries, numKeys]`, where numQueries = outDepth*outHeight*outWidth*numHeads
// and numKeys = depth*height*width*numHeads: each row sums to 1. If GlobalBatchAttention is set, all examples
// attend to one another, and the coefficients are shaped `[1, batch*numQueries, batch*numKeys]`.
func (l *Layer) ForwardWithCoefficients(x *tensors.Tensor, training bool) (output, coefficients *tensors.Tensor, err error) {
	if x == nil || !x.Ok() {
		return nil, nil, errors.Wrapf(shapes.ErrMismatch, "attention3d.Forward given an invalid input tensor")
	}
	if _, err = l.OutputShape(x.Shape()); err != nil {
		return nil, nil, err
	}
	err = exceptions.TryCatch[error](func() {
		output, coefficients = l.forward(x, training)
	})
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "attention3d.Forward(x.shape=%s)", x.Shape())
	}
	return output, coefficients, nil
}

// forward implements ForwardWithCoefficients, and panics on errors.
func (l *Layer) forward(x *tensors.Tensor, training bool) (output, coefficients *tensors.Tensor) {
	batchSize := x.Shape().Dimensions[0]
	inSpatial := x.Shape().Dimensions[2:]

	// Projections: queries at the output resolution, keys and values at the input resolution.
	var query *tensors.Tensor
	if l.mode == ModeUp {
		query = l.query.apply(x, 2*inSpatial[0], 2*inSpatial[1], 2*inSpatial[2])
	} else {
		query = l.query.apply(x)
	}
	key := l.key.apply(x)
	value := l.value.apply(x)
	outSpatial := query.Shape().Dimensions[2:]

	// Channels last, with the heads split from the channels, and everything but the per-head channels
	// flattened into rows: [groups, rows, channelsPerHead]. Groups are the examples of the batch, or
	// a single group if attention crosses the batch.
	groups := batchSize
	if l.globalBatch {
		groups = 1
	}
	keyDim, valueDim := l.keyFilters/l.numHeads, l.valueFilters/l.numHeads
	query = query.Transpose(0, 2, 3, 4, 1).Reshape(groups, -1, keyDim)
	key = key.Transpose(0, 2, 3, 4, 1).Reshape(groups, -1, keyDim)
	value = value.Transpose(0, 2, 3, 4, 1).Reshape(groups, -1, valueDim)

	// Scaled dot-product attention.
	query = ops.DivScalar(query, l.scale)
	coefficients = ops.Softmax(ops.BatchMatMulTransposed(query, key)) // [groups, numQueries, numKeys]
	if klog.V(2).Enabled() {
		klog.Infof("attention3d.Forward(x=%s, training=%v): query=%s, key=%s, value=%s, attention map=%s (%s)",
			x.Shape(), training, query.Shape(), key.Shape(), value.Shape(), coefficients.Shape(),
			humanize.Bytes(uint64(coefficients.Memory())))
	}
	attention := coefficients
	if training {
		attention = layers.Dropout(l.rng, coefficients, l.dropoutRate)
	}
	attended := ops.BatchMatMul(attention, value) // [groups, numQueries, valueDim]

	// Back to channels first: [batch, valueFilters, outDepth, outHeight, outWidth].
	attended = attended.
		Reshape(batchSize, outSpatial[0], outSpatial[1], outSpatial[2], l.valueFilters).
		Transpose(0, 4, 1, 2, 3)
	output = l.output.apply(attended)
	return
}
