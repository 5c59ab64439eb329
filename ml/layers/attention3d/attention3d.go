// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attention3d implements a 3D multi-head scaled-dot-product attention layer for volumes
// shaped `[batch, channels, depth, height, width]`, with learned query, key, value and output
// projections, that optionally halves (ModeDown) or doubles (ModeUp) the spatial resolution.
//
// The keys and values are always projected at the input resolution, while the queries are projected
// at the output resolution: so each output voxel attends over all the input voxels.
//
// Example:
//
//	layer, err := attention3d.New(ctx.In("block_3"), 32, 64, 64, 32, 8).
//		Mode(attention3d.ModeDown).
//		Dropout(0.1).
//		Done()
//	if err != nil { ... }
//	y, err := layer.Forward(x, training)  // x: [batch, 32, 16, 16, 16] -> y: [batch, 32, 8, 8, 8]
package attention3d

import (
	"math"
	"math/rand/v2"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/attention3d/ml/context"
	"github.com/gomlx/attention3d/ml/context/initializers"
	"github.com/gomlx/attention3d/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrConfiguration is wrapped by every error returned by Builder.Done for an invalid configuration.
var ErrConfiguration = errors.New("invalid attention3d configuration")

// DefaultDropoutRate used if none is configured.
const DefaultDropoutRate = 0.5

// Builder is a helper to configure and create an attention layer.
// Create it with New, set the desired parameters and when all is set, call Done.
type Builder struct {
	ctx                                                           *context.Context
	inChannels, keyFilters, valueFilters, outputFilters, numHeads int

	dropoutRate float64
	mode        Mode
	layerType   string // If set, parsed into mode by Done.
	useBias     bool
	globalBatch bool

	weightsInitializer initializers.VariableInitializer

	// err is set if reading the configuration failed (see FromContext), and returned by Done.
	err error
}

// New creates a Builder of an attention layer with the given number of channels of the input,
// of the key/query projections (keyFilters), of the value projection (valueFilters) and of the
// output. The key and value filters are split among numHeads heads, so they must be divisible by it.
//
// The variables are created under the "Attention3D" scope of ctx, and randomly initialized
// with the ctx random number generator.
//
// Defaults: dropout rate 0.5 (DefaultDropoutRate), ModeSame and projections with biases.
func New(ctx *context.Context, inChannels, keyFilters, valueFilters, outputFilters, numHeads int) *Builder {
	return &Builder{
		ctx:           ctx,
		inChannels:    inChannels,
		keyFilters:    keyFilters,
		valueFilters:  valueFilters,
		outputFilters: outputFilters,
		numHeads:      numHeads,
		dropoutRate:   DefaultDropoutRate,
		mode:          ModeSame,
		useBias:       true,
	}
}

// Dropout sets the probability of zeroing each attention coefficient during training.
// It must be in the range [0, 1], and 0 disables dropout.
func (b *Builder) Dropout(rate float64) *Builder {
	b.dropoutRate = rate
	return b
}

// Mode sets the spatial resolution mode. Default is ModeSame.
func (b *Builder) Mode(mode Mode) *Builder {
	b.mode = mode
	b.layerType = ""
	return b
}

// LayerType sets the spatial resolution mode by its name: "SAME", "DOWN" or "UP".
// An invalid name is reported by Done.
func (b *Builder) LayerType(name string) *Builder {
	b.layerType = name
	return b
}

// UseBias sets whether the projections have a bias term. Default is true.
func (b *Builder) UseBias(useBias bool) *Builder {
	b.useBias = useBias
	return b
}

// GlobalBatchAttention sets whether all the queries of a batch attend to the keys and values of all
// examples of the batch, as if the batch was one large volume.
//
// The default (false) restricts the attention to within each example, so each output example only depends
// on its own input. With a batch of size 1 both are the same.
func (b *Builder) GlobalBatchAttention(global bool) *Builder {
	b.globalBatch = global
	return b
}

// WeightsInitializer sets the initializer of the projection weights. The default (nil) is
// uniform in ±1/sqrt(fanIn) (see initializers.KaimingUniformFn). Biases always use the default.
func (b *Builder) WeightsInitializer(initializer initializers.VariableInitializer) *Builder {
	b.weightsInitializer = initializer
	return b
}

func configErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// validate checks the configuration, in order: errors reading it, heads, key and value divisibility, mode,
// dropout rate and channels.
func (b *Builder) validate() error {
	if b.err != nil {
		return b.err
	}
	if b.numHeads <= 0 {
		return configErrorf("numHeads must be > 0, got %d", b.numHeads)
	}
	if b.keyFilters%b.numHeads != 0 {
		return configErrorf("keyFilters (%d) must be divisible by numHeads (%d)", b.keyFilters, b.numHeads)
	}
	if b.valueFilters%b.numHeads != 0 {
		return configErrorf("valueFilters (%d) must be divisible by numHeads (%d)", b.valueFilters, b.numHeads)
	}
	if b.layerType != "" {
		mode, err := ModeString(b.layerType)
		if err != nil {
			return configErrorf("invalid layer type %q, valid values are %v", b.layerType, ModeStrings())
		}
		b.mode = mode
	}
	if !b.mode.IsAMode() {
		return configErrorf("invalid mode %s, valid values are %v", b.mode, ModeStrings())
	}
	if b.dropoutRate < 0 || b.dropoutRate > 1 || math.IsNaN(b.dropoutRate) {
		return configErrorf("dropout rate must be in [0, 1], got %g", b.dropoutRate)
	}
	if b.inChannels <= 0 || b.keyFilters <= 0 || b.valueFilters <= 0 || b.outputFilters <= 0 {
		return configErrorf("channels must be > 0, got inChannels=%d, keyFilters=%d, valueFilters=%d, outputFilters=%d",
			b.inChannels, b.keyFilters, b.valueFilters, b.outputFilters)
	}
	return nil
}

// Done validates the configuration and creates the layer, with its projections randomly initialized.
//
// Configuration errors wrap ErrConfiguration. Errors creating the variables (e.g. variables already
// exist in the scope) are also returned.
func (b *Builder) Done() (layer *Layer, err error) {
	if err = b.validate(); err != nil {
		return nil, err
	}
	err = exceptions.TryCatch[error](func() { layer = b.build() })
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create attention3d layer in scope %q", b.ctx.Scope())
	}
	if klog.V(1).Enabled() {
		klog.Infof("attention3d: created %s layer in scope %q: in=%d, key=%d, value=%d, out=%d, heads=%d, dropout=%g, "+
			"%s parameters (%s)", layer.mode, b.ctx.Scope(), b.inChannels, b.keyFilters, b.valueFilters, b.outputFilters,
			b.numHeads, b.dropoutRate, humanize.Comma(int64(layer.NumParameters())), humanize.Bytes(uint64(layer.Memory())))
	}
	return layer, nil
}

func (b *Builder) build() *Layer {
	ctx := b.ctx.In("Attention3D")
	rng := ctx.RandomSource()
	l := &Layer{
		inChannels:    b.inChannels,
		keyFilters:    b.keyFilters,
		valueFilters:  b.valueFilters,
		outputFilters: b.outputFilters,
		numHeads:      b.numHeads,
		dropoutRate:   b.dropoutRate,
		mode:          b.mode,
		globalBatch:   b.globalBatch,
		scale:         float32(math.Sqrt(float64(b.keyFilters / b.numHeads))),
		rng:           rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64())),
	}

	switch b.mode {
	case ModeSame:
		l.query = b.newProjection(ctx.In("query"), b.inChannels, b.keyFilters, 1, 1, 0, false)
	case ModeDown:
		l.query = b.newProjection(ctx.In("query"), b.inChannels, b.keyFilters, 3, 2, 1, false)
	case ModeUp:
		l.query = b.newProjection(ctx.In("query"), b.inChannels, b.keyFilters, 3, 2, 1, true)
	}
	l.key = b.newProjection(ctx.In("key"), b.inChannels, b.keyFilters, 1, 1, 0, false)
	l.value = b.newProjection(ctx.In("value"), b.inChannels, b.valueFilters, 1, 1, 0, false)
	l.output = b.newProjection(ctx.In("output"), b.valueFilters, b.outputFilters, 1, 1, 0, false)
	return l
}

// newProjection creates the weights (and optionally biases) of a 3D convolution (or transposed convolution)
// from inChannels to outChannels, by default initialized uniformly in ±1/sqrt(fanIn).
func (b *Builder) newProjection(ctx *context.Context, inChannels, outChannels, kernelSize, stride, padding int,
	transposed bool) *projection {
	p := &projection{
		stride:     stride,
		padding:    padding,
		transposed: transposed,
	}
	weightsShape := shapes.Make(dtypes.Float32, outChannels, inChannels, kernelSize, kernelSize, kernelSize)
	if transposed {
		weightsShape = shapes.Make(dtypes.Float32, inChannels, outChannels, kernelSize, kernelSize, kernelSize)
	}
	kaimingCtx := ctx.WithInitializer(initializers.KaimingUniformFn(initializers.ComputeFanIn(weightsShape)))
	weightsCtx := kaimingCtx
	if b.weightsInitializer != nil {
		weightsCtx = ctx.WithInitializer(b.weightsInitializer)
	}
	p.weights = weightsCtx.VariableWithShape("weights", weightsShape)
	if b.useBias {
		p.biases = kaimingCtx.VariableWithShape("biases", shapes.Make(dtypes.Float32, outChannels))
	}
	return p
}
