// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention3d

import (
	"github.com/gomlx/attention3d/ml/context"
	"github.com/gomlx/attention3d/ml/context/initializers"
	"github.com/gomlx/exceptions"
)

const (
	// ParamKeyFilters is the context parameter with the number of channels of the query and key projections.
	// Default (or 0) is the number of input channels.
	ParamKeyFilters = "attention3d_key_filters"

	// ParamValueFilters is the context parameter with the number of channels of the value projection.
	// Default (or 0) is the number of input channels.
	ParamValueFilters = "attention3d_value_filters"

	// ParamNumHeads is the context parameter with the number of attention heads. Default is 1.
	ParamNumHeads = "attention3d_num_heads"

	// ParamDropoutRate is the context parameter with the dropout rate applied to the attention coefficients
	// during training. Default is 0.5 (DefaultDropoutRate).
	ParamDropoutRate = "attention3d_dropout_rate"

	// ParamLayerType is the context parameter with the name of the spatial resolution mode:
	// "SAME", "DOWN" or "UP". Default is "SAME".
	ParamLayerType = "attention3d_layer_type"

	// ParamUseBias is the context parameter that defines whether the projections use biases. Default is true.
	ParamUseBias = "attention3d_use_bias"

	// ParamGlobalBatch is the context parameter that defines whether attention crosses the examples of
	// the batch. See Builder.GlobalBatchAttention. Default is false.
	ParamGlobalBatch = "attention3d_global_batch"

	// ParamInitStdDev is the context parameter with the standard deviation of a normal initialization of the
	// projection weights. Default (or 0) uses the uniform ±1/sqrt(fanIn) initialization. See Builder.WeightsInitializer.
	ParamInitStdDev = "attention3d_init_stddev"
)

// FromContext creates a Builder configured from the hyperparameters in the context (see Param* constants),
// for the given input and output channels.
//
// Hyperparameters of the wrong type are reported as an ErrConfiguration by Done.
// The returned Builder can be further configured before calling Done.
func FromContext(ctx *context.Context, inChannels, outputFilters int) *Builder {
	var b *Builder
	err := exceptions.TryCatch[error](func() { b = fromContext(ctx, inChannels, outputFilters) })
	if err != nil {
		b = New(ctx, inChannels, inChannels, inChannels, outputFilters, 1)
		b.err = configErrorf("failed to read hyperparameters in scope %q: %v", ctx.Scope(), err)
	}
	return b
}

func fromContext(ctx *context.Context, inChannels, outputFilters int) *Builder {
	keyFilters := context.GetParamOr(ctx, ParamKeyFilters, 0)
	if keyFilters == 0 {
		keyFilters = inChannels
	}
	valueFilters := context.GetParamOr(ctx, ParamValueFilters, 0)
	if valueFilters == 0 {
		valueFilters = inChannels
	}
	numHeads := context.GetParamOr(ctx, ParamNumHeads, 1)
	b := New(ctx, inChannels, keyFilters, valueFilters, outputFilters, numHeads).
		Dropout(context.GetParamOr(ctx, ParamDropoutRate, DefaultDropoutRate)).
		LayerType(context.GetParamOr(ctx, ParamLayerType, ModeSame.String())).
		UseBias(context.GetParamOr(ctx, ParamUseBias, true)).
		GlobalBatchAttention(context.GetParamOr(ctx, ParamGlobalBatch, false))
	if stddev := context.GetParamOr(ctx, ParamInitStdDev, 0.0); stddev != 0 {
		if stddev < 0 {
			exceptions.Panicf("%s must be >= 0, got %g", ParamInitStdDev, stddev)
		}
		b.WeightsInitializer(initializers.RandomNormalFn(stddev))
	}
	return b
}

// SetDefaultParams sets all the hyperparameters read by FromContext to their default values, in the
// current scope of ctx. It is used to register the parameters before parsing settings from the command line.
func SetDefaultParams(ctx *context.Context) {
	ctx.SetParam(ParamKeyFilters, 0).
		SetParam(ParamValueFilters, 0).
		SetParam(ParamNumHeads, 1).
		SetParam(ParamDropoutRate, DefaultDropoutRate).
		SetParam(ParamLayerType, ModeSame.String()).
		SetParam(ParamUseBias, true).
		SetParam(ParamGlobalBatch, false).
		SetParam(ParamInitStdDev, 0.0)
}
