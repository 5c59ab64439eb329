// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// attention3d builds a 3D attention layer, runs it on a random volume and reports the shapes and sizes involved.
//
// The layer hyperparameters are set with -set, e.g.:
//
//	attention3d -in=4 -out=8 -dims=6,6,6 -set="attention3d_layer_type=UP;attention3d_num_heads=2"
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/attention3d/ml/context"
	"github.com/gomlx/attention3d/ml/layers/attention3d"
	"github.com/gomlx/attention3d/types/shapes"
	"github.com/gomlx/attention3d/types/tensors"
	"github.com/gomlx/attention3d/types/xslices"
	"github.com/gomlx/attention3d/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagInChannels  = flag.Int("in", 4, "Number of channels of the input volume.")
	flagOutChannels = flag.Int("out", 8, "Number of channels of the output volume.")
	flagBatchSize   = flag.Int("batch", 1, "Number of examples in the batch.")
	flagDims        = xslices.Flag("dims", []int{6, 6, 6}, "Spatial dimensions (depth,height,width) of the input volume.",
		strconv.Atoi)
	flagInputDist = flag.String("input_dist", "normal",
		"Distribution of the random input volume: \"normal\" (mean 0, stddev 1) or \"uniform\" (in [0, 1)).")
	flagInputDType = flag.String("input_dtype", "float32",
		"Precision of the input volume: \"float32\", \"float16\" or \"bfloat16\". "+
			"The random volume is rounded to this precision before running the layer.")
	flagTraining = flag.Bool("training", false, "Run the layer in training mode, that is, with dropout.")
	flagSeed     = flag.Uint64("seed", 42, "Seed for the random initialization, the random input and dropout.")
	flagRepeat   = flag.Int("repeat", 0, "If > 0, run the layer this many times, with a progress bar, "+
		"and report the median duration.")
	flagVars   = flag.Bool("vars", false, "Lists the variables of the layer.")
	flagParams = flag.Bool("params", false, "Lists the hyperparameters.")
)

func main() {
	klog.InitFlags(nil)
	ctx := context.New()
	attention3d.SetDefaultParams(ctx)
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	flag.Parse()

	if err := run(ctx, *settings); err != nil {
		klog.Errorf("Failed: %+v", err)
		os.Exit(1)
	}
}

func run(ctx *context.Context, settings string) error {
	paramsSet, err := commandline.ParseContextSettings(ctx, settings)
	if err != nil {
		return err
	}
	if len(paramsSet) > 0 {
		fmt.Printf("Settings:\n%s\n", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}
	if err := validateInputFlags(*flagBatchSize, *flagDims); err != nil {
		return err
	}
	inputDType, err := parseInputDType(*flagInputDType)
	if err != nil {
		return err
	}

	ctx.RngStateFromSeed(*flagSeed)
	layer, err := attention3d.FromContext(ctx, *flagInChannels, *flagOutChannels).Done()
	if err != nil {
		return err
	}
	inputShape := shapes.Make(dtypes.Float32, append([]int{*flagBatchSize, *flagInChannels}, *flagDims...)...)
	x, err := randomInput(ctx, inputShape, *flagInputDist, inputDType)
	if err != nil {
		return err
	}

	output, coefficients, err := layer.ForwardWithCoefficients(x, *flagTraining)
	if err != nil {
		return err
	}
	printSummary(layer, inputDType, x, output, coefficients)

	if *flagParams {
		printParams(ctx)
	}
	if *flagVars {
		printVariables(layer)
	}

	if *flagRepeat > 0 {
		outputShape := output.Shape().String()
		median, err := commandline.RunWithProgressBar("Forward", *flagRepeat, func(int) error {
			_, err := layer.Forward(x, *flagTraining)
			return err
		}, func() (string, string) {
			return "Output shape", outputShape
		})
		if err != nil {
			return err
		}
		fmt.Printf("Median Forward duration: %s\n", commandline.FormatDuration(median))
	}
	return nil
}

// validateInputFlags checks the batch size and the spatial dimensions of the input volume.
func validateInputFlags(batchSize int, dims []int) error {
	if len(dims) != 3 {
		return errors.Errorf("-dims requires 3 values (depth, height and width), got %v", dims)
	}
	for _, dim := range dims {
		if dim <= 0 {
			return errors.Errorf("-dims values must be > 0, got %v", dims)
		}
	}
	if batchSize <= 0 {
		return errors.Errorf("-batch must be > 0, got %d", batchSize)
	}
	return nil
}

// parseInputDType parses the -input_dtype flag.
func parseInputDType(name string) (dtypes.DType, error) {
	switch strings.ToLower(name) {
	case "float32", "f32":
		return dtypes.Float32, nil
	case "float16", "f16":
		return dtypes.Float16, nil
	case "bfloat16", "bf16":
		return dtypes.BFloat16, nil
	default:
		return dtypes.InvalidDType, errors.Errorf("-input_dtype must be one of float32, float16 or bfloat16, got %q", name)
	}
}

// randomInput draws the input volume from the context random number generator, and rounds it to dtype.
func randomInput(ctx *context.Context, shape shapes.Shape, distribution string, dtype dtypes.DType) (
	*tensors.Tensor, error) {
	var x *tensors.Tensor
	switch distribution {
	case "normal":
		x = ctx.RandomNormal(shape)
	case "uniform":
		x = ctx.RandomUniform(shape)
	default:
		return nil, errors.Errorf("-input_dist must be \"normal\" or \"uniform\", got %q", distribution)
	}
	if dtype == dtypes.Float32 {
		return x, nil
	}
	return x.RoundedTo(dtype), nil
}
