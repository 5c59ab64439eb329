// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/attention3d/types/shapes"
	"github.com/gomlx/attention3d/types/tensors"
	"github.com/gomlx/attention3d/types/xslices"
	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// NumSpatialDims of the volumes handled by the convolutions.
const NumSpatialDims = 3

// ConvolutionBuilder is a helper to build a 3D convolution or transposed convolution.
// Create it with Convolve3D or ConvolveTranspose3D, set the desired parameters and
// when all is set, call Done.
type ConvolutionBuilder struct {
	x, kernel, bias *tensors.Tensor
	transposed      bool
	strides         []int
	paddings        []int
	outputSize      []int
}

// Convolve3D prepares a 3D convolution of x (shaped `[batch, inputChannels, depth, height, width]`)
// with kernel (shaped `[outputChannels, inputChannels, kD, kH, kW]`).
//
// The default is stride 1 and no padding. The output spatial dimensions are
// `floor((inputDim + 2*padding - kernelDim) / stride) + 1`.
func Convolve3D(x, kernel *tensors.Tensor) *ConvolutionBuilder {
	return newConvolutionBuilder(x, kernel, false)
}

// ConvolveTranspose3D prepares a 3D transposed convolution (the gradient of Convolve3D with
// respect to its input) of x (shaped `[batch, inputChannels, depth, height, width]`) with kernel
// (shaped `[inputChannels, outputChannels, kD, kH, kW]`).
//
// The output spatial dimensions are `(inputDim - 1)*stride - 2*padding + kernelDim + outputPadding`,
// where outputPadding is 0, unless an explicit OutputSize is given.
func ConvolveTranspose3D(x, kernel *tensors.Tensor) *ConvolutionBuilder {
	return newConvolutionBuilder(x, kernel, true)
}

func newConvolutionBuilder(x, kernel *tensors.Tensor, transposed bool) *ConvolutionBuilder {
	conv := &ConvolutionBuilder{
		x:          x,
		kernel:     kernel,
		transposed: transposed,
	}
	return conv.Strides(1).Padding(0)
}

// Bias sets a bias, shaped `[outputChannels]`, added to every output position. Use nil for no bias.
func (conv *ConvolutionBuilder) Bias(bias *tensors.Tensor) *ConvolutionBuilder {
	conv.bias = bias
	return conv
}

// Strides sets the same stride for all spatial dimensions.
func (conv *ConvolutionBuilder) Strides(stride int) *ConvolutionBuilder {
	return conv.StridePerDim(xslices.SliceWithValue(NumSpatialDims, stride)...)
}

// StridePerDim sets the strides for each spatial dimension.
func (conv *ConvolutionBuilder) StridePerDim(strides ...int) *ConvolutionBuilder {
	if len(strides) != NumSpatialDims {
		exceptions.Panicf("received %d strides in StridePerDim, but convolutions have %d spatial dimensions",
			len(strides), NumSpatialDims)
	}
	for _, stride := range strides {
		if stride <= 0 {
			exceptions.Panicf("invalid strides %v, they must be > 0", strides)
		}
	}
	conv.strides = strides
	return conv
}

// Padding sets the same symmetric zero-padding for all spatial dimensions.
func (conv *ConvolutionBuilder) Padding(padding int) *ConvolutionBuilder {
	return conv.PaddingPerDim(xslices.SliceWithValue(NumSpatialDims, padding)...)
}

// PaddingPerDim sets the symmetric zero-padding of each spatial dimension.
//
// For transposed convolutions, padding removes that many positions from each side of the output.
func (conv *ConvolutionBuilder) PaddingPerDim(paddings ...int) *ConvolutionBuilder {
	if len(paddings) != NumSpatialDims {
		exceptions.Panicf("received %d paddings in PaddingPerDim, but convolutions have %d spatial dimensions",
			len(paddings), NumSpatialDims)
	}
	for _, padding := range paddings {
		if padding < 0 {
			exceptions.Panicf("invalid paddings %v, they must be >= 0", paddings)
		}
	}
	conv.paddings = paddings
	return conv
}

// OutputSize sets the requested output spatial dimensions of a transposed convolution.
//
// Several output sizes map to the same input size when stride > 1, and this disambiguates them:
// the output padding (extra positions added to the far side of each output dimension) is
// inferred and must be in the range `[0, stride)`. Otherwise Done panics with a shape mismatch.
func (conv *ConvolutionBuilder) OutputSize(dims ...int) *ConvolutionBuilder {
	if !conv.transposed {
		exceptions.Panicf("OutputSize can only be set for transposed convolutions")
	}
	if len(dims) != NumSpatialDims {
		exceptions.Panicf("received %d dimensions in OutputSize, but convolutions have %d spatial dimensions",
			len(dims), NumSpatialDims)
	}
	conv.outputSize = dims
	return conv
}

// OutputShape returns the shape of the result, without computing it.
//
// It panics with an error wrapping shapes.ErrMismatch if the operands are not compatible.
func (conv *ConvolutionBuilder) OutputShape() shapes.Shape {
	conv.x.AssertValid()
	conv.kernel.AssertValid()
	xShape, kernelShape := conv.x.Shape(), conv.kernel.Shape()
	if xShape.Rank() != NumSpatialDims+2 {
		shapes.MismatchPanicf("input x must be rank-5 shaped [batch, channels, depth, height, width], got %s", xShape)
	}
	if kernelShape.Rank() != NumSpatialDims+2 {
		shapes.MismatchPanicf("kernel must be rank-5, got %s", kernelShape)
	}
	inChannels, outChannels := kernelShape.Dimensions[1], kernelShape.Dimensions[0]
	if conv.transposed {
		inChannels, outChannels = outChannels, inChannels
	}
	if xShape.Dimensions[1] != inChannels {
		shapes.MismatchPanicf("input x shaped %s has %d channels, but kernel shaped %s expects %d input channels",
			xShape, xShape.Dimensions[1], kernelShape, inChannels)
	}
	if conv.bias != nil {
		if err := conv.bias.Shape().CheckDims(outChannels); err != nil {
			panic(err)
		}
	}

	dims := make([]int, NumSpatialDims+2)
	dims[0], dims[1] = xShape.Dimensions[0], outChannels
	for axis := range NumSpatialDims {
		inputDim := xShape.Dimensions[2+axis]
		kernelDim := kernelShape.Dimensions[2+axis]
		stride, padding := conv.strides[axis], conv.paddings[axis]
		var outputDim int
		if !conv.transposed {
			padded := inputDim + 2*padding
			if padded < kernelDim {
				shapes.MismatchPanicf("input x shaped %s spatial axis %d (padded to %d) is smaller than the kernel "+
					"shaped %s", xShape, axis, padded, kernelShape)
			}
			outputDim = (padded-kernelDim)/stride + 1
		} else {
			outputDim = (inputDim-1)*stride - 2*padding + kernelDim
			if conv.outputSize != nil {
				outputPadding := conv.outputSize[axis] - outputDim
				if outputPadding < 0 || outputPadding >= stride {
					shapes.MismatchPanicf("requested output size %v is not reachable for input x shaped %s with "+
						"kernel %s, stride %d and padding %d: valid sizes for spatial axis %d are in [%d, %d]",
						conv.outputSize, xShape, kernelShape, stride, padding, axis, outputDim, outputDim+stride-1)
				}
				outputDim += outputPadding
			}
		}
		if outputDim <= 0 {
			shapes.MismatchPanicf("convolution of x shaped %s with kernel %s yields an empty spatial axis %d",
				xShape, kernelShape, axis)
		}
		dims[2+axis] = outputDim
	}
	return shapes.Make(xShape.DType, dims...)
}

// Done computes the convolution and returns the result shaped
// `[batch, outputChannels, outDepth, outHeight, outWidth]`.
func (conv *ConvolutionBuilder) Done() *tensors.Tensor {
	outputShape := conv.OutputShape()
	output := tensors.FromShape(outputShape)
	if conv.transposed {
		conv.transposedConvolve(output)
	} else {
		conv.convolve(output)
	}
	if conv.bias != nil {
		addChannelBias(output, conv.bias)
	}
	return output
}

// geometry holds the spatial dimensions of one convolution.
type geometry struct {
	in, out, kernel   [NumSpatialDims]int
	strides, paddings [NumSpatialDims]int
}

func (conv *ConvolutionBuilder) geometry(output *tensors.Tensor) (g geometry) {
	for axis := range NumSpatialDims {
		g.in[axis] = conv.x.Shape().Dimensions[2+axis]
		g.out[axis] = output.Shape().Dimensions[2+axis]
		g.kernel[axis] = conv.kernel.Shape().Dimensions[2+axis]
		g.strides[axis] = conv.strides[axis]
		g.paddings[axis] = conv.paddings[axis]
	}
	return
}

func (g geometry) isPointwise() bool {
	for axis := range NumSpatialDims {
		if g.kernel[axis] != 1 || g.strides[axis] != 1 || g.paddings[axis] != 0 {
			return false
		}
	}
	return true
}

func product(dims [NumSpatialDims]int) int {
	return dims[0] * dims[1] * dims[2]
}

// convolve lowers the convolution to one GEMM per example:
// output[b] = kernel[outC, inC*kVolume] · columns[inC*kVolume, outVolume].
func (conv *ConvolutionBuilder) convolve(output *tensors.Tensor) {
	g := conv.geometry(output)
	batchSize, inChannels := conv.x.Shape().Dimensions[0], conv.x.Shape().Dimensions[1]
	outChannels := conv.kernel.Shape().Dimensions[0]
	inVolume, outVolume, kernelVolume := product(g.in), product(g.out), product(g.kernel)
	contracting := inChannels * kernelVolume

	pointwise := g.isPointwise()
	var columns []float32
	if !pointwise {
		columns = make([]float32, contracting*outVolume)
	}
	xFlat, kernelFlat, outFlat := conv.x.Flat(), conv.kernel.Flat(), output.Flat()
	for b := range batchSize {
		example := xFlat[b*inChannels*inVolume : (b+1)*inChannels*inVolume]
		if pointwise {
			// 1x1x1 kernels with no stride nor padding: the example is already its own column matrix.
			columns = example
		} else {
			im2col(example, inChannels, g, columns)
		}
		gemm(kernelFlat, outChannels, contracting, columns, outVolume, false,
			outFlat[b*outChannels*outVolume:(b+1)*outChannels*outVolume])
	}
}

// im2col fills columns (shaped `[channels*kD*kH*kW, outD*outH*outW]`) with the input values
// under each kernel position, or 0 where it falls on the padding.
func im2col(example []float32, channels int, g geometry, columns []float32) {
	inH, inW := g.in[1], g.in[2]
	outVolume := product(g.out)
	row := 0
	for c := range channels {
		channel := example[c*product(g.in) : (c+1)*product(g.in)]
		for kz := range g.kernel[0] {
			for ky := range g.kernel[1] {
				for kx := range g.kernel[2] {
					dst := columns[row*outVolume : (row+1)*outVolume]
					col := 0
					for oz := range g.out[0] {
						z := oz*g.strides[0] - g.paddings[0] + kz
						for oy := range g.out[1] {
							y := oy*g.strides[1] - g.paddings[1] + ky
							for ox := range g.out[2] {
								x := ox*g.strides[2] - g.paddings[2] + kx
								if z < 0 || z >= g.in[0] || y < 0 || y >= inH || x < 0 || x >= inW {
									dst[col] = 0
								} else {
									dst[col] = channel[(z*inH+y)*inW+x]
								}
								col++
							}
						}
					}
					row++
				}
			}
		}
	}
}

// transposedConvolve lowers the transposed convolution to one GEMM per example,
// columns[outC*kVolume, inVolume] = kernelᵗ · x[b], followed by col2im scattering the
// columns into the output.
func (conv *ConvolutionBuilder) transposedConvolve(output *tensors.Tensor) {
	g := conv.geometry(output)
	batchSize, inChannels := conv.x.Shape().Dimensions[0], conv.x.Shape().Dimensions[1]
	outChannels := conv.kernel.Shape().Dimensions[1]
	inVolume, outVolume, kernelVolume := product(g.in), product(g.out), product(g.kernel)
	rows := outChannels * kernelVolume

	columns := make([]float32, rows*inVolume)
	kernelMatrix := general(conv.kernel.Flat(), inChannels, rows)
	xFlat, outFlat := conv.x.Flat(), output.Flat()
	for b := range batchSize {
		example := xFlat[b*inChannels*inVolume : (b+1)*inChannels*inVolume]
		blas32.Gemm(blas.Trans, blas.NoTrans, 1, kernelMatrix, general(example, inChannels, inVolume),
			0, general(columns, rows, inVolume))
		col2im(columns, outChannels, g, outFlat[b*outChannels*outVolume:(b+1)*outChannels*outVolume])
	}
}

// col2im accumulates columns (shaped `[channels*kD*kH*kW, inD*inH*inW]`) into the output positions
// each kernel element contributes to, dropping those that fall on the cropped padding.
func col2im(columns []float32, channels int, g geometry, example []float32) {
	outH, outW := g.out[1], g.out[2]
	inVolume, outVolume := product(g.in), product(g.out)
	row := 0
	for c := range channels {
		channel := example[c*outVolume : (c+1)*outVolume]
		for kz := range g.kernel[0] {
			for ky := range g.kernel[1] {
				for kx := range g.kernel[2] {
					src := columns[row*inVolume : (row+1)*inVolume]
					col := 0
					for iz := range g.in[0] {
						z := iz*g.strides[0] - g.paddings[0] + kz
						for iy := range g.in[1] {
							y := iy*g.strides[1] - g.paddings[1] + ky
							for ix := range g.in[2] {
								x := ix*g.strides[2] - g.paddings[2] + kx
								if z >= 0 && z < g.out[0] && y >= 0 && y < outH && x >= 0 && x < outW {
									channel[(z*outH+y)*outW+x] += src[col]
								}
								col++
							}
						}
					}
					row++
				}
			}
		}
	}
}

// addChannelBias adds bias[c] to every position of channel c of a `[batch, channels, ...]` tensor.
func addChannelBias(output, bias *tensors.Tensor) {
	dims := output.Shape().Dimensions
	batchSize, channels := dims[0], dims[1]
	volume := output.Size() / (batchSize * channels)
	outFlat, biasFlat := output.Flat(), bias.Flat()
	for b := range batchSize {
		for c := range channels {
			start := (b*channels + c) * volume
			values := outFlat[start : start+volume]
			for ii := range values {
				values[ii] += biasFlat[c]
			}
		}
	}
}
