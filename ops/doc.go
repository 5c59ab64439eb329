// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops implements the eager float32 tensor operations needed by the layers: 3D convolutions
// (regular and transposed), matrix multiplications, softmax and scalar arithmetic.
//
// The heavy lifting (every convolution and matrix product) is done by gonum's BLAS (blas32.Gemm).
// Convolutions are lowered to matrix products with the usual im2col/col2im rearrangements.
//
// Operations panic on invalid inputs, with errors wrapping shapes.ErrMismatch when the shapes of
// the operands are incompatible. Callers exposing an API that returns errors should catch them with
// exceptions.TryCatch[error].
//
// Volumes are laid out "channels first", that is `[batch, channels, depth, height, width]`, and
// convolution kernels follow the usual `[outputChannels, inputChannels, kD, kH, kW]` layout
// (`[inputChannels, outputChannels, kD, kH, kW]` for transposed convolutions).
package ops
