// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/attention3d/types/shapes"
	"github.com/gomlx/attention3d/types/tensors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// general wraps a row-major flat slice as a blas32.General matrix.
func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// gemm computes c = a·b (or a·bᵗ if transposeB) on row-major flat slices, overwriting c.
// a is [m, k], b is [k, n] (or [n, k] if transposeB) and c is [m, n].
func gemm(a []float32, m, k int, b []float32, n int, transposeB bool, c []float32) {
	tB := blas.NoTrans
	bMat := general(b, k, n)
	if transposeB {
		tB = blas.Trans
		bMat = general(b, n, k)
	}
	blas32.Gemm(blas.NoTrans, tB, 1, general(a, m, k), bMat, 0, general(c, m, n))
}

// BatchMatMul returns the batched matrix product of lhs (shaped `[batch, m, k]`) and rhs (shaped `[batch, k, n]`).
func BatchMatMul(lhs, rhs *tensors.Tensor) *tensors.Tensor {
	return batchMatMul("BatchMatMul", lhs, rhs, false)
}

// BatchMatMulTransposed returns the batched lhs·rhsᵗ, for lhs shaped `[batch, m, k]` and rhs shaped `[batch, n, k]`.
func BatchMatMulTransposed(lhs, rhs *tensors.Tensor) *tensors.Tensor {
	return batchMatMul("BatchMatMulTransposed", lhs, rhs, true)
}

func batchMatMul(name string, lhs, rhs *tensors.Tensor, transposeRHS bool) *tensors.Tensor {
	lhs.AssertValid()
	rhs.AssertValid()
	if lhs.Rank() != 3 || rhs.Rank() != 3 {
		shapes.MismatchPanicf("%s requires rank-3 operands [batch, rows, cols], got lhs=%s and rhs=%s",
			name, lhs.Shape(), rhs.Shape())
	}
	batch, m, k := lhs.Shape().Dimensions[0], lhs.Shape().Dimensions[1], lhs.Shape().Dimensions[2]
	rhsBatch, rhsK, n := rhs.Shape().Dimensions[0], rhs.Shape().Dimensions[1], rhs.Shape().Dimensions[2]
	if transposeRHS {
		rhsK, n = n, rhsK
	}
	if batch != rhsBatch {
		shapes.MismatchPanicf("%s batch dimensions don't match: lhs=%s, rhs=%s", name, lhs.Shape(), rhs.Shape())
	}
	if k != rhsK {
		shapes.MismatchPanicf("%s contracting dimensions don't match: lhs=%s, rhs=%s", name, lhs.Shape(), rhs.Shape())
	}
	output := tensors.Zeros(batch, m, n)
	lhsFlat, rhsFlat, outFlat := lhs.Flat(), rhs.Flat(), output.Flat()
	for b := range batch {
		gemm(lhsFlat[b*m*k:(b+1)*m*k], m, k, rhsFlat[b*k*n:(b+1)*k*n], n, transposeRHS, outFlat[b*m*n:(b+1)*m*n])
	}
	return output
}
