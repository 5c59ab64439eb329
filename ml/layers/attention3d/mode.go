// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention3d

// Mode is the spatial resolution mode of the layer: it defines the geometry of the query projection,
// and hence the spatial dimensions of the output.
type Mode int

const (
	// ModeSame keeps the spatial dimensions: the query projection is a 1x1x1 convolution.
	ModeSame Mode = iota

	// ModeDown halves the spatial dimensions, with a 3x3x3 convolution with stride 2 and padding 1
	// as the query projection. Odd dimensions are rounded up: 7 becomes 4.
	ModeDown

	// ModeUp doubles the spatial dimensions, with a 3x3x3 transposed convolution with stride 2 and
	// padding 1 as the query projection.
	ModeUp
)

//go:generate go tool enumer -type=Mode -trimprefix=Mode -transform=upper -values -text -json -output=gen_mode_enumer.go mode.go

// outputSpatialDim returns the spatial dimension of the query (and the output) for an input spatial
// dimension of size dim.
func (m Mode) outputSpatialDim(dim int) int {
	switch m {
	case ModeDown:
		// Convolution output size with kernel=3, stride=2, padding=1.
		return (dim+2*1-3)/2 + 1
	case ModeUp:
		return 2 * dim
	default:
		return dim
	}
}
