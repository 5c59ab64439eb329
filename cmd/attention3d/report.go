// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/attention3d/ml/context"
	"github.com/gomlx/attention3d/ml/layers/attention3d"
	"github.com/gomlx/attention3d/types/tensors"
	"github.com/gomlx/attention3d/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)

func printSummary(layer *attention3d.Layer, inputDType dtypes.DType, x, output, coefficients *tensors.Tensor) {
	fmt.Println(titleStyle.Render("Attention3D"))
	table := commandline.NewTable()
	table.Row("mode", layer.Mode().String())
	table.Row("# heads", humanize.Comma(int64(layer.NumHeads())))
	table.Row("scale", fmt.Sprintf("%.4g", layer.Scale()))
	table.Row("dropout rate", fmt.Sprintf("%g", layer.DropoutRate()))
	table.Row("global batch attention", fmt.Sprintf("%v", layer.IsGlobalBatchAttention()))
	table.Row("input shape", x.Shape().String())
	table.Row("input precision", inputDType.String())
	table.Row("output shape", output.Shape().String())
	table.Row("# parameters", humanize.Comma(int64(layer.NumParameters())))
	table.Row("parameters bytes", humanize.Bytes(uint64(layer.Memory())))
	table.Row("attention map shape", coefficients.Shape().String())
	table.Row("attention map bytes", humanize.Bytes(uint64(coefficients.Memory())))
	fmt.Println(table.Render())
}

func printParams(ctx *context.Context) {
	fmt.Println(titleStyle.Render("Hyperparameters"))
	table := commandline.NewTable("Scope", "Name", "Type", "Value")
	ctx.EnumerateParams(func(scope, key string, value any) {
		table.Row(scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value))
	})
	fmt.Println(table.Render())
}

func printVariables(layer *attention3d.Layer) {
	fmt.Println(titleStyle.Render("Variables"))
	table := commandline.NewTable("Scope", "Name", "Shape", "Size", "Bytes")
	layer.EnumerateVariables(func(v *context.Variable) {
		shape := v.Shape()
		table.Row(v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())), humanize.Bytes(uint64(shape.Memory())))
	})
	fmt.Println(table.Render())
}
