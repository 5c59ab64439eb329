// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package context

import (
	"fmt"

	"github.com/gomlx/attention3d/types/shapes"
	"github.com/gomlx/attention3d/types/tensors"
	"github.com/gomlx/exceptions"
)

// Variable holds the value of a weight (aka. parameter) of a model. It's defined in a scope in
// a Context.
type Variable struct {
	ctx         *Context
	name, scope string

	// Trainable indicates whether variable is trainable. If set to false it won't be
	// touched by trainers of the model.
	Trainable bool

	value *tensors.Tensor
}

// Name of the variable within the scope.
func (v *Variable) Name() string {
	v.AssertValid()
	return v.name
}

// String implements stringer.
func (v *Variable) String() string {
	if v == nil || v.value == nil {
		return "INVALID (NIL) VARIABLE"
	}
	return fmt.Sprintf("%s/%s", v.Scope(), v.Name())
}

// AssertValid panics if the variable is in an invalid state.
func (v *Variable) AssertValid() {
	if v == nil {
		exceptions.Panicf("context.Variable is nil")
	}
	if v.value == nil {
		exceptions.Panicf("context.Variable %q has no value", v.name)
	}
}

// Scope where the variable was created.
func (v *Variable) Scope() string {
	v.AssertValid()
	return v.scope
}

// Shape returns the variable shape.
func (v *Variable) Shape() shapes.Shape {
	v.AssertValid()
	return v.value.Shape()
}

// ParameterName returns the unique name of the variable: its scope joined with its name.
func (v *Variable) ParameterName() string {
	v.AssertValid()
	return JoinScope(v.scope, v.name)
}

// Value returns the tensor holding the variable value. Changes to the tensor change the variable.
func (v *Variable) Value() *tensors.Tensor {
	v.AssertValid()
	return v.value
}

// SetValue replaces the value of the variable. The new value must have the same shape.
func (v *Variable) SetValue(value *tensors.Tensor) {
	v.AssertValid()
	value.AssertValid()
	if err := value.Shape().Check(v.Shape().DType, v.Shape().Dimensions...); err != nil {
		panic(err)
	}
	v.value = value
}

// SetTrainable sets the variable trainable status. Returns itself, so calls can be cascaded.
func (v *Variable) SetTrainable(trainable bool) *Variable {
	v.Trainable = trainable
	return v
}
