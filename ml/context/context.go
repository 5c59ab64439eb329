// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package context defines the Context and Variable types: Context organizes the variables (weights)
// and the hyperparameters of layers, and Variable holds the value of one weight.
package context

import (
	"fmt"
	"math/rand/v2"
	"reflect"
	"strings"

	"github.com/gomlx/attention3d/ml/context/initializers"
	"github.com/gomlx/attention3d/types/shapes"
	"github.com/gomlx/attention3d/types/tensors"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// Context organizes information shared by the layers of a model: variables (weights) and
// (hyper-)parameters.
//
// Both are organized in "scopes". The Context object is a thin wrapper that contains the current
// scope (similar to a current directory) and a link to the actual data. One can change scopes with
// Context.In("new_scope"): it returns a new Context with the new scope set, but still pointing
// (sharing) all the data with the previous Context. E.g.:
//
//	ctx := context.New()
//	ctx.SetParam("attention3d_dropout_rate", 0.2)  // Default dropout for all layers.
//	ctx.In("decoder").SetParam("attention3d_dropout_rate", 0.1)  // Only for layers under "/decoder".
//
// The Context also owns the random number generator used to initialize variables and by layers
// that need randomness (e.g. dropout). See RngStateFromSeed.
type Context struct {
	// scope for currently created variables and registration.
	scope string

	// reuse of variables, if set to true.
	reuse bool

	// checked access to variables: whether to check for reuse if variable is new or not. If set
	// to false it makes reuse irrelevant.
	checked bool

	// initializer is used to initialize variable values for a given shape.
	initializer initializers.VariableInitializer

	// data is where the content is stored, shared among all the Context references.
	data *contextData
}

// VariableInitializer builds a value to initialize a variable of the given shape.
type VariableInitializer = initializers.VariableInitializer

// scopedVariableMap name to variable within a scope.
type scopedVariableMap map[string]*Variable

// contextData stores all context information and is shared among various Context, which
// serve only as scoped references.
type contextData struct {
	// params holds a model's building (hyper)parameters. Context is agnostic about the semantics here,
	// these values are interpreted by the various layers independently.
	params *ScopedParams

	// variablesMap for this context organized per scope.
	variablesMap map[string]scopedVariableMap

	// variables is a plain list of all variables, in creation order.
	variables []*Variable

	// rng is the random number generator shared by all scopes.
	rng *rand.Rand
}

// DefaultInitializer is the VariableInitializer of newly created contexts.
// You can always set your own initializer with Context.WithInitializer.
var DefaultInitializer VariableInitializer = initializers.KaimingUniform

// New constructs a new and empty context, with its random number generator seeded randomly.
func New() *Context {
	ctx := &Context{
		scope:       ScopeSeparator,
		checked:     true,
		initializer: DefaultInitializer,
		data: &contextData{
			params:       NewScopedParams(),
			variablesMap: make(map[string]scopedVariableMap),
		},
	}
	ctx.RngStateReset()
	return ctx
}

func (ctx *Context) copy() *Context {
	ctx2 := &Context{}
	*ctx2 = *ctx
	return ctx2
}

// Scope returns the full scope path.
//
// Notice that Scope is part of the "reference" component of a Context.
func (ctx *Context) Scope() string {
	return ctx.scope
}

// EscapeScopeName replaces ScopeSeparator in the string and replaces them by "_".
func EscapeScopeName(scopeName string) string {
	return strings.ReplaceAll(scopeName, ScopeSeparator, "_")
}

// JoinScope joins a scope path and a name.
func JoinScope(scope, name string) string {
	if scope == ScopeSeparator {
		return ScopeSeparator + name
	}
	return scope + ScopeSeparator + name
}

// SplitScope splits a "/scope/path/name" into the scope ("/scope/path") and the name.
// If there is no scope (it doesn't start with ScopeSeparator), scope is empty.
func SplitScope(scopeAndName string) (scope, name string) {
	if !strings.HasPrefix(scopeAndName, ScopeSeparator) {
		return "", scopeAndName
	}
	separationIdx := strings.LastIndex(scopeAndName, ScopeSeparator)
	name = scopeAndName[separationIdx+1:]
	if separationIdx == 0 {
		scope = RootScope
	} else {
		scope = scopeAndName[:separationIdx]
	}
	return
}

// In returns a new reference to the Context with the extra given scope. No ScopeSeparator ("/") is
// allowed in scope.
//
// Notice that Scope is part of the "reference" component of a Context.
func (ctx *Context) In(scope string) *Context {
	if scope == "" {
		exceptions.Panicf("cannot use empty scope for Context.In()")
	}
	if strings.Contains(scope, ScopeSeparator) {
		exceptions.Panicf("cannot use separator %q in scope element %q", ScopeSeparator, scope)
	}
	return ctx.InAbsPath(JoinScope(ctx.scope, scope))
}

// InAbsPath returns a new reference to the Context with the extra given scope. It should start and have each element
// separated by ScopeSeparator.
//
// Notice that Scope is part of the "reference" component of a Context.
func (ctx *Context) InAbsPath(scopePath string) *Context {
	if !strings.HasPrefix(scopePath, ScopeSeparator) {
		exceptions.Panicf("absolute scope path must start with separator %q, instead got %q", ScopeSeparator, scopePath)
	}
	ctx2 := ctx.copy()
	ctx2.scope = scopePath
	return ctx2
}

// Reuse returns a new reference to the Context set to reuse of variables.
// If checked is false, this setting is irrelevant.
//
// Notice that re-usability is part of the "reference" component of a Context.
func (ctx *Context) Reuse() *Context {
	ctx2 := ctx.copy()
	ctx2.reuse = true
	return ctx2
}

// IsReuse returns whether Context is marked for reuse.
func (ctx *Context) IsReuse() bool { return ctx.reuse }

// Checked returns a new reference to the Context with the checked flag set accordingly.
// If checked is true, it verifies whether a variable is being reused (with Reuse set) or created
// (without Reuse). If checked is false, variables are created or reused as needed.
func (ctx *Context) Checked(checked bool) *Context {
	ctx2 := ctx.copy()
	ctx2.checked = checked
	return ctx2
}

// IsChecked returns whether context is checking reuse rules.
func (ctx *Context) IsChecked() bool { return ctx.checked }

// WithInitializer returns a new reference to the Context, with the initializer set.
func (ctx *Context) WithInitializer(initializer VariableInitializer) *Context {
	if initializer == nil {
		exceptions.Panicf("Context.WithInitializer passed a nil initializer")
	}
	ctx2 := ctx.copy()
	ctx2.initializer = initializer
	return ctx2
}

// GetParam returns the value for the given param key, searching successively from
// the current scope back to the root scope ("/"), in case the key is not found.
//
// E.g: if current scope is "/a/b", it will search for the key in "/a/b" scope, then
// in "/a" and finally in "/", and return the first result found.
func (ctx *Context) GetParam(key string) (value any, found bool) {
	return ctx.data.params.Get(ctx.scope, key)
}

// SetParam sets the given param in the current scope. It will be visible (by GetParam)
// within this scope and descendant scopes (but not by other scopes).
//
// It returns the context itself, so calls can be chained.
func (ctx *Context) SetParam(key string, value any) *Context {
	ctx.data.params.Set(ctx.scope, key, value)
	return ctx
}

// EnumerateParams enumerates all parameters for all scopes calls fn with their values.
func (ctx *Context) EnumerateParams(fn func(scope, key string, value any)) {
	ctx.data.params.Enumerate(fn)
}

// GetParamOr either returns the value for the given param key in the context `ctx`,
// searching successively from the current scope back to the root scope ("/"), or if the
// key is not found, returns the given default value.
//
// It tries to cast the value to the given type. Numeric values are converted (e.g. an int can
// be read as a float64). If the value cannot be converted, it panics.
func GetParamOr[T any](ctx *Context, key string, defaultValue T) T {
	valueAny, found := ctx.GetParam(key)
	if !found || valueAny == nil {
		return defaultValue
	}
	if value, ok := valueAny.(T); ok {
		return value
	}

	// Try converting, for instance, a float32 could be converted to float64.
	v := reflect.ValueOf(valueAny)
	typeOfT := reflect.TypeOf(defaultValue)
	if typeOfT == nil || !v.CanConvert(typeOfT) || !isNumericKind(v.Kind()) || !isNumericKind(typeOfT.Kind()) {
		exceptions.Panicf("failed to read hyperparameter %q in scope %q as %T: its value %v has type %s",
			key, ctx.scope, defaultValue, valueAny, v.Type())
	}
	return v.Convert(typeOfT).Interface().(T)
}

func isNumericKind(kind reflect.Kind) bool {
	switch kind {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

func (ctx *Context) findVariableInScope(name string) *Variable {
	scopeVars, found := ctx.data.variablesMap[ctx.scope]
	if !found {
		return nil
	}
	return scopeVars[name]
}

// InspectVariable returns the variable with the given name for inspection. It returns nil if a variable
// with the given name hasn't been created.
//
// It is not affected by Reuse checks.
func (ctx *Context) InspectVariable(scope, name string) *Variable {
	scopeVars, found := ctx.data.variablesMap[scope]
	if !found {
		return nil
	}
	return scopeVars[name]
}

func (ctx *Context) setVariableInScope(name string, v *Variable) {
	vSet, found := ctx.data.variablesMap[ctx.scope]
	if !found {
		vSet = make(scopedVariableMap)
		ctx.data.variablesMap[ctx.scope] = vSet
	}
	vSet[name] = v
	ctx.data.variables = append(ctx.data.variables, v)
}

// checkReuse panics if the reuse rules are broken, and returns the existing variable, if any.
func (ctx *Context) checkReuse(name string) *Variable {
	v := ctx.findVariableInScope(name)
	if v == nil && ctx.checked && ctx.reuse {
		exceptions.Panicf("requested variable %q in scope %q with Context.Reuse set, but variable does not exist",
			name, ctx.scope)
	}
	if v != nil && ctx.checked && !ctx.reuse {
		exceptions.Panicf("variable %q for scope %q already exists -- if this was deliberate, use Context.Reuse() "+
			"or Context.Checked(false)", name, ctx.scope)
	}
	return v
}

// VariableWithShape creates or returns an existing variable with the given shape in the current scope.
// New variables are immediately initialized with the current variable initializer set for the context.
//
// It panics if the reuse rules are broken (see Reuse and Checked), or if reusing a variable with a different shape.
func (ctx *Context) VariableWithShape(name string, shape shapes.Shape) *Variable {
	if v := ctx.checkReuse(name); v != nil {
		if !shape.Equal(v.Shape()) {
			exceptions.Panicf("requested to reuse variable %q in scope %q, but with different shape from original: "+
				"previous shape=%s, requested shape=%s", name, ctx.scope, v.Shape(), shape)
		}
		return v
	}
	value := ctx.initializer(ctx.data.rng, shape)
	if !value.Shape().Equal(shape) {
		exceptions.Panicf("initializer for variable %q in scope %q returned shape %s, wanted %s",
			name, ctx.scope, value.Shape(), shape)
	}
	return ctx.newVariable(name, value)
}

// VariableWithValue creates a variable that is initialized with the given value in the current scope.
// If the variable is being reused (see Reuse), its current value is kept, and value is only used to check
// the shape.
func (ctx *Context) VariableWithValue(name string, value *tensors.Tensor) *Variable {
	value.AssertValid()
	if v := ctx.checkReuse(name); v != nil {
		if !value.Shape().Equal(v.Shape()) {
			exceptions.Panicf("requested to reuse variable %q in scope %q, but with value with different shape "+
				"from original: previous shape=%s, requested value shape=%s", name, ctx.scope, v.Shape(), value.Shape())
		}
		return v
	}
	return ctx.newVariable(name, value)
}

func (ctx *Context) newVariable(name string, value *tensors.Tensor) *Variable {
	v := &Variable{
		ctx:       ctx,
		name:      name,
		scope:     ctx.scope,
		value:     value,
		Trainable: true,
	}
	ctx.setVariableInScope(name, v)
	if klog.V(3).Enabled() {
		klog.Infof("created variable %s: %s", v.ParameterName(), value.Shape())
	}
	return v
}

// EnumerateVariables will call fn for each variable in the context. Notice
// the order of visitation is deterministic (creation order).
//
// Example:
//
//	fmt.Println("\nVariables:")
//	ctx.EnumerateVariables(func(v *context.Variable) {
//		fmt.Printf("\t%s::%s: shape=%s\n", v.Scope(), v.Name(), v.Shape())
//	})
func (ctx *Context) EnumerateVariables(fn func(v *Variable)) {
	for _, v := range ctx.data.variables {
		fn(v)
	}
}

// EnumerateVariablesInScope is similar to EnumerateVariables, but only enumerate variables
// in the current scope and its sub-scopes.
func (ctx *Context) EnumerateVariablesInScope(fn func(v *Variable)) {
	prefix := ctx.scope
	if prefix != ScopeSeparator {
		prefix += ScopeSeparator
	}
	for _, v := range ctx.data.variables {
		if v.scope == ctx.scope || strings.HasPrefix(v.scope, prefix) {
			fn(v)
		}
	}
}

// NumVariables return the number of variables in this Context.
func (ctx *Context) NumVariables() int {
	return len(ctx.data.variables)
}

// NumParameters returns the summed-up number of all variables.
func (ctx *Context) NumParameters() int {
	total := 0
	ctx.EnumerateVariables(func(v *Variable) {
		total += v.Shape().Size()
	})
	return total
}

// Memory returns the total number of bytes summed across all variables.
// It does not include associated pointers and structures, just the bytes used by the raw data.
func (ctx *Context) Memory() uintptr {
	var total uintptr
	ctx.EnumerateVariables(func(v *Variable) {
		total += v.Shape().Memory()
	})
	return total
}

// String returns the scope and the number of variables and parameters.
func (ctx *Context) String() string {
	return fmt.Sprintf("Context(scope=%q, #variables=%d, #params=%d)", ctx.scope, ctx.NumVariables(), ctx.NumParameters())
}
