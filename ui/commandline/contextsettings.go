// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/attention3d/ml/context"
	"github.com/gomlx/attention3d/types/xslices"
	"github.com/pkg/errors"
)

// ParseContextSettings from settings, typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "attention3d_num_heads=2;attention3d_layer_type=DOWN".
//
// All the parameters must be already set with default values in the root scope of `ctx`.
// The default values define the type to which the string values are parsed.
//
// A scope can be given for a parameter: "/Attention3D/attention3d_dropout_rate=0.1" will work,
// as long as a default "attention3d_dropout_rate" is defined in `ctx`.
//
// An entry "file:<path>" reads the settings from the file, one or more per line. Lines starting with "#"
// are comments.
//
// For integer types, "_" is removed, so large numbers can be written like in Go: 1_000_000.
//
// It returns the list of parameter paths that were set.
func ParseContextSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseContextSetting(ctx, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseContextSetting(ctx *context.Context, setting string, paramsSet []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, isFile := strings.CutPrefix(setting, "file:"); isFile {
		return parseSettingsFile(ctx, filePath, paramsSet)
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found || strings.Contains(valueStr, "=") {
		return paramsSet, errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
	}
	paramScope, paramName := context.SplitScope(paramPath)
	if strings.Contains(paramName, context.ScopeSeparator) {
		return paramsSet, errors.Errorf("can't set parameter %q because some scope is set, but it is not absolute (it does not start with %q)",
			paramPath, context.ScopeSeparator)
	}
	defaultValue, found := ctx.GetParam(paramName)
	if !found {
		return paramsSet, errors.Errorf("can't set parameter %q (scope=%q) because the param %q is not known in the root context",
			paramPath, paramScope, paramName)
	}
	value, err := parseValueAs(defaultValue, valueStr)
	if err != nil {
		return paramsSet, errors.WithMessagef(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramPath, defaultValue)
	}

	ctxInScope := ctx
	if paramScope != "" {
		ctxInScope = ctx.InAbsPath(paramScope)
	}
	ctxInScope.SetParam(paramName, value)
	return append(paramsSet, paramPath), nil
}

func parseSettingsFile(ctx *context.Context, filePath string, paramsSet []string) ([]string, error) {
	filePath, err := replaceTildeInPath(filePath)
	if err != nil {
		return paramsSet, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return paramsSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, setting := range strings.Split(line, ";") {
			paramsSet, err = parseContextSetting(ctx, setting, paramsSet)
			if err != nil {
				return paramsSet, errors.WithMessagef(err, "in settings file %q", filePath)
			}
		}
	}
	return paramsSet, nil
}

// replaceTildeInPath expands a leading "~" to the user's home directory.
func replaceTildeInPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path, errors.Wrapf(err, "failed to expand \"~\" in %q", path)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// parseJSON parses str into a value of type T. Underscores are dropped for integer types.
func parseJSON[T any](str string, dropUnderscores bool) (T, error) {
	var v T
	if dropUnderscores {
		str = strings.ReplaceAll(str, "_", "")
	}
	err := json.Unmarshal([]byte(strings.TrimSpace(str)), &v)
	return v, err
}

// parseList parses a comma separated list with parseJSON.
func parseList[T any](str string, dropUnderscores bool) ([]T, error) {
	if str == "" {
		return []T{}, nil
	}
	var firstErr error
	list := xslices.Map(strings.Split(str, ","), func(part string) T {
		v, err := parseJSON[T](part, dropUnderscores)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return v
	})
	return list, firstErr
}

// parseValueAs parses valueStr to the same type as defaultValue.
func parseValueAs(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case int:
		return parseJSON[int](valueStr, true)
	case int32:
		return parseJSON[int32](valueStr, true)
	case int64:
		return parseJSON[int64](valueStr, true)
	case uint:
		return parseJSON[uint](valueStr, true)
	case uint32:
		return parseJSON[uint32](valueStr, true)
	case uint64:
		return parseJSON[uint64](valueStr, true)
	case float32:
		return parseJSON[float32](valueStr, false)
	case float64:
		return parseJSON[float64](valueStr, false)
	case bool:
		return parseJSON[bool](valueStr, false)
	case string:
		return valueStr, nil
	case []string:
		if valueStr == "" {
			return []string{}, nil
		}
		return strings.Split(valueStr, ","), nil
	case []int:
		return parseList[int](valueStr, true)
	case []float64:
		return parseList[float64](valueStr, false)
	default:
		return nil, errors.Errorf("don't know how to parse type %T", defaultValue)
	}
}

// CreateContextSettingsFlag creates a string flag with the given flagName (if empty it will be named
// "set") and with a description of the parameters currently defined in the root scope of `ctx`.
//
// The flag should be created before the call to `flag.Parse()`, and after the default values are set.
//
// Example usage:
//
//	func main() {
//		ctx := context.New()
//		attention3d.SetDefaultParams(ctx)
//		settings := commandline.CreateContextSettingsFlag(ctx, "")
//		flag.Parse()
//		paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
//		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
//		...
//	}
func CreateContextSettingsFlag(ctx *context.Context, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{fmt.Sprintf(
		`Set context parameters of the layer. `+
			`It should be a list of elements "param=value" separated by ";". `+
			`Scoped settings are allowed, by using %q to separate scopes. `+
			`An entry like "file:settings.txt" reads the settings from the file, `+
			`with new-lines working as ";" and lines starting with "#" as comments. `+
			`Parameters that can be set:`,
		context.ScopeSeparator)}
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintContextSettings pretty-prints the values of all parameters, in all scopes.
func SprintContextSettings(ctx *context.Context) string {
	var parts []string
	ctx.EnumerateParams(func(scope, key string, value any) {
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", context.JoinScope(scope, key), value, value))
	})
	return strings.Join(parts, "\n")
}

// SprintModifiedContextSettings pretty-prints the values of the parameters in paramsSet, as returned by
// ParseContextSettings. Duplicates are printed once.
func SprintModifiedContextSettings(ctx *context.Context, paramsSet []string) string {
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	var parts []string
	for _, paramPath := range paramsSet {
		paramScope, paramName := context.SplitScope(paramPath)
		if paramScope == "" {
			paramScope = context.RootScope
		}
		value, found := ctx.InAbsPath(paramScope).GetParam(paramName)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", paramPath, value, value))
	}
	return strings.Join(parts, "\n")
}
