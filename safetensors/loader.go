package safetensors

import (
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

// DefaultName converts a safetensors tensor name to the context path used to look up
// the matching variable: dots become scope separators and a leading separator roots
// the path. So "enc.16x16_conv.weights" maps to the variable "weights" in scope
// "/enc/16x16_conv".
func DefaultName(name string) string {
	return context.ScopeSeparator + strings.ReplaceAll(name, ".", context.ScopeSeparator)
}

// LoadIntoContext sets the variables of ctx from the tensors of f. Tensor names are
// converted to context paths by rename -- nil means DefaultName; returning "" skips
// the tensor. The last path element is the variable name, the rest its scope.
//
// The variables must already exist: build the model once (a forward pass on a dummy
// batch creates them all) before loading. Every remaining file tensor must match a
// variable of the same shape and dtype, otherwise an error naming the offenders is
// returned. Returns the number of variables set.
func LoadIntoContext(ctx *context.Context, f *File, rename func(string) string) (int, error) {
	if rename == nil {
		rename = DefaultName
	}
	var unmatched []string
	loaded := 0
	for _, name := range f.names {
		path := rename(name)
		if path == "" {
			continue
		}
		if !strings.HasPrefix(path, context.ScopeSeparator) {
			path = context.ScopeSeparator + path
		}
		scope, varName := splitScope(path)
		v := ctx.InspectVariable(scope, varName)
		if v == nil {
			unmatched = append(unmatched, name)
			continue
		}
		value, err := f.byName[name].Value()
		if err != nil {
			return loaded, err
		}
		if !v.Shape().Equal(value.Shape()) {
			return loaded, errors.Errorf("safetensors: tensor %q is shaped %s, but variable %q in scope %q is shaped %s",
				name, value.Shape(), varName, scope, v.Shape())
		}
		v.SetValue(value)
		loaded++
	}
	if len(unmatched) > 0 {
		return loaded, errors.Errorf("safetensors: %d tensors have no matching variable in the context: %v",
			len(unmatched), unmatched)
	}
	return loaded, nil
}

// splitScope splits an absolute context path into the variable scope and name.
func splitScope(path string) (scope, name string) {
	idx := strings.LastIndex(path, context.ScopeSeparator)
	scope, name = path[:idx], path[idx+1:]
	if scope == "" {
		scope = context.ScopeSeparator
	}
	return
}
