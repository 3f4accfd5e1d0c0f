package inject

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrNotFunc indicates HookFunc was given something other than a function.
	ErrNotFunc = errors.New("hook is not a function")
	// ErrArityMismatch indicates a hook was called with a number of arguments its function can't accept.
	ErrArityMismatch = errors.New("hook argument count mismatch")
	// ErrArgumentType indicates an argument can't be converted to the parameter type.
	ErrArgumentType = errors.New("hook argument type mismatch")
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// HookFunc adapts a function value to a Hook. Arguments are converted to the parameter types when
// convertible, so a value that arrived as a JSON number can be passed to an int parameter. If the last result
// of the function is an error it becomes the hook error, other results are ignored.
func HookFunc(fn any) (Hook, error) {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func || fv.IsNil() {
		return nil, fmt.Errorf("%w: %T", ErrNotFunc, fn)
	}
	ft := fv.Type()
	returnsErr := ft.NumOut() > 0 && ft.Out(ft.NumOut()-1) == errorType

	return func(args ...any) error {
		in, err := hookCallArgs(ft, args)
		if err != nil {
			return err
		}
		out := fv.Call(in)
		if returnsErr {
			if errV := out[len(out)-1]; !errV.IsNil() {
				return errV.Interface().(error)
			}
		}
		return nil
	}, nil
}

func hookCallArgs(ft reflect.Type, args []any) ([]reflect.Value, error) {
	fixed := ft.NumIn()
	if ft.IsVariadic() {
		fixed--
		if len(args) < fixed {
			return nil, fmt.Errorf("%w: got %d, want at least %d", ErrArityMismatch, len(args), fixed)
		}
	} else if len(args) != fixed {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrArityMismatch, len(args), fixed)
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		var pt reflect.Type
		if i < fixed {
			pt = ft.In(i)
		} else {
			pt = ft.In(fixed).Elem()
		}
		v, err := convertHookArg(a, pt)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in[i] = v
	}
	return in, nil
}

func convertHookArg(a any, pt reflect.Type) (reflect.Value, error) {
	if a == nil {
		switch pt.Kind() {
		case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
			return reflect.Zero(pt), nil
		default:
			return reflect.Value{}, fmt.Errorf("%w: nil for %s", ErrArgumentType, pt)
		}
	}
	v := reflect.ValueOf(a)
	if v.Type().AssignableTo(pt) {
		return v, nil
	} else if convertibleHookArg(v.Type(), pt) {
		return v.Convert(pt), nil
	}
	return reflect.Value{}, fmt.Errorf("%w: %s for %s", ErrArgumentType, v.Type(), pt)
}

// convertibleHookArg limits conversion to value preserving kinds, reflect would otherwise allow int to string.
func convertibleHookArg(from, to reflect.Type) bool {
	if !from.ConvertibleTo(to) {
		return false
	}
	isNumeric := func(k reflect.Kind) bool {
		return (k >= reflect.Int && k <= reflect.Uint64) || k == reflect.Float32 || k == reflect.Float64
	}
	if isNumeric(from.Kind()) {
		return isNumeric(to.Kind())
	}
	return true
}
