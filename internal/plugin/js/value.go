// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package js

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"

	"github.com/dop251/goja"
	"github.com/samber/oops"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin/sandbox"
)

// toJS converts a host value into a value of the instance's runtime.
func (in *instance) toJS(v any) goja.Value {
	vm := in.vm
	switch x := v.(type) {
	case nil:
		return goja.Null()
	case goja.Value:
		return x
	case error:
		return vm.NewGoError(x)
	case sandbox.Func:
		return in.wrapFunc(x)
	case sandbox.AsyncFunc:
		return in.wrapAsync(x)
	case sandbox.Callback:
		return in.wrapFunc(func(ctx context.Context, args []any) (any, error) {
			return x(ctx, args...)
		})
	case sandbox.Module:
		return in.object(x)
	case map[string]any:
		return in.object(x)
	case []any:
		items := make([]any, len(x))
		for i, e := range x {
			items[i] = in.toJS(e)
		}
		return vm.NewArray(items...)
	case []string:
		items := make([]any, len(x))
		for i, e := range x {
			items[i] = e
		}
		return vm.NewArray(items...)
	case bool, string, int, int32, int64, uint32, uint64, float32, float64:
		return vm.ToValue(x)
	}

	// Structs and typed collections go through their JSON form.
	plain := sandbox.Plain(v)
	if reflect.TypeOf(plain) == reflect.TypeOf(v) {
		return vm.ToValue(fmt.Sprint(v))
	}
	return in.toJS(plain)
}

func (in *instance) object(m map[string]any) *goja.Object {
	obj := in.vm.NewObject()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_ = obj.Set(k, in.toJS(m[k]))
	}
	return obj
}

// wrapFunc exposes a host function to scripts. Host errors are thrown as
// GoError objects so they keep their identity on the way back out.
func (in *instance) wrapFunc(f sandbox.Func) goja.Value {
	return in.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		args := in.goArgs(call)
		ctx := in.ctx
		if ctx == nil {
			ctx = in.loop.Context()
		}
		out, err := f(ctx, args)
		if err != nil {
			panic(in.vm.NewGoError(err))
		}
		if out == nil {
			return goja.Undefined()
		}
		return in.toJS(out)
	})
}

func (in *instance) goArgs(call goja.FunctionCall) []any {
	args := make([]any, len(call.Arguments))
	for i, a := range call.Arguments {
		args[i] = in.fromJS(a)
	}
	return args
}

// fromJS converts a script value into a plain host value. Arrays become
// []any, objects map[string]any and functions sandbox.Callback.
func (in *instance) fromJS(v goja.Value) any {
	return in.fromJSSeen(v, make(map[*goja.Object]bool))
}

func (in *instance) fromJSSeen(v goja.Value, seen map[*goja.Object]bool) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if fn, ok := goja.AssertFunction(v); ok {
		return in.callback(fn)
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return normalizeNumber(v.Export())
	}
	if seen[obj] {
		return nil
	}
	seen[obj] = true
	defer delete(seen, obj)

	switch obj.ClassName() {
	case "Array":
		n := obj.Get("length").ToInteger()
		arr := make([]any, 0, n)
		for i := int64(0); i < n; i++ {
			arr = append(arr, in.fromJSSeen(obj.Get(strconv.FormatInt(i, 10)), seen))
		}
		return arr
	case "Error":
		if err := goError(obj); err != nil {
			return err
		}
		return obj.String()
	case "Date", "RegExp", "Promise":
		return obj.Export()
	}

	keys := obj.Keys()
	m := make(map[string]any, len(keys))
	for _, k := range keys {
		m[k] = in.fromJSSeen(obj.Get(k), seen)
	}
	return m
}

func normalizeNumber(v any) any {
	f, ok := v.(float64)
	if ok && f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return v
}

// goError returns the host error carried by a GoError value.
func goError(v goja.Value) error {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	inner := obj.Get("value")
	if inner == nil {
		return nil
	}
	err, _ := inner.Export().(error)
	return err
}

func (in *instance) rejection(reason goja.Value) error {
	if err := goError(reason); err != nil {
		return err
	}
	msg := "promise rejected"
	if reason != nil && !goja.IsUndefined(reason) {
		msg = reason.String()
	}
	return oops.In("js").With("plugin", in.spec.PluginID).Errorf("%s", msg)
}

// scriptError converts runtime failures into host errors. Host errors thrown
// through the script come back unchanged.
func (in *instance) scriptError(err error) error {
	if err == nil {
		return nil
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if hostErr := goError(ex.Value()); hostErr != nil {
			return hostErr
		}
		msg := ex.Error()
		if val := ex.Value(); val != nil {
			msg = val.String()
		}
		return oops.In("js").With("plugin", in.spec.PluginID).Errorf("%s", msg)
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return oops.In("js").With("plugin", in.spec.PluginID).Errorf("script interrupted: %v", interrupted.Value())
	}
	return err
}
