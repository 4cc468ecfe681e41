// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package lua

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin/sandbox"
)

// toLua converts a host value into a Lua value owned by the instance's state.
func (in *instance) toLua(v any) lua.LValue {
	L := in.L
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return x
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case int:
		return lua.LNumber(x)
	case int32:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case uint32:
		return lua.LNumber(x)
	case uint64:
		return lua.LNumber(x)
	case float32:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case error:
		return in.errorValue(x)
	case sandbox.Func:
		return in.wrapFunc(x)
	case sandbox.AsyncFunc:
		return in.wrapAsync(x)
	case sandbox.Callback:
		return in.wrapFunc(func(ctx context.Context, args []any) (any, error) {
			return x(ctx, args...)
		})
	case sandbox.Module:
		t := L.NewTable()
		for _, k := range sortedKeys(x) {
			t.RawSetString(k, in.toLua(x[k]))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(x))
		for _, k := range sortedKeys(x) {
			t.RawSetString(k, in.toLua(x[k]))
		}
		return t
	case []any:
		t := L.CreateTable(len(x), 0)
		for _, e := range x {
			t.Append(in.toLua(e))
		}
		return t
	case []string:
		t := L.CreateTable(len(x), 0)
		for _, e := range x {
			t.Append(lua.LString(e))
		}
		return t
	}

	// Structs and typed collections go through their JSON form.
	plain := sandbox.Plain(v)
	if reflect.TypeOf(plain) == reflect.TypeOf(v) {
		return lua.LString(fmt.Sprint(v))
	}
	return in.toLua(plain)
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// fromLua converts a Lua value into a plain host value. Tables with keys
// 1..n become []any; other tables become map[string]any. Functions become
// sandbox.Callback.
func (in *instance) fromLua(lv lua.LValue) any {
	return in.fromLuaSeen(lv, make(map[*lua.LTable]bool))
}

func (in *instance) fromLuaSeen(lv lua.LValue, seen map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LFunction:
		return in.callback(v)
	case *lua.LUserData:
		if err, ok := v.Value.(error); ok {
			return err
		}
		return v.Value
	case *lua.LTable:
		if seen[v] {
			return nil
		}
		seen[v] = true
		defer delete(seen, v)
		return in.tableToGo(v, seen)
	default:
		return lv.String()
	}
}

func (in *instance) tableToGo(t *lua.LTable, seen map[*lua.LTable]bool) any {
	n := t.Len()
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })

	if n > 0 && n == count {
		arr := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			arr = append(arr, in.fromLuaSeen(t.RawGetInt(i), seen))
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			key = strconv.FormatFloat(float64(kv), 'f', -1, 64)
		default:
			key = k.String()
		}
		m[key] = in.fromLuaSeen(v, seen)
	})
	return m
}

// errorValue wraps a Go error as userdata so it keeps its identity when a
// script rethrows it.
func (in *instance) errorValue(err error) *lua.LUserData {
	ud := in.L.NewUserData()
	ud.Value = err
	in.L.SetMetatable(ud, in.errMeta)
	return ud
}

// raise throws err into the running script.
func (in *instance) raise(L *lua.LState, err error) {
	L.Error(in.errorValue(err), 1)
}

func (in *instance) newErrorMeta() *lua.LTable {
	L := in.L
	mt := L.NewTable()
	errOf := func(v lua.LValue) (error, bool) {
		ud, ok := v.(*lua.LUserData)
		if !ok {
			return nil, false
		}
		err, ok := ud.Value.(error)
		return err, ok
	}
	str := func(v lua.LValue) string {
		if err, ok := errOf(v); ok {
			return err.Error()
		}
		return lua.LVAsString(v)
	}
	mt.RawSetString("__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(str(L.Get(1))))
		return 1
	}))
	mt.RawSetString("__concat", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(str(L.Get(1)) + str(L.Get(2))))
		return 1
	}))
	mt.RawSetString("__index", L.NewFunction(func(L *lua.LState) int {
		err, ok := errOf(L.Get(1))
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		switch L.CheckString(2) {
		case "message":
			L.Push(lua.LString(err.Error()))
		case "code":
			if oe, ok := oops.AsOops(err); ok && oe.Code() != "" {
				L.Push(lua.LString(fmt.Sprint(oe.Code())))
			} else {
				L.Push(lua.LNil)
			}
		default:
			L.Push(lua.LNil)
		}
		return 1
	}))
	return mt
}

// scriptError converts an error out of PCall into a host error. Host errors
// thrown through the script come back unchanged.
func (in *instance) scriptError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		return err
	}
	if ud, ok := apiErr.Object.(*lua.LUserData); ok {
		if hostErr, ok := ud.Value.(error); ok {
			return hostErr
		}
	}
	msg := err.Error()
	if apiErr.Object != nil {
		msg = apiErr.Object.String()
	}
	return oops.In("lua").With("plugin", in.spec.PluginID).Errorf("%s", msg)
}
