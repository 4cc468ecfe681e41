// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

// Package lua runs Lua plugins on gopher-lua.
//
// Each instance owns one LState, which only ever runs on the instance's
// sandbox.Loop. Host values cross the boundary through the conversions in
// value.go; scripts see the serverhub binding, the built-in modules through
// require, and snake_case timer globals.
package lua

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// safeLibrary represents a Lua library that is safe to load in sandboxed state.
type safeLibrary struct {
	name string
	fn   lua.LGFunction
}

// defaultSafeLibraries returns the list of libraries safe to load.
// Safe: base, table, string, math, coroutine.
// Blocked: os, io, debug, package, channel.
func defaultSafeLibraries() []safeLibrary {
	return []safeLibrary{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	}
}

// Stack limits for plugin states. Runaway recursion fails with a Lua error
// instead of growing without bound.
const (
	callStackSize   = 256
	registrySize    = 1024 * 4
	registryMaxSize = 1024 * 256
)

// StateFactory creates sandboxed Lua states with only safe libraries.
type StateFactory struct {
	// libraries allows overriding the default safe libraries for testing.
	libraries []safeLibrary
}

// NewStateFactory creates a new state factory.
func NewStateFactory() *StateFactory {
	return &StateFactory{
		libraries: defaultSafeLibraries(),
	}
}

// unsafeBaseFunctions are base library functions blocked in every state.
// The loaders reach the filesystem or compile arbitrary chunks; module and
// require are replaced by the path-confined require installed per instance.
var unsafeBaseFunctions = []string{
	"dofile", "loadfile", "loadstring", "load",
	"module", "require", "getfenv", "setfenv", "_printregs",
}

// NewState creates a fresh Lua state with only safe libraries loaded.
// Library loading runs under ctx so a cancelled activation stops early.
func (f *StateFactory) NewState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       callStackSize,
		RegistrySize:        registrySize,
		RegistryMaxSize:     registryMaxSize,
		IncludeGoStackTrace: false,
	})
	if ctx != nil {
		L.SetContext(ctx)
		defer L.RemoveContext()
	}

	for _, lib := range f.libraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("failed to open library %s: %w", lib.name, err)
		}
	}

	for _, fn := range unsafeBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	return L, nil
}
