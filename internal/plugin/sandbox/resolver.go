// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
)

// ErrModuleNotFound is returned when require names nothing resolvable.
var ErrModuleNotFound = errors.New("module not found")

// Resolver maps require names to files inside one plugin directory.
// Resolution fails closed: anything that lands outside the directory,
// including through symlinks, is rejected.
type Resolver struct {
	root  string
	ext   string
	index string
}

// NewResolver confines resolution to dir. ext is the script extension
// (".lua", ".js") tried when a name has none; index is the file tried for
// directories ("init.lua", "index.js").
func NewResolver(dir, ext, index string) (*Resolver, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, oops.In("sandbox").With("dir", dir).Wrap(err)
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, oops.In("sandbox").With("dir", dir).Wrap(err)
	}
	return &Resolver{root: root, ext: ext, index: index}, nil
}

// Root returns the resolved plugin directory.
func (r *Resolver) Root() string {
	return r.root
}

// IsRelative reports whether name is a path-style module name.
func IsRelative(name string) bool {
	return strings.HasPrefix(name, "./") || strings.HasPrefix(name, "../")
}

// Resolve finds the file for name required from the module file `from`
// (empty means the plugin root).
func (r *Resolver) Resolve(from, name string) (string, error) {
	if name == "" || strings.ContainsRune(name, 0) || filepath.IsAbs(name) {
		return "", r.denied(name)
	}
	base := r.root
	if from != "" {
		base = filepath.Dir(from)
	}
	candidate := filepath.Join(base, filepath.FromSlash(name))
	if !r.inside(candidate) {
		return "", r.denied(name)
	}

	for _, p := range []string{candidate, candidate + r.ext, filepath.Join(candidate, r.index)} {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil || !r.inside(resolved) {
			return "", r.denied(name)
		}
		return resolved, nil
	}
	return "", oops.In("sandbox").With("module", name).Wrapf(ErrModuleNotFound, "cannot find module %q", name)
}

// ResolveEntry resolves the plugin's entry file relative to the root.
func (r *Resolver) ResolveEntry(entry string) (string, error) {
	return r.Resolve("", "./"+filepath.ToSlash(entry))
}

func (r *Resolver) inside(p string) bool {
	rel, err := filepath.Rel(r.root, p)
	return err == nil && filepath.IsLocal(rel)
}

func (r *Resolver) denied(name string) error {
	return oops.In("sandbox").
		Code(plugin.CodePathNotAllowed).
		With("module", name).
		Wrapf(plugin.ErrPathNotAllowed, "cannot require %q outside the plugin directory", name)
}
