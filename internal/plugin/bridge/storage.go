// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package bridge

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
)

type storageLocks struct {
	m sync.Map
}

func (s *storageLocks) lock(id string) func() {
	v, _ := s.m.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex) //nolint:forcetypeassert // only *sync.Mutex is stored
	mu.Lock()
	return mu.Unlock
}

// Storage is a plugin-private JSON document at <storageDir>/<pluginId>.json.
// Keys are top-level; values are any JSON value.
type Storage struct {
	b *Bridge
}

func (s *Storage) path() (string, error) {
	if s.b.deps.StorageDir == "" {
		return "", oops.In("bridge").Code(plugin.CodePersistence).Errorf("storage directory is not configured")
	}
	return filepath.Join(s.b.deps.StorageDir, s.b.id+".json"), nil
}

func (s *Storage) load() (string, []byte, error) {
	p, err := s.path()
	if err != nil {
		return "", nil, err
	}
	data, err := os.ReadFile(p) //nolint:gosec // path is built from the validated plugin id
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil, nil
	}
	if err != nil {
		return p, nil, oops.In("bridge").Code(plugin.CodePersistence).With("plugin", s.b.id).Wrap(err)
	}
	if !gjson.ValidBytes(data) {
		return p, nil, oops.In("bridge").Code(plugin.CodePersistence).With("plugin", s.b.id).
			Errorf("storage document is not valid JSON")
	}
	return p, data, nil
}

func (s *Storage) save(p string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return oops.In("bridge").Code(plugin.CodePersistence).Wrap(err)
	}
	if err := plugin.WriteFileAtomic(p, pretty.Pretty(data)); err != nil {
		return oops.In("bridge").Code(plugin.CodePersistence).With("plugin", s.b.id).Wrap(err)
	}
	return nil
}

// Get returns the value stored under key, or nil.
func (s *Storage) Get(key string) (any, error) {
	if err := s.b.check("", "storage.get"); err != nil {
		return nil, s.b.audit("storage", "get", err)
	}
	unlock := s.b.storage.lock(s.b.id)
	defer unlock()

	_, data, err := s.load()
	if err != nil || data == nil {
		return nil, s.b.audit("storage", "get", err, "key", key)
	}
	r := gjson.GetBytes(data, gjson.Escape(key))
	if !r.Exists() {
		return nil, s.b.audit("storage", "get", nil, "key", key)
	}
	return r.Value(), s.b.audit("storage", "get", nil, "key", key)
}

// Set stores value under key, creating the document on first write.
func (s *Storage) Set(key string, value any) error {
	if err := s.b.check("", "storage.set"); err != nil {
		return s.b.audit("storage", "set", err)
	}
	if key == "" {
		return s.b.audit("storage", "set", oops.In("bridge").Errorf("storage key is required"))
	}
	unlock := s.b.storage.lock(s.b.id)
	defer unlock()

	p, data, err := s.load()
	if err != nil {
		return s.b.audit("storage", "set", err, "key", key)
	}
	if data == nil {
		data = []byte("{}")
	}
	data, err = sjson.SetBytes(data, gjson.Escape(key), value)
	if err != nil {
		return s.b.audit("storage", "set", oops.In("bridge").With("key", key).Wrap(err))
	}
	return s.b.audit("storage", "set", s.save(p, data), "key", key)
}

// Delete removes key. Missing documents and keys are not errors.
func (s *Storage) Delete(key string) error {
	if err := s.b.check("", "storage.delete"); err != nil {
		return s.b.audit("storage", "delete", err)
	}
	unlock := s.b.storage.lock(s.b.id)
	defer unlock()

	p, data, err := s.load()
	if err != nil || data == nil {
		return s.b.audit("storage", "delete", err, "key", key)
	}
	data, err = sjson.DeleteBytes(data, gjson.Escape(key))
	if err != nil {
		return s.b.audit("storage", "delete", oops.In("bridge").With("key", key).Wrap(err))
	}
	return s.b.audit("storage", "delete", s.save(p, data), "key", key)
}

// Clear removes the whole document.
func (s *Storage) Clear() error {
	if err := s.b.check("", "storage.clear"); err != nil {
		return s.b.audit("storage", "clear", err)
	}
	unlock := s.b.storage.lock(s.b.id)
	defer unlock()

	p, err := s.path()
	if err != nil {
		return s.b.audit("storage", "clear", err)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return s.b.audit("storage", "clear", oops.In("bridge").Code(plugin.CodePersistence).Wrap(err))
	}
	return s.b.audit("storage", "clear", nil)
}

// Keys lists the stored keys in document order.
func (s *Storage) Keys() ([]string, error) {
	if err := s.b.check("", "storage.keys"); err != nil {
		return nil, s.b.audit("storage", "keys", err)
	}
	unlock := s.b.storage.lock(s.b.id)
	defer unlock()

	_, data, err := s.load()
	if err != nil {
		return nil, s.b.audit("storage", "keys", err)
	}
	keys := []string{}
	gjson.ParseBytes(data).ForEach(func(k, _ gjson.Result) bool {
		keys = append(keys, k.String())
		return true
	})
	return keys, s.b.audit("storage", "keys", nil)
}
