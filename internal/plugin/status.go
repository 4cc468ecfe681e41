// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package plugin

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"
)

// StatusFile is the per-plugin status file co-located with the manifest.
const StatusFile = ".status.json"

// Status is the lifecycle state of an installed plugin.
type Status string

// Plugin statuses.
const (
	StatusInstalled Status = "installed"
	StatusEnabled   Status = "enabled"
	StatusDisabled  Status = "disabled"
	StatusError     Status = "error"
	StatusUpdating  Status = "updating"
)

// statusRecord is the persisted form of a plugin's status.
type statusRecord struct {
	Enabled     bool           `json:"enabled"`
	Config      map[string]any `json:"config"`
	InstalledAt time.Time      `json:"installedAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	// Error is the last activation failure; set only while not enabled.
	Error string `json:"error,omitempty"`
}

// readStatus loads the status file from dir. A missing file returns (nil, nil).
func readStatus(dir string) (*statusRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, StatusFile)) //nolint:gosec // dir is a plugin directory under the plugins root
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.In("plugin").Code(CodePersistence).With("dir", dir).Wrap(err)
	}

	var rec statusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, oops.In("plugin").Code(CodePersistence).With("dir", dir).Wrapf(err, "parse %s", StatusFile)
	}
	if rec.Config == nil {
		rec.Config = map[string]any{}
	}
	return &rec, nil
}

// writeStatus atomically rewrites the status file in dir.
func writeStatus(dir string, rec *statusRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return oops.In("plugin").Code(CodePersistence).With("dir", dir).Wrap(err)
	}
	if err := WriteFileAtomic(filepath.Join(dir, StatusFile), data); err != nil {
		return oops.In("plugin").Code(CodePersistence).With("dir", dir).Wrapf(err, "write %s", StatusFile)
	}
	return nil
}

// WriteFileAtomic writes data to a temp file next to path and renames it into place.
func WriteFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
