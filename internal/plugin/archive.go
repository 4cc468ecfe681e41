// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package plugin

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"
)

// ArchiveExt is the conventional extension of packaged plugins.
const ArchiveExt = ".shplugin"

// Archive limits.
const (
	maxArchiveEntries = 4096
	maxArchiveBytes   = 64 << 20
)

// extractArchive unpacks a zip archive into dest, which must not exist yet.
func extractArchive(data []byte, dest string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return oops.In("archive").Code(CodeManifest).Wrapf(ErrManifest, "unreadable archive: %v", err)
	}
	if len(zr.File) > maxArchiveEntries {
		return oops.In("archive").Code(CodeManifest).Wrapf(ErrManifest, "archive has %d entries, limit is %d", len(zr.File), maxArchiveEntries)
	}

	if err := os.MkdirAll(dest, 0o750); err != nil {
		return oops.In("archive").Code(CodePersistence).Wrap(err)
	}

	var total int64
	for _, f := range zr.File {
		name := strings.TrimSuffix(f.Name, "/")
		if name == "" {
			continue
		}
		rel := filepath.FromSlash(name)
		if !filepath.IsLocal(rel) {
			return oops.In("archive").Code(CodeManifest).With("entry", f.Name).Wrapf(ErrManifest, "archive entry escapes plugin directory")
		}
		mode := f.Mode()
		if mode&fs.ModeSymlink != 0 {
			return oops.In("archive").Code(CodeManifest).With("entry", f.Name).Wrapf(ErrManifest, "archive entry is a symlink")
		}

		target := filepath.Join(dest, rel)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return oops.In("archive").Code(CodePersistence).Wrap(err)
			}
			continue
		}

		n, err := extractFile(f, target, maxArchiveBytes-total)
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return 0, oops.In("archive").Code(CodePersistence).Wrap(err)
	}

	rc, err := f.Open()
	if err != nil {
		return 0, oops.In("archive").Code(CodeManifest).With("entry", f.Name).Wrapf(ErrManifest, "open entry: %v", err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:gosec // target is confined to the staging directory
	if err != nil {
		return 0, oops.In("archive").Code(CodePersistence).With("entry", f.Name).Wrap(err)
	}

	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	closeErr := out.Close()
	if err != nil {
		return n, oops.In("archive").Code(CodeManifest).With("entry", f.Name).Wrapf(ErrManifest, "read entry: %v", err)
	}
	if n > budget {
		return n, oops.In("archive").Code(CodeManifest).Wrapf(ErrManifest, "archive expands beyond %d bytes", maxArchiveBytes)
	}
	if closeErr != nil {
		return n, oops.In("archive").Code(CodePersistence).Wrap(closeErr)
	}
	return n, nil
}

// copyDir copies regular files and directories from src into dest.
// Symlinks and special files are skipped.
func copyDir(src, dest string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o750)
		case d.Type().IsRegular():
			return copyFile(p, target)
		default:
			return nil
		}
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src) //nolint:gosec // src comes from walking the install source
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:gosec // dest is inside the staging directory
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
