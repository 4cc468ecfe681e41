// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

// Command gen-schema writes the plugin.json JSON Schema to schemas/.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
)

func main() {
	outPath := flag.String("o", filepath.Join("schemas", "plugin.schema.json"), "output path")
	flag.Parse()

	if err := run(*outPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generated %s\n", *outPath)
}

func run(outPath string) error {
	schema, err := plugin.GenerateSchema()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(outPath, append(schema, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}
