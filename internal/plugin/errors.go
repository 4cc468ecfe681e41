// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package plugin

import (
	"errors"
)

// Error kinds. Callers classify failures with errors.Is; the oops code attached
// at the construction site carries the same name for logs.
var (
	// ErrManifest marks a malformed or incomplete plugin package.
	ErrManifest = errors.New("invalid plugin manifest")
	// ErrNotFound marks an unknown plugin id.
	ErrNotFound = errors.New("plugin not found")
	// ErrAlreadyInstalled marks an install over an existing id without replace.
	ErrAlreadyInstalled = errors.New("plugin already installed")
	// ErrIncompatible marks a plugin requiring a newer host version.
	ErrIncompatible = errors.New("plugin incompatible with host version")
	// ErrMissingDependency marks an enable refused because a dependency is not enabled.
	ErrMissingDependency = errors.New("missing dependency")
	// ErrDependencyConflict marks a transition refused because an enabled plugin depends on the target.
	ErrDependencyConflict = errors.New("dependency conflict")

	// ErrPermissionDenied marks a bridge call without the required manifest permission.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrPathNotAllowed marks a file path outside the allowed prefixes.
	ErrPathNotAllowed = errors.New("path not allowed")
	// ErrHostNotAllowed marks a network target outside the host allowlist.
	ErrHostNotAllowed = errors.New("host not allowed")
	// ErrCommandNotAllowed marks a command outside the command allowlist.
	ErrCommandNotAllowed = errors.New("command not allowed")

	// ErrActivation marks a failure while loading or activating plugin code.
	ErrActivation = errors.New("plugin activation failed")
	// ErrExecutionTimeout marks sandboxed code exceeding its execution bound.
	ErrExecutionTimeout = errors.New("plugin execution timed out")
	// ErrNotActive marks a call into a plugin without a running instance.
	ErrNotActive = errors.New("plugin not active")
	// ErrFunctionNotFound marks a call to an export the plugin does not provide.
	ErrFunctionNotFound = errors.New("plugin function not found")
	// ErrToolNotFound marks an unknown tool name.
	ErrToolNotFound = errors.New("tool not found")
	// ErrBusy marks a lifecycle transition already in flight for the same plugin.
	ErrBusy = errors.New("plugin lifecycle transition in progress")
	// ErrDisposed marks a bridge call after dispose.
	ErrDisposed = errors.New("plugin bridge disposed")

	// ErrSourceExists marks a duplicate plugin source id.
	ErrSourceExists = errors.New("plugin source already exists")
	// ErrSourceNotFound marks an unknown plugin source id.
	ErrSourceNotFound = errors.New("plugin source not found")
	// ErrOfficialSource marks an attempt to remove the official source.
	ErrOfficialSource = errors.New("official plugin source cannot be removed")
)

// Machine-readable oops codes.
const (
	CodeManifest           = "MANIFEST_INVALID"
	CodeNotFound           = "PLUGIN_NOT_FOUND"
	CodeAlreadyInstalled   = "PLUGIN_ALREADY_INSTALLED"
	CodeIncompatible       = "PLUGIN_INCOMPATIBLE"
	CodeMissingDependency  = "MISSING_DEPENDENCY"
	CodeDependencyConflict = "DEPENDENCY_CONFLICT"
	CodePermissionDenied   = "PERMISSION_DENIED"
	CodePathNotAllowed     = "PATH_NOT_ALLOWED"
	CodeHostNotAllowed     = "HOST_NOT_ALLOWED"
	CodeCommandNotAllowed  = "COMMAND_NOT_ALLOWED"
	CodeActivation         = "ACTIVATION_FAILED"
	CodeExecutionTimeout   = "EXECUTION_TIMEOUT"
	CodeNotActive          = "PLUGIN_NOT_ACTIVE"
	CodeFunctionNotFound   = "FUNCTION_NOT_FOUND"
	CodeToolNotFound       = "TOOL_NOT_FOUND"
	CodeBusy               = "PLUGIN_BUSY"
	CodeDisposed           = "BRIDGE_DISPOSED"
	CodeSource             = "PLUGIN_SOURCE"
	CodePersistence        = "PLUGIN_PERSISTENCE"
)
