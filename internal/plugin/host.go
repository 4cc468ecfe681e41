// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package plugin

import (
	"context"
)

// Activator runs plugin code on behalf of the Loader.
// The Loader owns status; the Activator owns running instances.
type Activator interface {
	// Activate starts an instance for p. Failures leave no instance behind.
	Activate(ctx context.Context, p *LoadedPlugin) error

	// Deactivate stops the instance for id. Inactive ids are a no-op.
	Deactivate(ctx context.Context, id string) error

	// Reload deactivates and re-activates p.
	Reload(ctx context.Context, p *LoadedPlugin) error

	// NotifyConfigChange delivers merged config to an active instance.
	NotifyConfigChange(ctx context.Context, id string, config map[string]any) error

	// IsActive reports whether an instance exists for id.
	IsActive(id string) bool
}
