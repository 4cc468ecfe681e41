// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
	"github.com/Zhang142857/serverhub-sub000/internal/plugin/bridge"
	"github.com/Zhang142857/serverhub-sub000/internal/tools"
	"github.com/Zhang142857/serverhub-sub000/internal/ui"
)

// Bind builds the table exposed to scripts as BindingName. Every function
// delegates to the permission-checked bridge; config is copied. Calls that
// wait on the agent, the network or the user are AsyncFunc.
func Bind(b *bridge.Bridge, config map[string]any, logger *slog.Logger) Module {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("plugin", b.PluginID(), "source", "script")

	return Module{
		"pluginId": b.PluginID(),
		"version":  b.Version(),
		"config":   Plain(maps.Clone(config)),
		"events":   bindEvents(b.Events()),
		"ui":       bindUI(b.UI()),
		"server":   bindServer(b.Server()),
		"file":     bindFile(b.File()),
		"network":  bindNetwork(b.Network()),
		"storage":  bindStorage(b.Storage()),
		"tools":    bindTools(b.Tools()),
		"log":      bindLog(logger),
	}
}

func bindEvents(e *bridge.Events) Module {
	return Module{
		"on": Func(func(_ context.Context, args []any) (any, error) {
			a := Args(args)
			name, err := a.String(0)
			if err != nil {
				return nil, err
			}
			cb, err := a.Callback(1)
			if err != nil {
				return nil, err
			}
			id, err := e.On(name, func(ctx context.Context, args []any) error {
				_, err := cb(ctx, args...)
				return err
			})
			return int64(id), err
		}),
		"off": Func(func(_ context.Context, args []any) (any, error) {
			a := Args(args)
			name, err := a.String(0)
			if err != nil {
				return nil, err
			}
			id, err := a.Int(1)
			if err != nil {
				return nil, err
			}
			return e.Off(name, bridge.ListenerID(id)), nil
		}),
		"emit": Func(func(ctx context.Context, args []any) (any, error) {
			name, err := Args(args).String(0)
			if err != nil {
				return nil, err
			}
			return nil, e.Emit(ctx, name, args[1:]...)
		}),
	}
}

func bindUI(u *bridge.UI) Module {
	return Module{
		"showNotification": Func(func(_ context.Context, args []any) (any, error) {
			var n ui.Notification
			if err := Decode(Args(args).Any(0), &n); err != nil {
				return nil, err
			}
			return nil, u.ShowNotification(n)
		}),
		"showDialog": AsyncFunc(func(ctx context.Context, args []any) (any, error) {
			var d ui.Dialog
			if err := Decode(Args(args).Any(0), &d); err != nil {
				return nil, err
			}
			choice, err := u.ShowDialog(ctx, d)
			return int64(choice), err
		}),
		"registerMenu": Func(func(_ context.Context, args []any) (any, error) {
			var m plugin.Menu
			if err := Decode(Args(args).Any(0), &m); err != nil {
				return nil, err
			}
			return u.RegisterMenu(m)
		}),
		"unregisterMenu": Func(func(_ context.Context, args []any) (any, error) {
			id, err := Args(args).String(0)
			if err != nil {
				return nil, err
			}
			return nil, u.UnregisterMenu(id)
		}),
	}
}

func bindServer(s *bridge.Server) Module {
	return Module{
		"getConnectedServers": AsyncFunc(func(ctx context.Context, _ []any) (any, error) {
			servers, err := s.ConnectedServers(ctx)
			if err != nil {
				return nil, err
			}
			return Plain(servers), nil
		}),
		"getCurrentServer": AsyncFunc(func(ctx context.Context, _ []any) (any, error) {
			cur, err := s.CurrentServer(ctx)
			if err != nil || cur == nil {
				return nil, err
			}
			return Plain(cur), nil
		}),
		"getSystemInfo": AsyncFunc(func(ctx context.Context, args []any) (any, error) {
			id, err := Args(args).String(0)
			if err != nil {
				return nil, err
			}
			info, err := s.SystemInfo(ctx, id)
			if err != nil {
				return nil, err
			}
			return Plain(info), nil
		}),
		"executeCommand": AsyncFunc(func(ctx context.Context, args []any) (any, error) {
			a := Args(args)
			id, err := a.String(0)
			if err != nil {
				return nil, err
			}
			command, err := a.String(1)
			if err != nil {
				return nil, err
			}
			cmdArgs, err := a.Strings(2)
			if err != nil {
				return nil, err
			}
			res, err := s.ExecuteCommand(ctx, id, command, cmdArgs)
			if err != nil {
				return nil, err
			}
			return Plain(res), nil
		}),
	}
}

func bindFile(f *bridge.File) Module {
	target := func(args []any) (string, string, error) {
		a := Args(args)
		id, err := a.String(0)
		if err != nil {
			return "", "", err
		}
		p, err := a.String(1)
		return id, p, err
	}
	return Module{
		"list": AsyncFunc(func(ctx context.Context, args []any) (any, error) {
			id, p, err := target(args)
			if err != nil {
				return nil, err
			}
			entries, err := f.List(ctx, id, p)
			if err != nil {
				return nil, err
			}
			return Plain(entries), nil
		}),
		"read": AsyncFunc(func(ctx context.Context, args []any) (any, error) {
			id, p, err := target(args)
			if err != nil {
				return nil, err
			}
			return f.Read(ctx, id, p)
		}),
		"write": AsyncFunc(func(ctx context.Context, args []any) (any, error) {
			id, p, err := target(args)
			if err != nil {
				return nil, err
			}
			content, err := Args(args).String(2)
			if err != nil {
				return nil, err
			}
			return nil, f.Write(ctx, id, p, content)
		}),
		"exists": AsyncFunc(func(ctx context.Context, args []any) (any, error) {
			id, p, err := target(args)
			if err != nil {
				return nil, err
			}
			return f.Exists(ctx, id, p)
		}),
	}
}

func bindNetwork(n *bridge.Network) Module {
	return Module{
		"fetch": AsyncFunc(func(ctx context.Context, args []any) (any, error) {
			a := Args(args)
			u, err := a.String(0)
			if err != nil {
				return nil, err
			}
			var opts bridge.FetchOptions
			if a.Any(1) != nil {
				if err := Decode(a.Any(1), &opts); err != nil {
					return nil, err
				}
			}
			resp, err := n.Fetch(ctx, u, opts)
			if err != nil {
				return nil, err
			}
			return Plain(resp), nil
		}),
	}
}

func bindStorage(s *bridge.Storage) Module {
	return Module{
		"get": Func(func(_ context.Context, args []any) (any, error) {
			key, err := Args(args).String(0)
			if err != nil {
				return nil, err
			}
			return s.Get(key)
		}),
		"set": Func(func(_ context.Context, args []any) (any, error) {
			a := Args(args)
			key, err := a.String(0)
			if err != nil {
				return nil, err
			}
			return nil, s.Set(key, a.Any(1))
		}),
		"delete": Func(func(_ context.Context, args []any) (any, error) {
			key, err := Args(args).String(0)
			if err != nil {
				return nil, err
			}
			return nil, s.Delete(key)
		}),
		"clear": Func(func(context.Context, []any) (any, error) {
			return nil, s.Clear()
		}),
		"keys": Func(func(context.Context, []any) (any, error) {
			keys, err := s.Keys()
			if err != nil {
				return nil, err
			}
			return Plain(keys), nil
		}),
	}
}

func bindTools(t *bridge.Tools) Module {
	return Module{
		"register": Func(func(_ context.Context, args []any) (any, error) {
			a := Args(args)
			raw, err := a.Map(0)
			if err != nil {
				return nil, err
			}
			cb, ok := raw["handler"].(Callback)
			if !ok {
				return nil, fmt.Errorf("tool %v: handler must be a function", raw["name"])
			}
			var spec bridge.ToolSpec
			if err := Decode(raw, &spec); err != nil {
				return nil, err
			}
			spec.Handler = ToolHandler(cb)
			return t.Register(spec)
		}),
		"unregister": Func(func(_ context.Context, args []any) (any, error) {
			name, err := Args(args).String(0)
			if err != nil {
				return nil, err
			}
			return nil, t.Unregister(name)
		}),
	}
}

// ToolHandler adapts a script function to the tool registry's handler type.
func ToolHandler(cb Callback) tools.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		return cb(ctx, args)
	}
}

func bindLog(logger *slog.Logger) Module {
	level := func(l slog.Level) Func {
		return func(ctx context.Context, args []any) (any, error) {
			parts := make([]string, len(args))
			for i, v := range args {
				parts[i] = stringify(v)
			}
			logger.Log(ctx, l, strings.Join(parts, " "))
			return nil, nil
		}
	}
	return Module{
		"debug": level(slog.LevelDebug),
		"info":  level(slog.LevelInfo),
		"warn":  level(slog.LevelWarn),
		"error": level(slog.LevelError),
	}
}

// Console returns a console-style module: log and info at info level,
// plus debug, warn and error.
func Console(logger *slog.Logger, pluginID string) Module {
	if logger == nil {
		logger = slog.Default()
	}
	m := bindLog(logger.With("plugin", pluginID, "source", "script"))
	m["log"] = m["info"]
	return m
}

// Printer returns a print-style function logging at info.
func Printer(logger *slog.Logger, pluginID string) Func {
	return Console(logger, pluginID)["log"].(Func) //nolint:forcetypeassert // built above
}
