// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package sandbox

import (
	"context"
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // offered as a checksum helper, not for security
	"crypto/sha1" //nolint:gosec // offered as a checksum helper, not for security
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"hash"
	"net/url"
	"path"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Builtins returns the side-effect-free modules scripts may require by name.
func Builtins() map[string]Module {
	return map[string]Module{
		"json":   jsonModule(),
		"base64": base64Module(),
		"url":    urlModule(),
		"path":   pathModule(),
		"crypto": cryptoModule(),
	}
}

func fn1(f func(a Args) (any, error)) Func {
	return func(_ context.Context, args []any) (any, error) {
		return f(Args(args))
	}
}

func jsonModule() Module {
	return Module{
		"encode": fn1(func(a Args) (any, error) {
			indent, _ := a.OptString(1, "")
			var data []byte
			var err error
			if indent != "" {
				data, err = json.MarshalIndent(a.Any(0), "", indent)
			} else {
				data, err = json.Marshal(a.Any(0))
			}
			if err != nil {
				return nil, oops.In("sandbox").Wrapf(err, "json.encode")
			}
			return string(data), nil
		}),
		"decode": fn1(func(a Args) (any, error) {
			s, err := a.String(0)
			if err != nil {
				return nil, err
			}
			var v any
			if err := json.Unmarshal([]byte(s), &v); err != nil {
				return nil, oops.In("sandbox").Wrapf(err, "json.decode")
			}
			return v, nil
		}),
	}
}

func base64Module() Module {
	return Module{
		"encode": fn1(func(a Args) (any, error) {
			s, err := a.String(0)
			if err != nil {
				return nil, err
			}
			return base64.StdEncoding.EncodeToString([]byte(s)), nil
		}),
		"decode": fn1(func(a Args) (any, error) {
			s, err := a.String(0)
			if err != nil {
				return nil, err
			}
			out, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, oops.In("sandbox").Wrapf(err, "base64.decode")
			}
			return string(out), nil
		}),
	}
}

func urlModule() Module {
	return Module{
		"parse": fn1(func(a Args) (any, error) {
			s, err := a.String(0)
			if err != nil {
				return nil, err
			}
			u, err := url.Parse(s)
			if err != nil {
				return nil, oops.In("sandbox").Wrapf(err, "url.parse")
			}
			query := map[string]any{}
			for k, v := range u.Query() {
				query[k] = v[0]
			}
			return map[string]any{
				"scheme":   u.Scheme,
				"host":     u.Host,
				"hostname": u.Hostname(),
				"port":     u.Port(),
				"path":     u.Path,
				"query":    query,
				"fragment": u.Fragment,
			}, nil
		}),
		"escape": fn1(func(a Args) (any, error) {
			s, err := a.String(0)
			if err != nil {
				return nil, err
			}
			return url.QueryEscape(s), nil
		}),
		"unescape": fn1(func(a Args) (any, error) {
			s, err := a.String(0)
			if err != nil {
				return nil, err
			}
			out, err := url.QueryUnescape(s)
			if err != nil {
				return nil, oops.In("sandbox").Wrapf(err, "url.unescape")
			}
			return out, nil
		}),
		"query": fn1(func(a Args) (any, error) {
			m, err := a.Map(0)
			if err != nil {
				return nil, err
			}
			values := url.Values{}
			for k, v := range m {
				values.Set(k, stringify(v))
			}
			return values.Encode(), nil
		}),
	}
}

func pathModule() Module {
	return Module{
		"join": fn1(func(a Args) (any, error) {
			parts := make([]string, 0, len(a))
			for i := range a {
				s, err := a.String(i)
				if err != nil {
					return nil, err
				}
				parts = append(parts, s)
			}
			return path.Join(parts...), nil
		}),
		"base":  stringFn(path.Base),
		"dir":   stringFn(path.Dir),
		"ext":   stringFn(path.Ext),
		"clean": stringFn(path.Clean),
		"isAbs": fn1(func(a Args) (any, error) {
			s, err := a.String(0)
			if err != nil {
				return nil, err
			}
			return path.IsAbs(s), nil
		}),
	}
}

func stringFn(f func(string) string) Func {
	return fn1(func(a Args) (any, error) {
		s, err := a.String(0)
		if err != nil {
			return nil, err
		}
		return f(s), nil
	})
}

func cryptoModule() Module {
	digest := func(newHash func() hash.Hash) Func {
		return fn1(func(a Args) (any, error) {
			s, err := a.String(0)
			if err != nil {
				return nil, err
			}
			h := newHash()
			h.Write([]byte(s))
			return hex.EncodeToString(h.Sum(nil)), nil
		})
	}
	return Module{
		"md5":    digest(md5.New),
		"sha1":   digest(sha1.New),
		"sha256": digest(sha256.New),
		"sha512": digest(sha512.New),
		"hmac": fn1(func(a Args) (any, error) {
			alg, err := a.String(0)
			if err != nil {
				return nil, err
			}
			key, err := a.String(1)
			if err != nil {
				return nil, err
			}
			msg, err := a.String(2)
			if err != nil {
				return nil, err
			}
			var newHash func() hash.Hash
			switch strings.ToLower(alg) {
			case "sha1":
				newHash = sha1.New
			case "sha256":
				newHash = sha256.New
			case "sha512":
				newHash = sha512.New
			default:
				return nil, oops.In("sandbox").With("algorithm", alg).Errorf("unsupported hmac algorithm %q", alg)
			}
			mac := hmac.New(newHash, []byte(key))
			mac.Write([]byte(msg))
			return hex.EncodeToString(mac.Sum(nil)), nil
		}),
		"randomId": fn1(func(Args) (any, error) {
			return ulid.Make().String(), nil
		}),
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
