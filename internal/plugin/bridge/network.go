// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ServerHub Contributors

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/Zhang142857/serverhub-sub000/internal/plugin"
)

const maxRedirects = 10

// FetchOptions configures a request.
type FetchOptions struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// FetchResponse is a completed request. Data holds the decoded JSON body, or
// the raw text when the body is not JSON.
type FetchResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Data    any               `json:"data"`
}

// Network issues HTTP requests to allowlisted hosts.
type Network struct {
	b *Bridge
}

func (b *Bridge) newHTTPClient() *http.Client {
	c := *b.deps.HTTPClient
	c.Timeout = b.deps.NetworkTimeout
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		_, err := b.deps.Allowlist.CheckURL(b.id, req.URL.String())
		return err
	}
	return &c
}

// Fetch requires network:request and an allowlisted host. Idempotent methods
// are retried with exponential backoff on transport errors and 5xx responses.
func (n *Network) Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*FetchResponse, error) {
	b := n.b
	if err := b.check(plugin.PermNetworkRequest, "network.fetch"); err != nil {
		return nil, b.audit("network", "fetch", err, "url", rawURL)
	}
	u, err := b.deps.Allowlist.CheckURL(b.id, rawURL)
	if err != nil {
		return nil, b.audit("network", "fetch", err, "url", rawURL)
	}

	method := strings.ToUpper(opts.Method)
	if method == "" {
		method = http.MethodGet
	}
	retries := uint64(0)
	if (method == http.MethodGet || method == http.MethodHead) && b.deps.NetworkRetries > 0 {
		retries = uint64(b.deps.NetworkRetries)
	}
	backoff := retry.WithMaxRetries(retries, retry.NewExponential(b.deps.RetryBase))

	var resp *FetchResponse
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp = nil
		r, err := n.do(ctx, method, u.String(), opts)
		if err != nil {
			if isPolicyError(err) || ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		if r.Status >= http.StatusInternalServerError {
			resp = r
			return retry.RetryableError(fmt.Errorf("server returned %d", r.Status))
		}
		resp = r
		return nil
	})
	if err != nil && resp != nil && resp.Status >= http.StatusInternalServerError {
		// Retries exhausted on a 5xx: the last response is still an answer.
		err = nil
	}
	if err != nil {
		err = oops.In("bridge").With("plugin", b.id).With("url", u.Redacted()).Wrap(err)
		return nil, b.audit("network", "fetch", err, "method", method, "host", u.Host)
	}
	return resp, b.audit("network", "fetch", nil, "method", method, "host", u.Host, "status", resp.Status)
}

func (n *Network) do(ctx context.Context, method, target string, opts FetchOptions) (*FetchResponse, error) {
	var body io.Reader
	if opts.Body != "" {
		body = strings.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	res, err := n.b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, MaxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if len(raw) > MaxResponseBytes {
		return nil, oops.In("bridge").Errorf("response exceeds %d bytes", MaxResponseBytes)
	}

	headers := make(map[string]string, len(res.Header))
	for k := range res.Header {
		headers[strings.ToLower(k)] = res.Header.Get(k)
	}
	return &FetchResponse{Status: res.StatusCode, Headers: headers, Data: decodeBody(raw)}, nil
}

func decodeBody(raw []byte) any {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		var v any
		if err := json.Unmarshal(trimmed, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func isPolicyError(err error) bool {
	return errors.Is(err, plugin.ErrHostNotAllowed) || errors.Is(err, plugin.ErrPermissionDenied)
}
