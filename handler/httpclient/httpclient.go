// Package httpclient implements the http-client capability: outbound HTTP
// requests issued on the actor's behalf, with hosts restricted to an
// allowlist from the handler's manifest options.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/theater-run/theater/handler"
	"github.com/theater-run/theater/sandbox"
	"github.com/theater-run/theater/shutdownctl"
)

// Capability is the name this handler registers under.
const Capability = "http-client"

const defaultTimeout = 30 * time.Second

type (
	// RequestParams is the wire shape of send-http's input.
	RequestParams struct {
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers,omitempty"`
		Body    []byte            `json:"body,omitempty"`
	}

	// ResponseResult is the wire shape of send-http's output.
	ResponseResult struct {
		Status  int               `json:"status"`
		Headers map[string]string `json:"headers,omitempty"`
		Body    []byte            `json:"body,omitempty"`
	}

	// Options configures the handler. An empty AllowHosts list permits any
	// host; the permission gate still applies.
	Options struct {
		AllowHosts    []string `json:"allow_hosts,omitempty"`
		TimeoutMillis int64    `json:"timeout_millis,omitempty"`
	}

	// Handler implements handler.Handler for the http-client capability.
	Handler struct {
		allow  map[string]bool
		client *http.Client
	}
)

// OptionsSchema validates the handler's manifest options.
const OptionsSchema = `{
	"type": "object",
	"properties": {
		"allow_hosts": {"type": "array", "items": {"type": "string"}},
		"timeout_millis": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`

// Builder returns the handler.Builder registered under Capability.
func Builder() handler.Builder {
	return handler.Builder{
		OptionsSchema: []byte(OptionsSchema),
		New: func(options []byte) (handler.Handler, error) {
			var opts Options
			if len(options) > 0 {
				if err := json.Unmarshal(options, &opts); err != nil {
					return nil, fmt.Errorf("http-client: decode options: %w", err)
				}
			}
			var allow map[string]bool
			if len(opts.AllowHosts) > 0 {
				allow = make(map[string]bool, len(opts.AllowHosts))
				for _, host := range opts.AllowHosts {
					allow[host] = true
				}
			}
			timeout := defaultTimeout
			if opts.TimeoutMillis > 0 {
				timeout = time.Duration(opts.TimeoutMillis) * time.Millisecond
			}
			return &Handler{allow: allow, client: &http.Client{Timeout: timeout}}, nil
		},
	}
}

func (*Handler) Name() string { return Capability }

func (*Handler) Imports() []string { return []string{Capability + ".send-http"} }

func (h *Handler) SetupImports(_ context.Context, a handler.ActorHandle, linker sandbox.Linker) error {
	return linker.DefineFunc(Capability, "send-http", func(ctx context.Context, params []byte) ([]byte, error) {
		return a.Recorder().Call(ctx, a.Gate(), Capability, "send-http", params, h.sendHTTP)
	})
}

func (h *Handler) sendHTTP(ctx context.Context, params []byte) ([]byte, error) {
	var p RequestParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("send-http: decode params: %w", err)
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("send-http %s: %w", p.URL, err)
	}
	if h.allow != nil && !h.allow[u.Hostname()] {
		return nil, fmt.Errorf("send-http %s: host not in allowlist", u.Hostname())
	}

	method := p.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, p.URL, bytes.NewReader(p.Body))
	if err != nil {
		return nil, fmt.Errorf("send-http %s: %w", p.URL, err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send-http %s: %w", p.URL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("send-http %s: read body: %w", p.URL, err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return json.Marshal(ResponseResult{Status: resp.StatusCode, Headers: headers, Body: body})
}

func (*Handler) Exports() []string { return nil }

func (*Handler) RegisterExports(context.Context, handler.ActorHandle, sandbox.Instance) error {
	return nil
}

func (*Handler) Start(context.Context, handler.ActorHandle, *shutdownctl.Controller) error {
	return nil
}

var _ handler.Handler = (*Handler)(nil)
