// Package memory implements sandbox.Runtime without a real WebAssembly
// engine. Components are registered ahead of time as Go closures keyed by
// an opaque reference string; Instantiate looks the reference up instead
// of compiling bytes. This is the implementation the test suite and
// cmd/theaterd use in place of a wasmtime- or wazero-backed engine.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/theater-run/theater/sandbox"
)

type (
	// ExportFunc is the in-memory stand-in for a compiled component export:
	// it receives the actor's current state and the call parameters and
	// returns the new state and result.
	ExportFunc func(ctx context.Context, state, params []byte) (newState, result []byte, err error)

	// Component is a named bundle of exports, the in-memory equivalent of a
	// compiled component binary.
	Component struct {
		Name    string
		exports map[string]ExportFunc
	}

	// Runtime is a process-local registry of Components, implementing
	// sandbox.Runtime. Safe for concurrent use.
	Runtime struct {
		mu       sync.Mutex
		registry map[string]*Component
	}

	instance struct {
		component *Component
		linker    *linker
	}

	linker struct {
		mu    sync.Mutex
		funcs map[string]sandbox.HostFunc
	}

	importCallerKey struct{}
)

// NewComponent constructs an empty Component named name.
func NewComponent(name string) *Component {
	return &Component{Name: name, exports: make(map[string]ExportFunc)}
}

// WithExport registers fn under name and returns the Component for
// chaining.
func (c *Component) WithExport(name string, fn ExportFunc) *Component {
	c.exports[name] = fn
	return c
}

// NewRuntime constructs an empty in-memory runtime.
func NewRuntime() *Runtime {
	return &Runtime{registry: make(map[string]*Component)}
}

// Register makes c instantiable under ref (the bytes that would otherwise
// identify a compiled component).
func (r *Runtime) Register(ref string, c *Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry[ref] = c
}

// Instantiate looks up the component registered under string(component) and
// wraps it with a fresh Linker for this instantiation.
func (r *Runtime) Instantiate(ctx context.Context, component []byte, l sandbox.Linker) (sandbox.Instance, error) {
	ref := string(component)
	r.mu.Lock()
	c, ok := r.registry[ref]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memory runtime: unknown component reference %q", ref)
	}

	lk, ok := l.(*linker)
	if !ok {
		return nil, fmt.Errorf("memory runtime: linker must be created by NewLinker")
	}
	return &instance{component: c, linker: lk}, nil
}

// NewLinker constructs a Linker for use with Runtime.Instantiate.
func NewLinker() sandbox.Linker {
	return &linker{funcs: make(map[string]sandbox.HostFunc)}
}

// NewLinker implements sandbox.Runtime by delegating to the package-level
// constructor; the in-memory runtime needs no per-instance state to build
// one.
func (r *Runtime) NewLinker() sandbox.Linker {
	return NewLinker()
}

func (l *linker) DefineFunc(module, name string, fn sandbox.HostFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := module + "." + name
	if _, exists := l.funcs[key]; exists {
		return fmt.Errorf("memory linker: %s already defined", key)
	}
	l.funcs[key] = fn
	return nil
}

func (l *linker) call(ctx context.Context, module, name string, params []byte) ([]byte, error) {
	l.mu.Lock()
	fn, ok := l.funcs[module+"."+name]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memory linker: %s.%s not defined", module, name)
	}
	return fn(ctx, params)
}

// CallImport invokes a host import from within an export closure. Export
// closures running under Instance.CallExport receive a context carrying
// the instance's linker; this is how they reach handler-provided host
// functions, standing in for a sandboxed component's own import calls.
func CallImport(ctx context.Context, module, name string, params []byte) ([]byte, error) {
	lk, ok := ctx.Value(importCallerKey{}).(*linker)
	if !ok {
		return nil, fmt.Errorf("memory runtime: no linker bound to context")
	}
	return lk.call(ctx, module, name, params)
}

func (i *instance) CallExport(ctx context.Context, name string, state, params []byte) ([]byte, []byte, error) {
	fn, ok := i.component.exports[name]
	if !ok {
		return nil, nil, fmt.Errorf("memory instance: export %q not found", name)
	}
	ctx = context.WithValue(ctx, importCallerKey{}, i.linker)
	return fn(ctx, state, params)
}

func (i *instance) HasExport(name string) bool {
	_, ok := i.component.exports[name]
	return ok
}

func (i *instance) Exports() []string {
	names := make([]string, 0, len(i.component.exports))
	for name := range i.component.exports {
		names = append(names, name)
	}
	return names
}

var (
	_ sandbox.Runtime  = (*Runtime)(nil)
	_ sandbox.Instance = (*instance)(nil)
)
