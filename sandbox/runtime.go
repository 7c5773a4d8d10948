// Package sandbox abstracts the WebAssembly component engine as a narrow
// Runtime/Instance pair: one interface, several backends. The
// engine itself is out of scope for this repository: production code would
// plug in a wasmtime- or wazero-backed Runtime; the in-memory implementation
// in sandbox/memory lets tests and cmd/theaterd register Go closures as
// "exports" without an actual component binary.
package sandbox

import "context"

type (
	// HostFunc is a host function made available to sandboxed code through
	// the import linker. It receives the caller-supplied parameter bytes
	// and returns result bytes or an error; errors never panic across the
	// sandbox boundary.
	HostFunc func(ctx context.Context, params []byte) ([]byte, error)

	// Linker collects host functions during setup, one per handler. Each
	// handler calls DefineFunc for every import it provides; a duplicate
	// module/name pair is a setup error.
	Linker interface {
		DefineFunc(module, name string, fn HostFunc) error
	}

	// Instance is an instantiated component: the loaded bytes, the linked
	// imports, and a registry of typed export functions. CallExport is the
	// only entry point the operation loop and the replay driver use to run
	// actor-defined code.
	Instance interface {
		// CallExport invokes the named export with the actor's current
		// state and caller-supplied parameters, returning the export's new
		// state and result bytes. Calling a missing export returns an
		// error; HasExport lets callers check for the export first.
		CallExport(ctx context.Context, name string, state []byte, params []byte) (newState []byte, result []byte, err error)

		// HasExport reports whether name is registered, letting callers
		// distinguish "function not found" from a call failure.
		HasExport(name string) bool

		// Exports lists every registered export name, for introspection.
		Exports() []string
	}

	// Runtime instantiates components against a populated Linker. A single
	// Runtime may be shared across actors; Instantiate is expected to be
	// safe for concurrent use.
	Runtime interface {
		// NewLinker constructs an empty Linker for one instantiation. Control
		// loop setup builds a linker, lets every handler register its host
		// functions against it, then passes it to Instantiate.
		NewLinker() Linker

		Instantiate(ctx context.Context, component []byte, linker Linker) (Instance, error)
	}
)
