// Package resolver turns a manifest's package reference into component
// bytes, supporting the store://, http(s)://, and plain filesystem path
// schemes.
// HTTP fetches are cached in the content store under the wasm_component
// label so a second resolve of the same reference never re-fetches.
package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/theater-run/theater/contentstore"
)

const (
	wasmComponentLabel   = "wasm_component"
	wasmComponentStoreID = "wasm_component"
)

// Resolver resolves a package reference string to component bytes.
type Resolver struct {
	store  contentstore.Store
	client *http.Client
}

// New constructs a Resolver backed by store for content-addressed and
// cached lookups. A nil store is valid for filesystem-only resolution in
// tests; store:// references fail without one, and http(s):// references
// are fetched on every resolve with nothing cached.
func New(store contentstore.Store) *Resolver {
	return &Resolver{
		store:  store,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Resolve fetches the component bytes named by ref. Recognized schemes:
//
//   - "store://<store-id>/<label>" resolves the label to a content ref and
//     loads the bytes from the content store.
//   - "http://" / "https://" fetches the bytes over HTTP, then caches them
//     in the content store under wasmComponentLabel keyed by ref so a
//     repeat resolve of the same URL is served from the store.
//   - anything else is treated as a filesystem path.
func (r *Resolver) Resolve(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "store://"):
		return r.resolveStore(ctx, ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return r.resolveHTTP(ctx, ref)
	default:
		return r.resolveFile(ref)
	}
}

func (r *Resolver) resolveStore(ctx context.Context, ref string) ([]byte, error) {
	if r.store == nil {
		return nil, fmt.Errorf("resolver: store:// reference requires a content store")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("resolver: parse %q: %w", ref, err)
	}
	storeID := u.Host
	if storeID == "" {
		return nil, fmt.Errorf("resolver: %q has no store id", ref)
	}
	path := strings.TrimPrefix(u.Path, "/")
	if path == "" {
		return nil, fmt.Errorf("resolver: %q has no label or hash component", ref)
	}

	var cref contentstore.ContentRef
	if hexHash, ok := strings.CutPrefix(path, "hash/"); ok {
		cref = contentstore.ContentRef{StoreID: storeID, Hash: hexHash}
	} else {
		cref, err = r.store.ResolveLabel(ctx, storeID, path)
		if err != nil {
			return nil, fmt.Errorf("resolver: resolve label %q: %w", path, err)
		}
	}

	data, err := r.store.Get(ctx, cref)
	if err != nil {
		return nil, fmt.Errorf("resolver: get %q: %w", path, err)
	}
	return data, nil
}

func (r *Resolver) resolveHTTP(ctx context.Context, ref string) ([]byte, error) {
	if r.store != nil {
		if cref, err := r.store.ResolveLabel(ctx, wasmComponentStoreID, cacheLabel(ref)); err == nil {
			if data, err := r.store.Get(ctx, cref); err == nil {
				return data, nil
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("resolver: build request for %q: %w", ref, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolver: fetch %q: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolver: fetch %q: unexpected status %d", ref, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("resolver: read body of %q: %w", ref, err)
	}

	if r.store != nil {
		cref, err := r.store.Put(ctx, wasmComponentStoreID, data)
		if err == nil {
			_ = r.store.PutLabel(ctx, wasmComponentStoreID, cacheLabel(ref), cref)
		}
	}
	return data, nil
}

func (r *Resolver) resolveFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("resolver: read %q: %w", path, err)
	}
	return data, nil
}

func cacheLabel(ref string) string {
	return wasmComponentLabel + ":" + ref
}
