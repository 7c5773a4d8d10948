// Package contentstore implements the content-addressed blob and label store
// used by component-reference resolution and by actor setup, which stores
// each actor's manifest bytes here. One interface, several backends:
// filesystem (primary), with optional Redis label-index and S3 blob-backend
// implementations for multi-host deployments.
package contentstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// ContentRef identifies a blob by its content hash within a named store.
type ContentRef struct {
	StoreID string
	Hash    string // hex-encoded
}

// String returns the store:// URI form of the reference, hash variant.
func (r ContentRef) String() string {
	return fmt.Sprintf("store://%s/hash/%s", r.StoreID, r.Hash)
}

// RefFromContent computes the ContentRef for a blob without storing it.
func RefFromContent(storeID string, content []byte) ContentRef {
	sum := blake2b.Sum256(content)
	return ContentRef{StoreID: storeID, Hash: hex.EncodeToString(sum[:])}
}

// ErrNotFound is returned by Get and ResolveLabel when the requested blob or
// label does not exist in the store.
var ErrNotFound = errors.New("contentstore: not found")

// Store is a content-addressed blob store with a label layer for
// "latest wins" named pointers, matching the store:// reference scheme:
// store://<store-id>/hash/<hex> resolves a blob directly by content hash,
// while store://<store-id>/<label> resolves through PutLabel/ResolveLabel.
type Store interface {
	// Put writes content to the named store, keyed by its own content hash,
	// and returns the resulting reference. Writing the same content twice is
	// idempotent and returns the same reference both times.
	Put(ctx context.Context, storeID string, content []byte) (ContentRef, error)

	// Get reads a blob back by its content reference. Returns ErrNotFound if
	// no blob with that hash exists in the named store.
	Get(ctx context.Context, ref ContentRef) ([]byte, error)

	// PutLabel points a label at a content reference. Resolving the label
	// afterward returns this reference until PutLabel is called again for
	// the same label ("latest wins").
	PutLabel(ctx context.Context, storeID, label string, ref ContentRef) error

	// ResolveLabel returns the content reference currently bound to a label.
	// Returns ErrNotFound if the label has never been set.
	ResolveLabel(ctx context.Context, storeID, label string) (ContentRef, error)
}
