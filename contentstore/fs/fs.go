// Package fs implements contentstore.Store on the local filesystem, and
// separately implements the on-disk chain persistence layout:
// THEATER_HOME/events/<hex-hash> (one file per chain event, canonical JSON)
// and THEATER_HOME/chains/<actor-id> (the current head hash). These are kept
// as two small types in one package because they share the same THEATER_HOME
// root and the same "write once, read by hash" idiom, but they are distinct
// namespaces: generic store blobs live under content/<store-id>/..., chain
// events and heads live under events/ and chains/ directly, matching the
// wire layout verbatim rather than nesting it under a store id.
package fs

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/theater-run/theater/chain"
	"github.com/theater-run/theater/contentstore"
	"github.com/theater-run/theater/id"
)

// Store is a contentstore.Store backed by the local filesystem, rooted at
// <home>/content/<store-id>/hash/<hex> for blobs and
// <home>/content/<store-id>/labels/<label> for label pointers.
type Store struct {
	home string
}

// New constructs a filesystem-backed content store rooted at home
// (THEATER_HOME).
func New(home string) *Store { return &Store{home: home} }

var _ contentstore.Store = (*Store)(nil)

func (s *Store) hashPath(storeID, hexHash string) string {
	return filepath.Join(s.home, "content", storeID, "hash", hexHash)
}

func (s *Store) labelPath(storeID, label string) string {
	return filepath.Join(s.home, "content", storeID, "labels", label)
}

// Put writes content keyed by its content hash, creating parent directories
// as needed. Writing identical content twice is idempotent: the second call
// rewrites the same path with the same bytes and returns the same reference.
func (s *Store) Put(_ context.Context, storeID string, content []byte) (contentstore.ContentRef, error) {
	ref := contentstore.RefFromContent(storeID, content)
	path := s.hashPath(storeID, ref.Hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return contentstore.ContentRef{}, fmt.Errorf("fs store: mkdir: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return contentstore.ContentRef{}, fmt.Errorf("fs store: write %s: %w", path, err)
	}
	return ref, nil
}

// Get reads a blob back by content reference.
func (s *Store) Get(_ context.Context, ref contentstore.ContentRef) ([]byte, error) {
	data, err := os.ReadFile(s.hashPath(ref.StoreID, ref.Hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, contentstore.ErrNotFound
		}
		return nil, fmt.Errorf("fs store: read: %w", err)
	}
	return data, nil
}

// PutLabel writes the label pointer file, overwriting any prior value so
// that ResolveLabel always returns the latest write ("latest wins").
func (s *Store) PutLabel(_ context.Context, storeID, label string, ref contentstore.ContentRef) error {
	path := s.labelPath(storeID, label)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("fs store: mkdir label: %w", err)
	}
	if err := os.WriteFile(path, []byte(ref.Hash), 0o644); err != nil {
		return fmt.Errorf("fs store: write label: %w", err)
	}
	return nil
}

// ResolveLabel reads the label pointer file back.
func (s *Store) ResolveLabel(_ context.Context, storeID, label string) (contentstore.ContentRef, error) {
	data, err := os.ReadFile(s.labelPath(storeID, label))
	if err != nil {
		if os.IsNotExist(err) {
			return contentstore.ContentRef{}, contentstore.ErrNotFound
		}
		return contentstore.ContentRef{}, fmt.Errorf("fs store: read label: %w", err)
	}
	return contentstore.ContentRef{StoreID: storeID, Hash: string(data)}, nil
}

// ChainStore persists and loads actor event chains under THEATER_HOME,
// events/<hex-hash> holds one canonical-JSON
// file per event, and chains/<actor-id> holds the serialized current head
// hash as JSON (null for an empty chain).
type ChainStore struct {
	home string
}

// NewChainStore constructs a chain persister rooted at home (THEATER_HOME).
func NewChainStore(home string) *ChainStore { return &ChainStore{home: home} }

func (s *ChainStore) eventsDir() string { return filepath.Join(s.home, "events") }
func (s *ChainStore) chainsDir() string { return filepath.Join(s.home, "chains") }

// Persist writes every event in c to its own file keyed by hash, then writes
// the chain's current head hash under the actor id. Persist is safe to call
// repeatedly (e.g. on a cadence); re-writing an already-stored event is a
// harmless no-op.
func (s *ChainStore) Persist(c *chain.Chain) error {
	if err := os.MkdirAll(s.eventsDir(), 0o755); err != nil {
		return fmt.Errorf("fs chain store: mkdir events: %w", err)
	}
	if err := os.MkdirAll(s.chainsDir(), 0o755); err != nil {
		return fmt.Errorf("fs chain store: mkdir chains: %w", err)
	}

	for _, event := range c.Events() {
		encoded, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("fs chain store: marshal event: %w", err)
		}
		path := filepath.Join(s.eventsDir(), hex.EncodeToString(event.Hash))
		if err := os.WriteFile(path, encoded, 0o644); err != nil {
			return fmt.Errorf("fs chain store: write event: %w", err)
		}
	}

	head := c.CurrentHash()
	headEncoded, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("fs chain store: marshal head: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.chainsDir(), c.ActorID().String()), headEncoded, 0o644); err != nil {
		return fmt.Errorf("fs chain store: write head: %w", err)
	}
	return nil
}

// Load reads the head hash for actorID and walks parent links backward,
// returning events oldest-first. A broken or missing link terminates the
// walk at the last readable event; whatever could be recovered is returned
// with no error; whatever could be recovered is returned.
func (s *ChainStore) Load(bus chain.Bus, actorID id.ActorID) (*chain.Chain, error) {
	headData, err := os.ReadFile(filepath.Join(s.chainsDir(), actorID.String()))
	if err != nil {
		if os.IsNotExist(err) {
			return chain.FromEvents(actorID, bus, nil), nil
		}
		return nil, fmt.Errorf("fs chain store: read head: %w", err)
	}

	var head []byte
	if err := json.Unmarshal(headData, &head); err != nil {
		return nil, fmt.Errorf("fs chain store: unmarshal head: %w", err)
	}

	var reversed []chain.Event
	cursor := head
	for cursor != nil {
		raw, err := os.ReadFile(filepath.Join(s.eventsDir(), hex.EncodeToString(cursor)))
		if err != nil {
			break // broken link: stop here, return what we have.
		}
		var event chain.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			break
		}
		reversed = append(reversed, event)
		cursor = event.ParentHash
	}

	events := make([]chain.Event, len(reversed))
	for i, e := range reversed {
		events[len(reversed)-1-i] = e
	}
	return chain.FromEvents(actorID, bus, events), nil
}
