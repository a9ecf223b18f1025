package docstore

import (
	"context"
	"encoding/json"
	"sync"
)

// Document is the full persisted mapping from namespace to raw JSON payload.
// The whole document is shared by every namespace; backends must never drop
// namespaces that a patch does not mention.
type Document map[string]json.RawMessage

// Copy returns a deep copy of the document.
func (d Document) Copy() Document {
	n := make(Document, len(d))
	for k, v := range d {
		n[k] = append(json.RawMessage(nil), v...)
	}
	return n
}

// Store abstracts the shared document capability. The medium behind it is
// deliberately unspecified; anything that can hold one namespace-to-payload
// mapping qualifies.
type Store interface {
	// Get retrieves the full document. A store with no data returns an
	// empty (possibly nil) document and no error.
	Get(ctx context.Context) (Document, error)
	// Set merges the patch's top-level namespace keys into the persisted
	// document. Namespaces not named in the patch are left untouched.
	Set(ctx context.Context, patch Document) error
	// Remove deletes a single namespace's entry from the document.
	Remove(ctx context.Context, namespace string) error
}

// InMemoryStore is a map-backed Store implementation mainly for testing.
type InMemoryStore struct {
	mu  sync.RWMutex
	doc Document
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{doc: make(Document)}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(ctx context.Context) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Copy(), nil
}

// Set implements Store.Set.
func (s *InMemoryStore) Set(ctx context.Context, patch Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range patch {
		s.doc[k] = append(json.RawMessage(nil), v...)
	}
	return nil
}

// Remove implements Store.Remove.
func (s *InMemoryStore) Remove(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.doc, namespace)
	return nil
}
