// Package memory provides a bounded in-memory storage backend.
//
// It is the default storage and is meant for development and small
// deployments: documents are kept in process memory and the least recently
// used ones are evicted once the capacity is reached.
package memory

import (
	"container/list"
	"context"
	"sync"

	"github.com/ekonda/kutana/internal/storage"
)

const defaultCapacity = 10000

// Storage is a bounded, concurrency-safe in-memory document store.
type Storage struct {
	mu       sync.Mutex
	capacity int
	docs     map[string]*list.Element
	order    *list.List // Front is most recently used.
}

type entry struct {
	key string
	doc storage.Document
}

type options struct {
	capacity int
}

// Options represents an optional function to override Storage default values.
type Options func(*options)

// WithCapacity overrides the maximum number of documents kept in memory.
func WithCapacity(n int) Options {
	return func(o *options) {
		o.capacity = n
	}
}

// New returns an empty in-memory storage.
func New(args ...Options) *Storage {
	opts := options{capacity: defaultCapacity}
	for _, opt := range args {
		opt(&opts)
	}

	return &Storage{
		capacity: opts.capacity,
		docs:     make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the document stored under key, or storage.ErrNotFound.
func (s *Storage) Get(_ context.Context, key string) (storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.docs[key]
	if !ok {
		return storage.Document{}, storage.ErrNotFound
	}
	s.order.MoveToFront(el)

	return copyDocument(el.Value.(*entry).doc), nil
}

// Put stores doc under key, enforcing the optimistic version check.
func (s *Storage) Put(_ context.Context, key string, doc storage.Document) (storage.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.docs[key]
	if !ok {
		if doc.Version != 0 {
			return storage.Document{}, storage.ErrVersionMismatch
		}
		stored := storage.Document{Version: 1, Data: copyData(doc.Data)}
		s.docs[key] = s.order.PushFront(&entry{key: key, doc: stored})
		s.evict()
		return copyDocument(stored), nil
	}

	ent := el.Value.(*entry)
	if ent.doc.Version != doc.Version {
		return storage.Document{}, storage.ErrVersionMismatch
	}
	ent.doc = storage.Document{Version: ent.doc.Version + 1, Data: copyData(doc.Data)}
	s.order.MoveToFront(el)

	return copyDocument(ent.doc), nil
}

// Delete removes the document stored under key.
func (s *Storage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.docs[key]; ok {
		s.order.Remove(el)
		delete(s.docs, key)
	}
	return nil
}

// Close is a no-op for the in-memory storage.
func (s *Storage) Close() error {
	return nil
}

// Len returns the number of stored documents.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// evict drops least recently used documents while over capacity.
// Callers must hold s.mu.
func (s *Storage) evict() {
	for len(s.docs) > s.capacity {
		el := s.order.Back()
		if el == nil {
			return
		}
		s.order.Remove(el)
		delete(s.docs, el.Value.(*entry).key)
	}
}

func copyDocument(doc storage.Document) storage.Document {
	return storage.Document{Version: doc.Version, Data: copyData(doc.Data)}
}

// copyData shallow-copies the top level map so callers cannot mutate stored
// state without going through Put.
func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
