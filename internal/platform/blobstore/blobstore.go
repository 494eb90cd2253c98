// Package blobstore persists encrypted document payloads under opaque
// references. Records never point at plaintext: everything written here has
// already passed through the encryption gateway.
package blobstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBlobNotFound is returned when no blob exists under the given reference.
var ErrBlobNotFound = errors.New("blob not found")

// Store is the contract for blob storage backends. A Put that returns
// without error is assumed durable.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
	// Refs lists every stored reference, for the orphan reconciliation sweep.
	Refs(ctx context.Context) ([]string, error)
}

type storedBlob struct {
	data      []byte
	createdAt time.Time
}

// MemoryStore is a thread-safe, in-memory Store for single-node and test use.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

// NewMemoryStore returns a ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]*storedBlob)}
}

// Put stores a copy of data under a fresh opaque reference.
func (s *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	ref := uuid.New().String()
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	s.blobs[ref] = &storedBlob{data: cp, createdAt: time.Now().UTC()}
	s.mu.Unlock()
	return ref, nil
}

// Get returns a copy of the blob stored under ref.
func (s *MemoryStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	blob, ok := s.blobs[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	cp := make([]byte, len(blob.data))
	copy(cp, blob.data)
	return cp, nil
}

// Delete removes the blob stored under ref.
func (s *MemoryStore) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[ref]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, ref)
	return nil
}

// Refs returns all stored references.
func (s *MemoryStore) Refs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]string, 0, len(s.blobs))
	for ref := range s.blobs {
		refs = append(refs, ref)
	}
	return refs, nil
}

// CreatedAt reports when the blob under ref was written. Used by the
// reconciliation sweep to leave recent, possibly in-flight blobs alone.
func (s *MemoryStore) CreatedAt(ref string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[ref]
	if !ok {
		return time.Time{}, false
	}
	return blob.createdAt, true
}
