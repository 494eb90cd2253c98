// Package cas provides content addressing for the document pipeline: a
// deterministic digest over raw bytes and an in-memory digest → document
// index. The index is an optimization for the common duplicate-upload case;
// the unique constraint on the record store is the actual dedup authority.
package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/google/uuid"
)

// Digest returns the lowercase hex SHA-256 of data. Two calls with identical
// bytes always yield the same digest regardless of any declared metadata.
func Digest(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Index maps content digests to document IDs.
type Index struct {
	mu      sync.RWMutex
	entries map[string]uuid.UUID
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]uuid.UUID)}
}

// Lookup returns the document ID recorded for digest, if any.
func (i *Index) Lookup(digest string) (uuid.UUID, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	id, ok := i.entries[digest]
	return id, ok
}

// Remember records digest → documentID.
func (i *Index) Remember(digest string, documentID uuid.UUID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[digest] = documentID
}

// Forget drops the entry for digest, if present.
func (i *Index) Forget(digest string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.entries, digest)
}

// Len returns the number of indexed digests.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}
