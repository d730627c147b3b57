// Package noop provides a blob store that discards everything. It backs
// dry runs where pages are fetched and extracted but never archived.
package noop

import "context"

// BlobStore drops all writes.
type BlobStore struct{}

// New returns the discarding store.
func New() *BlobStore {
	return &BlobStore{}
}

// PutObject discards the payload and returns an empty URI.
func (*BlobStore) PutObject(_ context.Context, _ string, _ string, _ []byte) (string, error) {
	return "", nil
}
