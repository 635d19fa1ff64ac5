// Package blobstore holds raw attachment bytes. Events carry only URIs;
// the bytes live here so the event store stays small and replays can
// re-fetch originals at any time.
package blobstore

import "context"

// Store reads and writes attachment blobs addressed by URI.
type Store interface {
	// Put stores the bytes under the given object name and returns the
	// blob URI.
	Put(ctx context.Context, objectName string, data []byte, contentType string) (string, error)

	// Fetch downloads the bytes at the given URI.
	Fetch(ctx context.Context, uri string) ([]byte, error)
}
