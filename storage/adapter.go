package storage

import "context"

// QuotaInfo reports the space situation of a backend.
type QuotaInfo struct {
	// Used is the number of bytes currently consumed by the store.
	Used int64
	// Available is the number of bytes still writable. A backend without
	// a meaningful limit reports a very large value, not zero.
	Available int64
}

// Adapter provides durable byte storage under slash-separated logical paths.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Save atomically writes data under path, creating parents as needed.
	// The previous version of the path is retained as path + ".backup"
	// for one generation.
	Save(ctx context.Context, path string, data []byte) error

	// Load reads the payload stored under path.
	// Returns ErrNotFound if nothing is stored there.
	Load(ctx context.Context, path string) ([]byte, error)

	// Delete removes the payload under path and its backup generation.
	// Deleting a missing path is not an error.
	Delete(ctx context.Context, path string) error

	// List returns all stored paths beginning with prefix, sorted.
	// Backup generations are not listed.
	List(ctx context.Context, prefix string) ([]string, error)

	// Quota reports used and available space.
	Quota(ctx context.Context) (QuotaInfo, error)

	// Close releases backend resources.
	Close() error
}
