// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sessionvault

import (
	"context"
)

func attachmentCacheKey(hash string) string {
	return "attachment:" + hash
}

// SaveAttachment stores raw bytes in the content-addressed attachment
// store and returns their address. Identical bytes are stored once. The
// bytes also enter the read cache so a load right after a save is served
// even while the durable write is still queued.
func (e *Engine) SaveAttachment(ctx context.Context, data []byte) (string, error) {
	hash, err := e.attachments.SaveAttachment(ctx, data)
	if err != nil {
		return "", err
	}
	e.cache.Put(attachmentCacheKey(hash), data, int64(len(data)))
	return hash, nil
}

// LoadAttachment returns the bytes stored under an attachment address,
// consulting the read cache first. Blob content is immutable, so cached
// copies never go stale.
func (e *Engine) LoadAttachment(ctx context.Context, hash string) ([]byte, error) {
	key := attachmentCacheKey(hash)
	if v, ok := e.cache.Get(key); ok {
		return v.([]byte), nil
	}

	data, err := e.attachments.LoadAttachment(ctx, hash)
	if err != nil {
		return nil, err
	}
	e.cache.Put(key, data, int64(len(data)))
	return data, nil
}

// AddReference records an (owner, attachment) claim on a stored blob.
// Appends claim attachments automatically; this is for callers sharing a
// blob across additional owners. Adding an existing claim is a no-op.
func (e *Engine) AddReference(ctx context.Context, hash, ownerID, attachmentID string) error {
	return e.attachments.AddReference(ctx, hash, ownerID, attachmentID)
}

// RemoveReference drops an (owner, attachment) claim on a blob. Removing
// a claim that is not present is a no-op. A blob whose last claim is
// removed becomes eligible for the next garbage-collection sweep.
func (e *Engine) RemoveReference(ctx context.Context, hash, ownerID, attachmentID string) error {
	return e.attachments.RemoveReference(ctx, hash, ownerID, attachmentID)
}

// HasAttachment reports whether a blob exists under the given address.
func (e *Engine) HasAttachment(hash string) bool {
	return e.attachments.Has(hash)
}

// AttachmentRefCount returns how many (session, item) claims a blob
// currently has. Zero means the blob is garbage-collection-eligible.
func (e *Engine) AttachmentRefCount(hash string) int {
	return e.attachments.RefCount(hash)
}
