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
	"io"

	"github.com/poiesic/sessionvault/index"
)

// RebuildIndexes reconstructs every reverse index from the session
// metadata and persists a fresh snapshot. The session documents are the
// source of truth; a damaged or stale snapshot is fully repaired by this
// call. Progress is reported to w when non-nil.
func (e *Engine) RebuildIndexes(ctx context.Context, w io.Writer) error {
	// Queued metadata writes must land first so the on-disk state and the
	// resident table agree about what is being indexed.
	if err := e.queue.Flush(ctx); err != nil {
		return err
	}

	entities := e.indexEntities()

	var tracker *index.ProgressTracker
	if w != nil {
		interval := len(entities) / 20
		if interval < 1 {
			interval = 1
		}
		tracker = index.NewProgressTracker(w, len(entities), interval)
	}

	if err := e.indexes.Rebuild(entities, tracker); err != nil {
		return err
	}
	return e.saveIndexSnapshot(ctx)
}
