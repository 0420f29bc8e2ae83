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


package storage

import "errors"

var (
	// ErrNotFound indicates that nothing is stored under the requested path.
	ErrNotFound = errors.New("path not found")

	// ErrCorrupted indicates a document failed to decode from both its
	// primary copy and its backup generation.
	ErrCorrupted = errors.New("document corrupted")

	// ErrStorageClosed indicates that the storage backend is closed.
	ErrStorageClosed = errors.New("storage is closed")

	// ErrSchemaVersion indicates a document carries a schema version newer
	// than this build understands.
	ErrSchemaVersion = errors.New("unsupported schema version")

	// ErrInvalidPath indicates a malformed logical path.
	ErrInvalidPath = errors.New("invalid path")
)
