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


// Package storage defines the durable-byte-storage abstraction for
// sessionvault.
//
// This package defines the Adapter contract that decouples the engine from
// the concrete backend. It allows flat files (storage/fs), an embedded KV
// store (storage/badgerkv), or any other byte store to be used
// interchangeably.
//
// # Adapter contract
//
// An Adapter stores opaque byte payloads under slash-separated logical
// paths:
//
//	adapter.Save(ctx, "sessions/abc/metadata.json", data)
//
// Saves must be atomic: a crash mid-write may lose the new version but must
// never leave a torn payload behind. The previous version of a path is
// retained as path + ".backup" for one generation, which the document loader
// falls back to when the primary copy fails to decode.
//
// # Document layout
//
// The engine persists schema-versioned JSON documents under a fixed layout:
//
//	db/{collection}.json
//	sessions/{id}/metadata.json
//	sessions/{id}/chunks/{type}-{chunkIndex}.json
//	attachments-ca/{hash[0:2]}/{hash}/data.bin
//	attachments-ca/{hash[0:2]}/{hash}/metadata.json
//
// Path construction lives in this package so every component agrees on the
// layout.
//
// # Thread safety
//
// Adapter implementations must be safe for concurrent use. In practice the
// persistence queue is the only writer, but reads may come from any
// goroutine.
package storage
