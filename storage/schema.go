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

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/poiesic/sessionvault/core"
)

// MigrationFunc rewrites a document payload from one schema version to the
// next. It receives the raw JSON bytes and returns the migrated bytes with
// the schemaVersion field bumped.
type MigrationFunc func(data []byte) ([]byte, error)

// MigrationRegistry holds per-document-kind schema migrations. A migration
// registered for (kind, n) upgrades version n to version n+1; loads chain
// migrations until the document reaches core.SchemaVersion.
type MigrationRegistry struct {
	mu    sync.RWMutex
	steps map[string]map[int]MigrationFunc
}

// NewMigrationRegistry creates an empty registry.
func NewMigrationRegistry() *MigrationRegistry {
	return &MigrationRegistry{steps: make(map[string]map[int]MigrationFunc)}
}

// Register adds a migration upgrading kind documents from fromVersion to
// fromVersion+1. Registering the same transition twice panics; that is a
// programming error, not a runtime condition.
func (r *MigrationRegistry) Register(kind string, fromVersion int, fn MigrationFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.steps[kind] == nil {
		r.steps[kind] = make(map[int]MigrationFunc)
	}
	if _, dup := r.steps[kind][fromVersion]; dup {
		panic(fmt.Sprintf("storage: duplicate migration for %s v%d", kind, fromVersion))
	}
	r.steps[kind][fromVersion] = fn
}

func (r *MigrationRegistry) lookup(kind string, fromVersion int) MigrationFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.steps[kind][fromVersion]
}

// envelope is the minimal shape read to learn a document's version before
// full decode.
type envelope struct {
	SchemaVersion int `json:"schemaVersion"`
}

// EncodeDocument marshals a document to JSON. The document struct itself
// must carry the schemaVersion field.
func EncodeDocument(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	return data, nil
}

// DecodeDocument unmarshals a schema-versioned document, running any
// pending migrations first. A parse failure maps to ErrCorrupted; a version
// from the future maps to ErrSchemaVersion.
func DecodeDocument(kind string, data []byte, migrations *MigrationRegistry, v any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupted, kind, err)
	}

	if env.SchemaVersion > core.SchemaVersion {
		return fmt.Errorf("%w: %s v%d, supported up to v%d",
			ErrSchemaVersion, kind, env.SchemaVersion, core.SchemaVersion)
	}

	for version := env.SchemaVersion; version < core.SchemaVersion; version++ {
		var fn MigrationFunc
		if migrations != nil {
			fn = migrations.lookup(kind, version)
		}
		if fn == nil {
			return fmt.Errorf("%w: %s: no migration from v%d", ErrSchemaVersion, kind, version)
		}
		migrated, err := fn(data)
		if err != nil {
			return fmt.Errorf("migrating %s from v%d: %w", kind, version, err)
		}
		data = migrated
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupted, kind, err)
	}
	return nil
}

// LoadDocument loads and decodes a schema-versioned document, falling back
// to the backup generation when the primary copy is corrupt. Returns
// ErrNotFound when neither generation exists, ErrCorrupted when both exist
// but neither decodes.
func LoadDocument(ctx context.Context, a Adapter, kind, path string, migrations *MigrationRegistry, v any) error {
	data, err := a.Load(ctx, path)
	if err == nil {
		decodeErr := DecodeDocument(kind, data, migrations, v)
		if decodeErr == nil {
			return nil
		}
		if !errors.Is(decodeErr, ErrCorrupted) {
			return decodeErr
		}
		slog.Warn("primary document corrupt, trying backup", "kind", kind, "path", path, "err", decodeErr)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	backup, backupErr := a.Load(ctx, BackupPath(path))
	if backupErr != nil {
		if err != nil && errors.Is(err, ErrNotFound) && errors.Is(backupErr, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("%w: %s: backup unreadable", ErrCorrupted, path)
	}

	if decodeErr := DecodeDocument(kind, backup, migrations, v); decodeErr != nil {
		return fmt.Errorf("%w: %s: backup also corrupt", ErrCorrupted, path)
	}

	slog.Info("recovered document from backup", "kind", kind, "path", path)
	return nil
}
