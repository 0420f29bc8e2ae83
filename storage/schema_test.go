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
	"fmt"
	"math"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/sessionvault/core"
)

type testDoc struct {
	SchemaVersion int    `json:"schemaVersion"`
	Name          string `json:"name"`
}

func TestEncodeDecodeDocument(t *testing.T) {
	data, err := EncodeDocument(testDoc{SchemaVersion: core.SchemaVersion, Name: "hello"})
	require.NoError(t, err)

	var out testDoc
	require.NoError(t, DecodeDocument("test-doc", data, nil, &out))
	assert.Equal(t, "hello", out.Name)
}

func TestDecodeDocumentErrors(t *testing.T) {
	t.Run("unparseable bytes map to ErrCorrupted", func(t *testing.T) {
		var out testDoc
		err := DecodeDocument("test-doc", []byte("not json at all"), nil, &out)
		assert.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("future version maps to ErrSchemaVersion", func(t *testing.T) {
		data, err := json.Marshal(map[string]any{"schemaVersion": core.SchemaVersion + 1})
		require.NoError(t, err)

		var out testDoc
		err = DecodeDocument("test-doc", data, nil, &out)
		assert.ErrorIs(t, err, ErrSchemaVersion)
	})

	t.Run("old version without migration maps to ErrSchemaVersion", func(t *testing.T) {
		data, err := json.Marshal(map[string]any{"schemaVersion": 0, "name": "legacy"})
		require.NoError(t, err)

		var out testDoc
		err = DecodeDocument("test-doc", data, NewMigrationRegistry(), &out)
		assert.ErrorIs(t, err, ErrSchemaVersion)
	})
}

func TestMigrationChain(t *testing.T) {
	reg := NewMigrationRegistry()
	reg.Register("test-doc", 0, func(data []byte) ([]byte, error) {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		doc["schemaVersion"] = 1
		doc["name"] = doc["name"].(string) + " (migrated)"
		return json.Marshal(doc)
	})

	data, err := json.Marshal(map[string]any{"schemaVersion": 0, "name": "legacy"})
	require.NoError(t, err)

	var out testDoc
	require.NoError(t, DecodeDocument("test-doc", data, reg, &out))
	assert.Equal(t, "legacy (migrated)", out.Name)
}

func TestMigrationRegistryRejectsDuplicates(t *testing.T) {
	reg := NewMigrationRegistry()
	fn := func(data []byte) ([]byte, error) { return data, nil }
	reg.Register("test-doc", 0, fn)

	assert.Panics(t, func() { reg.Register("test-doc", 0, fn) })
}

// memoryAdapter is a bare map-backed Adapter. Unlike the real adapters
// it performs no backup rotation, so tests can place arbitrary bytes in
// either generation.
type memoryAdapter struct {
	files map[string][]byte
}

var _ Adapter = (*memoryAdapter)(nil)

func (a *memoryAdapter) Save(ctx context.Context, path string, data []byte) error {
	a.files[path] = append([]byte(nil), data...)
	return nil
}

func (a *memoryAdapter) Load(ctx context.Context, path string) ([]byte, error) {
	data, ok := a.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return data, nil
}

func (a *memoryAdapter) Delete(ctx context.Context, path string) error {
	delete(a.files, path)
	return nil
}

func (a *memoryAdapter) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	for path := range a.files {
		if strings.HasPrefix(path, prefix) {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (a *memoryAdapter) Quota(ctx context.Context) (QuotaInfo, error) {
	return QuotaInfo{Available: math.MaxInt64}, nil
}

func (a *memoryAdapter) Close() error { return nil }

func TestLoadDocument(t *testing.T) {
	ctx := context.Background()

	newAdapter := func(t *testing.T) Adapter {
		t.Helper()
		return &memoryAdapter{files: make(map[string][]byte)}
	}

	t.Run("loads primary", func(t *testing.T) {
		a := newAdapter(t)
		data, err := EncodeDocument(testDoc{SchemaVersion: core.SchemaVersion, Name: "primary"})
		require.NoError(t, err)
		require.NoError(t, a.Save(ctx, "db/doc.json", data))

		var out testDoc
		require.NoError(t, LoadDocument(ctx, a, "test-doc", "db/doc.json", nil, &out))
		assert.Equal(t, "primary", out.Name)
	})

	t.Run("recovers from backup when primary is corrupt", func(t *testing.T) {
		a := newAdapter(t)
		good, err := EncodeDocument(testDoc{SchemaVersion: core.SchemaVersion, Name: "good"})
		require.NoError(t, err)
		require.NoError(t, a.Save(ctx, BackupPath("db/doc.json"), good))
		require.NoError(t, a.Save(ctx, "db/doc.json", []byte("garbage{{{")))

		var out testDoc
		require.NoError(t, LoadDocument(ctx, a, "test-doc", "db/doc.json", nil, &out))
		assert.Equal(t, "good", out.Name)
	})

	t.Run("missing both generations is ErrNotFound", func(t *testing.T) {
		a := newAdapter(t)

		var out testDoc
		err := LoadDocument(ctx, a, "test-doc", "db/doc.json", nil, &out)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("both generations corrupt is ErrCorrupted", func(t *testing.T) {
		a := newAdapter(t)
		require.NoError(t, a.Save(ctx, "db/doc.json", []byte("bad{")))
		require.NoError(t, a.Save(ctx, BackupPath("db/doc.json"), []byte("worse{")))

		var out testDoc
		err := LoadDocument(ctx, a, "test-doc", "db/doc.json", nil, &out)
		assert.ErrorIs(t, err, ErrCorrupted)
	})
}
