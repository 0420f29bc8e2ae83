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

package index

import (
	"errors"
	"fmt"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
)

// snapshotVersion is the binary snapshot format version. Bump it on any
// layout change; a mismatched snapshot is discarded and the indexes are
// rebuilt from the session documents instead.
const snapshotVersion = 1

// ErrSnapshotVersion reports a snapshot written by an incompatible format
// version.
var ErrSnapshotVersion = errors.New("unsupported snapshot version")

// ErrSnapshotCorrupted reports a snapshot that failed to decode.
var ErrSnapshotCorrupted = errors.New("snapshot corrupted")

// Snapshot serializes the indexed entity set to the binary snapshot
// format. Entities are written in id order, so equal index contents
// always produce identical bytes.
func (m *Manager) Snapshot() ([]byte, error) {
	entities := m.entitiesSorted()

	size := varint.Int.Size(snapshotVersion)
	size += varint.Int.Size(len(entities))
	for _, e := range entities {
		size += sizeEntity(e)
	}

	bs := make([]byte, size)
	n := varint.Int.Marshal(snapshotVersion, bs)
	n += varint.Int.Marshal(len(entities), bs[n:])
	for _, e := range entities {
		n += marshalEntity(e, bs[n:])
	}
	return bs[:n], nil
}

// RestoreSnapshot decodes a snapshot and replaces the index contents with
// it. A decode failure leaves the manager unchanged so the caller can
// fall back to a full rebuild.
func (m *Manager) RestoreSnapshot(data []byte) error {
	version, n, err := varint.Int.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshotCorrupted, err)
	}
	if version != snapshotVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrSnapshotVersion, version, snapshotVersion)
	}

	count, n1, err := varint.Int.Unmarshal(data[n:])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshotCorrupted, err)
	}
	n += n1
	if count < 0 {
		return fmt.Errorf("%w: negative entity count", ErrSnapshotCorrupted)
	}

	entities := make([]*Entity, 0, count)
	for i := 0; i < count; i++ {
		e, n1, err := unmarshalEntity(data[n:])
		if err != nil {
			return fmt.Errorf("%w: entity %d: %w", ErrSnapshotCorrupted, i, err)
		}
		n += n1
		entities = append(entities, e)
	}

	if err := m.Rebuild(entities, nil); err != nil {
		return err
	}
	m.logger.Debug("index snapshot restored", "entities", count)
	return nil
}

func sizeEntity(e *Entity) (size int) {
	size = ord.String.Size(e.ID)
	size += sizeStrings(e.Tags)
	size += sizeStrings(e.Topics)
	size += ord.String.Size(e.Category)
	size += ord.String.Size(e.Status)
	size += varint.Int64.Size(e.Timestamp.UnixMicro())
	size += ord.String.Size(e.Text)
	return size
}

func marshalEntity(e *Entity, bs []byte) (n int) {
	n = ord.String.Marshal(e.ID, bs)
	n += marshalStrings(e.Tags, bs[n:])
	n += marshalStrings(e.Topics, bs[n:])
	n += ord.String.Marshal(e.Category, bs[n:])
	n += ord.String.Marshal(e.Status, bs[n:])
	n += varint.Int64.Marshal(e.Timestamp.UnixMicro(), bs[n:])
	n += ord.String.Marshal(e.Text, bs[n:])
	return n
}

func unmarshalEntity(bs []byte) (e *Entity, n int, err error) {
	e = &Entity{}
	var n1 int

	if e.ID, n, err = ord.String.Unmarshal(bs); err != nil {
		return nil, n, err
	}
	if e.Tags, n1, err = unmarshalStrings(bs[n:]); err != nil {
		return nil, n + n1, err
	}
	n += n1
	if e.Topics, n1, err = unmarshalStrings(bs[n:]); err != nil {
		return nil, n + n1, err
	}
	n += n1
	if e.Category, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return nil, n + n1, err
	}
	n += n1
	if e.Status, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return nil, n + n1, err
	}
	n += n1

	var micros int64
	if micros, n1, err = varint.Int64.Unmarshal(bs[n:]); err != nil {
		return nil, n + n1, err
	}
	n += n1
	e.Timestamp = time.UnixMicro(micros).UTC()

	if e.Text, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
		return nil, n + n1, err
	}
	n += n1
	return e, n, nil
}

func sizeStrings(vs []string) (size int) {
	size = varint.Int.Size(len(vs))
	for _, v := range vs {
		size += ord.String.Size(v)
	}
	return size
}

func marshalStrings(vs []string, bs []byte) (n int) {
	n = varint.Int.Marshal(len(vs), bs)
	for _, v := range vs {
		n += ord.String.Marshal(v, bs[n:])
	}
	return n
}

func unmarshalStrings(bs []byte) (vs []string, n int, err error) {
	count, n, err := varint.Int.Unmarshal(bs)
	if err != nil {
		return nil, n, err
	}
	if count < 0 {
		return nil, n, errors.New("negative length prefix")
	}
	if count == 0 {
		return nil, n, nil
	}

	vs = make([]string, 0, count)
	var n1 int
	for i := 0; i < count; i++ {
		var v string
		if v, n1, err = ord.String.Unmarshal(bs[n:]); err != nil {
			return nil, n + n1, err
		}
		n += n1
		vs = append(vs, v)
	}
	return vs, n, nil
}
