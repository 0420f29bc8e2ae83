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
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/poiesic/sessionvault/core"
	"github.com/poiesic/sessionvault/queue"
	"github.com/poiesic/sessionvault/storage"
)

// ErrSessionExists indicates a create with an id that is already in use.
var ErrSessionExists = errors.New("session already exists")

// Document kinds for schema migrations.
const (
	metaDocKind  = "session-meta"
	chunkDocKind = "session-chunk"
)

// metaDoc is the persisted session metadata document.
type metaDoc struct {
	SchemaVersion int `json:"schemaVersion"`
	core.SessionMeta
}

// chunkDoc is one persisted chunk file: a bounded run of media items of a
// single type. Exactly one of the item slices is populated, selected by
// MediaType.
type chunkDoc struct {
	SchemaVersion int            `json:"schemaVersion"`
	SessionID     string         `json:"sessionId"`
	MediaType     core.MediaType `json:"mediaType"`
	ChunkIndex    int            `json:"chunkIndex"`

	Screenshots   []core.Screenshot   `json:"screenshots,omitempty"`
	AudioSegments []core.AudioSegment `json:"audioSegments,omitempty"`
	VideoChunks   []core.VideoChunk   `json:"videoChunks,omitempty"`
}

func (d *chunkDoc) clone() *chunkDoc {
	out := *d
	out.Screenshots = append([]core.Screenshot(nil), d.Screenshots...)
	out.AudioSegments = append([]core.AudioSegment(nil), d.AudioSegments...)
	out.VideoChunks = append([]core.VideoChunk(nil), d.VideoChunks...)
	return &out
}

// sessionState is the resident view of one session: its metadata, the
// open tail chunk per media type, and any sealed chunks whose durable
// writes are still queued. Sealed chunks otherwise live on disk and in
// the read cache; only the tail is mutable.
type sessionState struct {
	meta   *core.SessionMeta
	tails  map[core.MediaType]*chunkDoc
	pinned map[chunkRef]*chunkDoc
}

func newSessionState(meta *core.SessionMeta) *sessionState {
	return &sessionState{
		meta:   meta,
		tails:  make(map[core.MediaType]*chunkDoc),
		pinned: make(map[chunkRef]*chunkDoc),
	}
}

// sessionTable is the resident session set. It is the authority for
// metadata reads, which is what makes appends read-your-writes before the
// durable write lands.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*sessionState)}
}

func (t *sessionTable) get(id string) (*sessionState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.sessions[id]
	return st, ok
}

func (t *sessionTable) put(st *sessionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[st.meta.ID] = st
}

func (t *sessionTable) delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

func (t *sessionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// all returns a clone of every resident session's metadata.
func (t *sessionTable) all() []*core.SessionMeta {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*core.SessionMeta, 0, len(t.sessions))
	for _, st := range t.sessions {
		out = append(out, st.meta.Clone())
	}
	return out
}

func isMetadataPath(path string) bool {
	return strings.HasPrefix(path, storage.SessionsPrefix()) &&
		strings.HasSuffix(path, "/metadata.json")
}

func sessionCachePrefix(id string) string {
	return "session:" + id + ":"
}

func chunkCacheKey(id string, mt core.MediaType, chunkIndex int) string {
	return fmt.Sprintf("%schunk:%s:%d", sessionCachePrefix(id), mt, chunkIndex)
}

// CreateSession registers a new session and blocks until its metadata
// document is durable. Missing fields get defaults: a fresh id, a start
// time of now, and recording status.
func (e *Engine) CreateSession(ctx context.Context, meta *core.SessionMeta) (*core.SessionMeta, error) {
	if meta == nil {
		return nil, core.ErrInvalidSession
	}

	m := meta.Clone()
	if m.ID == "" {
		m.ID = core.NewID()
	}
	if m.StartTime.IsZero() {
		m.StartTime = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = core.StatusRecording
	}
	m.Chunks = core.SessionChunks{}
	m.UpdatedAt = time.Now().UTC()

	if err := core.ValidateSessionMeta(m); err != nil {
		return nil, err
	}
	if _, exists := e.state.get(m.ID); exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, m.ID)
	}

	data, err := storage.EncodeDocument(metaDoc{SchemaVersion: core.SchemaVersion, SessionMeta: *m})
	if err != nil {
		return nil, err
	}
	job := queue.SaveJob(metaDocKind, "session-meta:"+m.ID,
		queue.PriorityCritical, storage.SessionMetadataPath(m.ID), data)
	if err := e.queue.EnqueueCritical(ctx, job); err != nil {
		return nil, fmt.Errorf("persisting session %s: %w", m.ID, err)
	}

	e.state.put(newSessionState(m))
	if err := e.indexes.UpdateEntity(indexEntity(m)); err != nil {
		e.logger.Error("error indexing new session", "id", m.ID, "err", err)
	}

	e.logger.Info("session created", "id", m.ID, "name", m.Name)
	return m.Clone(), nil
}

// LoadMetadata returns a session's metadata. The resident table is the
// authority, so queued-but-not-yet-durable updates are visible.
func (e *Engine) LoadMetadata(ctx context.Context, id string) (*core.SessionMeta, error) {
	st, ok := e.state.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: session %s", storage.ErrNotFound, id)
	}

	e.state.mu.RLock()
	defer e.state.mu.RUnlock()
	return st.meta.Clone(), nil
}

// ListSessions returns the summary view of every session, newest first.
func (e *Engine) ListSessions(ctx context.Context) []core.SessionSummary {
	metas := e.state.all()
	out := make([]core.SessionSummary, 0, len(metas))
	for _, m := range metas {
		out = append(out, m.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpdateSession applies the caller-editable metadata fields and persists
// the document as one coalesced write. Chunk accounting and the start
// time are owned by the engine and cannot be changed here.
func (e *Engine) UpdateSession(ctx context.Context, meta *core.SessionMeta) (*core.SessionMeta, error) {
	if meta == nil || meta.ID == "" {
		return nil, core.ErrInvalidSession
	}

	e.state.mu.Lock()
	st, ok := e.state.sessions[meta.ID]
	if !ok {
		e.state.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s", storage.ErrNotFound, meta.ID)
	}

	m := st.meta
	m.Name = meta.Name
	m.Category = meta.Category
	m.Tags = append([]string(nil), meta.Tags...)
	m.Topics = append([]string(nil), meta.Topics...)
	m.Status = meta.Status
	m.Notes = meta.Notes
	m.Transcript = meta.Transcript
	m.Duration = meta.Duration
	if meta.EndTime != nil {
		t := *meta.EndTime
		m.EndTime = &t
	}
	m.UpdatedAt = time.Now().UTC()

	if err := core.ValidateSessionMeta(m); err != nil {
		e.state.mu.Unlock()
		return nil, err
	}
	updated := m.Clone()
	e.state.mu.Unlock()

	if err := e.persistMeta(updated); err != nil {
		return nil, err
	}
	if err := e.indexes.UpdateEntity(indexEntity(updated)); err != nil {
		e.logger.Error("error reindexing session", "id", updated.ID, "err", err)
	}
	return updated, nil
}

// persistMeta schedules a coalesced metadata write. Rapid updates to the
// same session collapse into one durable write.
func (e *Engine) persistMeta(m *core.SessionMeta) error {
	data, err := storage.EncodeDocument(metaDoc{SchemaVersion: core.SchemaVersion, SessionMeta: *m})
	if err != nil {
		return err
	}
	job := queue.SaveJob(metaDocKind, "session-meta:"+m.ID,
		queue.PriorityNormal, storage.SessionMetadataPath(m.ID), data)
	return e.queue.Enqueue(job)
}

// DeleteSession removes a session, its chunk files, and its claims on
// attachment blobs, as one critical batch. Blobs it referenced become
// GC-eligible but are reclaimed only by an explicit sweep. Unknown ids
// are a no-op.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	st, ok := e.state.get(id)
	if !ok {
		e.logger.Debug("delete of unknown session ignored", "id", id)
		return nil
	}

	// Hydrate first: the item records carry the attachment claims that
	// must be released.
	session, err := e.LoadFullSession(ctx, id)
	if err != nil {
		return fmt.Errorf("loading session %s for delete: %w", id, err)
	}

	for _, s := range session.Screenshots {
		if err := e.attachments.RemoveReference(ctx, s.AttachmentID, id, s.ID); err != nil {
			return err
		}
	}
	for _, a := range session.AudioSegments {
		if err := e.attachments.RemoveReference(ctx, a.AttachmentID, id, a.ID); err != nil {
			return err
		}
	}
	for _, v := range session.VideoChunks {
		if err := e.attachments.RemoveReference(ctx, v.AttachmentID, id, v.ID); err != nil {
			return err
		}
	}

	ops := []queue.Op{{Path: storage.SessionMetadataPath(id), Delete: true}}
	e.state.mu.RLock()
	for _, mt := range []core.MediaType{core.MediaScreenshots, core.MediaAudio, core.MediaVideo} {
		cc := st.meta.Chunks.ByType(mt)
		for i := 0; i < cc.ChunkCount; i++ {
			ops = append(ops, queue.Op{Path: storage.ChunkPath(id, mt, i), Delete: true})
		}
	}
	e.state.mu.RUnlock()

	job := &queue.Job{Kind: "session-delete", Target: "session-delete:" + id, Ops: ops}
	if err := e.queue.EnqueueCritical(ctx, job); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}

	e.state.delete(id)
	e.indexes.RemoveEntity(id)
	e.cache.InvalidatePrefix(sessionCachePrefix(id))

	e.logger.Info("session deleted", "id", id,
		"screenshots", len(session.Screenshots),
		"audioSegments", len(session.AudioSegments),
		"videoChunks", len(session.VideoChunks))
	return nil
}

// AppendScreenshot stores the image bytes in the attachment store,
// records the session's claim on them, and appends the screenshot record
// to the session's screenshot stream.
func (e *Engine) AppendScreenshot(ctx context.Context, sessionID string, imageData []byte, shot core.Screenshot) (*core.Screenshot, error) {
	if err := e.prepareAppend(ctx, sessionID, imageData, &shot.ID, &shot.AttachmentID, &shot.Timestamp); err != nil {
		return nil, err
	}

	err := e.appendItem(ctx, sessionID, core.MediaScreenshots, func(d *chunkDoc) {
		d.Screenshots = append(d.Screenshots, shot)
	})
	if err != nil {
		return nil, err
	}
	return &shot, nil
}

// AppendAudioSegment stores the audio bytes in the attachment store and
// appends the segment record to the session's audio stream.
func (e *Engine) AppendAudioSegment(ctx context.Context, sessionID string, audioData []byte, seg core.AudioSegment) (*core.AudioSegment, error) {
	if err := e.prepareAppend(ctx, sessionID, audioData, &seg.ID, &seg.AttachmentID, &seg.Timestamp); err != nil {
		return nil, err
	}

	err := e.appendItem(ctx, sessionID, core.MediaAudio, func(d *chunkDoc) {
		d.AudioSegments = append(d.AudioSegments, seg)
	})
	if err != nil {
		return nil, err
	}
	return &seg, nil
}

// AppendVideoChunk stores the video bytes in the attachment store and
// appends the chunk record to the session's video stream.
func (e *Engine) AppendVideoChunk(ctx context.Context, sessionID string, videoData []byte, vc core.VideoChunk) (*core.VideoChunk, error) {
	if err := e.prepareAppend(ctx, sessionID, videoData, &vc.ID, &vc.AttachmentID, &vc.Timestamp); err != nil {
		return nil, err
	}

	err := e.appendItem(ctx, sessionID, core.MediaVideo, func(d *chunkDoc) {
		d.VideoChunks = append(d.VideoChunks, vc)
	})
	if err != nil {
		return nil, err
	}
	return &vc, nil
}

// prepareAppend runs the shared front half of every media append: the
// free-space check, the session existence check, the attachment save,
// and the reference claim. On success the item's id, attachment id, and
// timestamp fields are filled in.
func (e *Engine) prepareAppend(ctx context.Context, sessionID string, data []byte, itemID, attachmentID *string, ts *time.Time) error {
	if err := e.checkFreeSpace(ctx, int64(len(data))); err != nil {
		return err
	}
	if _, ok := e.state.get(sessionID); !ok {
		return fmt.Errorf("%w: session %s", storage.ErrNotFound, sessionID)
	}

	hash, err := e.SaveAttachment(ctx, data)
	if err != nil {
		return err
	}

	if *itemID == "" {
		*itemID = core.NewID()
	}
	*attachmentID = hash
	if ts.IsZero() {
		*ts = time.Now().UTC()
	}

	return e.attachments.AddReference(ctx, hash, sessionID, *itemID)
}

// appendItem adds one media item to the session's open tail chunk,
// sealing and rolling to a new chunk at capacity, then schedules the
// chunk and metadata writes. Both writes coalesce per target, so a burst
// of appends becomes one chunk write and one metadata write.
func (e *Engine) appendItem(ctx context.Context, sessionID string, mt core.MediaType, add func(*chunkDoc)) error {
	capacity := core.ChunkCapacity(mt)
	if capacity == 0 {
		return fmt.Errorf("%w: %q", core.ErrInvalidMediaType, mt)
	}

	e.state.mu.Lock()
	st, ok := e.state.sessions[sessionID]
	if !ok {
		e.state.mu.Unlock()
		return fmt.Errorf("%w: session %s", storage.ErrNotFound, sessionID)
	}

	cc := st.meta.Chunks.ByType(mt)
	tail := st.tails[mt]
	switch {
	case cc.Count%capacity == 0:
		// Previous chunk sealed (or stream empty). Pin the sealed doc so
		// reads keep seeing it while its write is queued, then open the
		// next chunk.
		if tail != nil {
			e.pinSealedChunk(st, tail)
		}
		tail = &chunkDoc{
			SchemaVersion: core.SchemaVersion,
			SessionID:     sessionID,
			MediaType:     mt,
			ChunkIndex:    cc.ChunkCount,
		}
		st.tails[mt] = tail
		cc.ChunkCount++
	case tail == nil:
		// Partial tail exists on disk but is not resident, which happens
		// on the first append after reopening the store.
		loaded, err := e.loadChunkDoc(ctx, sessionID, mt, cc.ChunkCount-1)
		if err != nil {
			e.state.mu.Unlock()
			return fmt.Errorf("loading tail chunk: %w", err)
		}
		tail = loaded
		st.tails[mt] = tail
	}

	add(tail)
	cc.Count++
	st.meta.UpdatedAt = time.Now().UTC()

	chunkData, err := storage.EncodeDocument(tail)
	if err != nil {
		e.state.mu.Unlock()
		return err
	}
	meta := st.meta.Clone()
	chunkIndex := tail.ChunkIndex
	e.state.mu.Unlock()

	// The resident tail is now newer than any cached copy.
	e.cache.Invalidate(chunkCacheKey(sessionID, mt, chunkIndex))

	chunkJob := queue.SaveJob(chunkDocKind,
		fmt.Sprintf("chunk:%s:%s:%d", sessionID, mt, chunkIndex),
		queue.PriorityNormal, storage.ChunkPath(sessionID, mt, chunkIndex), chunkData)
	if err := e.queue.Enqueue(chunkJob); err != nil {
		return err
	}
	return e.persistMeta(meta)
}

// pinSealedChunk keeps a just-sealed chunk resident until the queue
// confirms its durable write, which keeps reads consistent even if the
// cached copy is evicted or the cache is cleared first. A failed or
// abandoned write leaves the pin in place, so callers never lose sight
// of items they successfully appended. Caller holds e.state.mu.
func (e *Engine) pinSealedChunk(st *sessionState, tail *chunkDoc) {
	sealed := tail.clone()
	data, err := storage.EncodeDocument(sealed)
	if err != nil {
		e.logger.Error("error encoding sealed chunk", "session", sealed.SessionID,
			"mediaType", sealed.MediaType, "chunk", sealed.ChunkIndex, "err", err)
		return
	}

	ref := chunkRef{sealed.MediaType, sealed.ChunkIndex}
	st.pinned[ref] = sealed
	e.cache.Put(chunkCacheKey(sealed.SessionID, sealed.MediaType, sealed.ChunkIndex),
		sealed, int64(len(data)))

	// The final payload is already queued by the last append into this
	// chunk, but that write carries no completion signal. Enqueue the same
	// payload with one; it coalesces with the queued job, or no-ops on its
	// fingerprint if the write already landed.
	job := queue.SaveJob(chunkDocKind,
		fmt.Sprintf("chunk:%s:%s:%d", sealed.SessionID, sealed.MediaType, sealed.ChunkIndex),
		queue.PriorityNormal,
		storage.ChunkPath(sealed.SessionID, sealed.MediaType, sealed.ChunkIndex), data)
	done, err := e.queue.EnqueueNotify(job)
	if err != nil {
		return
	}
	go func() {
		if err := <-done; err != nil {
			return
		}
		e.state.mu.Lock()
		delete(st.pinned, ref)
		e.state.mu.Unlock()
	}()
}

// loadChunkDoc reads one chunk file, consulting the cache first. Sealed
// chunks are immutable, so cached copies never go stale.
func (e *Engine) loadChunkDoc(ctx context.Context, sessionID string, mt core.MediaType, chunkIndex int) (*chunkDoc, error) {
	key := chunkCacheKey(sessionID, mt, chunkIndex)
	if v, ok := e.cache.Get(key); ok {
		return v.(*chunkDoc).clone(), nil
	}

	var doc chunkDoc
	path := storage.ChunkPath(sessionID, mt, chunkIndex)
	if err := storage.LoadDocument(ctx, e.adapter, chunkDocKind, path, e.migrations, &doc); err != nil {
		return nil, err
	}

	data, _ := storage.EncodeDocument(&doc)
	e.cache.Put(key, doc.clone(), int64(len(data)))
	return &doc, nil
}

// chunkRef identifies one chunk of a session by media type and index.
type chunkRef struct {
	mt         core.MediaType
	chunkIndex int
}

// LoadFullSession hydrates a session: metadata plus every media item in
// chunk order. Durable chunks are fetched concurrently through the worker
// pool; the open tail chunks and pinned sealed chunks come from resident
// state, so the caller sees appends that are still queued for durability.
func (e *Engine) LoadFullSession(ctx context.Context, id string) (*core.Session, error) {
	e.state.mu.RLock()
	st, ok := e.state.sessions[id]
	if !ok {
		e.state.mu.RUnlock()
		return nil, fmt.Errorf("%w: session %s", storage.ErrNotFound, id)
	}
	meta := st.meta.Clone()
	resident := make(map[chunkRef]*chunkDoc)
	for ref, doc := range st.pinned {
		resident[ref] = doc.clone()
	}
	for mt, tail := range st.tails {
		resident[chunkRef{mt, tail.ChunkIndex}] = tail.clone()
	}
	e.state.mu.RUnlock()

	var refs []chunkRef
	for _, mt := range []core.MediaType{core.MediaScreenshots, core.MediaAudio, core.MediaVideo} {
		cc := meta.Chunks.ByType(mt)
		for i := 0; i < cc.ChunkCount; i++ {
			refs = append(refs, chunkRef{mt, i})
		}
	}

	docs := make(map[chunkRef]*chunkDoc, len(refs))
	var (
		docsMu   sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	for _, ref := range refs {
		if doc, ok := resident[ref]; ok {
			docs[ref] = doc
			continue
		}

		ref := ref
		wg.Add(1)
		submitErr := e.pool.Submit(func() {
			defer wg.Done()
			doc, err := e.loadChunkDoc(ctx, id, ref.mt, ref.chunkIndex)
			docsMu.Lock()
			defer docsMu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("chunk %s-%d: %w", ref.mt, ref.chunkIndex, err)
				}
				return
			}
			docs[ref] = doc
		})
		if submitErr != nil {
			wg.Done()
			return nil, submitErr
		}
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	session := &core.Session{Meta: meta}
	for _, mt := range []core.MediaType{core.MediaScreenshots, core.MediaAudio, core.MediaVideo} {
		cc := meta.Chunks.ByType(mt)
		for i := 0; i < cc.ChunkCount; i++ {
			doc := docs[chunkRef{mt, i}]
			if doc == nil {
				return nil, fmt.Errorf("%w: chunk %s-%d of session %s",
					storage.ErrCorrupted, mt, i, id)
			}
			session.Screenshots = append(session.Screenshots, doc.Screenshots...)
			session.AudioSegments = append(session.AudioSegments, doc.AudioSegments...)
			session.VideoChunks = append(session.VideoChunks, doc.VideoChunks...)
		}
	}
	return session, nil
}
