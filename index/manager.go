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

// Package index maintains reverse indexes over session entities for
// sub-linear search.
//
// Six named indexes are kept: tag, topic, category, status, full-text
// token, and an ordered date index supporting range queries. Updates diff
// the entity's previous indexed state against the new one, so stale
// bucket entries never survive a mutation. Rebuilding from the
// authoritative entity set is deterministic: the same entities yield the
// same indexes and a byte-identical snapshot regardless of insertion
// order.
package index

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Entity is the indexed projection of a session. Text carries whatever
// free-form fields should be full-text searchable.
type Entity struct {
	ID        string
	Tags      []string
	Topics    []string
	Category  string
	Status    string
	Timestamp time.Time
	Text      string
}

func (e *Entity) clone() *Entity {
	out := *e
	out.Tags = append([]string(nil), e.Tags...)
	out.Topics = append([]string(nil), e.Topics...)
	return &out
}

// Operator combines query clauses.
type Operator string

const (
	// OpAnd intersects clause result sets.
	OpAnd Operator = "AND"
	// OpOr unions clause result sets.
	OpOr Operator = "OR"
)

// Query is a structured search request. Every populated field contributes
// one or more clauses; clauses combine per Operator.
type Query struct {
	Text     string
	Tags     []string
	Topics   []string
	Category string
	Status   string
	From     time.Time
	To       time.Time
	Operator Operator
}

// Result is one search hit.
type Result struct {
	ID         string
	MatchCount int
	Timestamp  time.Time
}

// Manager owns the reverse indexes. Lookups are synchronous and
// in-memory; durability comes from rebuildability plus the optional
// binary snapshot.
type Manager struct {
	logger *slog.Logger

	mu         sync.RWMutex
	tags       *bucketIndex
	topics     *bucketIndex
	categories *bucketIndex
	statuses   *bucketIndex
	tokens     *bucketIndex
	dates      *dateIndex
	entities   map[string]*Entity
}

// Option configures a Manager.
type Option func(*Manager) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) error {
		if logger == nil {
			logger = slog.Default()
		}
		m.logger = logger
		return nil
	}
}

// NewManager creates an empty index manager.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		logger:     slog.Default(),
		tags:       newBucketIndex(),
		topics:     newBucketIndex(),
		categories: newBucketIndex(),
		statuses:   newBucketIndex(),
		tokens:     newBucketIndex(),
		dates:      newDateIndex(),
		entities:   make(map[string]*Entity),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// UpdateEntity indexes an entity, diffing against its previously indexed
// state: ids leave stale buckets and enter new ones. Passing an entity
// for the first time is a plain insert.
func (m *Manager) UpdateEntity(e *Entity) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("entity must have an id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.entities[e.ID]
	m.diffBuckets(m.tags, oldTags(old), e.Tags, e.ID)
	m.diffBuckets(m.topics, oldTopics(old), e.Topics, e.ID)
	m.diffSingle(m.categories, oldCategory(old), e.Category, e.ID)
	m.diffSingle(m.statuses, oldStatus(old), e.Status, e.ID)
	m.diffTokens(old, e)

	if old != nil && !old.Timestamp.Equal(e.Timestamp) {
		m.dates.remove(old.Timestamp.UnixMicro(), e.ID)
	}
	if old == nil || !old.Timestamp.Equal(e.Timestamp) {
		m.dates.add(e.Timestamp.UnixMicro(), e.ID)
	}

	m.entities[e.ID] = e.clone()
	return nil
}

// RemoveEntity drops an entity from every index. Unknown ids are a no-op.
func (m *Manager) RemoveEntity(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.entities[id]
	if !ok {
		return
	}

	for _, tag := range old.Tags {
		m.tags.remove(tag, id)
	}
	for _, topic := range old.Topics {
		m.topics.remove(topic, id)
	}
	if old.Category != "" {
		m.categories.remove(old.Category, id)
	}
	if old.Status != "" {
		m.statuses.remove(old.Status, id)
	}
	for tok := range tokenSet(old.Text) {
		m.tokens.remove(tok, id)
	}
	m.dates.remove(old.Timestamp.UnixMicro(), id)
	delete(m.entities, id)
}

// Search resolves each populated query clause to a candidate id set and
// combines them with the requested operator (AND by default). Results are
// ordered by descending match count, ties broken by recency then id.
func (m *Manager) Search(q Query) []Result {
	op := q.Operator
	if op == "" {
		op = OpAnd
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var clauses []map[string]struct{}
	for _, tok := range Tokenize(q.Text) {
		clauses = append(clauses, m.tokens.lookup(tok))
	}
	for _, tag := range q.Tags {
		clauses = append(clauses, m.tags.lookup(tag))
	}
	for _, topic := range q.Topics {
		clauses = append(clauses, m.topics.lookup(topic))
	}
	if q.Category != "" {
		clauses = append(clauses, m.categories.lookup(q.Category))
	}
	if q.Status != "" {
		clauses = append(clauses, m.statuses.lookup(q.Status))
	}
	if !q.From.IsZero() || !q.To.IsZero() {
		from := int64(-1 << 62)
		to := int64(1<<62 - 1)
		if !q.From.IsZero() {
			from = q.From.UnixMicro()
		}
		if !q.To.IsZero() {
			to = q.To.UnixMicro()
		}
		clauses = append(clauses, m.dates.rangeQuery(from, to))
	}

	if len(clauses) == 0 {
		return nil
	}

	counts := make(map[string]int)
	for _, c := range clauses {
		for id := range c {
			counts[id]++
		}
	}

	var results []Result
	for id, count := range counts {
		if op == OpAnd && count < len(clauses) {
			continue
		}
		res := Result{ID: id, MatchCount: count}
		if ent, ok := m.entities[id]; ok {
			res.Timestamp = ent.Timestamp
		}
		results = append(results, res)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].MatchCount != results[j].MatchCount {
			return results[i].MatchCount > results[j].MatchCount
		}
		if !results[i].Timestamp.Equal(results[j].Timestamp) {
			return results[i].Timestamp.After(results[j].Timestamp)
		}
		return results[i].ID < results[j].ID
	})
	return results
}

// Rebuild reconstructs every index from the authoritative entity set,
// reporting progress if a tracker is provided. Entities are inserted in
// id order, so the same set always yields the same indexes.
func (m *Manager) Rebuild(entities []*Entity, progress *ProgressTracker) error {
	sorted := make([]*Entity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	m.mu.Lock()
	m.tags.reset()
	m.topics.reset()
	m.categories.reset()
	m.statuses.reset()
	m.tokens.reset()
	m.dates.reset()
	m.entities = make(map[string]*Entity, len(sorted))
	m.mu.Unlock()

	if progress != nil {
		progress.Start()
	}
	for _, e := range sorted {
		if err := m.UpdateEntity(e); err != nil {
			return fmt.Errorf("rebuilding index: %w", err)
		}
		if progress != nil {
			progress.Increment(1)
		}
	}
	if progress != nil {
		progress.Finish()
	}

	m.logger.Info("indexes rebuilt", "entities", len(sorted))
	return nil
}

// EntityCount returns the number of indexed entities.
func (m *Manager) EntityCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}

// entitiesSorted returns the indexed entities in id order. Snapshot input.
func (m *Manager) entitiesSorted() []*Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Entity, 0, len(m.entities))
	for _, e := range m.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) diffBuckets(idx *bucketIndex, oldValues, newValues []string, id string) {
	oldSet := make(map[string]struct{}, len(oldValues))
	for _, v := range oldValues {
		oldSet[v] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(newValues))
	for _, v := range newValues {
		newSet[v] = struct{}{}
	}

	for v := range oldSet {
		if _, keep := newSet[v]; !keep {
			idx.remove(v, id)
		}
	}
	for v := range newSet {
		if _, had := oldSet[v]; !had {
			idx.add(v, id)
		}
	}
}

func (m *Manager) diffSingle(idx *bucketIndex, oldValue, newValue, id string) {
	if oldValue == newValue {
		return
	}
	if oldValue != "" {
		idx.remove(oldValue, id)
	}
	if newValue != "" {
		idx.add(newValue, id)
	}
}

func (m *Manager) diffTokens(old, e *Entity) {
	var oldSet map[string]struct{}
	if old != nil {
		oldSet = tokenSet(old.Text)
	}
	newSet := tokenSet(e.Text)

	for tok := range oldSet {
		if _, keep := newSet[tok]; !keep {
			m.tokens.remove(tok, e.ID)
		}
	}
	for tok := range newSet {
		if _, had := oldSet[tok]; !had {
			m.tokens.add(tok, e.ID)
		}
	}
}

func oldTags(e *Entity) []string {
	if e == nil {
		return nil
	}
	return e.Tags
}

func oldTopics(e *Entity) []string {
	if e == nil {
		return nil
	}
	return e.Topics
}

func oldCategory(e *Entity) string {
	if e == nil {
		return ""
	}
	return e.Category
}

func oldStatus(e *Entity) string {
	if e == nil {
		return ""
	}
	return e.Status
}
