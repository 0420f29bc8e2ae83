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
	"time"

	"github.com/poiesic/sessionvault/core"
	"github.com/poiesic/sessionvault/index"
)

// SearchQuery selects sessions by any combination of free text, tags,
// topics, category, status, and time range. Every populated field is one
// or more match clauses; by default all clauses must match.
type SearchQuery struct {
	// Text is tokenized and matched against session names, notes, and
	// transcripts.
	Text     string
	Tags     []string
	Topics   []string
	Category string
	Status   core.SessionStatus
	// From and To bound the session start time, half-open: From
	// inclusive, To exclusive. Zero values leave the bound open.
	From time.Time
	To   time.Time
	// MatchAny switches clause combination from AND to OR.
	MatchAny bool
}

// SearchResult is one search hit: the session's summary plus how many
// query clauses it matched.
type SearchResult struct {
	Summary    core.SessionSummary `json:"summary"`
	MatchCount int                 `json:"matchCount"`
}

// Search runs a structured query against the reverse indexes and returns
// matching sessions best first: by clause match count, then recency. An
// empty query matches nothing.
func (e *Engine) Search(ctx context.Context, q SearchQuery) ([]SearchResult, error) {
	op := index.OpAnd
	if q.MatchAny {
		op = index.OpOr
	}

	hits := e.indexes.Search(index.Query{
		Text:     q.Text,
		Tags:     q.Tags,
		Topics:   q.Topics,
		Category: q.Category,
		Status:   string(q.Status),
		From:     q.From,
		To:       q.To,
		Operator: op,
	})

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		meta, err := e.LoadMetadata(ctx, hit.ID)
		if err != nil {
			// Index and resident table can briefly disagree around a
			// concurrent delete. Skip the orphan.
			e.logger.Debug("dropping stale search hit", "id", hit.ID, "err", err)
			continue
		}
		results = append(results, SearchResult{
			Summary:    meta.Summary(),
			MatchCount: hit.MatchCount,
		})
	}
	return results, nil
}
