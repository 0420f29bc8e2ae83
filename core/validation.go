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


package core

import (
	"fmt"
	"time"
)

// ValidateSessionMeta validates session metadata according to domain rules.
//
// Validation rules:
//   - ID must not be empty
//   - Name must not be empty
//   - StartTime must not be in the future
//
// NOT validated (derived or maintained by the engine):
//   - Chunks (counts are owned by the append path)
//   - UpdatedAt (stamped on every mutation)
func ValidateSessionMeta(meta *SessionMeta) error {
	if meta == nil {
		return fmt.Errorf("%w: metadata is nil", ErrInvalidSession)
	}

	if meta.ID == "" {
		return fmt.Errorf("%w: %w", ErrInvalidSession, ErrEmptySessionID)
	}

	if meta.Name == "" {
		return fmt.Errorf("%w: %w", ErrInvalidSession, ErrEmptySessionName)
	}

	if !IsValidTimestamp(meta.StartTime) {
		return fmt.Errorf("%w: %w", ErrInvalidSession, ErrInvalidTimestamp)
	}

	return nil
}

// ValidateMediaType validates that a MediaType has a known value.
func ValidateMediaType(mt MediaType) error {
	if ChunkCapacity(mt) == 0 {
		return fmt.Errorf("%w: %q", ErrInvalidMediaType, mt)
	}
	return nil
}

// IsValidTimestamp checks if a timestamp is valid (not in the future).
func IsValidTimestamp(ts time.Time) bool {
	return !ts.After(time.Now())
}
