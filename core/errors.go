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

import "errors"

// Domain validation errors
var (
	// ErrStorageFull indicates the backing store reported insufficient
	// space. Surfaced synchronously; the caller must free space.
	ErrStorageFull = errors.New("insufficient storage space")

	// ErrInvalidSession indicates session metadata failed validation.
	ErrInvalidSession = errors.New("invalid session")

	// ErrEmptySessionID indicates a session or operation is missing its ID.
	ErrEmptySessionID = errors.New("session id cannot be empty")

	// ErrEmptySessionName indicates the session Name field is empty.
	ErrEmptySessionName = errors.New("session name cannot be empty")

	// ErrInvalidMediaType indicates an unknown media type value.
	ErrInvalidMediaType = errors.New("invalid media type")

	// ErrEmptyAttachment indicates an attachment payload with no bytes.
	ErrEmptyAttachment = errors.New("attachment cannot be empty")

	// ErrInvalidTimestamp indicates a timestamp is in the future.
	ErrInvalidTimestamp = errors.New("timestamp cannot be in the future")
)
