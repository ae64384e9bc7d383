/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mapping

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/jordigilh/vectorgate/pkg/models"
)

// CollectionRef extracts the path segment that references a collection: the
// segment immediately after "collections". It may be a client-facing name or
// a backend-assigned identifier. The query string, if present, is ignored.
func CollectionRef(path string) (string, bool) {
	path, _, _ = strings.Cut(path, "?")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		if seg == "collections" && i+1 < len(segments) && segments[i+1] != "" {
			return segments[i+1], true
		}
	}
	return "", false
}

// IsIdentifier reports whether the collection reference is a backend-assigned
// identifier rather than a name. Backends assign canonical UUIDs; anything
// else is treated as a name.
func IsIdentifier(ref string) bool {
	if len(ref) != 36 {
		return false
	}
	_, err := uuid.Parse(ref)
	return err == nil
}

// RewritePath translates the collection identifier in path into the
// identifier the target instance knows. Behavior:
//
//   - no collection segment, or a name: the path is returned unchanged;
//   - an identifier already belonging to the target: returned unchanged;
//   - an identifier belonging to the other instance: substituted with the
//     target's identifier;
//   - an identifier with no mapping, or a mapping missing the target's side:
//     the original path is returned together with ErrUnmapped.
//
// A wrong-instance identifier therefore always yields either a rewrite or an
// explicit ErrUnmapped, never a silent pass-through.
func (s *Store) RewritePath(ctx context.Context, path string, target models.InstanceName) (string, error) {
	ref, ok := CollectionRef(path)
	if !ok || !IsIdentifier(ref) {
		return path, nil
	}

	m, err := s.resolveByID(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return path, ErrUnmapped
	}
	if err != nil {
		return path, err
	}

	targetID, ok := m.IDOn(target)
	if !ok {
		return path, ErrUnmapped
	}
	if targetID == ref {
		return path, nil
	}
	return replaceCollectionRef(path, targetID), nil
}

// replaceCollectionRef swaps the segment after "collections" for id,
// preserving any trailing segments and the query string.
func replaceCollectionRef(path, id string) string {
	base, query, hasQuery := strings.Cut(path, "?")
	segments := strings.Split(base, "/")
	for i, seg := range segments {
		if seg == "collections" && i+1 < len(segments) && segments[i+1] != "" {
			segments[i+1] = id
			break
		}
	}
	out := strings.Join(segments, "/")
	if hasQuery {
		out += "?" + query
	}
	return out
}
