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

package router

import (
	"net/http"
	"strings"

	"github.com/jordigilh/vectorgate/pkg/models"
)

// readSubresources are POST endpoints that carry query payloads and must be
// treated as reads: they never mutate backend state and never enter the WAL.
var readSubresources = map[string]bool{
	"get":   true,
	"query": true,
	"count": true,
}

// Classify tags a request as a read or one of the write kinds. Only the
// method and path take part; payloads are opaque at this point.
func Classify(method, path string) models.OperationType {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	case http.MethodDelete:
		return models.OpWriteDelete
	default:
		return models.OpRead
	}

	base, _, _ := strings.Cut(path, "?")
	base = strings.TrimRight(base, "/")

	if method == http.MethodPost {
		if i := strings.LastIndex(base, "/"); i >= 0 && readSubresources[base[i+1:]] {
			return models.OpRead
		}
		if strings.HasSuffix(base, "/collections") {
			return models.OpWriteCreate
		}
	}
	return models.OpWriteData
}

// NormalizePath canonicalizes legacy collection paths to the tenant-scoped
// v2 shape. Already-canonical paths and non-collection paths pass through
// unchanged; the query string is preserved.
//
//	/api/v1/collections/foo/add  → /api/v2/tenants/T/databases/D/collections/foo/add
//	/api/v2/collections/foo/add  → /api/v2/tenants/T/databases/D/collections/foo/add
//	/api/v2/tenants/T/...        → unchanged
func NormalizePath(path, defaultTenant, defaultDatabase string) string {
	base, query, hasQuery := strings.Cut(path, "?")

	rest, legacy := strings.CutPrefix(base, "/api/v1/")
	if !legacy {
		rest, _ = strings.CutPrefix(base, "/api/v2/")
	}

	switch {
	case strings.HasPrefix(rest, "tenants/"):
		base = "/api/v2/" + rest
	case strings.HasPrefix(rest, "collections"):
		base = "/api/v2/tenants/" + defaultTenant + "/databases/" + defaultDatabase + "/" + rest
	case legacy:
		base = "/api/v2/" + rest
	}

	if hasQuery {
		return base + "?" + query
	}
	return base
}

// isCollectionLevelDelete reports whether the path addresses a collection
// itself rather than documents inside it: .../collections/{ref} with no
// trailing operation segment.
func isCollectionLevelDelete(method, path string) bool {
	if method != http.MethodDelete {
		return false
	}
	base, _, _ := strings.Cut(path, "?")
	segments := strings.Split(strings.Trim(base, "/"), "/")
	for i, seg := range segments {
		if seg == "collections" {
			return len(segments) == i+2
		}
	}
	return false
}
