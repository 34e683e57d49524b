// Copyright (c) 2026 John Earle
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

// Package blob stores attachment binaries and offloads Gmail attachments
// into it.
package blob

import (
	"context"
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// UploadInput describes one object to store. OrgKey namespaces the object.
type UploadInput struct {
	OrgKey   string
	FileName string
	Body     []byte
	MimeType string
}

// UploadResult is a stored object reference.
type UploadResult struct {
	URL  string
	Key  string
	Size int64
}

// Uploader persists binaries to blob storage.
type Uploader interface {
	Upload(ctx context.Context, in UploadInput) (UploadResult, error)
}

// ObjectKey builds an organisation-scoped key for a new object. Keys always
// start with orgs/{orgKey}/ so no object is addressable without its tenant.
func ObjectKey(orgKey, fileName string) (string, error) {
	org := sanitizeSegment(orgKey)
	switch org {
	case "":
		return "", fmt.Errorf("blob: empty org key")
	case ".", "..":
		return "", fmt.Errorf("blob: invalid org key %q", orgKey)
	}
	return path.Join("orgs", org, "attachments", uuid.NewString(), SanitizeFileName(fileName)), nil
}

// SanitizeFileName strips path separators and control characters.
func SanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = sanitizeSegment(name)
	if name == "" || name == "." || name == ".." {
		return "attachment"
	}
	return name
}

func sanitizeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
