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

package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DiskStore writes objects under a local directory. Used in development
// and by the backfill tool when no bucket is configured.
type DiskStore struct {
	dir     string
	baseURL string
}

// NewDiskStore creates a DiskStore rooted at dir. baseURL prefixes keys in
// returned URLs.
func NewDiskStore(dir, baseURL string) *DiskStore {
	return &DiskStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}
}

// Upload writes in.Body to dir/key.
func (d *DiskStore) Upload(ctx context.Context, in UploadInput) (UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return UploadResult{}, err
	}
	key, err := ObjectKey(in.OrgKey, in.FileName)
	if err != nil {
		return UploadResult{}, err
	}

	full := filepath.Join(d.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return UploadResult{}, fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.WriteFile(full, in.Body, 0o644); err != nil {
		return UploadResult{}, fmt.Errorf("write blob: %w", err)
	}

	return UploadResult{
		URL:  d.baseURL + "/" + escapeKey(key),
		Key:  key,
		Size: int64(len(in.Body)),
	}, nil
}
