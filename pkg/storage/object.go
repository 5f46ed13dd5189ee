// Copyright 2025 The agentmesh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// nowFunc is swapped in tests.
var nowFunc = time.Now

// FSObject implements Object on an afero filesystem. Object metadata is kept
// in a sidecar file next to the body so the store survives restarts.
type FSObject struct {
	mtx  sync.Mutex
	fs   afero.Fs
	root string
}

// NewFSObject creates the root directory if needed.
func NewFSObject(fs afero.Fs, root string) (*FSObject, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object root: %w", err)
	}
	return &FSObject{fs: fs, root: root}, nil
}

const metaSuffix = ".meta.json"

func (o *FSObject) bodyPath(key string) string {
	return path.Join(o.root, key)
}

func (o *FSObject) readInfo(key string) (*ObjectInfo, error) {
	raw, err := afero.ReadFile(o.fs, o.bodyPath(key)+metaSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read object meta %q: %w", key, err)
	}
	var info ObjectInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode object meta %q: %w", key, err)
	}
	return &info, nil
}

func (o *FSObject) Get(_ context.Context, key string) ([]byte, *ObjectInfo, error) {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	info, err := o.readInfo(key)
	if err != nil {
		return nil, nil, err
	}
	body, err := afero.ReadFile(o.fs, o.bodyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("read object %q: %w", key, err)
	}
	return body, info, nil
}

func (o *FSObject) Put(_ context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	p := o.bodyPath(key)
	if err := o.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	if err := afero.WriteFile(o.fs, p, body, 0o644); err != nil {
		return fmt.Errorf("write object %q: %w", key, err)
	}
	info := ObjectInfo{
		Key:         key,
		Size:        int64(len(body)),
		ContentType: contentType,
		Metadata:    metadata,
		Uploaded:    nowFunc(),
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode object meta %q: %w", key, err)
	}
	if err := afero.WriteFile(o.fs, p+metaSuffix, raw, 0o644); err != nil {
		return fmt.Errorf("write object meta %q: %w", key, err)
	}
	return nil
}

func (o *FSObject) Delete(_ context.Context, key string) error {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	p := o.bodyPath(key)
	if err := o.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object %q: %w", key, err)
	}
	if err := o.fs.Remove(p + metaSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object meta %q: %w", key, err)
	}
	return nil
}

func (o *FSObject) List(_ context.Context, prefix string, limit int) ([]ObjectInfo, error) {
	o.mtx.Lock()
	defer o.mtx.Unlock()

	var infos []ObjectInfo
	err := afero.Walk(o.fs, o.root, func(p string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() || !strings.HasSuffix(p, metaSuffix) {
			return err
		}
		key := strings.TrimSuffix(strings.TrimPrefix(p, o.root+"/"), metaSuffix)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, rerr := o.readInfo(key)
		if rerr != nil {
			return rerr
		}
		infos = append(infos, *info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects %q: %w", prefix, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

func (o *FSObject) Head(_ context.Context, key string) (*ObjectInfo, error) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	return o.readInfo(key)
}
