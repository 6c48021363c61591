/*
   Copyright The containerd Authors.

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

// Package modcache bounds the number of compiled guest modules a host
// process keeps around, keyed by the host path backing each one plus its
// modification time and size so an edited guest binary is never served
// stale.
package modcache

import (
	"container/list"
	"context"
	"os"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
)

// DefaultCapacity is the default number of compiled modules retained.
const DefaultCapacity = 32

type key struct {
	hostPath string
	modTime  time.Time
	size     int64
}

type entry struct {
	key      key
	compiled wazero.CompiledModule
}

// Cache is an LRU of compiled guest modules. The zero value is not usable;
// construct with New.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[key]*list.Element
}

// New constructs a Cache holding at most capacity compiled modules.
// capacity <= 0 is replaced with DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[key]*list.Element),
	}
}

// Load returns a compiled module for hostPath, compiling and caching it on
// a miss. Every stat-unchanged call for the same path reuses the same
// wazero.CompiledModule.
func (c *Cache) Load(ctx context.Context, rt wazero.Runtime, hostPath string) (wazero.CompiledModule, error) {
	info, err := os.Stat(hostPath)
	if err != nil {
		return nil, err
	}
	k := key{hostPath: hostPath, modTime: info.ModTime(), size: info.Size()}

	c.mu.Lock()
	if el, ok := c.index[k]; ok {
		c.ll.MoveToFront(el)
		compiled := el.Value.(*entry).compiled
		c.mu.Unlock()
		return compiled, nil
	}
	c.mu.Unlock()

	bin, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, err
	}
	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[k]; ok {
		// lost the race against a concurrent compile of the same key.
		c.ll.MoveToFront(el)
		_ = compiled.Close(ctx)
		return el.Value.(*entry).compiled, nil
	}
	el := c.ll.PushFront(&entry{key: k, compiled: compiled})
	c.index[k] = el
	c.evictLocked(ctx)
	return compiled, nil
}

func (c *Cache) evictLocked(ctx context.Context) {
	for c.ll.Len() > c.capacity {
		back := c.ll.Back()
		if back == nil {
			return
		}
		c.ll.Remove(back)
		ent := back.Value.(*entry)
		delete(c.index, ent.key)
		_ = ent.compiled.Close(ctx)
	}
}

// Close releases every cached compiled module.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.ll.Front(); el != nil; el = el.Next() {
		_ = el.Value.(*entry).compiled.Close(ctx)
	}
	c.ll.Init()
	c.index = make(map[key]*list.Element)
	return nil
}

// Len reports the number of compiled modules currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
