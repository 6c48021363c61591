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

package modcache_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"

	"github.com/wasmfaas/host/internal/modcache"
)

// minimalWasm is a valid, empty WebAssembly module (magic + version only).
var minimalWasm = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

func writeModule(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, minimalWasm, 0o644))
	return p
}

func TestLoadCachesByStat(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	dir := t.TempDir()
	p := writeModule(t, dir, "a.wasm")

	c := modcache.New(4)
	first, err := c.Load(ctx, rt, p)
	require.NoError(t, err)
	second, err := c.Load(ctx, rt, p)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, c.Len())
}

func TestLoadRecompilesAfterModification(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	dir := t.TempDir()
	p := writeModule(t, dir, "a.wasm")

	c := modcache.New(4)
	first, err := c.Load(ctx, rt, p)
	require.NoError(t, err)

	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(p, later, later))

	second, err := c.Load(ctx, rt, p)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	dir := t.TempDir()
	c := modcache.New(2)

	for i := 0; i < 3; i++ {
		p := writeModule(t, dir, string(rune('a'+i))+".wasm")
		_, err := c.Load(ctx, rt, p)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())
}
