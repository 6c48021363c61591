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

package invoker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"

	"github.com/wasmfaas/host/internal/reqcontext"
)

// twoExportWasm is a hand-assembled, minimal WebAssembly module exporting
// two no-op functions, "echo_POST" and "echo", used to exercise
// selectExport without a real guest binary.
var twoExportWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic, version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type section: func()->()
	0x03, 0x03, 0x02, 0x00, 0x00, // function section: two funcs of type 0
	0x07, 0x14, 0x02, // export section: 2 exports
	0x09, 'e', 'c', 'h', 'o', '_', 'P', 'O', 'S', 'T', 0x00, 0x00, // "echo_POST" -> func 0
	0x04, 'e', 'c', 'h', 'o', 0x00, 0x01, // "echo" -> func 1
	0x0a, 0x07, 0x02, 0x02, 0x00, 0x0b, 0x02, 0x00, 0x0b, // code section: two empty bodies
}

func compileTwoExportModule(t *testing.T) (wazero.Runtime, wazero.CompiledModule) {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { _ = rt.Close(ctx) })
	compiled, err := rt.CompileModule(ctx, twoExportWasm)
	require.NoError(t, err)
	return rt, compiled
}

func TestSelectExportPrefersHandlerMethodVariant(t *testing.T) {
	_, compiled := compileTwoExportModule(t)
	name, ok := selectExport(compiled, "echo", "post")
	require.True(t, ok)
	assert.Equal(t, "echo_POST", name)
}

func TestSelectExportFallsBackToHandlerName(t *testing.T) {
	_, compiled := compileTwoExportModule(t)
	name, ok := selectExport(compiled, "echo", "get")
	require.True(t, ok)
	assert.Equal(t, "echo", name)
}

func TestSelectExportNoMatchIs405(t *testing.T) {
	_, compiled := compileTwoExportModule(t)
	_, ok := selectExport(compiled, "missing", "get")
	assert.False(t, ok)
}

func TestHarvestDefaultsStatusTo204(t *testing.T) {
	rc := reqcontext.New("u", "f", "GET", "{}", "[]", "", reqcontext.NewBody(nil), "h", nil, nil)
	resp := harvest(rc)
	assert.Equal(t, 204, resp.Status)
	assert.Equal(t, "[]", resp.HeadersJSON)
	assert.Nil(t, resp.Body)
}

func TestHarvestUsesSetValues(t *testing.T) {
	rc := reqcontext.New("u", "f", "GET", "{}", "[]", "", reqcontext.NewBody(nil), "h", nil, nil)
	rc.SetResponseStatus(200)
	rc.SetResponse([]byte("ok"))
	rc.SetResponseHeaders([]byte(`[["x","y"]]`))
	resp := harvest(rc)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, `[["x","y"]]`, resp.HeadersJSON)
}

func TestLoadEnvAbsentFileYieldsEmpty(t *testing.T) {
	d := &Driver{WorkDir: t.TempDir(), EnvFile: "env.json"}
	assert.Nil(t, d.loadEnv())
}

func TestLoadEnvInvalidJSONYieldsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "env.json"), []byte("not json"), 0o644))
	d := &Driver{WorkDir: dir, EnvFile: "env.json"}
	assert.Nil(t, d.loadEnv())
}

func TestLoadEnvValidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "env.json"), []byte(`["FOO=bar","BAZ=qux"]`), 0o644))
	d := &Driver{WorkDir: dir, EnvFile: "env.json"}
	assert.Equal(t, []string{"FOO=bar", "BAZ=qux"}, d.loadEnv())
}

func TestLoadEnvDisabledWhenNoFileConfigured(t *testing.T) {
	d := &Driver{WorkDir: t.TempDir()}
	assert.Nil(t, d.loadEnv())
}
