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

// Package invoker is the invocation driver: for one inbound request it
// selects an exported guest function, builds a fresh guest instance with
// the VFS, the context ABI, the TLS helper and the transport-crypto stub
// bound under their fixed module names, runs it, and harvests the
// response.
package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"

	"github.com/wasmfaas/host/internal/abi"
	"github.com/wasmfaas/host/internal/modcache"
	"github.com/wasmfaas/host/internal/reqcontext"
	"github.com/wasmfaas/host/internal/tlsreq"
	"github.com/wasmfaas/host/internal/vfs"
	"github.com/wasmfaas/host/internal/wasihost"
)

// Request carries everything the HTTP frontend parsed out of one inbound
// request.
type Request struct {
	FlowsUser   string
	FlowID      string
	Handler     string
	Method      string
	HeadersJSON string // [[name, value], ...]
	QueryJSON   string // {"k":"v", ...}
	Subpath     string
	Body        []byte
}

// Response is the (status, headers, body) triple the HTTP frontend writes
// back verbatim.
type Response struct {
	Status      int
	HeadersJSON string // [[name, value], ...]
	Body        []byte
}

// Record captures one completed invocation for out-of-band observability;
// it is not part of the HTTP response.
type Record struct {
	FlowID    string
	WasmFunc  string
	Status    int
	ErrorCode uint16
	ErrorLog  []byte
	Failed    bool
}

// Driver executes guest invocations against one guest binary path and one
// sandbox root directory.
type Driver struct {
	GuestPath string
	WorkDir   string
	EnvFile   string // relative to WorkDir; "" disables env loading

	Runtime  wazero.Runtime
	Modules  *modcache.Cache
	TLS      *tlsreq.Client
	Log      *logrus.Entry
}

// NewDriver constructs a Driver with a fresh wazero runtime and module
// cache. Callers own the returned Driver's lifetime and must call Close.
func NewDriver(ctx context.Context, guestPath, workDir, envFile string, tlsClient *tlsreq.Client, log *logrus.Entry) *Driver {
	return &Driver{
		GuestPath: guestPath,
		WorkDir:   workDir,
		EnvFile:   envFile,
		Runtime:   wazero.NewRuntime(ctx),
		Modules:   modcache.New(modcache.DefaultCapacity),
		TLS:       tlsClient,
		Log:       log,
	}
}

// Close tears down the runtime and every cached compiled module.
func (d *Driver) Close(ctx context.Context) error {
	_ = d.Modules.Close(ctx)
	return d.Runtime.Close(ctx)
}

// Invoke runs one request end to end, never returning an error for
// guest-side failures: those become a 500/405 Response per the driver
// contract. A non-nil error here means the host itself could not proceed
// (e.g. the guest binary could not be loaded).
func (d *Driver) Invoke(ctx context.Context, req Request) (Response, Record, error) {
	compiled, err := d.Modules.Load(ctx, d.Runtime, d.GuestPath)
	if err != nil {
		return Response{}, Record{}, fmt.Errorf("invoker: load guest module: %w", err)
	}

	export, ok := selectExport(compiled, req.Handler, req.Method)
	if !ok {
		return Response{Status: 405}, Record{Status: 405}, nil
	}

	env := d.loadEnv()
	body := reqcontext.NewBody(req.Body)
	rc := reqcontext.New(req.FlowsUser, req.FlowID, req.Method, req.QueryJSON, req.HeadersJSON, req.Subpath,
		body, export, env, []reqcontext.Preopen{{GuestPath: "/", HostPath: d.WorkDir}})

	v, err := vfs.New(d.WorkDir)
	if err != nil {
		return Response{}, Record{}, fmt.Errorf("invoker: open sandbox root: %w", err)
	}
	defer v.Close()

	resp, record, failed := d.runGuest(ctx, compiled, rc, v)
	if failed {
		return Response{Status: 500}, record, nil
	}
	return resp, record, nil
}

// runGuest performs instance assembly, execution, and harvest (steps 3-6).
// The bool result reports whether the invocation trapped.
func (d *Driver) runGuest(ctx context.Context, compiled wazero.CompiledModule, rc *reqcontext.Context, v *vfs.VFS) (Response, Record, bool) {
	wasiMod, err := wasihost.Instantiate(ctx, d.Runtime, v)
	if err != nil {
		return Response{}, failRecord(rc, err), true
	}
	defer wasiMod.Close(ctx)

	envMod, err := abi.Instantiate(ctx, d.Runtime, rc)
	if err != nil {
		return Response{}, failRecord(rc, err), true
	}
	defer envMod.Close(ctx)

	tlsMod, err := d.TLS.Instantiate(ctx, d.Runtime, d.Log)
	if err != nil {
		return Response{}, failRecord(rc, err), true
	}
	defer tlsMod.Close(ctx)

	rustlsMod, err := instantiateRustlsStub(ctx, d.Runtime, compiled)
	if err != nil {
		return Response{}, failRecord(rc, err), true
	}
	defer rustlsMod.Close(ctx)

	guest, err := d.Runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return Response{}, failRecord(rc, err), true
	}
	defer guest.Close(ctx)

	fn := guest.ExportedFunction(rc.WasmFunc)
	if fn == nil {
		return Response{Status: 405}, Record{WasmFunc: rc.WasmFunc, Status: 405}, false
	}

	if _, err := fn.Call(ctx); err != nil {
		d.Log.WithError(err).WithField("wasm_func", rc.WasmFunc).Warn("guest invocation trapped")
		return Response{}, failRecord(rc, err), true
	}

	resp := harvest(rc)
	return resp, recordFrom(rc, resp), false
}

// harvest implements §4.E step 5.
func harvest(rc *reqcontext.Context) Response {
	status := int(rc.ResponseStatus())
	if status == 0 {
		status = 204
	}
	headersJSON := "[]"
	if hb, ok := rc.ResponseHeaders(); ok {
		headersJSON = string(hb)
	}
	var body []byte
	if b, ok := rc.Response(); ok {
		body = b
	}
	return Response{Status: status, HeadersJSON: headersJSON, Body: body}
}

func recordFrom(rc *reqcontext.Context, resp Response) Record {
	return Record{
		FlowID:    rc.FlowID,
		WasmFunc:  rc.WasmFunc,
		Status:    resp.Status,
		ErrorCode: rc.ErrorCode(),
		ErrorLog:  rc.ErrorLog(),
	}
}

func failRecord(rc *reqcontext.Context, err error) Record {
	return Record{
		FlowID:    rc.FlowID,
		WasmFunc:  rc.WasmFunc,
		Status:    500,
		ErrorCode: rc.ErrorCode(),
		ErrorLog:  []byte(err.Error()),
		Failed:    true,
	}
}

// selectExport implements §4.E step 1: "{handler}_{METHOD}" then
// "{handler}" then none.
func selectExport(compiled wazero.CompiledModule, handler, method string) (string, bool) {
	candidates := []string{handler + "_" + strings.ToUpper(method), handler}
	exports := compiled.ExportedFunctions()
	for _, name := range candidates {
		if _, ok := exports[name]; ok {
			return name, true
		}
	}
	return "", false
}

// loadEnv implements §4.E step 2's env loading: absent or invalid file
// yields an empty environment, never an error.
func (d *Driver) loadEnv() []string {
	if d.EnvFile == "" {
		return nil
	}
	data, err := os.ReadFile(d.WorkDir + "/" + d.EnvFile)
	if err != nil {
		return nil
	}
	var entries []string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}
	return entries
}
