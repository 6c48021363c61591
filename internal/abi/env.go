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

// Package abi implements the guest-facing "env" host module: the
// length-then-copy accessors a guest uses to read its inbound request and
// the direct setters it uses to produce a response. Every function here is
// a thin marshaling layer over a *reqcontext.Context; the field semantics
// live there.
package abi

import (
	"context"
	"unicode/utf8"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wasmfaas/host/internal/reqcontext"
)

// ModuleName is the import module name a guest must declare these
// functions under.
const ModuleName = "env"

// Instantiate builds and instantiates the env host module against rc for
// the lifetime of one guest instantiation. The returned api.Module must be
// closed alongside the guest instance it is linked into.
func Instantiate(ctx context.Context, rt wazero.Runtime, rc *reqcontext.Context) (api.Module, error) {
	b := rt.NewHostModuleBuilder(ModuleName)

	exportLenGet(b, "flows_user", func() []byte { return []byte(rc.FlowsUser) })
	exportLenGet(b, "flow_id", func() []byte { return []byte(rc.FlowID) })
	exportLenGet(b, "event_body", func() []byte { return rc.Body.Bytes() })
	exportLenGet(b, "event_headers", func() []byte { return []byte(rc.Headers) })
	exportLenGet(b, "event_query", func() []byte { return []byte(rc.Query) })
	exportLenGet(b, "event_subpath", func() []byte { return []byte(rc.Subpath) })
	exportLenGet(b, "event_method", func() []byte { return []byte(rc.Method) })

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module, ptr, l uint32) {
		b := readGuestBytes(m, ptr, l)
		s := string(b)
		rc.SetFlows(s, utf8.Valid(b))
	}).Export("set_flows")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module, ptr, l uint32) {
		rc.SetErrorLog(readGuestBytes(m, ptr, l))
	}).Export("set_error_log")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module, ptr, l uint32) {
		rc.AppendOutput(readGuestBytes(m, ptr, l))
	}).Export("set_output")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module, ptr, l uint32) {
		rc.SetResponse(readGuestBytes(m, ptr, l))
	}).Export("set_response")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module, ptr, l uint32) {
		rc.SetResponseHeaders(readGuestBytes(m, ptr, l))
	}).Export("set_response_headers")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module, status uint32) {
		rc.SetResponseStatus(uint16(status & 0xFFFF))
	}).Export("set_response_status")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module, code uint32) {
		rc.SetErrorCode(uint16(code & 0xFFFF))
	}).Export("set_error_code")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) uint32 {
		return uint32(rc.Listening)
	}).Export("is_listening")

	return b.Instantiate(ctx)
}

// exportLenGet wires the two exports backing one length-then-copy field:
// get_<name>_length and get_<name>, except for flows_user and flow_id,
// which per the ABI take no _length export and copy directly.
func exportLenGet(b wazero.HostModuleBuilder, name string, value func() []byte) {
	switch name {
	case "flows_user", "flow_id":
		b.NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module, ptr uint32) uint32 {
			return writeGuestBytes(m, ptr, value())
		}).Export("get_" + name)
		return
	}

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) uint32 {
		return uint32(len(value()))
	}).Export("get_" + name + "_length")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module, ptr uint32) uint32 {
		return writeGuestBytes(m, ptr, value())
	}).Export("get_" + name)
}

// writeGuestBytes copies b into the guest's linear memory at ptr and
// returns the number of bytes written. It traps (panics) on an
// out-of-bounds write; wazero converts the panic into a guest trap.
func writeGuestBytes(m api.Module, ptr uint32, b []byte) uint32 {
	if len(b) == 0 {
		return 0
	}
	if !m.Memory().Write(ptr, b) {
		panic("abi: memory out of bounds on write")
	}
	return uint32(len(b))
}

// readGuestBytes copies l bytes from the guest's linear memory at ptr. It
// traps on an out-of-bounds read.
func readGuestBytes(m api.Module, ptr, l uint32) []byte {
	if l == 0 {
		return nil
	}
	b, ok := m.Memory().Read(ptr, l)
	if !ok {
		panic("abi: memory out of bounds on read")
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
