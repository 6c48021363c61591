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

// Package reqcontext holds the per-invocation request/response record the
// guest ABI reads from and writes into. One Context is created by the
// invocation driver per inbound request and destroyed when the invocation
// ends; between those two points it is mutated only through the ABI
// callbacks in internal/abi.
package reqcontext

import "sync"

// Preopen pairs a guest-visible path with the host directory backing it.
type Preopen struct {
	GuestPath string
	HostPath  string
}

// Context is the immutable-input, mutable-output record backing one guest
// invocation.
type Context struct {
	// Identity fields, immutable for the lifetime of the context.
	FlowsUser string
	FlowID    string

	// Event fields, immutable for the lifetime of the context.
	Method  string
	Query   string // JSON-encoded
	Headers string // JSON-encoded array of [name, value]
	Subpath string
	Body    *Body

	// Dispatch.
	WasmFunc string

	// Environment.
	Env     []string
	Preopen []Preopen

	// Liveness flag, read-only to the guest via is_listening.
	Listening int32

	mu               sync.Mutex
	flows            *string
	errorLog         []byte
	output           [][]byte
	response         []byte
	hasResponse      bool
	responseHeaders  []byte
	hasRespHeaders   bool
	responseStatus   uint16
	errorCode        uint16
}

// Body is a reference-counted, read-only view of the inbound request body,
// shared between the HTTP layer and every Context built from the same
// request. Neither side may mutate it after construction.
type Body struct {
	bytes []byte
}

// NewBody wraps b for read-only, shared-ownership access. Callers must not
// mutate b after calling NewBody.
func NewBody(b []byte) *Body {
	return &Body{bytes: b}
}

// Bytes returns the underlying byte slice. Callers must treat it as
// read-only.
func (b *Body) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.bytes
}

// New constructs a fresh Context for one invocation.
func New(flowsUser, flowID, method, query, headers, subpath string, body *Body, wasmFunc string, env []string, preopen []Preopen) *Context {
	return &Context{
		FlowsUser: flowsUser,
		FlowID:    flowID,
		Method:    method,
		Query:     query,
		Headers:   headers,
		Subpath:   subpath,
		Body:      body,
		WasmFunc:  wasmFunc,
		Env:       env,
		Preopen:   preopen,
		Listening: 1,
	}
}

// SetFlows overwrites the flows output field. The caller is responsible for
// the "absent on decode failure" contract: pass ok=false to clear it.
func (c *Context) SetFlows(v string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok {
		c.flows = nil
		return
	}
	c.flows = &v
}

// Flows returns the last value set via SetFlows, or (\"\", false) if unset.
func (c *Context) Flows() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flows == nil {
		return "", false
	}
	return *c.flows, true
}

// SetErrorLog overwrites the error_log output field.
func (c *Context) SetErrorLog(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorLog = append([]byte(nil), b...)
}

// ErrorLog returns the last value set via SetErrorLog.
func (c *Context) ErrorLog() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorLog
}

// AppendOutput appends a chunk to the append-only output sequence.
func (c *Context) AppendOutput(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.output = append(c.output, append([]byte(nil), b...))
}

// Output returns every chunk appended via AppendOutput, in order.
func (c *Context) Output() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output
}

// SetResponse overwrites the response body output slot.
func (c *Context) SetResponse(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.response = append([]byte(nil), b...)
	c.hasResponse = true
}

// Response returns the last value set via SetResponse, or (nil, false) if
// unset.
func (c *Context) Response() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response, c.hasResponse
}

// SetResponseHeaders overwrites the response_headers output slot.
func (c *Context) SetResponseHeaders(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseHeaders = append([]byte(nil), b...)
	c.hasRespHeaders = true
}

// ResponseHeaders returns the last value set via SetResponseHeaders, or
// (nil, false) if unset.
func (c *Context) ResponseHeaders() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responseHeaders, c.hasRespHeaders
}

// SetResponseStatus overwrites the response status. 0 is a legal value
// here; the driver, not the context, substitutes 204 for it on harvest.
func (c *Context) SetResponseStatus(status uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseStatus = status
}

// ResponseStatus returns the raw status as last set, possibly 0.
func (c *Context) ResponseStatus() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responseStatus
}

// SetErrorCode overwrites the error_code output slot.
func (c *Context) SetErrorCode(code uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCode = code
}

// ErrorCode returns the last value set via SetErrorCode.
func (c *Context) ErrorCode() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorCode
}
