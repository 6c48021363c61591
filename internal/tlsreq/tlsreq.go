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

// Package tlsreq implements the "wasmedge_httpsreq" guest ABI module: a
// one-shot outbound TLS request primitive. A guest pushes a host/port/body
// triple, the host performs the TLS exchange synchronously from the
// runtime's point of view (wazero host functions are not preemptible), and
// the response body is queued for retrieval via the length/drain pair.
package tlsreq

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// ModuleName is the import module name a guest must declare these
// functions under.
const ModuleName = "wasmedge_httpsreq"

// DialTimeout bounds the TCP dial for one send_data call, and is also the
// deadline for the whole TLS exchange that follows (handshake, write and
// read).
const DialTimeout = 10 * time.Second

// Client holds TLS configuration shared read-only across every guest
// instance. Construct one per host process.
type Client struct {
	tlsConfig *tls.Config
}

// NewClient builds a Client using the host's trust anchors, optionally
// extended with a PEM CA bundle.
func NewClient(caBundle []byte) (*Client, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if len(caBundle) > 0 {
		pool, err := systemPoolWithExtra(caBundle)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return &Client{tlsConfig: cfg}, nil
}

// queue is the per-guest-instance FIFO of completed response bodies.
type queue struct {
	mu  sync.Mutex
	buf [][]byte
}

func (q *queue) push(b []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = append(q.buf, b)
}

func (q *queue) frontLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return 0
	}
	return len(q.buf[0])
}

func (q *queue) pop() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	b := q.buf[0]
	q.buf = q.buf[1:]
	return b
}

// Instantiate builds and instantiates the wasmedge_httpsreq host module for
// one guest instantiation, backed by the shared Client.
func (c *Client) Instantiate(ctx context.Context, rt wazero.Runtime, log *logrus.Entry) (api.Module, error) {
	q := &queue{}
	b := rt.NewHostModuleBuilder(ModuleName)

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module, hostPtr, hostLen, port, bodyPtr, bodyLen uint32) {
		host := readString(m, hostPtr, hostLen)
		body := readBytes(m, bodyPtr, bodyLen)
		resp, err := c.roundTrip(ctx, host, uint16(port), body)
		if err != nil {
			log.WithError(err).WithField("host", host).Warn("wasmedge_httpsreq: send_data failed")
			panic(fmt.Sprintf("wasmedge_httpsreq: host-function-failed: %v", err))
		}
		q.push(resp)
	}).Export("send_data")

	b.NewFunctionBuilder().WithFunc(func(context.Context) uint32 {
		return uint32(q.frontLen())
	}).Export("get_rcv_len")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, m api.Module, ptr uint32) {
		b := q.pop()
		if len(b) == 0 {
			return
		}
		if !m.Memory().Write(ptr, b) {
			panic("wasmedge_httpsreq: memory out of bounds on get_rcv")
		}
	}).Export("get_rcv")

	return b.Instantiate(ctx)
}

// roundTrip performs the TCP dial, TLS handshake, single write, and
// read-to-EOF against host:port.
func (c *Client) roundTrip(ctx context.Context, host string, port uint16, body []byte) ([]byte, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	d := &net.Dialer{Timeout: DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer raw.Close()

	conn := tls.Client(raw, c.tlsConfig.Clone())
	conn.SetDeadline(time.Now().Add(DialTimeout))
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, err
	}

	if _, err := conn.Write(body); err != nil {
		return nil, err
	}
	_ = conn.CloseWrite()

	var out bytes.Buffer
	if _, err := io.Copy(&out, conn); err != nil && err != io.EOF {
		return nil, err
	}
	return out.Bytes(), nil
}

func readString(m api.Module, ptr, l uint32) string {
	return string(readBytes(m, ptr, l))
}

func readBytes(m api.Module, ptr, l uint32) []byte {
	if l == 0 {
		return nil
	}
	b, ok := m.Memory().Read(ptr, l)
	if !ok {
		panic("wasmedge_httpsreq: memory out of bounds on read")
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
