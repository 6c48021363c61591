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

// Package tunnel reads framed proxied-request envelopes off a tunnel
// connection and dispatches them into an http.Handler, writing framed
// responses back. The wire protocol of the tunnel connection itself is
// genuinely external and out of scope; this package defines only the
// Dialer interface and the envelope framing used between Dial and the
// handler.
package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/sirupsen/logrus"
)

// Dialer opens a tunnel connection to a control plane or relay. Real
// implementations (e.g. a localtunnel- or frp-style client) are external;
// this package ships only the interface and an in-process stub.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// maxFrameBytes bounds a single framed envelope, guarding against a
// malformed or hostile peer claiming an unbounded length.
const maxFrameBytes = 32 * 1024 * 1024

// Client pulls proxied requests off a Dialer's connection and dispatches
// them into Handler.
type Client struct {
	Dialer  Dialer
	Handler http.Handler
	Log     *logrus.Entry
}

// NewClient builds a Client.
func NewClient(dialer Dialer, handler http.Handler, log *logrus.Entry) *Client {
	return &Client{Dialer: dialer, Handler: handler, Log: log}
}

// Run dials once and serves framed requests off the connection until ctx
// is cancelled or the connection fails. Reconnection policy is left to
// the caller, mirroring the control-plane client's retry-at-the-edge
// shape rather than hiding it here.
func (c *Client) Run(ctx context.Context) error {
	conn, err := c.Dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("tunnel: dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	r := bufio.NewReader(conn)
	for {
		env, err := readEnvelope(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("tunnel: read envelope: %w", err)
		}

		resp := c.dispatch(ctx, env)
		if err := writeEnvelope(conn, resp); err != nil {
			return fmt.Errorf("tunnel: write envelope: %w", err)
		}
	}
}

// Envelope is one proxied HTTP request or response, framed as a 12-byte
// header (8-byte big-endian ID, then 4-byte big-endian length) followed by
// that many bytes of raw HTTP/1.1 text (request or response respectively).
// A response carries the ID of the request it answers.
type Envelope struct {
	ID  uint64
	Raw []byte
}

func readEnvelope(r *bufio.Reader) (Envelope, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Envelope{}, err
	}
	id := binary.BigEndian.Uint64(hdr[:8])
	n := binary.BigEndian.Uint32(hdr[8:])
	if n > maxFrameBytes {
		return Envelope{}, fmt.Errorf("tunnel: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: id, Raw: buf}, nil
}

func writeEnvelope(w io.Writer, env Envelope) error {
	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[:8], env.ID)
	binary.BigEndian.PutUint32(hdr[8:], uint32(len(env.Raw)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(env.Raw)
	return err
}

func (c *Client) dispatch(ctx context.Context, env Envelope) Envelope {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(env.Raw)))
	if err != nil {
		c.Log.WithError(err).Warn("tunnel: malformed proxied request")
		return Envelope{ID: env.ID, Raw: rawResponse(http.StatusBadRequest, nil, nil)}
	}
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	c.Handler.ServeHTTP(rec, req)

	return Envelope{ID: env.ID, Raw: rawResponse(rec.Code, rec.Header(), rec.Body.Bytes())}
}

func rawResponse(status int, header http.Header, body []byte) []byte {
	var buf bytes.Buffer
	resp := &http.Response{
		StatusCode: status,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Close:      true,
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	_ = resp.Write(&buf)
	return buf.Bytes()
}

// localTunnel is an in-process Dialer backed by an io.Pipe, used by tests
// and by callers with no real relay configured.
type localTunnel struct {
	mu     sync.Mutex
	server io.ReadWriteCloser
	client io.ReadWriteCloser
}

// NewLocalTunnel returns a Dialer whose Dial always returns one end of an
// in-process pipe, and the other end for a test driver to act as the
// remote peer.
func NewLocalTunnel() (Dialer, io.ReadWriteCloser) {
	a, b := newPipeConn()
	lt := &localTunnel{client: a, server: b}
	return lt, lt.server
}

func (lt *localTunnel) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	if lt.client == nil {
		return nil, errors.New("tunnel: localtunnel already dialed")
	}
	c := lt.client
	lt.client = nil
	return c, nil
}

// pipeConn glues two io.Pipes into one full-duplex io.ReadWriteCloser
// pair, since io.Pipe alone is half-duplex.
type pipeConn struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeConn) Close() error {
	_ = p.r.Close()
	return p.w.Close()
}

func newPipeConn() (*pipeConn, *pipeConn) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	return &pipeConn{r: ar, w: bw}, &pipeConn{r: br, w: aw}
}
