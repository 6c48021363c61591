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

// Package httpfront is the HTTP ingress: a chi router translating
// ANY /{user}/{handler}[/*subpath] requests into invocation driver calls
// and driver results back into net/http responses.
package httpfront

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wasmfaas/host/internal/invoker"
)

// MaxBodyBytes is the request body size cap (§6 EXTERNAL INTERFACES).
const MaxBodyBytes = 10 * 1024 * 1024

// Invoker is the subset of *invoker.Driver the frontend depends on, so
// tests can substitute a fake.
type Invoker interface {
	Invoke(ctx context.Context, req invoker.Request) (invoker.Response, invoker.Record, error)
}

// Server builds the chi router for the invocation driver d.
type Server struct {
	driver Invoker
	log    *logrus.Logger
}

// New constructs a Server.
func New(driver Invoker, log *logrus.Logger) *Server {
	return &Server{driver: driver, log: log}
}

// Router builds the chi mux. Exposed separately from Server so callers can
// layer additional middleware before serving.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.HandleFunc("/{user}/{handler}", s.handle)
	r.HandleFunc("/{user}/{handler}/*", s.handle)
	return r
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	user := chi.URLParam(r, "user")
	handler := chi.URLParam(r, "handler")
	subpath := chi.URLParam(r, "*")

	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "", http.StatusRequestEntityTooLarge)
		return
	}

	headersJSON, err := encodeHeaders(r.Header)
	if err != nil {
		headersJSON = "[]"
	}
	queryJSON := encodeQuery(r.URL.Query())

	req := invoker.Request{
		FlowsUser:   user,
		FlowID:      uuid.NewString(),
		Handler:     handler,
		Method:      r.Method,
		HeadersJSON: headersJSON,
		QueryJSON:   queryJSON,
		Subpath:     subpath,
		Body:        body,
	}

	resp, record, err := s.driver.Invoke(r.Context(), req)
	fields := logrus.Fields{
		"user":        user,
		"handler":     handler,
		"method":      r.Method,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		s.log.WithFields(fields).Error("invocation driver failed")
		http.Error(w, "", http.StatusInternalServerError)
		return
	}
	fields["status"] = resp.Status
	if record.Failed {
		fields["error_code"] = record.ErrorCode
		s.log.WithFields(fields).Warn("guest invocation failed")
	} else {
		s.log.WithFields(fields).Info("invocation complete")
	}

	writeHeaders(w, resp.HeadersJSON)
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

// encodeHeaders flattens r.Header into the "[name, value] pairs" shape of
// §6, one pair per value. Values of one header name keep their order; the
// order across distinct header names is not defined, since http.Header is a
// map and does not keep the order in which headers arrived.
func encodeHeaders(h http.Header) (string, error) {
	pairs := make([][2]string, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			pairs = append(pairs, [2]string{name, v})
		}
	}
	b, err := json.Marshal(pairs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func encodeQuery(q map[string][]string) string {
	first := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			first[k] = v[0]
		}
	}
	b, err := json.Marshal(first)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func writeHeaders(w http.ResponseWriter, headersJSON string) {
	var pairs [][2]string
	if err := json.Unmarshal([]byte(headersJSON), &pairs); err != nil {
		return
	}
	for _, p := range pairs {
		w.Header().Add(p[0], p[1])
	}
}
