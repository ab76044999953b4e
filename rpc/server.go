package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"time"
)

// Server is a JSON-RPC 2.0 HTTP server. POST / takes RPC calls and
// GET /events streams committed events when a Hub is attached.
type Server struct {
	handler *Handler
	hub     *Hub
	addr    string
	auth    Auth
	tls     *tls.Config
	srv     *http.Server
	ln      net.Listener
}

// Options configures optional Server features.
type Options struct {
	Auth Auth
	TLS  *tls.Config // nil → plain HTTP
	Hub  *Hub        // nil → no /events endpoint
}

// NewServer creates a Server on addr.
func NewServer(addr string, handler *Handler, opts Options) *Server {
	s := &Server{handler: handler, hub: opts.Hub, addr: addr, auth: opts.Auth, tls: opts.TLS}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveHTTP)
	if s.hub != nil {
		mux.HandleFunc("/events", s.serveEvents)
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		TLSConfig:         opts.TLS,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the server's HTTP handler, for mounting in tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start binds the port synchronously (so callers know immediately if binding
// fails) then serves requests in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls)
	}
	s.ln = ln
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[rpc] server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop gracefully shuts down the HTTP server, waiting up to 5 seconds for
// in-flight requests to complete. Event subscribers are disconnected first
// since Shutdown does not wait for hijacked connections.
func (s *Server) Stop() error {
	if s.hub != nil {
		s.hub.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

const maxBody = 1 << 20

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.auth.Check(r); err != nil {
		writeJSON(w, errResponse(nil, CodeUnauthorized, "unauthorized"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeJSON(w, errResponse(nil, CodeParseError, err.Error()))
		return
	}
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var batch []Request
		if err := json.Unmarshal(body, &batch); err != nil {
			writeJSON(w, errResponse(nil, CodeParseError, err.Error()))
			return
		}
		if len(batch) == 0 {
			writeJSON(w, errResponse(nil, CodeInvalidRequest, "empty batch"))
			return
		}
		out := make([]Response, len(batch))
		for i := range batch {
			out[i] = s.call(r.Context(), batch[i])
		}
		writeJSON(w, out)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, errResponse(nil, CodeParseError, err.Error()))
		return
	}
	writeJSON(w, s.call(r.Context(), req))
}

// call runs one request of a possibly batched body. Batch entries run in
// order so later calls observe earlier transactions.
func (s *Server) call(ctx context.Context, req Request) Response {
	if bad := req.validate(); bad != nil {
		return Response{JSONRPC: version, ID: req.ID, Error: bad}
	}
	return s.handler.Dispatch(ctx, req)
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.auth.Check(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.hub.ServeWS(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
