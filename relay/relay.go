// Package relay implements a development stand-in for the chat relay and
// upload services: a single-channel websocket hub that echoes every message
// to all connected clients, plus an upload-URL issuer backed by in-memory
// blob storage.
package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
	maxBlobSize  = 32 << 20
)

type blob struct {
	data  []byte
	ctype string
}

// Server is the relay state: connected clients and stored blobs. It keeps
// no message history; clients persist their own.
type Server struct {
	mu     sync.Mutex
	conns  map[*websocket.Conn]*sync.Mutex // per-connection write locks
	files  map[string]*blob
	closed bool
	wg     sync.WaitGroup
}

func NewServer() *Server {
	return &Server{
		conns: map[*websocket.Conn]*sync.Mutex{},
		files: map[string]*blob{},
	}
}

// Handler builds the relay router: the websocket endpoint plus the upload
// flow (issue target, receive bytes, serve them back).
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Post("/upload-url", s.handleUploadURL)
	r.Put("/files/{id}", s.handlePutFile)
	r.Get("/files/{id}", s.handleGetFile)
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin:      func(r *http.Request) bool { return true },
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	mu := &sync.Mutex{}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = mu
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		mu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		mu.Unlock()
		_ = conn.Close()
		s.wg.Done()
	}()

	conn.SetReadLimit(maxFrameSize)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("[relay] read message")
			return
		}
		var req map[string]any
		if err := json.Unmarshal(payload, &req); err != nil {
			log.Debug().Err(err).Msg("[relay] drop non-JSON frame")
			continue
		}
		if action, _ := req["action"].(string); action != "sendmessage" {
			continue
		}
		// The envelope's routing field stays server-side; clients see
		// the bare message, sender included in the fan-out.
		delete(req, "action")
		out, err := marshalNoEscape(req)
		if err != nil {
			continue
		}
		s.broadcast(out)
	}
}

// broadcast writes one frame to every connected client, the sender
// included. Slow or dead clients only delay their own write slot.
func (s *Server) broadcast(payload []byte) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		s.mu.Lock()
		mu := s.conns[c]
		s.mu.Unlock()
		if mu == nil {
			continue
		}
		mu.Lock()
		_ = c.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.WriteMessage(websocket.TextMessage, payload)
		mu.Unlock()
	}
}

// marshalNoEscape encodes without HTML escaping so <, >, & survive intact.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	// Encoder appends a trailing newline.
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	return out, nil
}

func (s *Server) handleUploadURL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileName string `json:"fileName"`
		FileType string `json:"fileType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileName == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.files[id] = &blob{ctype: req.FileType}
	s.mu.Unlock()

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	fileURL := scheme + "://" + r.Host + "/files/" + id
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		UploadURL string `json:"uploadUrl"`
		FileURL   string `json:"fileUrl"`
	}{UploadURL: fileURL, FileURL: fileURL})
}

func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	b, ok := s.files[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown upload target", http.StatusNotFound)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBlobSize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	b.data = data
	if ct := r.Header.Get("Content-Type"); ct != "" {
		b.ctype = ct
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	b, ok := s.files[id]
	s.mu.Unlock()
	if !ok || b.data == nil {
		http.NotFound(w, r)
		return
	}
	if b.ctype != "" {
		w.Header().Set("Content-Type", b.ctype)
	}
	_, _ = w.Write(b.data)
}

// Close force-closes all active connections and waits for their handlers.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		s.mu.Lock()
		mu := s.conns[c]
		s.mu.Unlock()
		if mu != nil {
			mu.Lock()
			_ = c.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
			mu.Unlock()
		}
		_ = c.Close()
	}
	s.wg.Wait()
}
