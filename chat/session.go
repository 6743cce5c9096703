package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const maxNameLen = 100

// Transport is the connection surface the session drives. *Conn satisfies
// it; tests substitute their own.
type Transport interface {
	Events() <-chan Event
	Send(payload []byte) error
	IsOpen() bool
	Close()
}

// Config wires a session's collaborators. Store is required; Dial defaults
// to the websocket dialer.
type Config struct {
	SocketURL string
	Store     Store
	Uploader  *Uploader
	Dial      func(url string) Transport
	// OnChange is invoked after every observable state change, outside
	// the session lock. Optional.
	OnChange func()
}

// Session owns the composition: identity, the connection tied to it, the
// message log, and the pending-attachment slot. All mutation funnels
// through one mutex; asynchronous continuations (inbound events, upload
// completions) re-check the connection generation before touching state so
// stale results are discarded rather than applied.
type Session struct {
	socketURL string
	store     Store
	uploader  *Uploader
	dial      func(url string) Transport
	onChange  func()

	mu      sync.Mutex
	user    string
	msgs    []Message
	draft   string
	pending *Attachment
	status  string
	conn    Transport
	gen     int
}

// NewSession restores persisted identity and history from the store and, if
// an identity is present, immediately reconnects.
func NewSession(cfg Config) *Session {
	s := &Session{
		socketURL: cfg.SocketURL,
		store:     cfg.Store,
		uploader:  cfg.Uploader,
		dial:      cfg.Dial,
		onChange:  cfg.OnChange,
	}
	if s.dial == nil {
		s.dial = func(url string) Transport { return Dial(url) }
	}
	if name, ok := s.store.LoadIdentity(); ok {
		s.user = name
		if msgs, ok := s.store.LoadLog(); ok {
			s.msgs = msgs
		}
		s.mu.Lock()
		s.connectLocked()
		s.mu.Unlock()
	}
	return s
}

// Login sets the identity and opens the connection. Blank and
// whitespace-only names are rejected as a no-op, as is logging in twice.
func (s *Session) Login(name string) {
	name = sanitizeName(name, maxNameLen)
	if name == "" {
		return
	}
	s.mu.Lock()
	if s.user != "" {
		s.mu.Unlock()
		return
	}
	s.user = name
	if err := s.store.SaveIdentity(name); err != nil {
		log.Warn().Err(err).Msg("[chat] save identity")
	}
	s.connectLocked()
	s.mu.Unlock()
	s.notify()
}

// Logout tears everything down: connection, identity, log, persisted state,
// pending attachment. Idempotent.
func (s *Session) Logout() {
	s.mu.Lock()
	if s.user == "" && s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.gen++ // invalidate in-flight events and upload completions
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.user = ""
	s.msgs = nil
	s.draft = ""
	s.status = ""
	if s.pending != nil {
		s.pending.Release()
		s.pending = nil
	}
	if err := s.store.Clear(); err != nil {
		log.Warn().Err(err).Msg("[chat] clear store")
	}
	s.mu.Unlock()
	s.notify()
}

// Close releases the transport without touching persisted state, so a new
// session can restore where this one left off.
func (s *Session) Close() {
	s.mu.Lock()
	s.gen++
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}

// SetDraft replaces the draft text. Local state only.
func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

// Attach uploads the file and, on success, fills the pending-attachment
// slot. Blocking; callers run it off the UI loop. A completion that lands
// after logout is released and discarded.
func (s *Session) Attach(ctx context.Context, file File) {
	if s.uploader == nil {
		return
	}
	s.mu.Lock()
	if s.user == "" {
		s.mu.Unlock()
		return
	}
	gen := s.gen
	s.status = "Uploading..."
	s.mu.Unlock()
	s.notify()

	att, err := s.uploader.Upload(ctx, file)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		att.Release()
		return
	}
	if err != nil {
		s.status = "Error: " + err.Error()
	} else {
		if s.pending != nil {
			s.pending.Release()
		}
		s.pending = att
		s.status = "Image ready. Press Send."
	}
	s.mu.Unlock()
	s.notify()
}

// RemoveAttachment clears the slot and releases its preview.
func (s *Session) RemoveAttachment() {
	s.mu.Lock()
	if s.pending != nil {
		s.pending.Release()
		s.pending = nil
	}
	s.status = ""
	s.mu.Unlock()
	s.notify()
}

// Send transmits one message built from the pending attachment and the
// draft. Nothing is inserted into the log locally; the user's own message
// arrives back through the inbound stream like everyone else's. Sending
// while disconnected appends a diagnostic instead.
func (s *Session) Send() {
	s.mu.Lock()
	if s.conn == nil || !s.conn.IsOpen() {
		s.appendLocked(SystemNotice("Socket not connected."))
		s.mu.Unlock()
		s.notify()
		return
	}
	draft := s.draft
	if s.pending == nil && strings.TrimSpace(draft) == "" {
		s.mu.Unlock()
		return
	}

	env := Envelope{
		Action:    actionSendMessage,
		Sender:    s.user,
		Timestamp: time.Now().UnixMilli(),
	}
	if s.pending != nil {
		env.Kind = KindImage
		env.FileURL = s.pending.FileURL
		env.FileName = s.pending.Name
		env.FileType = s.pending.Type
		if draft != "" {
			env.Body = &draft
		}
	} else {
		env.Kind = KindText
		env.Body = &draft
	}

	payload, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("[chat] marshal envelope")
		s.mu.Unlock()
		return
	}
	if err := s.conn.Send(payload); err != nil {
		// Lost the connection between the open-check and the write.
		// Keep the draft and attachment so the user can resend.
		s.appendLocked(SystemNotice("Socket not connected."))
		s.mu.Unlock()
		s.notify()
		return
	}

	s.draft = ""
	if s.pending != nil {
		s.pending.Release()
		s.pending = nil
		s.status = ""
	}
	s.mu.Unlock()
	s.notify()
}

// User returns the current identity, or "" when logged out.
func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Draft returns the current draft text.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Messages returns a snapshot of the log in display order.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

// Connected reports whether the transport is open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && s.conn.IsOpen()
}

// UploadStatus returns the transient attachment status line, or "".
func (s *Session) UploadStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Pending returns the current pending attachment, or nil. Callers must not
// release or mutate it; the session owns its lifecycle.
func (s *Session) Pending() *Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Session) connectLocked() {
	s.gen++
	conn := s.dial(s.socketURL)
	s.conn = conn
	go s.consume(conn, s.gen)
}

// consume is the single-threaded event loop for one connection generation.
// It always drains the stream to the end so the transport's reader is never
// left blocked; events from a stale generation are simply dropped.
func (s *Session) consume(t Transport, gen int) {
	for ev := range t.Events() {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			continue
		}
		s.handleEventLocked(ev)
		s.mu.Unlock()
		s.notify()
	}
}

func (s *Session) handleEventLocked(ev Event) {
	switch ev.Kind {
	case EventStatus:
		switch ev.Status {
		case StatusOpen:
			s.appendLocked(SystemNotice(fmt.Sprintf("Connected as %s to global chat.", s.user)))
		case StatusClosed:
			if ev.Err != nil {
				s.appendLocked(SystemNotice("WebSocket error."))
			}
			s.appendLocked(SystemNotice("Disconnected."))
		}
	case EventMessage:
		s.appendLocked(ev.Message)
	case EventRaw:
		s.appendLocked(SystemNotice(ev.Raw))
	}
}

// appendLocked appends one message and write-through persists the log.
func (s *Session) appendLocked(m Message) {
	s.msgs = append(s.msgs, m)
	if err := s.store.SaveLog(s.msgs); err != nil {
		log.Warn().Err(err).Msg("[chat] save log")
	}
}

func (s *Session) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}
