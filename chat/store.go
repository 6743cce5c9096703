package chat

import (
	"encoding/json"
	"sync"
)

// Store persists the two pieces of session state: the identity the user
// joined with and the message log shown so far. Both slots live for the
// session's lifetime only; malformed stored data is reported as absent, not
// as an error, so a corrupt slot can never take the client down.
type Store interface {
	LoadIdentity() (string, bool)
	LoadLog() ([]Message, bool)
	SaveIdentity(name string) error
	SaveLog(log []Message) error
	Clear() error
}

// MemoryStore keeps both slots in memory, giving the same lifetime
// semantics a browser's sessionStorage would: state survives a session
// object being rebuilt but not the process.
//
// Slots hold raw JSON so that load paths exercise the same tolerant
// decoding an on-disk store needs.
type MemoryStore struct {
	mu       sync.Mutex
	identity []byte
	log      []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) LoadIdentity() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decodeIdentity(s.identity)
}

func (s *MemoryStore) LoadLog() ([]Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decodeLog(s.log)
}

func (s *MemoryStore) SaveIdentity(name string) error {
	val, err := json.Marshal(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.identity = val
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SaveLog(log []Message) error {
	val, err := json.Marshal(log)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.log = val
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	s.identity = nil
	s.log = nil
	s.mu.Unlock()
	return nil
}

func decodeIdentity(raw []byte) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil || name == "" {
		return "", false
	}
	return name, true
}

func decodeLog(raw []byte) ([]Message, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var log []Message
	if err := json.Unmarshal(raw, &log); err != nil {
		return nil, false
	}
	return log, true
}
