package chat

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"
)

var (
	keyIdentity = []byte("identity")
	keyLog      = []byte("log")
)

// PebbleStore keeps the session slots in a PebbleDB at the given directory.
// Same contract as MemoryStore, for users who pass --data-path and want the
// session to survive a restart.
type PebbleStore struct {
	db *pebble.DB
}

func OpenPebbleStore(dir string) (*PebbleStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) get(key []byte) []byte {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	return out
}

func (s *PebbleStore) LoadIdentity() (string, bool) {
	return decodeIdentity(s.get(keyIdentity))
}

func (s *PebbleStore) LoadLog() ([]Message, bool) {
	return decodeLog(s.get(keyLog))
}

func (s *PebbleStore) SaveIdentity(name string) error {
	val, err := json.Marshal(name)
	if err != nil {
		return err
	}
	return s.db.Set(keyIdentity, val, pebble.Sync)
}

func (s *PebbleStore) SaveLog(log []Message) error {
	val, err := json.Marshal(log)
	if err != nil {
		return err
	}
	return s.db.Set(keyLog, val, pebble.Sync)
}

func (s *PebbleStore) Clear() error {
	if err := s.db.Delete(keyIdentity, pebble.Sync); err != nil {
		return err
	}
	return s.db.Delete(keyLog, pebble.Sync)
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
