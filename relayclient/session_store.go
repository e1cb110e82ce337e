package relayclient

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// PersistedSession is the on-disk record for one peer's E2EE session.
// derivedKeyHex and both counters must round-trip exactly: losing either
// counter would let a restarted endpoint emit or accept a seq number it
// has already used, defeating the replay check.
type PersistedSession struct {
	DeviceID       string `json:"deviceId"`
	DeviceName     string `json:"deviceName,omitempty"`
	DerivedKeyHex  string `json:"derivedKeyHex"`
	OutboundSeq    uint64 `json:"outboundSeq"`
	LastInboundSeq int64  `json:"lastInboundSeq"`
}

// SessionStore persists E2EE sessions to a single JSON file, replacing
// the whole file on every write. Concurrent writers from other processes
// are not supported — the endpoint serializes all writes through its own
// single-writer mutex instead of file locking.
type SessionStore struct {
	mu       sync.Mutex
	filePath string
	sessions map[string]PersistedSession // by deviceId
}

// OpenSessionStore loads an existing session file, if any, or starts
// empty. configDir is created with 0700 permissions on first write.
func OpenSessionStore(configDir string) (*SessionStore, error) {
	s := &SessionStore{
		filePath: filepath.Join(configDir, "e2ee-sessions.json"),
		sessions: make(map[string]PersistedSession),
	}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("relayclient: load session store: %w", err)
	}
	return s, nil
}

func (s *SessionStore) load() error {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}
	var records []PersistedSession
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("relayclient: unmarshal session store: %w", err)
	}
	for _, rec := range records {
		s.sessions[rec.DeviceID] = rec
	}
	return nil
}

// save rewrites the whole file. Caller must hold s.mu.
func (s *SessionStore) save() error {
	records := make([]PersistedSession, 0, len(s.sessions))
	for _, rec := range s.sessions {
		records = append(records, rec)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("relayclient: marshal session store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0700); err != nil {
		return fmt.Errorf("relayclient: create config dir: %w", err)
	}
	if err := os.WriteFile(s.filePath, data, 0600); err != nil {
		return fmt.Errorf("relayclient: write session store: %w", err)
	}
	return nil
}

// Put replaces (or creates) the session record for a peer and flushes to
// disk immediately. Re-pairing with the same peer always overwrites any
// prior record, to avoid a counter or key mismatch against the new
// session.
func (s *SessionStore) Put(rec PersistedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[rec.DeviceID] = rec
	return s.save()
}

// Get looks up a peer's persisted session.
func (s *SessionStore) Get(deviceID string) (PersistedSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[deviceID]
	return rec, ok
}

// Delete removes a peer's session (used when a decrypt AuthFailed forces
// re-pairing) and flushes to disk.
func (s *SessionStore) Delete(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[deviceID]; !ok {
		return nil
	}
	delete(s.sessions, deviceID)
	return s.save()
}

// All returns a snapshot of every persisted session, e.g. for the
// mobile's device list UI.
func (s *SessionStore) All() []PersistedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PersistedSession, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec)
	}
	return out
}

// FlushCounters updates just the counters for an already-persisted peer
// without touching its key, for the periodic every-5-frames counter
// flush.
func (s *SessionStore) FlushCounters(deviceID string, outboundSeq uint64, lastInboundSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[deviceID]
	if !ok {
		return nil
	}
	rec.OutboundSeq = outboundSeq
	rec.LastInboundSeq = lastInboundSeq
	s.sessions[deviceID] = rec
	return s.save()
}
