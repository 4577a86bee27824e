package state

import (
	"crypto/sha256"
	"encoding/base64"
	"io"
	"sync"

	"github.com/dhcgn/mail-identities/model"
)

// Tracker remembers which observation pairs were already forwarded.
type Tracker interface {
	MarkSeen(key, source string) bool
	FirstSource(key string) (string, bool)
	Snapshot() Snapshot
}

type Snapshot struct {
	Seen int
}

// Key fingerprints an observation by both sides, including presence, so
// (missing, "x") and ("", "x") never collide.
func Key(obs model.Observation) string {
	h := sha256.New()
	writeToken(h, obs.Primary)
	writeToken(h, obs.Secondary)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func writeToken(h io.Writer, t model.Token) {
	if !t.Present {
		_, _ = h.Write([]byte{0})
		return
	}
	_, _ = h.Write([]byte{1})
	_, _ = h.Write([]byte(t.Value))
	_, _ = h.Write([]byte{0})
}

// MemoryTracker holds seen keys for the lifetime of one run. The first
// source a key was seen on is kept for diagnostics.
type MemoryTracker struct {
	mu   sync.RWMutex
	seen map[string]string
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{seen: make(map[string]string)}
}

// MarkSeen records key and reports whether it was new.
func (m *MemoryTracker) MarkSeen(key, source string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.seen[key]; exists {
		return false
	}
	m.seen[key] = source
	return true
}

// FirstSource returns the source key was first seen on.
func (m *MemoryTracker) FirstSource(key string) (string, bool) {
	m.mu.RLock()
	src, ok := m.seen[key]
	m.mu.RUnlock()
	return src, ok
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.seen)
	m.mu.RUnlock()
	return Snapshot{Seen: count}
}
