package session

import (
	"sync"

	"github.com/samber/lo"
	"github.com/vango-go/vai-rtc/pkg/core/types"
)

// ChatLog is an append-only record of a session's events. Its Append
// method can be passed to Manager.OnLogEntry.
type ChatLog struct {
	mu      sync.RWMutex
	entries []types.ChatLogEntry
}

// Append adds one entry.
func (l *ChatLog) Append(e types.ChatLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

// Len returns the number of entries.
func (l *ChatLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns a copy of all entries in append order.
func (l *ChatLog) Entries() []types.ChatLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]types.ChatLogEntry(nil), l.entries...)
}

// ByDirection returns the entries logged in one direction.
func (l *ChatLog) ByDirection(dir types.Direction) []types.ChatLogEntry {
	return lo.Filter(l.Entries(), func(e types.ChatLogEntry, _ int) bool {
		return e.Direction == dir
	})
}

// Kinds returns the event kinds in append order.
func (l *ChatLog) Kinds() []string {
	return lo.Map(l.Entries(), func(e types.ChatLogEntry, _ int) string {
		return e.Event.Kind
	})
}

// Since returns the entries appended after the first n.
func (l *ChatLog) Since(n int) []types.ChatLogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	if n >= len(l.entries) {
		return nil
	}
	return append([]types.ChatLogEntry(nil), l.entries[n:]...)
}
