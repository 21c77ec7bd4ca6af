// Package history keeps a bounded, searchable log of dispatched commands.
package history

import (
	"maps"
	"strings"
	"sync"
	"time"
)

const DefaultSize = 1000

type Entry struct {
	Time    time.Time      `json:"time"`
	Command string         `json:"command"`
	Context map[string]any `json:"context,omitempty"`
}

// History is a ring of the most recent entries. Safe for concurrent use.
type History struct {
	mu    sync.Mutex
	size  int
	items []Entry
	start int
	count int
	now   func() time.Time
}

// New returns a history holding at most size entries (DefaultSize if <= 0).
func New(size int) *History {
	if size <= 0 {
		size = DefaultSize
	}
	return &History{size: size, items: make([]Entry, size), now: time.Now}
}

// Add records command with a copy of ctx. Blank commands are ignored.
func (h *History) Add(command string, ctx map[string]any) {
	command = strings.TrimSpace(command)
	if command == "" {
		return
	}
	e := Entry{Command: command, Context: maps.Clone(ctx)}
	h.mu.Lock()
	e.Time = h.now().UTC()
	idx := (h.start + h.count) % h.size
	h.items[idx] = e
	if h.count < h.size {
		h.count++
	} else {
		h.start = (h.start + 1) % h.size
	}
	h.mu.Unlock()
}

// Last returns up to n most recent entries, oldest first.
func (h *History) Last(n int) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || h.count == 0 {
		return nil
	}
	if n > h.count {
		n = h.count
	}
	out := make([]Entry, 0, n)
	for i := h.count - n; i < h.count; i++ {
		out = append(out, h.items[(h.start+i)%h.size])
	}
	return out
}

// Search returns entries whose command contains query, case-insensitively,
// oldest first.
func (h *History) Search(query string) []Entry {
	q := strings.ToLower(query)
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Entry
	for i := 0; i < h.count; i++ {
		e := h.items[(h.start+i)%h.size]
		if strings.Contains(strings.ToLower(e.Command), q) {
			out = append(out, e)
		}
	}
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *History) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Resize changes the capacity, keeping the most recent entries.
func (h *History) Resize(size int) {
	if size <= 0 {
		size = DefaultSize
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if size == h.size {
		return
	}
	keep := h.count
	if keep > size {
		keep = size
	}
	items := make([]Entry, size)
	for i := 0; i < keep; i++ {
		items[i] = h.items[(h.start+h.count-keep+i)%h.size]
	}
	h.items = items
	h.size = size
	h.start = 0
	h.count = keep
}
