// Package registry holds the authoritative in-memory map of watched
// scene files with per-name version counters.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/kitbash/meshview/pkg/protocol"
)

// FileEntry is one live file in the registry.
type FileEntry struct {
	Name    string
	MTime   time.Time
	Size    int64
	Version uint64
	Digest  string
}

// Registry maps file names to entries. It has exactly one writer (the
// sequencer); snapshot readers may run concurrently. Version numbers for
// a name are strictly increasing and survive remove/recreate cycles, so
// a resurrected file can never reuse a version a client has seen.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]FileEntry
	lastVersion map[string]uint64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries:     make(map[string]FileEntry),
		lastVersion: make(map[string]uint64),
	}
}

// Upsert creates or updates the entry for name, assigning the next
// version, and returns the stored entry.
func (r *Registry) Upsert(name string, mtime time.Time, size int64, digest string) FileEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.lastVersion[name] + 1
	r.lastVersion[name] = v
	e := FileEntry{
		Name:    name,
		MTime:   mtime,
		Size:    size,
		Version: v,
		Digest:  digest,
	}
	r.entries[name] = e
	return e
}

// Remove deletes the entry for name and returns the tombstone version
// (one greater than the last live version). The second return is false
// if the name was not live.
func (r *Registry) Remove(name string) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; !ok {
		return 0, false
	}
	delete(r.entries, name)
	v := r.lastVersion[name] + 1
	r.lastVersion[name] = v
	return v, true
}

// Get returns the live entry for name.
func (r *Registry) Get(name string) (FileEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Has reports whether name is live.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot lists all live entries ordered by mtime descending, ties
// broken lexicographically by name. The ordering is part of the API
// contract and must stay stable.
func (r *Registry) Snapshot() []FileEntry {
	r.mu.RLock()
	out := make([]FileEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].MTime.Equal(out[j].MTime) {
			return out[i].MTime.After(out[j].MTime)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Info converts an entry to its wire representation.
func (e FileEntry) Info() protocol.FileInfo {
	return protocol.FileInfo{
		Name:    e.Name,
		MTime:   e.MTime.UnixMilli(),
		Size:    e.Size,
		Version: e.Version,
		Digest:  e.Digest,
	}
}

// SnapshotInfos returns the snapshot in wire form, same ordering.
func (r *Registry) SnapshotInfos() []protocol.FileInfo {
	snap := r.Snapshot()
	out := make([]protocol.FileInfo, len(snap))
	for i, e := range snap {
		out[i] = e.Info()
	}
	return out
}
