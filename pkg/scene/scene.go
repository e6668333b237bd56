// Package scene keeps a viewer's loaded meshes reconciled against the
// server's file registry.
package scene

import (
	"context"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/kitbash/meshview/internal/logging"
	"github.com/kitbash/meshview/pkg/protocol"
)

// Loader receives mesh content as it becomes available. Load replaces
// any previously loaded mesh for the same name; Unload removes it.
type Loader interface {
	Load(name string, data []byte) error
	Unload(name string)
}

// Overlay is notified with a fresh object listing after every applied
// change, for file-list style UI surfaces.
type Overlay interface {
	Refresh(objects []Object)
}

// Fetcher retrieves file content from the server. *client.Client
// satisfies it.
type Fetcher interface {
	FetchContent(ctx context.Context, name string) ([]byte, error)
}

// Object is a read-only snapshot of one scene entry.
type Object struct {
	Name      string
	MTime     int64
	Size      int64
	Version   uint64
	Visible   bool
	Selected  bool
	LoadError string
}

type objectState struct {
	info     protocol.FileInfo
	visible  bool
	selected bool

	loadedVersion uint64 // version currently held by the loader, 0 if none
	inflight      uint64 // version being fetched, 0 if none
	loadErr       string
}

type fetchResult struct {
	name    string
	version uint64
	data    []byte
	err     error
}

// DefaultCacheSize bounds the content cache in entries.
const DefaultCacheSize = 32

// Reconciler applies registry events to a Loader. Events and fetch
// completions are processed one at a time; applying the same event
// twice, or an event older than what is already applied, changes
// nothing.
type Reconciler struct {
	fetcher Fetcher
	loader  Loader
	overlay Overlay
	cache   *lru.Cache[string, []byte]
	results chan fetchResult

	mu      sync.Mutex
	objects map[string]*objectState
	// lastVersion survives removal so a recreate with a stale version
	// cannot resurrect a deleted object.
	lastVersion map[string]uint64
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithOverlay attaches a file-list overlay.
func WithOverlay(o Overlay) Option {
	return func(r *Reconciler) { r.overlay = o }
}

// WithCacheSize overrides the content cache capacity.
func WithCacheSize(n int) Option {
	return func(r *Reconciler) {
		cache, err := lru.New[string, []byte](n)
		if err == nil {
			r.cache = cache
		}
	}
}

// New creates a reconciler around a fetcher and a loader.
func New(fetcher Fetcher, loader Loader, opts ...Option) *Reconciler {
	cache, _ := lru.New[string, []byte](DefaultCacheSize)
	r := &Reconciler{
		fetcher:     fetcher,
		loader:      loader,
		cache:       cache,
		results:     make(chan fetchResult, 16),
		objects:     make(map[string]*objectState),
		lastVersion: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes events until ctx is cancelled or the channel closes.
func (r *Reconciler) Run(ctx context.Context, events <-chan protocol.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.apply(ctx, ev)
		case res := <-r.results:
			r.complete(res)
		}
	}
}

// ─── Event application ───────────────────────────────────────────────

func (r *Reconciler) apply(ctx context.Context, ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case protocol.EventAdded, protocol.EventModified:
		r.upsertLocked(ctx, protocol.FileInfo{
			Name: ev.Name, MTime: ev.MTime, Size: ev.Size,
			Version: ev.Version, Digest: ev.Digest,
		})
	case protocol.EventRemoved:
		r.removeLocked(ev.Name, ev.Version)
	case protocol.EventResyncAll:
		r.resyncLocked(ctx, ev.Files)
	default:
		logging.L().Debug("ignoring unknown event type", zap.String("type", ev.Type))
		return
	}
	r.refreshLocked()
}

func (r *Reconciler) upsertLocked(ctx context.Context, info protocol.FileInfo) {
	if info.Version <= r.lastVersion[info.Name] {
		return
	}
	r.lastVersion[info.Name] = info.Version

	st, ok := r.objects[info.Name]
	if !ok {
		st = &objectState{visible: true}
		r.objects[info.Name] = st
	}
	st.info = info
	r.fetchLocked(ctx, info.Name, info.Version, st)
}

func (r *Reconciler) removeLocked(name string, version uint64) {
	if version <= r.lastVersion[name] {
		return
	}
	r.lastVersion[name] = version

	st, ok := r.objects[name]
	if !ok {
		return
	}
	if st.loadedVersion > 0 {
		r.loader.Unload(name)
	}
	delete(r.objects, name)
}

// resyncLocked makes local state converge to the given listing. Files
// newer than what is applied are fetched; local objects absent from
// the listing are unloaded.
func (r *Reconciler) resyncLocked(ctx context.Context, files []protocol.FileInfo) {
	listed := make(map[string]struct{}, len(files))
	for _, f := range files {
		listed[f.Name] = struct{}{}
		r.upsertLocked(ctx, f)
	}
	for name, st := range r.objects {
		if _, ok := listed[name]; ok {
			continue
		}
		if st.loadedVersion > 0 {
			r.loader.Unload(name)
		}
		delete(r.objects, name)
	}
}

// ─── Content fetching ────────────────────────────────────────────────

func (r *Reconciler) fetchLocked(ctx context.Context, name string, version uint64, st *objectState) {
	if data, ok := r.cache.Get(cacheKey(name, version)); ok {
		st.inflight = 0
		r.loadLocked(name, version, data, st)
		return
	}

	// A newer fetch supersedes any pending one: the stale result is
	// dropped on completion because its version no longer matches.
	st.inflight = version
	go func() {
		data, err := r.fetcher.FetchContent(ctx, name)
		select {
		case r.results <- fetchResult{name: name, version: version, data: data, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (r *Reconciler) complete(res fetchResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.objects[res.name]
	if !ok || st.inflight != res.version {
		return // removed or superseded while in flight
	}
	st.inflight = 0

	if res.err != nil {
		// Keep whatever mesh is already loaded, surface the error.
		st.loadErr = fmt.Sprintf("fetch failed: %v", res.err)
		logging.L().Warn("content fetch failed",
			zap.String("name", res.name), zap.Uint64("version", res.version),
			zap.Error(res.err))
		r.refreshLocked()
		return
	}

	r.cache.Add(cacheKey(res.name, res.version), res.data)
	r.loadLocked(res.name, res.version, res.data, st)
	r.refreshLocked()
}

func (r *Reconciler) loadLocked(name string, version uint64, data []byte, st *objectState) {
	if err := r.loader.Load(name, data); err != nil {
		st.loadErr = fmt.Sprintf("load failed: %v", err)
		logging.L().Warn("mesh load failed",
			zap.String("name", name), zap.Uint64("version", version), zap.Error(err))
		return
	}
	st.loadedVersion = version
	st.loadErr = ""
}

func cacheKey(name string, version uint64) string {
	return fmt.Sprintf("%s@%d", name, version)
}

// ─── User commands ───────────────────────────────────────────────────

// SetVisible toggles visibility of one object.
func (r *Reconciler) SetVisible(name string, visible bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.objects[name]; ok {
		st.visible = visible
		r.refreshLocked()
	}
}

// ShowAll makes every object visible.
func (r *Reconciler) ShowAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.objects {
		st.visible = true
	}
	r.refreshLocked()
}

// Select marks the named object as selected, clearing any previous
// selection. Selecting an unknown name clears the selection entirely.
func (r *Reconciler) Select(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for n, st := range r.objects {
		st.selected = n == name
	}
	r.refreshLocked()
}

// ReloadAll pushes the cached or refetched content of every object
// back through the loader.
func (r *Reconciler) ReloadAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, st := range r.objects {
		if st.info.Version == 0 {
			continue
		}
		r.fetchLocked(ctx, name, st.info.Version, st)
	}
}

// Snapshot returns the current objects, newest-first with name as the
// tie-break, matching the server listing order.
func (r *Reconciler) Snapshot() []Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reconciler) snapshotLocked() []Object {
	out := make([]Object, 0, len(r.objects))
	for name, st := range r.objects {
		out = append(out, Object{
			Name:      name,
			MTime:     st.info.MTime,
			Size:      st.info.Size,
			Version:   st.info.Version,
			Visible:   st.visible,
			Selected:  st.selected,
			LoadError: st.loadErr,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MTime != out[j].MTime {
			return out[i].MTime > out[j].MTime
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (r *Reconciler) refreshLocked() {
	if r.overlay != nil {
		r.overlay.Refresh(r.snapshotLocked())
	}
}
