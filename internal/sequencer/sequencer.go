// Package sequencer is the single writer of the file registry. It turns
// settled filesystem changes into versioned, ordered change events.
package sequencer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kitbash/meshview/internal/logging"
	"github.com/kitbash/meshview/internal/metrics"
	"github.com/kitbash/meshview/internal/registry"
	"github.com/kitbash/meshview/internal/watch"
	"github.com/kitbash/meshview/pkg/protocol"
)

// Publisher receives the ordered event stream. Satisfied by *hub.Hub.
type Publisher interface {
	Publish(protocol.Event)
}

// Sequencer consumes settled changes, mutates the registry, and emits
// events stamped with the resulting version. Per-name event order
// matches version order; events for different names may interleave.
type Sequencer struct {
	dir   string
	match func(string) bool
	reg   *registry.Registry
	pub   Publisher
}

// New creates a sequencer for the given scene directory. match selects
// the file names under management (same predicate as the watcher).
func New(dir string, match func(string) bool, reg *registry.Registry, pub Publisher) *Sequencer {
	return &Sequencer{dir: dir, match: match, reg: reg, pub: pub}
}

// Bootstrap scans the scene directory into the registry and publishes
// the baseline as a single resync_all. Called once, before Run.
func (s *Sequencer) Bootstrap() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", s.dir, err)
	}

	for _, de := range entries {
		if de.IsDir() || !s.match(de.Name()) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Transient; the file will be picked up on its next change.
			logging.L().Debug("stat during scan failed",
				zap.String("name", de.Name()), zap.Error(err))
			continue
		}
		s.reg.Upsert(de.Name(), info.ModTime(), info.Size(), s.digest(de.Name()))
	}

	metrics.SetRegistryFiles(s.reg.Len())
	s.pub.Publish(protocol.Event{
		Type:  protocol.EventResyncAll,
		Files: s.reg.SnapshotInfos(),
	})
	logging.Info("scene baseline established",
		zap.String("dir", s.dir), zap.Int("files", s.reg.Len()))
	return nil
}

// Run applies settled changes until ctx is cancelled or the channel is
// closed.
func (s *Sequencer) Run(ctx context.Context, settled <-chan watch.Settled) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-settled:
			if !ok {
				return nil
			}
			s.apply(change)
		}
	}
}

func (s *Sequencer) apply(change watch.Settled) {
	if change.Exists {
		existed := s.reg.Has(change.Name)
		entry := s.reg.Upsert(change.Name, change.MTime, change.Size, s.digest(change.Name))

		evType := protocol.EventAdded
		if existed {
			evType = protocol.EventModified
		}
		ev := protocol.Event{
			Type:    evType,
			Name:    entry.Name,
			MTime:   entry.MTime.UnixMilli(),
			Size:    entry.Size,
			Version: entry.Version,
			Digest:  entry.Digest,
		}
		metrics.SetRegistryFiles(s.reg.Len())
		s.pub.Publish(ev)
		logging.Info("file "+evType,
			zap.String("name", entry.Name), zap.Uint64("version", entry.Version))
		return
	}

	version, ok := s.reg.Remove(change.Name)
	if !ok {
		// Created and deleted within one quiet period: the registry
		// never saw it, so downstream must not either.
		return
	}
	metrics.SetRegistryFiles(s.reg.Len())
	s.pub.Publish(protocol.Event{
		Type:    protocol.EventRemoved,
		Name:    change.Name,
		Version: version,
	})
	logging.Info("file removed",
		zap.String("name", change.Name), zap.Uint64("version", version))
}

// digest hashes the file's content. An unreadable file yields an empty
// digest and is repaired on the next settled change.
func (s *Sequencer) digest(name string) string {
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
