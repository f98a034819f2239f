// Package backup takes point-in-time snapshots of the data directory.
//
// A snapshot is a directory named by its UTC timestamp holding one
// zstd-compressed object per source file and a manifest.json with sizes
// and SHA-256 checksums of the uncompressed content. Snapshots are written
// to every configured sink; the oldest beyond the retention count are
// pruned after each successful snapshot.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/filelock"
)

const (
	manifestName = "manifest.json"
	objectSuffix = ".zst"
	idLayout     = "20060102T150405.000Z"
)

var (
	// ErrNotFound is returned when a snapshot or object does not exist.
	ErrNotFound = errors.New("backup not found")

	// ErrChecksum is returned when restored content does not match its
	// manifest.
	ErrChecksum = errors.New("backup checksum mismatch")
)

// Source is one file to back up. Sources sharing a Lock are read and
// restored in one critical section of that lock.
type Source struct {
	Path string
	Lock string
}

// FileEntry describes one file in a snapshot.
type FileEntry struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Compressed int64  `json:"compressed"`
	SHA256     string `json:"sha256"`
}

// Manifest describes a snapshot.
type Manifest struct {
	ID        string      `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	Files     []FileEntry `json:"files"`
}

// Config configures a Manager.
type Config struct {
	// DataDir is the directory source paths are relative to in snapshots.
	DataDir string
	Sources []Source
	Guard   *filelock.Guard
	// Sinks receive every snapshot. List and Restore read the first.
	Sinks []Sink
	// Retain is the number of snapshots kept per sink (default: 7).
	// A negative value keeps all.
	Retain int
	Logger *zap.Logger
}

// Manager creates, lists and restores snapshots.
type Manager struct {
	dataDir string
	sources []Source
	guard   *filelock.Guard
	sinks   []Sink
	retain  int
	logger  *zap.Logger
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	now     func() time.Time
}

// New returns a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("backup: data dir is required")
	}
	if cfg.Guard == nil {
		return nil, errors.New("backup: guard is required")
	}
	if len(cfg.Sinks) == 0 {
		return nil, errors.New("backup: at least one sink is required")
	}
	if cfg.Retain == 0 {
		cfg.Retain = 7
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("backup: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("backup: zstd decoder: %w", err)
	}
	return &Manager{
		dataDir: cfg.DataDir,
		sources: cfg.Sources,
		guard:   cfg.Guard,
		sinks:   cfg.Sinks,
		retain:  cfg.Retain,
		logger:  cfg.Logger,
		enc:     enc,
		dec:     dec,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the codec resources.
func (m *Manager) Close() {
	m.dec.Close()
	_ = m.enc.Close()
}

// Create snapshots every source that exists. Each group of sources sharing
// a lock is read under that lock, so a group is consistent with itself.
func (m *Manager) Create(ctx context.Context) (Manifest, error) {
	start := time.Now()
	created := m.now()
	man := Manifest{ID: created.Format(idLayout), CreatedAt: created}

	contents := make(map[string][]byte)
	for _, group := range m.groups() {
		err := m.guard.With(ctx, group.lock, func(context.Context) error {
			for _, src := range group.sources {
				data, err := os.ReadFile(src.Path)
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				if err != nil {
					return fmt.Errorf("read %s: %w", src.Path, err)
				}
				contents[src.Path] = data
			}
			return nil
		})
		if err != nil {
			snapshotsTotal.WithLabelValues("error").Inc()
			return Manifest{}, fmt.Errorf("backup: %w", err)
		}
	}

	objects := make(map[string][]byte, len(contents)+1)
	for _, src := range m.sources {
		data, ok := contents[src.Path]
		if !ok {
			continue
		}
		name, err := m.relName(src.Path)
		if err != nil {
			return Manifest{}, err
		}
		packed := m.enc.EncodeAll(data, nil)
		sum := sha256.Sum256(data)
		man.Files = append(man.Files, FileEntry{
			Name:       name,
			Size:       int64(len(data)),
			Compressed: int64(len(packed)),
			SHA256:     hex.EncodeToString(sum[:]),
		})
		objects[path.Join(man.ID, name+objectSuffix)] = packed
	}
	manData, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("backup: encode manifest: %w", err)
	}

	for _, sink := range m.sinks {
		if err := m.write(ctx, sink, man.ID, objects, manData); err != nil {
			snapshotsTotal.WithLabelValues("error").Inc()
			return Manifest{}, fmt.Errorf("backup: write to %s sink: %w", sink.Name(), err)
		}
		if err := m.prune(ctx, sink); err != nil {
			m.logger.Warn("backup: pruning old snapshots failed",
				zap.String("sink", sink.Name()), zap.Error(err))
		}
	}

	snapshotsTotal.WithLabelValues("success").Inc()
	snapshotDuration.Observe(time.Since(start).Seconds())
	m.logger.Info("backup: snapshot created",
		zap.String("id", man.ID),
		zap.Int("files", len(man.Files)),
		zap.Int("sinks", len(m.sinks)))
	return man, nil
}

// write puts the objects and then the manifest, so a snapshot without a
// manifest is incomplete and never listed.
func (m *Manager) write(ctx context.Context, sink Sink, id string, objects map[string][]byte, manifest []byte) error {
	names := make([]string, 0, len(objects))
	for name := range objects {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := sink.Put(ctx, name, objects[name]); err != nil {
			return err
		}
	}
	return sink.Put(ctx, path.Join(id, manifestName), manifest)
}

// List returns the complete snapshots in the first sink, oldest first.
func (m *Manager) List(ctx context.Context) ([]Manifest, error) {
	sink := m.sinks[0]
	names, err := sink.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("backup: list %s sink: %w", sink.Name(), err)
	}
	var out []Manifest
	for _, name := range names {
		if path.Base(name) != manifestName {
			continue
		}
		man, err := m.manifest(ctx, sink, path.Dir(name))
		if err != nil {
			m.logger.Warn("backup: skipping unreadable manifest", zap.String("name", name), zap.Error(err))
			continue
		}
		out = append(out, man)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Manager) manifest(ctx context.Context, sink Sink, id string) (Manifest, error) {
	data, err := sink.Get(ctx, path.Join(id, manifestName))
	if err != nil {
		return Manifest{}, err
	}
	var man Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", id, err)
	}
	return man, nil
}

// Restore writes the files of snapshot id back into the data directory.
// Every file is decompressed and verified before any is replaced; files
// are then replaced atomically under their source locks.
func (m *Manager) Restore(ctx context.Context, id string) (Manifest, error) {
	sink := m.sinks[0]
	man, err := m.manifest(ctx, sink, id)
	if err != nil {
		return Manifest{}, fmt.Errorf("backup: restore %s: %w", id, err)
	}

	restored := make(map[string][]byte, len(man.Files))
	for _, f := range man.Files {
		packed, err := sink.Get(ctx, path.Join(id, f.Name+objectSuffix))
		if err != nil {
			return Manifest{}, fmt.Errorf("backup: restore %s: %w", f.Name, err)
		}
		data, err := m.dec.DecodeAll(packed, nil)
		if err != nil {
			return Manifest{}, fmt.Errorf("backup: restore %s: %w: %v", f.Name, ErrChecksum, err)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != f.SHA256 || int64(len(data)) != f.Size {
			return Manifest{}, fmt.Errorf("backup: restore %s: %w", f.Name, ErrChecksum)
		}
		dst, err := m.absPath(f.Name)
		if err != nil {
			return Manifest{}, err
		}
		restored[filepath.Clean(dst)] = data
	}

	for _, group := range m.groups() {
		err := m.guard.With(ctx, group.lock, func(context.Context) error {
			for _, src := range group.sources {
				data, ok := restored[filepath.Clean(src.Path)]
				if !ok {
					continue
				}
				if err := os.MkdirAll(filepath.Dir(src.Path), 0o700); err != nil {
					return err
				}
				if err := writeFileAtomic(src.Path, data); err != nil {
					return fmt.Errorf("write %s: %w", src.Path, err)
				}
			}
			return nil
		})
		if err != nil {
			return Manifest{}, fmt.Errorf("backup: restore: %w", err)
		}
	}
	m.logger.Info("backup: snapshot restored", zap.String("id", id), zap.Int("files", len(man.Files)))
	return man, nil
}

// prune deletes the oldest snapshots beyond the retention count.
func (m *Manager) prune(ctx context.Context, sink Sink) error {
	if m.retain < 0 {
		return nil
	}
	names, err := sink.List(ctx, "")
	if err != nil {
		return err
	}
	byID := make(map[string][]string)
	var ids []string
	for _, name := range names {
		id, _, ok := strings.Cut(name, "/")
		if !ok {
			continue
		}
		if _, seen := byID[id]; !seen {
			ids = append(ids, id)
		}
		byID[id] = append(byID[id], name)
	}
	sort.Strings(ids)
	if len(ids) <= m.retain {
		return nil
	}
	for _, id := range ids[:len(ids)-m.retain] {
		for _, name := range byID[id] {
			if err := sink.Delete(ctx, name); err != nil {
				return fmt.Errorf("delete %s: %w", name, err)
			}
		}
		prunedTotal.Inc()
		m.logger.Debug("backup: pruned snapshot", zap.String("sink", sink.Name()), zap.String("id", id))
	}
	return nil
}

type sourceGroup struct {
	lock    string
	sources []Source
}

// groups orders sources by lock path, preserving source order within a
// group. Locks are taken one group at a time, never nested.
func (m *Manager) groups() []sourceGroup {
	var out []sourceGroup
	idx := make(map[string]int)
	for _, src := range m.sources {
		lock := src.Lock
		if lock == "" {
			lock = src.Path
		}
		i, ok := idx[lock]
		if !ok {
			i = len(out)
			idx[lock] = i
			out = append(out, sourceGroup{lock: lock})
		}
		out[i].sources = append(out[i].sources, src)
	}
	return out
}

func (m *Manager) relName(p string) (string, error) {
	rel, err := filepath.Rel(m.dataDir, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("backup: %s is outside %s", p, m.dataDir)
	}
	return filepath.ToSlash(rel), nil
}

func (m *Manager) absPath(name string) (string, error) {
	p := filepath.Join(m.dataDir, filepath.FromSlash(name))
	if _, err := m.relName(p); err != nil {
		return "", err
	}
	return p, nil
}
