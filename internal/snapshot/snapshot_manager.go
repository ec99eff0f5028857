package snapshot

// ============================================================================
// Archive store
// Responsibility:
// 1. Persist one JSON archive per snapshot package (temp file + rename)
// 2. Verify schema version and checksum on load
// 3. Enumerate archives per kind and apply retention
//
// Layout:
//
//	<dir>/full/snapshot-<slot>.json
//	<dir>/incremental/incremental-snapshot-<base>-<slot>.json
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/ChuLiYu/eah-pipeline/pkg/types"
)

// SchemaVersion is the archive format version written by this package.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot: archive file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot: archive schema version is incompatible")
	ErrChecksumMismatch    = errors.New("snapshot: archive checksum mismatch")
	ErrNotSnapshot         = errors.New("snapshot: package kind is not archivable")
	ErrInvalidPackage      = errors.New("snapshot: invalid package")
)

const (
	fullDir        = "full"
	incrementalDir = "incremental"
	fullPrefix     = "snapshot-"
	incPrefix      = "incremental-snapshot-"
	archiveExt     = ".json"
)

// Archive is the on-disk record of one snapshot package.
type Archive struct {
	SchemaVer  int           `json:"schema_version"`
	Package    types.Package `json:"package"`
	ArchivedAt int64         `json:"archived_at"` // Unix milliseconds
	Checksum   string        `json:"checksum"`    // blake2b-256 of the package JSON
}

// Info describes an archive found on disk.
type Info struct {
	Kind     types.PackageKind
	Slot     types.Slot
	BaseSlot types.Slot
	Path     string
}

// Config controls where archives go and how many are kept.
// A zero limit keeps everything.
type Config struct {
	Dir                    string
	MaxFullArchives        int
	MaxIncrementalArchives int
}

// Manager owns the archive directory.
type Manager struct {
	cfg Config
	mu  sync.Mutex
	now func() time.Time
}

// NewManager creates the archive directories if needed.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("snapshot: archive dir is required")
	}
	for _, d := range []string{fullDir, incrementalDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, d), 0o755); err != nil {
			return nil, fmt.Errorf("snapshot: create %s dir: %w", d, err)
		}
	}
	return &Manager{cfg: cfg, now: time.Now}, nil
}

// Dir returns the archive root directory.
func (m *Manager) Dir() string {
	return m.cfg.Dir
}

// PathFor returns the archive path of pkg.
func (m *Manager) PathFor(pkg *types.Package) (string, error) {
	switch pkg.Kind {
	case types.PackageFullSnapshot:
		return filepath.Join(m.cfg.Dir, fullDir, fmt.Sprintf("%s%d%s", fullPrefix, pkg.Slot, archiveExt)), nil
	case types.PackageIncrementalSnapshot:
		return filepath.Join(m.cfg.Dir, incrementalDir,
			fmt.Sprintf("%s%d-%d%s", incPrefix, pkg.BaseSlot, pkg.Slot, archiveExt)), nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotSnapshot, pkg.Kind)
}

// Write archives pkg atomically.
//
// An archive that already exists for the same slot is left untouched and
// written is false, so re-delivering a package is harmless.
func (m *Manager) Write(pkg *types.Package) (path string, written bool, err error) {
	if pkg == nil {
		return "", false, ErrInvalidPackage
	}
	path, err = m.PathFor(pkg)
	if err != nil {
		return "", false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}

	sum, err := checksum(pkg)
	if err != nil {
		return "", false, err
	}
	archive := Archive{
		SchemaVer:  SchemaVersion,
		Package:    *pkg,
		ArchivedAt: m.now().UnixMilli(),
		Checksum:   sum,
	}
	data, err := json.MarshalIndent(archive, "", "  ")
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal archive: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", false, fmt.Errorf("failed to write temp archive: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", false, fmt.Errorf("failed to rename archive: %w", err)
	}
	return path, true, nil
}

// Load reads and verifies the archive at path.
func Load(path string) (*Archive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}

	var archive Archive
	if err := json.Unmarshal(data, &archive); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if archive.SchemaVer != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, archive.SchemaVer, SchemaVersion)
	}
	sum, err := checksum(&archive.Package)
	if err != nil {
		return nil, err
	}
	if sum != archive.Checksum {
		return nil, fmt.Errorf("%w: slot %d", ErrChecksumMismatch, archive.Package.Slot)
	}
	return &archive, nil
}

func checksum(pkg *types.Package) (string, error) {
	data, err := json.Marshal(pkg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal package: %w", err)
	}
	sum := blake2b.Sum256(data)
	return fmt.Sprintf("%x", sum), nil
}

// ============================================================================
// Enumeration and retention
// ============================================================================

// List returns the archives of kind ordered by slot.
func (m *Manager) List(kind types.PackageKind) ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(kind)
}

func (m *Manager) listLocked(kind types.PackageKind) ([]Info, error) {
	var dir, prefix string
	switch kind {
	case types.PackageFullSnapshot:
		dir, prefix = fullDir, fullPrefix
	case types.PackageIncrementalSnapshot:
		dir, prefix = incrementalDir, incPrefix
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotSnapshot, kind)
	}

	entries, err := os.ReadDir(filepath.Join(m.cfg.Dir, dir))
	if err != nil {
		return nil, err
	}

	var out []Info
	for _, e := range entries {
		info, ok := parseName(kind, prefix, e.Name())
		if !ok || e.IsDir() {
			continue
		}
		info.Path = filepath.Join(m.cfg.Dir, dir, e.Name())
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

func parseName(kind types.PackageKind, prefix, name string) (Info, bool) {
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, archiveExt) {
		return Info{}, false
	}
	core := strings.TrimSuffix(strings.TrimPrefix(name, prefix), archiveExt)

	info := Info{Kind: kind}
	if kind == types.PackageIncrementalSnapshot {
		var base, slot uint64
		if n, err := fmt.Sscanf(core, "%d-%d", &base, &slot); err != nil || n != 2 {
			return Info{}, false
		}
		info.BaseSlot, info.Slot = types.Slot(base), types.Slot(slot)
		return info, true
	}
	var slot uint64
	if n, err := fmt.Sscanf(core, "%d", &slot); err != nil || n != 1 {
		return Info{}, false
	}
	info.Slot = types.Slot(slot)
	return info, true
}

// Highest returns the archive of kind with the highest slot.
func (m *Manager) Highest(kind types.PackageKind) (Info, bool, error) {
	list, err := m.List(kind)
	if err != nil || len(list) == 0 {
		return Info{}, false, err
	}
	return list[len(list)-1], true, nil
}

// Prune applies retention and returns the number of archives removed.
//
// The newest MaxFullArchives full archives are kept. Incremental archives
// whose base is older than the oldest kept full archive are removed, then
// the newest MaxIncrementalArchives of the rest are kept.
func (m *Manager) Prune() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fulls, err := m.listLocked(types.PackageFullSnapshot)
	if err != nil {
		return 0, err
	}
	incs, err := m.listLocked(types.PackageIncrementalSnapshot)
	if err != nil {
		return 0, err
	}

	var doomed []Info
	if limit := m.cfg.MaxFullArchives; limit > 0 && len(fulls) > limit {
		doomed = append(doomed, fulls[:len(fulls)-limit]...)
		fulls = fulls[len(fulls)-limit:]
	}

	var kept []Info
	for _, inc := range incs {
		if len(fulls) > 0 && inc.BaseSlot < fulls[0].Slot {
			doomed = append(doomed, inc)
			continue
		}
		kept = append(kept, inc)
	}
	if limit := m.cfg.MaxIncrementalArchives; limit > 0 && len(kept) > limit {
		doomed = append(doomed, kept[:len(kept)-limit]...)
	}

	removed := 0
	var errs []error
	for _, d := range doomed {
		if err := os.Remove(d.Path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
