// Package filetable owns the set of on-disk data files backing a store: the
// single active (append-only) file plus every sealed (read-only) file,
// guarded by a single mutex matching the "FilesMutex" described in spec.md
// §5 ("protects the sealed-files set, consulted by reads ... mutated only
// by merge install/unlink").
package filetable

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/litecask-go/litecask/internal/datafile"
)

// Table tracks every data file belonging to a store.
type Table struct {
	mu sync.Mutex

	dir              string
	dataFileMaxBytes uint64

	active *datafile.File
	sealed map[uint16]*datafile.File
	nextID uint16
}

// New creates an empty table rooted at dir.
func New(dir string, dataFileMaxBytes uint64) *Table {
	return &Table{
		dir:              dir,
		dataFileMaxBytes: dataFileMaxBytes,
		sealed:           make(map[uint16]*datafile.File),
	}
}

// DataPath returns the on-disk path for data file id.
func (t *Table) DataPath(id uint16) string {
	return filepath.Join(t.dir, fmt.Sprintf("%d.data", id))
}

// HintPath returns the on-disk path for the hint file companion of id.
func (t *Table) HintPath(id uint16) string {
	return filepath.Join(t.dir, fmt.Sprintf("%d.hint", id))
}

// AdoptActive installs f as the active file during open/recovery, and
// advances nextID past it.
func (t *Table) AdoptActive(f *datafile.File) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = f
	if f.Id >= t.nextID {
		t.nextID = f.Id + 1
	}
}

// AdoptSealed installs f as an already-sealed file during open/recovery.
func (t *Table) AdoptSealed(f *datafile.File) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed[f.Id] = f
	if f.Id >= t.nextID {
		t.nextID = f.Id + 1
	}
}

// Active returns the current active file, or nil if none has been created yet.
func (t *Table) Active() *datafile.File {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Get returns the file (active or sealed) for fileId.
func (t *Table) Get(fileId uint16) (*datafile.File, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active != nil && t.active.Id == fileId {
		return t.active, true
	}
	f, ok := t.sealed[fileId]
	return f, ok
}

// Sealed returns a snapshot slice of every sealed (non-active) file.
func (t *Table) Sealed() []*datafile.File {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*datafile.File, 0, len(t.sealed))
	for _, f := range t.sealed {
		out = append(out, f)
	}
	return out
}

// AppendResult describes the outcome of AppendActive, including whether an
// active-file switch occurred so the caller can update
// activeDataFileSwitchQty / dataFileCreationQty.
type AppendResult struct {
	FileID      uint16
	Offset      uint64
	CreatedNew  bool
	SealedOldID uint16
	HadOld      bool
}

// AppendActive writes entry into the active file, sealing it and creating a
// fresh active file first if appending would exceed dataFileMaxBytes (or no
// active file exists yet).
func (t *Table) AppendActive(entry *datafile.DataFileEntry) (AppendResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result AppendResult

	entrySize := uint64(entry.EncodedSize())
	needSwitch := t.active == nil || t.active.Size()+entrySize > t.dataFileMaxBytes

	if needSwitch {
		if t.active != nil {
			if err := t.active.Seal(); err != nil {
				return result, err
			}
			t.sealed[t.active.Id] = t.active
			result.HadOld = true
			result.SealedOldID = t.active.Id
		}
		id := t.nextID
		t.nextID++
		f, err := datafile.Create(t.DataPath(id), id)
		if err != nil {
			return result, err
		}
		t.active = f
		result.CreatedNew = true
	}

	offset, err := t.active.Append(entry)
	if err != nil {
		return result, err
	}
	t.active.Bytes.Add(entrySize)
	t.active.EntryQty.Inc()
	result.FileID = t.active.Id
	result.Offset = offset
	return result, nil
}

// SealActiveForMerge seals the current active file and opens a fresh one, so
// merge can safely iterate every previously-sealed file (including the one
// just sealed) while ingest continues against the new active file. It
// returns the freshly-sealed file, or nil if there was no active file yet.
func (t *Table) SealActiveForMerge() (*datafile.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == nil {
		return nil, nil
	}
	if err := t.active.Seal(); err != nil {
		return nil, err
	}
	sealed := t.active
	t.sealed[sealed.Id] = sealed

	id := t.nextID
	t.nextID++
	f, err := datafile.Create(t.DataPath(id), id)
	if err != nil {
		return nil, err
	}
	t.active = f
	return sealed, nil
}

// CreateMergeOutput reserves a fresh file id and creates a new writable data
// file for merge to write compacted records into. The caller seals it and
// passes it to InstallMerged once full.
func (t *Table) CreateMergeOutput() (*datafile.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	return datafile.Create(t.DataPath(id), id)
}

// InstallMerged swaps a set of old sealed file ids out for a set of newly
// written replacement files, closing the old files and removing their .data
// and .hint files from disk.
func (t *Table) InstallMerged(oldIDs []uint16, newFiles []*datafile.File) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, f := range newFiles {
		t.sealed[f.Id] = f
		if f.Id >= t.nextID {
			t.nextID = f.Id + 1
		}
	}
	for _, id := range oldIDs {
		if f, ok := t.sealed[id]; ok {
			f.Close()
			delete(t.sealed, id)
		}
		_ = os.Remove(t.DataPath(id))
		_ = os.Remove(t.HintPath(id))
	}
	return nil
}

// CloseAll closes every file handle (active + sealed), collecting every
// error encountered rather than stopping at the first.
func (t *Table) CloseAll() []error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	if t.active != nil {
		if err := t.active.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, f := range t.sealed {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
