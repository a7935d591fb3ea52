// Package scheduler implements the background merge and upkeep work
// described in spec.md §4.H: compacting sealed data files with excess dead
// bytes into a smaller set of replacement files (preserving tombstones that
// still mask an older value living in a file left out of the merge), and
// driving the periodic maintenance ticks (KeyDir resize progress, value-cache
// queue rebalancing, tag-index tombstone cleaning).
package scheduler

import (
	"sort"

	"go.uber.org/zap"

	"github.com/litecask-go/litecask/internal/datafile"
	"github.com/litecask-go/litecask/internal/filetable"
	"github.com/litecask-go/litecask/internal/keydir"
	"github.com/litecask-go/litecask/internal/metrics"
	"github.com/litecask-go/litecask/internal/tagindex"
)

// MergeThresholds mirrors the merge-related fields of the root Config, kept
// as a separate internal type to avoid importing the root package.
type MergeThresholds struct {
	DataFileMaxBytes uint64

	TriggerFragmentationPercentage uint32
	TriggerDeadByteThreshold       uint64

	SelectFragmentationPercentage uint32
	SelectDeadByteThreshold       uint64
	SelectSmallSizeThreshold      uint64
}

// MergeDeps bundles the shared state a merge cycle touches.
type MergeDeps struct {
	Files    *filetable.Table
	KeyDir   *keydir.KeyDir
	Tags     *tagindex.TagIndex
	Counters *metrics.DatastoreCounters
	Logger   *zap.Logger
}

// survivor is a single record selected to carry forward into the merged
// output, alongside the (file, offset) it previously lived at so a live
// record's KeyDir entry can be redirected once it has been rewritten.
type survivor struct {
	entry       *datafile.DataFileEntry
	oldFileId   uint16
	oldOffset   uint64
	patchKeyDir bool
}

// RunMergeCycle evaluates every sealed file against the trigger thresholds
// and, if any qualify, compacts every file meeting the looser select
// thresholds into a smaller replacement set. It returns whether a merge
// actually ran (as opposed to a no-op cycle where nothing qualified).
func RunMergeCycle(d *MergeDeps, thresholds MergeThresholds) (bool, error) {
	d.Counters.MergeCycleQty.Inc()

	// Sealing the active file first means ingest keeps flowing against a
	// fresh file while merge only ever looks at already-sealed files; it
	// also makes the file just rotated out of active duty a merge candidate
	// in this very cycle rather than having to wait for the next one.
	if _, err := d.Files.SealActiveForMerge(); err != nil {
		return false, err
	}

	candidates := d.Files.Sealed()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Id < candidates[j].Id })

	triggered := false
	for _, f := range candidates {
		if fileTriggersMerge(f, thresholds) {
			triggered = true
			break
		}
	}
	if !triggered {
		return false, nil
	}

	selectedSet := make(map[uint16]*datafile.File)
	for _, f := range candidates {
		if fileTriggersMerge(f, thresholds) || fileEligibleForSelect(f, thresholds) {
			selectedSet[f.Id] = f
		}
	}
	if len(selectedSet) == 0 {
		return false, nil
	}

	var selected, unselected []*datafile.File
	for _, f := range candidates {
		if _, in := selectedSet[f.Id]; in {
			selected = append(selected, f)
		} else {
			unselected = append(unselected, f)
		}
	}

	preserve, err := tombstonesToPreserve(selected, unselected)
	if err != nil {
		return false, err
	}

	survivors, err := collectSurvivors(selected, d.KeyDir, preserve)
	if err != nil {
		return false, err
	}

	newFiles, err := writeMergedFiles(d.Files, d.KeyDir, survivors, thresholds.DataFileMaxBytes)
	if err != nil {
		for _, nf := range newFiles {
			_ = nf.Close()
		}
		return false, err
	}

	selectedIDs := make([]uint16, 0, len(selected))
	for _, f := range selected {
		selectedIDs = append(selectedIDs, f.Id)
	}
	if err := d.Files.InstallMerged(selectedIDs, newFiles); err != nil {
		return false, err
	}

	d.Counters.MergeCycleWithMergeQty.Inc()
	if len(selected) > len(newFiles) {
		d.Counters.MergeGainedDataFileQty.Add(uint64(len(selected) - len(newFiles)))
	}
	var before, after uint64
	for _, f := range selected {
		before += f.Bytes.Load()
	}
	for _, f := range newFiles {
		after += f.Bytes.Load()
	}
	if before > after {
		d.Counters.MergeGainedBytes.Add(before - after)
	}
	d.Counters.HintFileCreatedQty.Add(uint64(len(newFiles)))

	if d.Logger != nil {
		d.Logger.Info("merge cycle compacted data files",
			zap.Int("filesIn", len(selected)),
			zap.Int("filesOut", len(newFiles)),
			zap.Uint64("bytesReclaimed", before-after),
		)
	}

	return true, nil
}

func fileFragmentationPercent(f *datafile.File) uint32 {
	total := f.Bytes.Load()
	if total == 0 {
		return 0
	}
	return uint32(f.DeadBytes.Load() * 100 / total)
}

func fileTriggersMerge(f *datafile.File, th MergeThresholds) bool {
	return fileFragmentationPercent(f) >= th.TriggerFragmentationPercentage ||
		f.DeadBytes.Load() >= th.TriggerDeadByteThreshold
}

func fileEligibleForSelect(f *datafile.File, th MergeThresholds) bool {
	return fileFragmentationPercent(f) >= th.SelectFragmentationPercentage ||
		f.DeadBytes.Load() >= th.SelectDeadByteThreshold ||
		f.Bytes.Load() < th.SelectSmallSizeThreshold
}

// tombstonesToPreserve scans every selected file for tombstone keys, then
// scans every unselected file for a live (non-tombstone) record of that same
// key. A tombstone is preserved in the merged output iff some unselected file
// still holds a record that would otherwise resurface as the newest-known
// version of the key on a full from-disk reconstruction, per spec.md §4.H.d.
func tombstonesToPreserve(selected, unselected []*datafile.File) (map[string]bool, error) {
	tombstoneKeys := make(map[string]bool)
	for _, f := range selected {
		for loaded, err := range f.Entries() {
			if err != nil {
				return nil, err
			}
			if loaded.Entry.Tombstone {
				tombstoneKeys[string(loaded.Entry.Key)] = true
			}
		}
	}
	if len(tombstoneKeys) == 0 {
		return nil, nil
	}

	preserve := make(map[string]bool)
	for _, f := range unselected {
		for loaded, err := range f.Entries() {
			if err != nil {
				return nil, err
			}
			if !loaded.Entry.Tombstone && tombstoneKeys[string(loaded.Entry.Key)] {
				preserve[string(loaded.Entry.Key)] = true
			}
		}
	}
	return preserve, nil
}

// collectSurvivors walks every selected file in ascending file-id order and
// keeps: every record that is still the KeyDir-authoritative copy of its key
// (a live value), and the chronologically-last tombstone for any key whose
// tombstone must be preserved. Earlier, now-superseded copies of both kinds
// are simply dropped.
func collectSurvivors(selected []*datafile.File, kd *keydir.KeyDir, preserve map[string]bool) ([]survivor, error) {
	var out []survivor
	tombIdx := make(map[string]int)

	for _, f := range selected {
		for loaded, err := range f.Entries() {
			if err != nil {
				return nil, err
			}
			key := loaded.Entry.Key

			if loaded.Entry.Tombstone {
				if !preserve[string(key)] {
					continue
				}
				entryCopy := loaded.Entry
				sv := survivor{entry: &entryCopy, oldFileId: f.Id, oldOffset: loaded.Offset}
				if idx, ok := tombIdx[string(key)]; ok {
					out[idx] = sv
				} else {
					tombIdx[string(key)] = len(out)
					out = append(out, sv)
				}
				continue
			}

			chunk, found := kd.Find(key)
			if !found || chunk.Tombstone || chunk.FileId != f.Id || chunk.FileOffset != uint32(loaded.Offset) {
				continue
			}
			entryCopy := loaded.Entry
			out = append(out, survivor{entry: &entryCopy, oldFileId: f.Id, oldOffset: loaded.Offset, patchKeyDir: true})
		}
	}
	return out, nil
}

// writeMergedFiles packs survivors into one or more fresh data files (each
// capped at dataFileMaxBytes), writes a companion hint file for each, and
// redirects every live survivor's KeyDir entry to its new location via a
// compare-and-swap against the location it was read from (so a write that
// raced with this merge and landed a newer version is never clobbered).
func writeMergedFiles(files *filetable.Table, kd *keydir.KeyDir, survivors []survivor, dataFileMaxBytes uint64) ([]*datafile.File, error) {
	var newFiles []*datafile.File
	var cur *datafile.File
	var curHints []datafile.HintFileEntry

	seal := func() error {
		if cur == nil {
			return nil
		}
		hints := curHints
		id := cur.Id
		if err := cur.Seal(); err != nil {
			return err
		}
		if err := datafile.WriteHintFile(files.HintPath(id), hints); err != nil {
			return err
		}
		newFiles = append(newFiles, cur)
		cur = nil
		curHints = nil
		return nil
	}

	for _, sv := range survivors {
		entrySize := uint64(sv.entry.EncodedSize())
		if cur == nil || cur.Size()+entrySize > dataFileMaxBytes {
			if err := seal(); err != nil {
				return newFiles, err
			}
			f, err := files.CreateMergeOutput()
			if err != nil {
				return newFiles, err
			}
			cur = f
		}

		offset, err := cur.Append(sv.entry)
		if err != nil {
			return newFiles, err
		}
		cur.Bytes.Add(entrySize)
		cur.EntryQty.Inc()

		if sv.patchKeyDir {
			kd.UpdateMergedLocation(sv.entry.Key, sv.oldFileId, uint32(sv.oldOffset), cur.Id, uint32(offset))
		}

		valueOffset := offset + uint64(datafile.DataHeaderSize+len(sv.entry.Key)+2*len(sv.entry.Indexes))
		curHints = append(curHints, datafile.HintFileEntry{
			TimestampSec:          sv.entry.TimestampSec,
			TTLSec:                sv.entry.TTLSec,
			ValueOffsetInDataFile: uint32(valueOffset),
			Key:                   sv.entry.Key,
			Indexes:               sv.entry.Indexes,
			Tombstone:             sv.entry.Tombstone,
			ValueSize:             uint32(len(sv.entry.Value)),
		})
	}
	if err := seal(); err != nil {
		return newFiles, err
	}
	return newFiles, nil
}
