package datafile

import (
	"bufio"
	"bytes"
	"io"
	"iter"
	"os"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/atomic"

	"github.com/litecask-go/litecask/util"
)

// File wraps a single numbered data file (`<N>.data`). The active file is
// opened for append; every other file is sealed and opened read-only. A
// sealed file's body is memory-mapped once at open, so random-offset reads
// (ReadEntryAt, and every merge/reconstruction scan) hit mapped pages instead
// of a pread syscall per record; the active file still reads through a
// util.FileWrapper since it is still being extended.
type File struct {
	Id   uint16
	Path string

	file     *os.File
	writable bool
	mapped   mmap.MMap

	// writeOffset is only meaningful while the file is the active, writable one.
	writeOffset uint64

	Bytes       atomic.Uint64
	EntryQty    atomic.Uint64
	DeadBytes   atomic.Uint64
	DeadEntries atomic.Uint64
	TombBytes   atomic.Uint64
	TombEntries atomic.Uint64
}

// Create creates a brand-new, empty, writable data file.
func Create(path string, id uint16) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{Id: id, Path: path, file: f, writable: true}, nil
}

// OpenForAppend reopens an existing file (the previously-active one, on a
// fresh process start) in append-capable mode, positioning writeOffset at its
// current end.
func OpenForAppend(path string, id uint16) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &File{Id: id, Path: path, file: f, writable: true, writeOffset: uint64(info.Size())}, nil
}

// OpenReadOnly opens a sealed data file for reads only, memory-mapping its
// contents so ReadEntryAt and Entries can read directly out of mapped pages.
func OpenReadOnly(path string, id uint16) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0o644)
	if err != nil {
		return nil, err
	}

	out := &File{Id: id, Path: path, file: f, writable: false}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.Size() > 0 {
		m, err := mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		out.mapped = m
	}
	return out, nil
}

// Close releases the underlying mapping, if any, and file descriptor.
func (f *File) Close() error {
	if f.mapped != nil {
		if err := f.mapped.Unmap(); err != nil {
			return err
		}
		f.mapped = nil
	}
	if f.file == nil {
		return nil
	}
	return f.file.Close()
}

// Sync flushes any OS-buffered writes to durable storage.
func (f *File) Sync() error {
	return f.file.Sync()
}

// Size returns the number of bytes written so far.
func (f *File) Size() uint64 {
	return f.writeOffset
}

// Seal reopens the file read-only, closing the writable descriptor, and
// memory-maps its now-final contents. Called when the active file is rolled
// over to a new one.
func (f *File) Seal() error {
	if err := f.file.Close(); err != nil {
		return err
	}
	ro, err := os.OpenFile(f.Path, os.O_RDONLY, 0o644)
	if err != nil {
		return err
	}
	f.file = ro
	f.writable = false

	if f.writeOffset > 0 {
		m, err := mmap.Map(f.file, mmap.RDONLY, 0)
		if err != nil {
			return err
		}
		f.mapped = m
	}
	return nil
}

// Append writes entry at the current end of the file and returns the byte
// offset it was written at. The caller is responsible for any fsync policy;
// Append itself only performs the write.
func (f *File) Append(entry *DataFileEntry) (offset uint64, err error) {
	offset = f.writeOffset
	fw := util.NewFileWrapperAt(f.file, offset)
	n, err := entry.WriteTo(&fw)
	if err != nil {
		return offset, err
	}
	f.writeOffset += uint64(n)
	return offset, nil
}

// readerFrom returns a reader positioned at offset: a zero-copy slice of the
// mapped pages for a sealed file, or a util.FileWrapper-backed pread for the
// still-writable active file.
func (f *File) readerFrom(offset uint64) io.Reader {
	if f.mapped != nil {
		if offset >= uint64(len(f.mapped)) {
			return bytes.NewReader(nil)
		}
		return bytes.NewReader(f.mapped[offset:])
	}
	fw := util.NewFileWrapperAt(f.file, offset)
	return &fw
}

// ReadEntryAt reads and CRC-verifies the record at the given byte offset.
func (f *File) ReadEntryAt(offset uint64) (DataFileEntry, error) {
	r := f.readerFrom(offset)
	crc, ts, ttl, keySize, indexQty, valueSize, tombstone, err := DecodeHeader(r)
	if err != nil {
		return DataFileEntry{}, err
	}
	return ReadEntry(r, crc, ts, ttl, keySize, indexQty, valueSize, tombstone)
}

// LoadedEntry pairs a decoded record with the byte offset it was read from.
type LoadedEntry struct {
	Offset uint64
	Entry  DataFileEntry
}

// Entries iterates every record from the start of the file in order. A short
// read or CRC mismatch is treated as a truncated tail (per spec.md §4.B): the
// iteration stops there without yielding an error for that final, partial
// record.
func (f *File) Entries() iter.Seq2[LoadedEntry, error] {
	return func(yield func(LoadedEntry, error) bool) {
		r := bufio.NewReader(f.readerFrom(0))
		var offset uint64
		for {
			crc, ts, ttl, keySize, indexQty, valueSize, tombstone, err := DecodeHeader(r)
			if err != nil {
				if err != io.EOF && err != io.ErrUnexpectedEOF {
					yield(LoadedEntry{}, err)
				}
				return
			}
			entry, err := ReadEntry(r, crc, ts, ttl, keySize, indexQty, valueSize, tombstone)
			if err != nil {
				if err == ErrCorrupted || err == io.ErrUnexpectedEOF {
					return
				}
				yield(LoadedEntry{}, err)
				return
			}
			loaded := LoadedEntry{Offset: offset, Entry: entry}
			offset += uint64(entry.EncodedSize())
			if !yield(loaded, nil) {
				return
			}
		}
	}
}

// TruncateToLastValid scans the file from the start and truncates it to the
// byte offset just past the last fully valid record, discarding any trailing
// partial write. It returns the resulting file size.
func (f *File) TruncateToLastValid() (uint64, error) {
	var lastGood uint64
	for loaded, err := range f.Entries() {
		if err != nil {
			return 0, err
		}
		lastGood = loaded.Offset + uint64(loaded.Entry.EncodedSize())
	}
	if err := f.file.Truncate(int64(lastGood)); err != nil {
		return 0, err
	}
	f.writeOffset = lastGood
	return lastGood, nil
}

// WriteHintFile writes a hint file summarising every entry passed.
func WriteHintFile(path string, entries []HintFileEntry) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for i := range entries {
		if _, err := entries[i].WriteTo(w); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// LoadHintFile reads every entry out of a hint file in order.
func LoadHintFile(path string) ([]HintFileEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var out []HintFileEntry
	for {
		e, err := ReadHintEntry(r)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
