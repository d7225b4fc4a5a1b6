// Package checkpoint persists changelog offsets per task and drives the
// commit cycle that keeps local state, changelog topics, and consumer group
// offsets consistent.
package checkpoint

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// TopicPartition identifies a changelog partition in a checkpoint file.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

const (
	// OffsetUnknown is the sentinel written when a store's changelog offset
	// is not known. Recovery treats it as "replay from the beginning".
	// -1 through -3 collide with broker sentinels, hence -4.
	OffsetUnknown = int64(-4)

	fileVersion = 0
)

// File stores the last consumed changelog offset per partition in a plain
// text file:
//
//	line 1:  format version
//	line 2:  entry count
//	line 3+: "<topic> <partition> <offset>"
//
// Writes are atomic (temp file, fsync, rename, directory fsync) so a crash
// mid-write leaves either the old file or the new one, never a torn file.
type File struct {
	path string
	mu   sync.Mutex
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string { return f.path }

// Read loads the checkpoint. A missing file yields an empty map; a malformed
// file is an error, since silently accepting a torn checkpoint would replay
// from the wrong offset.
func (f *File) Read() (map[TopicPartition]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[TopicPartition]int64), nil
		}
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)

	if !scanner.Scan() {
		return nil, fmt.Errorf("checkpoint file is empty")
	}
	version, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint version: %w", err)
	}
	if version != fileVersion {
		return nil, fmt.Errorf("unknown checkpoint version %d", version)
	}

	if !scanner.Scan() {
		return nil, fmt.Errorf("checkpoint missing entry count")
	}
	expected, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint entry count: %w", err)
	}

	offsets := make(map[TopicPartition]int64)
	line := 2
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			return nil, fmt.Errorf("line %d: unexpected empty line", line)
		}

		parts := strings.Fields(text)
		if len(parts) != 3 {
			return nil, fmt.Errorf("line %d: expected 3 fields, got %d", line, len(parts))
		}

		partition, err := strconv.ParseInt(parts[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid partition: %w", line, err)
		}
		offset, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid offset: %w", line, err)
		}
		if !validOffset(offset) {
			return nil, fmt.Errorf("line %d: invalid offset %d", line, offset)
		}

		offsets[TopicPartition{Topic: parts[0], Partition: int32(partition)}] = offset
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	if len(offsets) != expected {
		return nil, fmt.Errorf("checkpoint expected %d entries, found %d", expected, len(offsets))
	}
	return offsets, nil
}

// Write persists the offsets atomically. Writing an empty map deletes the
// file.
func (f *File) Write(offsets map[TopicPartition]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(offsets) == 0 {
		return f.remove()
	}

	for tp, offset := range offsets {
		if !validOffset(offset) {
			return fmt.Errorf("invalid offset %d for %s", offset, tp)
		}
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}

	tmp := f.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}

	w := bufio.NewWriter(file)
	fmt.Fprintf(w, "%d\n", fileVersion)
	fmt.Fprintf(w, "%d\n", len(offsets))
	for tp, offset := range offsets {
		fmt.Fprintf(w, "%s %d %d\n", tp.Topic, tp.Partition, offset)
	}

	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}

	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	// Rename is only durable once the directory entry is flushed.
	if runtime.GOOS != "windows" {
		dirFile, err := os.Open(dir)
		if err != nil {
			return fmt.Errorf("open checkpoint directory: %w", err)
		}
		defer dirFile.Close()
		if err := dirFile.Sync(); err != nil {
			return fmt.Errorf("fsync checkpoint directory: %w", err)
		}
	}
	return nil
}

// Delete removes the checkpoint file, e.g. before wiping local state.
func (f *File) Delete() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remove()
}

func (f *File) remove() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func validOffset(offset int64) bool {
	return offset >= 0 || offset == OffsetUnknown
}
